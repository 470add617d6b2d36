package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chittyos/chittycore/pkg/chittyid"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// Verdict is a security scan outcome. Flagged results annotate the run;
// blocked results abort it.
type Verdict string

const (
	VerdictClean   Verdict = "clean"
	VerdictFlagged Verdict = "flagged"
	VerdictBlocked Verdict = "blocked"
)

// ScanResult is one security scan's finding.
type ScanResult struct {
	Scan    string  `json:"scan"`
	Verdict Verdict `json:"verdict"`
	Detail  string  `json:"detail,omitempty"`
}

// MalwareScanner is the seam for a real content scanner. The default
// implementation reports clean unconditionally.
type MalwareScanner interface {
	Scan(ctx context.Context, content []byte) (ScanResult, error)
}

type noopMalwareScanner struct{}

// NoopMalwareScanner reports every payload clean. It exists so the scan
// slot is wired even before a provider is.
func NoopMalwareScanner() MalwareScanner { return noopMalwareScanner{} }

func (noopMalwareScanner) Scan(context.Context, []byte) (ScanResult, error) {
	return ScanResult{Scan: "malware", Verdict: VerdictClean, Detail: "no provider configured"}, nil
}

// injectionPatterns are hostile substrings screened out of filenames and
// metadata values before anything touches storage.
var injectionPatterns = []string{
	"../", "..\\",
	"<script", "javascript:",
	"union select", "drop table", "insert into", "delete from",
	"' or ", "'or'", "${", "$(",
}

// piiPatterns flag payloads that look like they carry raw personal data.
// Detection only; redaction is an enrichment concern.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),  // SSN-shaped
	regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`), // PAN-shaped
	regexp.MustCompile(`\b\d{9}\b`),             // bare tax id
}

// identifierMetadataKeys are metadata fields whose values claim to be
// ChittyIDs and therefore must survive the format gate.
var identifierMetadataKeys = []string{"chitty_id", "chittyId", "parent_chitty_id", "parentChittyId"}

// runScans executes the validation-stage security scans in a fixed order
// and returns every finding. The caller aborts on the first blocked result.
func (r *Runner) runScans(ctx context.Context, in Input) ([]ScanResult, error) {
	results := []ScanResult{
		scanInjection(in),
		scanEncodedPayload(in),
		scanPII(in),
		scanFakeIdentifiers(in),
	}
	malware, err := r.scanner.Scan(ctx, in.Content)
	if err != nil {
		return results, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "malware scan failed", err)
	}
	results = append(results, malware)
	return results, nil
}

// blockedFault maps a blocked scan to its abort fault.
func blockedFault(res ScanResult) error {
	code := contracts.CodeInjectionDetected
	switch res.Scan {
	case "encoded_payload":
		code = contracts.CodeEncodedPayload
	case "fake_identifier":
		code = contracts.CodeFakeIdentifier
	}
	return contracts.Faultf(code, "security scan %s blocked the submission: %s", res.Scan, res.Detail)
}

func scanInjection(in Input) ScanResult {
	for _, value := range scanTargets(in) {
		lower := strings.ToLower(value)
		for _, pattern := range injectionPatterns {
			if strings.Contains(lower, pattern) {
				return ScanResult{
					Scan:    "injection",
					Verdict: VerdictBlocked,
					Detail:  fmt.Sprintf("hostile substring %q", pattern),
				}
			}
		}
	}
	return ScanResult{Scan: "injection", Verdict: VerdictClean}
}

func scanEncodedPayload(in Input) ScanResult {
	for _, value := range scanTargets(in) {
		lower := strings.ToLower(value)
		if strings.Contains(lower, "\\x") || strings.Contains(lower, "\\u") || strings.Contains(lower, "&#") || percentEscaped(lower) {
			return ScanResult{Scan: "encoded_payload", Verdict: VerdictBlocked, Detail: "escape sequence in filename or metadata"}
		}
	}
	return ScanResult{Scan: "encoded_payload", Verdict: VerdictClean}
}

// scanPII flags but never blocks: evidence legitimately carries personal
// data, the flag routes it to the redaction enricher.
func scanPII(in Input) ScanResult {
	for _, re := range piiPatterns {
		if re.Match(in.Content) {
			return ScanResult{Scan: "pii", Verdict: VerdictFlagged, Detail: "content matches a personal-data pattern"}
		}
	}
	return ScanResult{Scan: "pii", Verdict: VerdictClean}
}

func scanFakeIdentifiers(in Input) ScanResult {
	for _, key := range identifierMetadataKeys {
		raw, ok := in.Metadata[key]
		if !ok {
			continue
		}
		claimed, ok := raw.(string)
		if !ok || claimed == "" {
			continue
		}
		if chittyid.IsFallback(claimed) {
			return ScanResult{
				Scan:    "fake_identifier",
				Verdict: VerdictBlocked,
				Detail:  fmt.Sprintf("metadata %s carries a fallback sentinel, not an identifier", key),
			}
		}
		if _, err := chittyid.FormatGate(claimed); err != nil {
			return ScanResult{
				Scan:    "fake_identifier",
				Verdict: VerdictBlocked,
				Detail:  fmt.Sprintf("metadata %s fails the identifier gate: %v", key, err),
			}
		}
	}
	return ScanResult{Scan: "fake_identifier", Verdict: VerdictClean}
}

// scanTargets collects the strings worth screening: filename plus every
// string-valued metadata entry. Raw content is screened by the malware seam.
func scanTargets(in Input) []string {
	targets := []string{in.FileName}
	for _, v := range in.Metadata {
		if s, ok := v.(string); ok {
			targets = append(targets, s)
		}
	}
	return targets
}

func percentEscaped(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == '%' && isHexByte(s[i+1]) && isHexByte(s[i+2]) {
			return true
		}
	}
	return false
}

func isHexByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f')
}
