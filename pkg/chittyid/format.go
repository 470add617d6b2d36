// Package chittyid validates and mints ChittyID identifiers against the
// remote identifier authority. Identifiers are minted exclusively by the
// authority; this package re-validates everything locally before use.
package chittyid

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Pattern is the canonical ChittyID wire format, matched case-insensitively
// after normalization to upper case.
var Pattern = regexp.MustCompile(`^[A-Z0-9]{2}-[0-9]-[A-Z0-9]{3}-[0-9]{4}-[A-Z0-9]-[0-9]{6}-[0-9]-[0-9]$`)

// MaxLength bounds raw identifier input before any other check.
const MaxLength = 50

// Reserved version spaces are never minted for client entities.
var reservedVersions = map[string]struct{}{"00": {}, "99": {}}

// Reserved command prefixes bypass the regex but are tagged as reserved.
var reservedPrefixes = []string{"00-0-SYS", "00-0-ADM", "99-9-TST"}

// Substrings rejected outright by the format gate. Lower-case; input is
// screened case-insensitively.
var hostileSubstrings = []string{
	"../", "..\\",
	"<script", "javascript:",
	"union select", "drop table", "insert into", "delete from",
	"' or ", "'or'", "--", ";",
}

// GateResult is the outcome of a successful format gate pass.
type GateResult struct {
	// Normalized is the upper-cased identifier to use from here on.
	Normalized string
	// Reserved marks system, admin, and test command identifiers.
	Reserved bool
}

// FormatGate screens a raw identifier before any remote call. It rejects
// oversized input, control characters, encoded payloads, injection
// substrings, and anything hyphen-segmented that fails the canonical
// pattern. Reserved command identifiers pass with Reserved set.
func FormatGate(raw string) (GateResult, error) {
	if raw == "" {
		return GateResult{}, contracts.NewFault(contracts.CodeInvalidFormat, "empty identifier")
	}
	if len(raw) > MaxLength {
		return GateResult{}, contracts.Faultf(contracts.CodeInvalidFormat, "identifier exceeds %d characters", MaxLength)
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return GateResult{}, contracts.NewFault(contracts.CodeInjectionDetected, "identifier contains control characters")
		}
	}

	lower := strings.ToLower(raw)
	if containsEscape(lower) {
		return GateResult{}, contracts.NewFault(contracts.CodeEncodedPayload, "identifier contains encoded escape sequences")
	}
	for _, s := range hostileSubstrings {
		if strings.Contains(lower, s) {
			return GateResult{}, contracts.Faultf(contracts.CodeInjectionDetected, "identifier contains hostile substring %q", s)
		}
	}

	id := strings.ToUpper(raw)
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(id, prefix) {
			return GateResult{Normalized: id, Reserved: true}, nil
		}
	}
	if !Pattern.MatchString(id) {
		return GateResult{}, contracts.Faultf(contracts.CodeInvalidFormat, "identifier %q does not match canonical format", raw)
	}
	if _, ok := reservedVersions[versionSegment(id)]; ok {
		return GateResult{Normalized: id, Reserved: true}, nil
	}
	return GateResult{Normalized: id}, nil
}

// containsEscape detects percent, hex, and unicode escape payloads.
func containsEscape(lower string) bool {
	for i := 0; i+2 < len(lower); i++ {
		if lower[i] == '%' && isHex(lower[i+1]) && isHex(lower[i+2]) {
			return true
		}
	}
	return strings.Contains(lower, "\\x") || strings.Contains(lower, "\\u") || strings.Contains(lower, "&#")
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f')
}

// versionSegment returns the leading two-character version space.
func versionSegment(id string) string {
	if len(id) < 2 {
		return ""
	}
	return id[:2]
}

// IsReserved reports whether a normalized identifier sits in a reserved
// version space or carries a reserved command prefix.
func IsReserved(id string) bool {
	up := strings.ToUpper(id)
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(up, prefix) {
			return true
		}
	}
	_, ok := reservedVersions[versionSegment(up)]
	return ok
}
