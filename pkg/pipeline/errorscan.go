package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrorPattern is one recurring failure signature across recent dead
// letters, keyed by fault code and the stage that raised it.
type ErrorPattern struct {
	Code      string    `json:"code"`
	Stage     string    `json:"stage"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SampleID  string    `json:"sample_execution_id"`
}

// ErrorScanReport summarizes one dead-letter pass.
type ErrorScanReport struct {
	Scanned   int            `json:"scanned"`
	Malformed int            `json:"malformed"`
	Patterns  []ErrorPattern `json:"patterns"`
	ScannedAt time.Time      `json:"scanned_at"`
}

// ScanErrorPatterns walks dead letters newer than since and groups them
// into patterns, most frequent first. Snapshots that no longer parse are
// counted, not fatal; operators act on the report, so a partial read beats
// none.
func (r *Runner) ScanErrorPatterns(ctx context.Context, since time.Time) (ErrorScanReport, error) {
	keys, err := r.objects.List(ctx, "errors/")
	if err != nil {
		return ErrorScanReport{}, err
	}

	report := ErrorScanReport{ScannedAt: r.clock().UTC()}
	grouped := make(map[string]*ErrorPattern)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		at, ok := deadLetterTime(key)
		if !ok {
			report.Malformed++
			continue
		}
		if at.Before(since) {
			continue
		}

		body, err := r.objects.Get(ctx, key)
		if err != nil {
			report.Malformed++
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(body, &snap); err != nil || snap.Failure == "" {
			report.Malformed++
			continue
		}
		report.Scanned++

		code := failureCode(snap.Failure)
		stage := failedStage(snap.Stages)
		groupKey := code + "|" + stage
		pat, seen := grouped[groupKey]
		if !seen {
			pat = &ErrorPattern{Code: code, Stage: stage, FirstSeen: at, SampleID: snap.ID}
			grouped[groupKey] = pat
		}
		pat.Count++
		if at.Before(pat.FirstSeen) {
			pat.FirstSeen = at
		}
		if at.After(pat.LastSeen) {
			pat.LastSeen = at
			pat.SampleID = snap.ID
		}
	}

	report.Patterns = make([]ErrorPattern, 0, len(grouped))
	for _, pat := range grouped {
		report.Patterns = append(report.Patterns, *pat)
	}
	sort.Slice(report.Patterns, func(i, j int) bool {
		if report.Patterns[i].Count != report.Patterns[j].Count {
			return report.Patterns[i].Count > report.Patterns[j].Count
		}
		return report.Patterns[i].Code < report.Patterns[j].Code
	})
	return report, nil
}

// deadLetterTime recovers the failure instant from an errors/{epoch-ms}/...
// key.
func deadLetterTime(key string) (time.Time, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] != "errors" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// failureCode extracts the leading fault code from a failure message.
// Failures not raised through the fault taxonomy land in UNCLASSIFIED.
func failureCode(failure string) string {
	code, _, found := strings.Cut(failure, ":")
	if !found {
		return "UNCLASSIFIED"
	}
	code = strings.TrimSpace(code)
	if code == "" || code != strings.ToUpper(code) || strings.ContainsAny(code, " \t") {
		return "UNCLASSIFIED"
	}
	return code
}

// failedStage names the stage whose hard error aborted the run.
func failedStage(stages []StageTiming) string {
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].Error != "" && !stages[i].Tolerated {
			return stages[i].Stage
		}
	}
	return "unknown"
}
