package pipeline

import (
	"context"
	"strings"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// CategoryLegal is the classification category that raises the critical
// score and forces a hard mint on its own.
const CategoryLegal = "legal"

// DefaultCategories is the classification set the stock analyzer knows.
// Analyzers may emit any category; only CategoryLegal changes behavior.
var DefaultCategories = []string{
	CategoryLegal, "financial", "correspondence", "identity", "media", "other",
}

// Analysis is the AI stage's verdict on a document. Confidence is 0-100.
type Analysis struct {
	Confidence float64   `json:"confidence"`
	Category   string    `json:"category,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
}

// Analyzer is the seam for analysis, vectorization, and classification
// providers. Failures are tolerated; the run proceeds with a zero analysis.
type Analyzer interface {
	Analyze(ctx context.Context, doc contracts.Document, content []byte) (Analysis, error)
}

type noopAnalyzer struct{}

// NoopAnalyzer returns an empty analysis, leaving minting decisions to the
// metadata flags alone.
func NoopAnalyzer() Analyzer { return noopAnalyzer{} }

func (noopAnalyzer) Analyze(context.Context, contracts.Document, []byte) (Analysis, error) {
	return Analysis{Category: "other"}, nil
}

// Critical-score weights and cap.
const (
	legalBindingWeight  = 20
	courtEvidenceWeight = 30
	legalCategoryWeight = 15
	maxCriticalScore    = 100
)

// criticalScore combines AI confidence with the evidentiary weight flags:
// legal-binding +20, court-evidence +30, legal classification +15, capped
// at 100.
func criticalScore(a Analysis, metadata map[string]any) float64 {
	score := a.Confidence
	if metaBool(metadata, "legalBinding") {
		score += legalBindingWeight
	}
	if metaBool(metadata, "courtEvidence") {
		score += courtEvidenceWeight
	}
	if strings.EqualFold(a.Category, CategoryLegal) {
		score += legalCategoryWeight
	}
	if score > maxCriticalScore {
		score = maxCriticalScore
	}
	return score
}

// metaBool reads a boolean metadata flag, tolerating the string forms JSON
// round-trips sometimes produce.
func metaBool(metadata map[string]any, key string) bool {
	v, ok := metadata[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
