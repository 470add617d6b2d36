package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// MintKind is how a document's existence was made durable.
type MintKind string

const (
	// MintHard anchors the document externally. Expected for ~1% of traffic.
	MintHard MintKind = "HARD"
	// MintSoft records a 24h key-value entry. The default path.
	MintSoft MintKind = "SOFT"
)

// HardMintScore is the critical-score threshold above which a document is
// hard-minted even without legal metadata flags.
const HardMintScore = 95

// SoftMintTTL bounds how long a soft mint entry lives.
const SoftMintTTL = 24 * time.Hour

// AnchorResult points at an external anchoring of a document.
type AnchorResult struct {
	Ref        string    `json:"ref"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Anchor is the blockchain seam. Hard mints call it; failures abort the run
// because a hard-mint promise without an anchor is worthless.
type Anchor interface {
	Anchor(ctx context.Context, doc contracts.Document) (AnchorResult, error)
}

type noopAnchor struct {
	clock contracts.Clock
}

// NoopAnchor returns a local pseudo-reference derived from the content
// hash. Single-node deployments run with it until a chain client is wired.
func NoopAnchor(clock contracts.Clock) Anchor {
	if clock == nil {
		clock = time.Now
	}
	return noopAnchor{clock: clock}
}

func (a noopAnchor) Anchor(_ context.Context, doc contracts.Document) (AnchorResult, error) {
	return AnchorResult{
		Ref:        "local:" + doc.ContentHash,
		AnchoredAt: a.clock().UTC(),
	}, nil
}

// decideMint applies the hard-mint predicate: score above threshold, any
// legal metadata flag, or a legal classification.
func decideMint(score float64, analysis Analysis, metadata map[string]any) (MintKind, string) {
	switch {
	case score > HardMintScore:
		return MintHard, fmt.Sprintf("critical score %.0f exceeds %d", score, HardMintScore)
	case metaBool(metadata, "legalBinding"):
		return MintHard, "metadata flags the document legally binding"
	case metaBool(metadata, "courtEvidence"):
		return MintHard, "metadata flags the document as court evidence"
	case metaBool(metadata, "contractual"):
		return MintHard, "metadata flags the document contractual"
	case analysisIsLegal(analysis):
		return MintHard, "classified into the legal category"
	default:
		return MintSoft, "below critical threshold"
	}
}

func analysisIsLegal(a Analysis) bool {
	return strings.EqualFold(a.Category, CategoryLegal)
}

// SoftMintKey is the key-value slot holding a document's soft mint entry.
func SoftMintKey(documentID string) string {
	return "mint:soft:" + documentID
}

// softMintEntry is the JSON body stored for a soft mint.
type softMintEntry struct {
	ChittyID      string    `json:"chitty_id"`
	ContentHash   string    `json:"content_hash"`
	CriticalScore float64   `json:"critical_score"`
	MintedAt      time.Time `json:"minted_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}
