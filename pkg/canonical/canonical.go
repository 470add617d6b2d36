// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of entity states, plus the
// normalization helpers shared by deduplication and entity resolution.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal with encoding/json first so struct tags are respected,
// then run the JCS transform to sort keys, disable HTML escaping, and apply
// canonical number formatting.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
// This is the state hash used throughout the provenance chain.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FieldChange captures one changed top-level field in a state delta.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Delta computes the symmetric diff of two state maps at the top level.
// Nested structures are compared by canonical serialized equality, never
// descended into. Fields absent on one side appear with a nil old or new.
func Delta(prev, next map[string]any) (map[string]any, error) {
	delta := make(map[string]any)
	seen := make(map[string]struct{}, len(prev))

	for k, oldVal := range prev {
		seen[k] = struct{}{}
		newVal, ok := next[k]
		if !ok {
			delta[k] = FieldChange{Old: oldVal, New: nil}
			continue
		}
		same, err := equalCanonical(oldVal, newVal)
		if err != nil {
			return nil, err
		}
		if !same {
			delta[k] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	for k, newVal := range next {
		if _, ok := seen[k]; ok {
			continue
		}
		delta[k] = FieldChange{Old: nil, New: newVal}
	}
	return delta, nil
}

func equalCanonical(a, b any) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// StateMap renders any entity as the map form used for state hashing and
// delta computation, respecting its JSON tags.
func StateMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("canonical: state is not an object: %w", err)
	}
	return m, nil
}

var foldCaser = cases.Fold()

// NormalizeName folds an entity name for matching: Unicode NFKC
// normalization, case folding, and whitespace collapsing.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = foldCaser.String(s)
	return strings.Join(strings.Fields(s), " ")
}
