// Package dedup finds duplicate documents through exact content hashing,
// perceptual image hashing, and shingled text similarity, and routes the
// resulting candidates through a review queue with optional auto-resolution.
package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Method identifies a detection algorithm.
type Method string

const (
	MethodContentHash    Method = "content_hash"
	MethodPerceptual     Method = "perceptual"
	MethodTextSimilarity Method = "text_similarity"
)

// Published detection constants. A detection below its method threshold is
// discarded; auto-resolution additionally requires AutoResolveScore.
const (
	ThresholdContentHash    = 1.0
	ThresholdPerceptual     = 0.90
	ThresholdTextSimilarity = 0.80
	AutoResolveScore        = 0.99

	// ShingleSize is the word count per text shingle.
	ShingleSize = 4
)

// Threshold returns the minimum similarity score for a method.
func Threshold(m Method) float64 {
	switch m {
	case MethodContentHash:
		return ThresholdContentHash
	case MethodPerceptual:
		return ThresholdPerceptual
	case MethodTextSimilarity:
		return ThresholdTextSimilarity
	default:
		return 1.0
	}
}

// Confidence buckets a detection for review routing.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceFor derives the confidence bucket from method and score. Exact
// content hashes are always high; similarity methods grade on score.
func ConfidenceFor(method Method, score float64) Confidence {
	switch {
	case method == MethodContentHash:
		return ConfidenceHigh
	case score >= 0.95:
		return ConfidenceHigh
	case score >= 0.85:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Fingerprint is the indexed comparison form of one document.
type Fingerprint struct {
	DocumentID     string    `json:"document_id"`
	ContentHash    string    `json:"content_hash"`
	PerceptualHash uint64    `json:"perceptual_hash,omitempty"`
	HasPerceptual  bool      `json:"has_perceptual"`
	Shingles       []uint64  `json:"shingles,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Detection is one method's verdict on a document pair.
type Detection struct {
	Method Method  `json:"method"`
	Score  float64 `json:"score"`
}

// ComputeFingerprint builds a document's comparison fingerprint. Content may
// be nil, in which case the stored content hash is trusted and no perceptual
// hash is computed. A returned error means the perceptual hash could not be
// derived; the fingerprint is still usable for the other methods.
func ComputeFingerprint(doc contracts.Document, content []byte) (Fingerprint, error) {
	fp := Fingerprint{DocumentID: doc.ID, ContentHash: doc.ContentHash, CreatedAt: doc.CreatedAt}
	if fp.ContentHash == "" && content != nil {
		sum := sha256.Sum256(content)
		fp.ContentHash = hex.EncodeToString(sum[:])
	}
	if doc.OCRText != "" {
		fp.Shingles = TextShingles(doc.OCRText, ShingleSize)
	}
	if content == nil || !strings.HasPrefix(doc.MimeType, "image/") {
		return fp, nil
	}

	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return fp, fmt.Errorf("dedup: decode %s image %s: %w", doc.MimeType, doc.ID, err)
	}
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return fp, fmt.Errorf("dedup: perceptual hash %s: %w", doc.ID, err)
	}
	fp.PerceptualHash = hash.GetHash()
	fp.HasPerceptual = true
	return fp, nil
}

// TextShingles folds text to lower case, splits on whitespace, and hashes
// each n-word window. Texts shorter than one window produce a single shingle
// so they remain comparable. The result is sorted and deduplicated.
func TextShingles(text string, n int) []uint64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{})
	if len(words) < n {
		seen[hashShingle(words)] = struct{}{}
	}
	for i := 0; i+n <= len(words); i++ {
		seen[hashShingle(words[i:i+n])] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func hashShingle(words []string) uint64 {
	h := fnv.New64a()
	for i, w := range words {
		if i > 0 {
			_, _ = h.Write([]byte{' '})
		}
		_, _ = h.Write([]byte(w))
	}
	return h.Sum64()
}

// Jaccard computes set similarity over two sorted shingle slices.
func Jaccard(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var intersection, i, j int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			intersection++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// HammingSimilarity converts the bit distance between two 64-bit perceptual
// hashes into a [0,1] similarity.
func HammingSimilarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}

// Compare runs every applicable detection method on a fingerprint pair and
// returns the detections that clear their thresholds, best first.
func Compare(a, b Fingerprint) []Detection {
	var out []Detection
	if a.ContentHash != "" && a.ContentHash == b.ContentHash {
		out = append(out, Detection{Method: MethodContentHash, Score: 1.0})
	}
	if a.HasPerceptual && b.HasPerceptual {
		if score := HammingSimilarity(a.PerceptualHash, b.PerceptualHash); score >= ThresholdPerceptual {
			out = append(out, Detection{Method: MethodPerceptual, Score: score})
		}
	}
	if len(a.Shingles) > 0 && len(b.Shingles) > 0 {
		if score := Jaccard(a.Shingles, b.Shingles); score >= ThresholdTextSimilarity {
			out = append(out, Detection{Method: MethodTextSimilarity, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return methodRank(out[i].Method) < methodRank(out[j].Method)
	})
	return out
}

// methodRank breaks score ties in favor of the more deterministic method.
func methodRank(m Method) int {
	switch m {
	case MethodContentHash:
		return 0
	case MethodPerceptual:
		return 1
	default:
		return 2
	}
}
