package dedup

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
)

func TestTextShingles(t *testing.T) {
	a := TextShingles("The quick brown fox jumps", ShingleSize)
	b := TextShingles("the QUICK brown fox jumps", ShingleSize)
	assert.Equal(t, a, b, "case folding")
	assert.Len(t, a, 2, "five words yield two 4-gram windows")

	short := TextShingles("two words", ShingleSize)
	assert.Len(t, short, 1, "short text keeps a single whole-text shingle")

	assert.Nil(t, TextShingles("   ", ShingleSize))

	for i := 1; i < len(a); i++ {
		assert.Less(t, a[i-1], a[i], "shingles are sorted")
	}
}

func TestJaccard(t *testing.T) {
	a := TextShingles("alpha bravo charlie delta echo", ShingleSize)
	assert.Equal(t, 1.0, Jaccard(a, a))
	assert.Equal(t, 0.0, Jaccard(a, TextShingles("one two three four five", ShingleSize)))
	assert.Equal(t, 0.0, Jaccard(nil, nil))

	// 12 distinct words: 9 windows; changing the last word alters exactly
	// one, giving 8/10.
	x := TextShingles("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima", ShingleSize)
	y := TextShingles("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo mike", ShingleSize)
	assert.Equal(t, 0.8, Jaccard(x, y))
}

func TestHammingSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, HammingSimilarity(0xDEADBEEF, 0xDEADBEEF))
	assert.Equal(t, 1-1.0/64, HammingSimilarity(0, 1))
	assert.Equal(t, 0.0, HammingSimilarity(0, ^uint64(0)))
}

func TestConfidenceFor(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ConfidenceFor(MethodContentHash, 1.0))
	assert.Equal(t, ConfidenceHigh, ConfidenceFor(MethodPerceptual, 0.96))
	assert.Equal(t, ConfidenceMedium, ConfidenceFor(MethodPerceptual, 0.90))
	assert.Equal(t, ConfidenceLow, ConfidenceFor(MethodTextSimilarity, 0.80))
}

func TestCompare(t *testing.T) {
	text := TextShingles("alpha bravo charlie delta echo foxtrot golf hotel", ShingleSize)
	a := Fingerprint{DocumentID: "a", ContentHash: "h1", Shingles: text}
	b := Fingerprint{DocumentID: "b", ContentHash: "h1", Shingles: text}

	detections := Compare(a, b)
	require.Len(t, detections, 2)
	assert.Equal(t, MethodContentHash, detections[0].Method, "equal scores rank the deterministic method first")
	assert.Equal(t, 1.0, detections[0].Score)
	assert.Equal(t, MethodTextSimilarity, detections[1].Method)

	c := Fingerprint{DocumentID: "c", ContentHash: "h2",
		Shingles: TextShingles("nothing in common with the others at all whatsoever", ShingleSize)}
	assert.Empty(t, Compare(a, c), "dissimilar text below threshold emits nothing")

	p1 := Fingerprint{DocumentID: "p1", ContentHash: "x1", PerceptualHash: 0xFF00FF00FF00FF00, HasPerceptual: true}
	p2 := Fingerprint{DocumentID: "p2", ContentHash: "x2", PerceptualHash: 0xFF00FF00FF00FF01, HasPerceptual: true}
	detections = Compare(p1, p2)
	require.Len(t, detections, 1)
	assert.Equal(t, MethodPerceptual, detections[0].Method)
	assert.Equal(t, 1-1.0/64, detections[0].Score)

	p3 := Fingerprint{DocumentID: "p3", ContentHash: "x3", PerceptualHash: 0xFF00FF00FF00FF00}
	assert.Empty(t, Compare(p1, p3), "perceptual requires both sides hashed")
}

func testImagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 16)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestComputeFingerprint(t *testing.T) {
	doc := contracts.Document{ID: "doc-1", ContentHash: "given", OCRText: "alpha bravo charlie delta echo"}
	fp, err := ComputeFingerprint(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, "given", fp.ContentHash)
	assert.NotEmpty(t, fp.Shingles)
	assert.False(t, fp.HasPerceptual)

	// hello world: the content hash is derived when absent.
	fp, err = ComputeFingerprint(contracts.Document{ID: "doc-2"}, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", fp.ContentHash)
}

func TestComputeFingerprintImage(t *testing.T) {
	content := testImagePNG(t)
	doc := contracts.Document{ID: "img-1", ContentHash: "h1", MimeType: "image/png"}
	fp, err := ComputeFingerprint(doc, content)
	require.NoError(t, err)
	assert.True(t, fp.HasPerceptual)

	same, err := ComputeFingerprint(contracts.Document{ID: "img-2", ContentHash: "h2", MimeType: "image/png"}, content)
	require.NoError(t, err)
	assert.Equal(t, 1.0, HammingSimilarity(fp.PerceptualHash, same.PerceptualHash))
}

func TestComputeFingerprintBadImage(t *testing.T) {
	doc := contracts.Document{ID: "img-3", ContentHash: "h3", MimeType: "image/png", OCRText: "some extracted text here"}
	fp, err := ComputeFingerprint(doc, []byte("not an image"))
	require.Error(t, err)
	assert.False(t, fp.HasPerceptual)
	assert.Equal(t, "h3", fp.ContentHash, "fingerprint stays usable for other methods")
	assert.NotEmpty(t, fp.Shingles)
}
