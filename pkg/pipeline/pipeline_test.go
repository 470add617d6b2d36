package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/exportbus"
	"github.com/chittyos/chittycore/pkg/provenance"
	"github.com/chittyos/chittycore/pkg/store"
)

const helloWorldHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

type testClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newTestClock() *testClock {
	return &testClock{
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		step: 5 * time.Millisecond,
	}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type fakeMinter struct {
	mu sync.Mutex
	n  int
}

func (m *fakeMinter) Mint(context.Context, string, map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("05-1-DOC-2025-E-%06d-3-7", m.n), nil
}

type fakeAnalyzer struct {
	analysis Analysis
	err      error
}

func (a fakeAnalyzer) Analyze(context.Context, contracts.Document, []byte) (Analysis, error) {
	return a.analysis, a.err
}

type fakeAnchor struct {
	ref string
	err error
}

func (a fakeAnchor) Anchor(context.Context, contracts.Document) (AnchorResult, error) {
	if a.err != nil {
		return AnchorResult{}, a.err
	}
	return AnchorResult{Ref: a.ref, AnchoredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}, nil
}

type failingEnricher struct{}

func (failingEnricher) Name() string { return "web_capture" }

func (failingEnricher) Enrich(context.Context, contracts.Document, []byte) (Enrichment, error) {
	return Enrichment{}, errors.New("browser pool exhausted")
}

type harness struct {
	runner  *Runner
	docs    *store.MemoryDocuments
	objects *store.MemoryObjectStore
	kv      *store.MemoryKV
	prov    *provenance.Service
	clock   *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := newTestClock()
	h := &harness{
		docs:    store.NewMemoryDocuments(),
		objects: store.NewMemoryObjectStore(),
		kv:      store.NewMemoryKV(),
		prov:    provenance.NewService(provenance.NewMemoryStore(), provenance.WithClock(clock.Now)),
		clock:   clock,
	}
	base := []Option{WithClock(clock.Now)}
	h.runner = NewRunner(h.docs, h.objects, h.kv, &fakeMinter{}, h.prov, append(base, opts...)...)
	return h
}

func helloInput() Input {
	return Input{
		FileName: "hello.txt",
		MimeType: "text/plain",
		Type:     "document",
		Content:  []byte("hello world"),
		Metadata: map[string]any{"legalBinding": false},
		Actor:    "actor-a",
	}
}

func TestHappyPathSoftMint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exec, err := h.runner.Process(ctx, helloInput())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	ingestion, ok := exec.Result(StageIngestion)
	require.True(t, ok)
	fields := ingestion.(map[string]any)
	assert.Equal(t, helloWorldHash, fields["content_hash"])

	docID := fields["chitty_id"].(string)
	minting, ok := exec.Result(StageMinting)
	require.True(t, ok)
	assert.Equal(t, string(MintSoft), minting.(map[string]any)["minting_type"])

	// Soft mint entry lives in key-value storage.
	entry, err := h.kv.Get(ctx, SoftMintKey(docID))
	require.NoError(t, err)
	assert.Contains(t, string(entry), helloWorldHash)

	// Blob landed under verified/{id}/{hash}.
	exists, err := h.objects.Exists(ctx, store.VerifiedObjectKey(docID, helloWorldHash))
	require.NoError(t, err)
	assert.True(t, exists)

	// Exactly one provenance record, and the chain verifies.
	chain, err := h.prov.Chain(ctx, "document", docID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, ActionDocumentIngested, chain[0].Action)

	verification, err := h.prov.Verify(ctx, "document", docID)
	require.NoError(t, err)
	assert.True(t, verification.Valid)

	doc, err := h.docs.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DocumentProcessed, doc.Status)
}

func TestCriticalEvidenceHardMint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		WithAnalyzer(fakeAnalyzer{analysis: Analysis{Confidence: 98, Category: "financial"}}),
		WithAnchor(fakeAnchor{ref: "anchor:0xabc123"}),
	)

	in := helloInput()
	in.Content = []byte("exhibit 42: signed settlement agreement")
	in.Metadata = map[string]any{"courtEvidence": true}

	exec, err := h.runner.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	ai, ok := exec.Result(StageAI)
	require.True(t, ok)
	assert.InDelta(t, 100, ai.(map[string]any)["critical_score"].(float64), 0.001)

	minting, ok := exec.Result(StageMinting)
	require.True(t, ok)
	fields := minting.(map[string]any)
	assert.Equal(t, string(MintHard), fields["minting_type"])
	assert.Equal(t, "anchor:0xabc123", fields["anchor_ref"])

	// Provenance state carries the minting outcome.
	docID := resultField(t, exec, StageIngestion, "chitty_id")
	chain, err := h.prov.Chain(ctx, "document", docID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, string(MintHard), chain[0].NewState["minting_type"])
	assert.Equal(t, "anchor:0xabc123", chain[0].NewState["anchor_ref"])

	// No soft mint entry for a hard-minted document.
	_, err = h.kv.Get(ctx, SoftMintKey(docID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScoreAloneForcesHardMint(t *testing.T) {
	h := newHarness(t,
		WithAnalyzer(fakeAnalyzer{analysis: Analysis{Confidence: 96}}),
		WithAnchor(fakeAnchor{ref: "anchor:0xdef"}),
	)

	in := helloInput()
	in.Metadata = nil

	exec, err := h.runner.Process(context.Background(), in)
	require.NoError(t, err)
	minting, _ := exec.Result(StageMinting)
	assert.Equal(t, string(MintHard), minting.(map[string]any)["minting_type"])
}

func TestDuplicateShortCircuit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.runner.Process(ctx, helloInput())
	require.NoError(t, err)
	firstID := resultField(t, first, StageIngestion, "chitty_id")

	second, err := h.runner.Process(ctx, helloInput())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status())

	ingestion, ok := second.Result(StageIngestion)
	require.True(t, ok)
	fields := ingestion.(map[string]any)
	assert.Equal(t, true, fields["duplicate"])
	assert.Equal(t, firstID, fields["duplicate_of"])
	assert.Equal(t, string(contracts.CodeDuplicateContent), fields["code"])

	// Downstream stages were skipped.
	snap := second.Snapshot()
	var stages []string
	for _, s := range snap.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{StageValidation, StageIngestion, StageObservation}, stages)

	// The original document's chain is untouched.
	chain, err := h.prov.Chain(ctx, "document", firstID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestInjectionBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in := helloInput()
	in.Metadata = map[string]any{"note": "x'; DROP TABLE documents; --"}

	exec, err := h.runner.Process(ctx, in)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInjectionDetected, contracts.FaultCode(err))
	assert.Equal(t, StatusFailed, exec.Status())

	scans, ok := exec.Result("security")
	require.True(t, ok)
	blocked := false
	for _, res := range scans.([]ScanResult) {
		if res.Scan == "injection" && res.Verdict == VerdictBlocked {
			blocked = true
		}
	}
	assert.True(t, blocked)

	// Failed runs dead-letter a snapshot and a key-value summary.
	var deadLetters []string
	for _, key := range h.objects.Keys() {
		if strings.HasPrefix(key, "errors/") {
			deadLetters = append(deadLetters, key)
		}
	}
	require.Len(t, deadLetters, 1)
	assert.Contains(t, deadLetters[0], exec.ID())

	summary, err := h.kv.Get(ctx, ErrorSummaryKey(exec.ID()))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "INJECTION_DETECTED")
}

func TestFakeIdentifierMetadataBlocked(t *testing.T) {
	h := newHarness(t)

	in := helloInput()
	in.Metadata = map[string]any{"chitty_id": "TOTALLY-REAL-ID-1"}

	_, err := h.runner.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeFakeIdentifier, contracts.FaultCode(err))
}

func TestPIIFlagsWithoutBlocking(t *testing.T) {
	h := newHarness(t)

	in := helloInput()
	in.Content = []byte("claimant ssn 123-45-6789 on file")

	exec, err := h.runner.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	scans, _ := exec.Result("security")
	var pii ScanResult
	for _, res := range scans.([]ScanResult) {
		if res.Scan == "pii" {
			pii = res
		}
	}
	assert.Equal(t, VerdictFlagged, pii.Verdict)
}

func TestReservedIdentifierRejected(t *testing.T) {
	h := newHarness(t)

	in := helloInput()
	in.Identifier = "00-0-SYS-0000-A-000000-0-0"

	_, err := h.runner.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))
}

func TestFallbackSentinelRejected(t *testing.T) {
	h := newHarness(t)

	in := helloInput()
	in.Identifier = "CHITTY-SVC-DOWN"

	_, err := h.runner.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeUpstreamUnavailable, contracts.FaultCode(err))
	assert.True(t, contracts.AsFault(err).Recoverable)
}

func TestSubmittedIdentifierKept(t *testing.T) {
	h := newHarness(t)

	in := helloInput()
	in.Identifier = "05-1-doc-2025-e-424242-3-7"

	exec, err := h.runner.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "05-1-DOC-2025-E-424242-3-7", resultField(t, exec, StageIngestion, "chitty_id"))
}

func TestEnrichmentFailureTolerated(t *testing.T) {
	h := newHarness(t, WithEnrichers(failingEnricher{}, NoopImageProcessing()))

	exec, err := h.runner.Process(context.Background(), helloInput())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	snap := exec.Snapshot()
	var enrichment StageTiming
	for _, s := range snap.Stages {
		if s.Stage == StageEnrichment {
			enrichment = s
		}
	}
	assert.True(t, enrichment.Tolerated)
	assert.Contains(t, enrichment.Error, "browser pool exhausted")

	// The healthy branch still contributed.
	results, _ := exec.Result(StageEnrichment)
	assert.Contains(t, results.(map[string]Enrichment), "image_processing")
}

func TestAnalyzerFailureTolerated(t *testing.T) {
	h := newHarness(t, WithAnalyzer(fakeAnalyzer{err: errors.New("model endpoint 503")}))

	in := helloInput()
	in.Metadata = map[string]any{"legalBinding": false}

	exec, err := h.runner.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	ai, _ := exec.Result(StageAI)
	assert.InDelta(t, 0, ai.(map[string]any)["critical_score"].(float64), 0.001)

	minting, _ := exec.Result(StageMinting)
	assert.Equal(t, string(MintSoft), minting.(map[string]any)["minting_type"])
}

func TestAnchorFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithAnchor(fakeAnchor{err: errors.New("chain client offline")}))

	in := helloInput()
	in.Metadata = map[string]any{"legalBinding": true}

	exec, err := h.runner.Process(ctx, in)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, exec.Status())
	assert.Equal(t, contracts.CodeUpstreamUnavailable, contracts.FaultCode(err))

	// Tracking row is marked failed, snapshot is dead-lettered.
	docID := resultField(t, exec, StageIngestion, "chitty_id")
	doc, err := h.docs.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DocumentFailed, doc.Status)

	found := false
	for _, key := range h.objects.Keys() {
		if strings.HasPrefix(key, "errors/") && strings.Contains(key, exec.ID()) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDistributionPublishesToBus(t *testing.T) {
	ctx := context.Background()
	queue := exportbus.NewMemoryQueue()
	bus := exportbus.NewService(queue, nil, nil)
	h := newHarness(t, WithExports(bus))

	exec, err := h.runner.Process(ctx, helloInput())
	require.NoError(t, err)

	dist, ok := exec.Result(StageDistribution)
	require.True(t, ok)
	assert.Equal(t, EventEvidenceMinted, dist.(map[string]any)["kind"])

	due, err := queue.Due(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, EventEvidenceMinted, due[0].Kind)
	assert.Contains(t, string(due[0].Payload), helloWorldHash)
}

func TestObservationUpdatesPointer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exec, err := h.runner.Process(ctx, helloInput())
	require.NoError(t, err)

	pointer, err := h.kv.Get(ctx, LastProcessedKey)
	require.NoError(t, err)
	assert.Contains(t, string(pointer), exec.ID())
}

func TestStagePanicContained(t *testing.T) {
	h := newHarness(t, WithAnalyzer(panickyAnalyzer{}), WithAnchor(fakeAnchor{ref: "x"}))

	exec, err := h.runner.Process(context.Background(), helloInput())
	// The AI stage is tolerant, so a panicking analyzer degrades the run
	// instead of crashing the process.
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	snap := exec.Snapshot()
	for _, s := range snap.Stages {
		if s.Stage == StageAI {
			assert.Contains(t, s.Error, "panicked")
			assert.True(t, s.Tolerated)
		}
	}
}

type panickyAnalyzer struct{}

func (panickyAnalyzer) Analyze(context.Context, contracts.Document, []byte) (Analysis, error) {
	panic("analyzer exploded")
}

func resultField(t *testing.T, exec *Execution, stage, field string) string {
	t.Helper()
	raw, ok := exec.Result(stage)
	require.True(t, ok)
	value, ok := raw.(map[string]any)[field].(string)
	require.True(t, ok)
	return value
}
