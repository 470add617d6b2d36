// Package pipeline orchestrates evidence intake: a seven-stage run from
// validation through observation, with an execution context that records
// per-stage timings and results, duplicate short-circuiting, a hard/soft
// minting decision, and dead-letter snapshots for failed runs.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/chittyid"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/dedup"
	"github.com/chittyos/chittycore/pkg/exportbus"
	"github.com/chittyos/chittycore/pkg/provenance"
	"github.com/chittyos/chittycore/pkg/store"
)

// ActionDocumentIngested is the provenance action written once per
// successful run, carrying the minting outcome in its state.
const ActionDocumentIngested = "document_ingested"

// EventEvidenceMinted is the export-bus event kind emitted for each
// processed document.
const EventEvidenceMinted = "evidence.minted"

// LastProcessedKey is the key-value slot holding the most recent completed
// run pointer.
const LastProcessedKey = "pipeline:last_processed"

// ErrorSummaryTTL bounds the key-value error summary written next to a
// dead letter.
const ErrorSummaryTTL = time.Hour

const defaultParallelism = 4

// Input is one intake request. Identifier may be empty, in which case the
// run mints one.
type Input struct {
	Identifier string
	FileName   string
	MimeType   string
	Type       string
	Content    []byte
	Metadata   map[string]any
	Actor      string
	SessionID  string
}

// Minter issues ChittyIDs. *chittyid.Client satisfies it.
type Minter interface {
	Mint(ctx context.Context, kind string, attrs map[string]string) (string, error)
}

// Recorder appends provenance records. *provenance.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// Examiner indexes a document's fingerprints and reports near-duplicate
// candidates. *dedup.Engine satisfies it.
type Examiner interface {
	Examine(ctx context.Context, doc contracts.Document, content []byte) ([]dedup.Candidate, error)
}

// Publisher hands processed-evidence events to the export bus.
// *exportbus.Service satisfies it.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) (exportbus.Event, error)
}

// Runner executes pipeline runs. All effectful collaborators sit behind
// interfaces so tests can pin them.
type Runner struct {
	docs        store.Documents
	objects     store.ObjectStore
	kv          store.KV
	minter      Minter
	prov        Recorder
	dedupe      Examiner
	exports     Publisher
	enrichers   []Enricher
	analyzer    Analyzer
	anchor      Anchor
	scanner     MalwareScanner
	observer    StageObserver
	clock       contracts.Clock
	logger      *slog.Logger
	parallelism int
}

// StageObserver receives each stage's outcome as it completes. The runner
// calls it inline, so implementations must be fast.
type StageObserver func(ctx context.Context, stage string, elapsed time.Duration, err error)

// Option configures a Runner.
type Option func(*Runner)

// WithDedupe wires inline near-duplicate examination during ingestion.
func WithDedupe(e Examiner) Option {
	return func(r *Runner) { r.dedupe = e }
}

// WithExports wires the distribution stage to an export bus.
func WithExports(p Publisher) Option {
	return func(r *Runner) { r.exports = p }
}

// WithEnrichers replaces the default no-op enrichment branches.
func WithEnrichers(enrichers ...Enricher) Option {
	return func(r *Runner) { r.enrichers = enrichers }
}

// WithAnalyzer replaces the no-op analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(r *Runner) { r.analyzer = a }
}

// WithAnchor replaces the local pseudo-anchor.
func WithAnchor(a Anchor) Option {
	return func(r *Runner) { r.anchor = a }
}

// WithMalwareScanner replaces the no-op content scanner.
func WithMalwareScanner(s MalwareScanner) Option {
	return func(r *Runner) { r.scanner = s }
}

// WithStageObserver forwards per-stage timings to an external sink, such as
// a metrics provider.
func WithStageObserver(fn StageObserver) Option {
	return func(r *Runner) { r.observer = fn }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithParallelism bounds the enrichment fan-out width.
func WithParallelism(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// NewRunner wires a pipeline to its stores and the identifier authority.
func NewRunner(docs store.Documents, objects store.ObjectStore, kv store.KV, minter Minter, prov Recorder, opts ...Option) *Runner {
	r := &Runner{
		docs:        docs,
		objects:     objects,
		kv:          kv,
		minter:      minter,
		prov:        prov,
		analyzer:    NoopAnalyzer(),
		scanner:     NoopMalwareScanner(),
		clock:       time.Now,
		logger:      slog.Default(),
		parallelism: defaultParallelism,
	}
	r.enrichers = DefaultEnrichers()
	for _, opt := range opts {
		opt(r)
	}
	if r.anchor == nil {
		r.anchor = NoopAnchor(r.clock)
	}
	return r
}

// runState carries mutable cross-stage values for a single run. It never
// escapes Process.
type runState struct {
	in         Input
	identifier string
	hash       string
	doc        contracts.Document
	duplicate  *contracts.Document
	analysis   Analysis
	score      float64
	mintKind   MintKind
	anchorRef  string
}

// Process executes one run. The returned Execution is always non-nil; on
// failure its snapshot has already been dead-lettered.
func (r *Runner) Process(ctx context.Context, in Input) (*Execution, error) {
	exec := newExecution(uuid.NewString(), r.clock().UTC())
	st := &runState{in: in}

	if err := r.runStages(ctx, exec, st); err != nil {
		exec.fail(r.clock().UTC(), err)
		r.deadLetter(ctx, exec, st)
		r.logOutcome(exec, st)
		return exec, err
	}
	exec.complete(r.clock().UTC())
	r.logOutcome(exec, st)
	return exec, nil
}

func (r *Runner) runStages(ctx context.Context, exec *Execution, st *runState) error {
	if err := r.stage(ctx, exec, st, StageValidation, false, r.validate); err != nil {
		return err
	}
	if err := r.stage(ctx, exec, st, StageIngestion, false, r.ingest); err != nil {
		return err
	}
	if st.duplicate == nil {
		_ = r.stage(ctx, exec, st, StageEnrichment, true, r.enrich)
		_ = r.stage(ctx, exec, st, StageAI, true, r.analyze)
		if err := r.stage(ctx, exec, st, StageMinting, false, r.mint); err != nil {
			return err
		}
		_ = r.stage(ctx, exec, st, StageDistribution, true, r.distribute)
	}
	_ = r.stage(ctx, exec, st, StageObservation, true, r.observe)
	return nil
}

type stageFunc func(ctx context.Context, exec *Execution, st *runState) error

// stage runs one stage with timing, panic containment, and tolerance
// handling. Tolerant stages record their error and let the run continue.
func (r *Runner) stage(ctx context.Context, exec *Execution, st *runState, name string, tolerant bool, fn stageFunc) error {
	exec.setRunning()
	start := r.clock().UTC()
	err := r.contain(ctx, exec, st, name, fn)
	elapsed := r.clock().UTC().Sub(start)
	timing := StageTiming{
		Stage:      name,
		StartedAt:  start,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		timing.Error = err.Error()
		timing.Tolerated = tolerant
		if tolerant {
			r.logger.Warn("pipeline stage failed, run continues",
				"execution_id", exec.ID(), "stage", name, "error", err)
		}
	}
	exec.recordStage(timing)
	if r.observer != nil {
		r.observer(ctx, name, elapsed, err)
	}
	if err != nil && !tolerant {
		return err
	}
	return nil
}

func (r *Runner) contain(ctx context.Context, exec *Execution, st *runState, name string, fn stageFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = contracts.Faultf(contracts.CodePipelineFailure, "stage %s panicked: %v", name, rec)
		}
	}()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contracts.WrapFault(contracts.CodePipelineFailure, "run cancelled", ctxErr)
	}
	return fn(ctx, exec, st)
}

// validate gates the submitted identifier and runs the security scans.
func (r *Runner) validate(ctx context.Context, exec *Execution, st *runState) error {
	if len(st.in.Content) == 0 {
		return contracts.NewFault(contracts.CodeInvalidInput, "document content is required")
	}

	if id := strings.TrimSpace(st.in.Identifier); id != "" {
		if chittyid.IsFallback(id) {
			status, _ := chittyid.DecodeFallback(id)
			return contracts.Faultf(contracts.CodeUpstreamUnavailable,
				"identifier is a %s fallback sentinel: %s", status.Name, status.Message).
				WithRecoverable(status.Retryable)
		}
		gate, err := chittyid.FormatGate(id)
		if err != nil {
			return err
		}
		if gate.Reserved {
			return contracts.Faultf(contracts.CodeInvalidInput,
				"reserved identifier %s cannot track evidence", gate.Normalized)
		}
		st.identifier = gate.Normalized
	}

	scans, err := r.runScans(ctx, st.in)
	exec.SetResult("security", scans)
	if err != nil {
		return err
	}
	for _, res := range scans {
		if res.Verdict == VerdictBlocked {
			return blockedFault(res)
		}
	}
	return nil
}

// ingest hashes the content, short-circuits exact duplicates, stores the
// blob, and creates the tracking row.
func (r *Runner) ingest(ctx context.Context, exec *Execution, st *runState) error {
	sum := sha256.Sum256(st.in.Content)
	st.hash = hex.EncodeToString(sum[:])

	existing, err := r.docs.GetByContentHash(ctx, st.hash)
	switch {
	case err == nil:
		st.duplicate = &existing
		exec.SetResult(StageIngestion, map[string]any{
			"duplicate":    true,
			"duplicate_of": existing.ID,
			"content_hash": st.hash,
			"code":         string(contracts.CodeDuplicateContent),
		})
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("duplicate lookup: %w", err)
	}

	if st.identifier == "" {
		id, err := r.minter.Mint(ctx, "evidence", map[string]string{"file_name": st.in.FileName})
		if err != nil {
			return fmt.Errorf("mint identifier: %w", err)
		}
		st.identifier = id
	}

	key := store.VerifiedObjectKey(st.identifier, st.hash)
	if err := r.objects.Put(ctx, key, st.in.Content, st.in.MimeType); err != nil {
		return fmt.Errorf("store object: %w", err)
	}

	now := r.clock().UTC()
	doc := contracts.Document{
		ID:          st.identifier,
		ContentHash: st.hash,
		FileName:    st.in.FileName,
		Size:        int64(len(st.in.Content)),
		MimeType:    st.in.MimeType,
		Type:        st.in.Type,
		Metadata:    st.in.Metadata,
		Status:      contracts.DocumentProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.docs.Create(ctx, doc); err != nil {
		// A racing ingest of the same bytes won the row; treat ours as the
		// duplicate.
		if errors.Is(err, store.ErrDuplicateHash) {
			if winner, lookupErr := r.docs.GetByContentHash(ctx, st.hash); lookupErr == nil {
				st.duplicate = &winner
				exec.SetResult(StageIngestion, map[string]any{
					"duplicate":    true,
					"duplicate_of": winner.ID,
					"content_hash": st.hash,
					"code":         string(contracts.CodeDuplicateContent),
				})
				return nil
			}
		}
		return fmt.Errorf("create tracking row: %w", err)
	}
	st.doc = doc
	exec.SetResult(StageIngestion, map[string]any{
		"chitty_id":    doc.ID,
		"content_hash": st.hash,
		"object_key":   key,
		"size":         doc.Size,
	})

	if r.dedupe != nil {
		candidates, err := r.dedupe.Examine(ctx, doc, st.in.Content)
		if err != nil {
			r.logger.Warn("inline duplicate examination failed",
				"execution_id", exec.ID(), "document_id", doc.ID, "error", err)
		} else if len(candidates) > 0 {
			exec.SetResult("dedupe_candidates", len(candidates))
		}
	}
	return nil
}

// enrich fans the enrichment branches out in parallel and collects their
// contributions. Branch failures never abort the run.
func (r *Runner) enrich(ctx context.Context, exec *Execution, st *runState) error {
	if len(r.enrichers) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		results  = make(map[string]Enrichment, len(r.enrichers))
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, enricher := range r.enrichers {
		g.Go(func() error {
			res, err := enricher.Enrich(gctx, st.doc, st.in.Content)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", enricher.Name(), err))
				return nil
			}
			results[enricher.Name()] = res
			return nil
		})
	}
	_ = g.Wait()

	exec.SetResult(StageEnrichment, results)
	return errors.Join(failures...)
}

// analyze runs the AI branch and derives the critical score.
func (r *Runner) analyze(ctx context.Context, exec *Execution, st *runState) error {
	analysis, err := r.analyzer.Analyze(ctx, st.doc, st.in.Content)
	if err == nil {
		st.analysis = analysis
	}
	st.score = criticalScore(st.analysis, st.in.Metadata)
	exec.SetResult(StageAI, map[string]any{
		"confidence":     st.analysis.Confidence,
		"category":       st.analysis.Category,
		"critical_score": st.score,
	})
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	return nil
}

// mint applies the hard/soft decision, finalizes the tracking row, and
// writes the run's single provenance record.
func (r *Runner) mint(ctx context.Context, exec *Execution, st *runState) error {
	kind, reason := decideMint(st.score, st.analysis, st.in.Metadata)
	st.mintKind = kind
	now := r.clock().UTC()

	switch kind {
	case MintHard:
		res, err := r.anchor.Anchor(ctx, st.doc)
		if err != nil {
			return contracts.WrapFault(contracts.CodeUpstreamUnavailable, "hard mint anchor failed", err)
		}
		st.anchorRef = res.Ref
	case MintSoft:
		entry := softMintEntry{
			ChittyID:      st.doc.ID,
			ContentHash:   st.hash,
			CriticalScore: st.score,
			MintedAt:      now,
			ExpiresAt:     now.Add(SoftMintTTL),
		}
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode soft mint: %w", err)
		}
		if err := r.kv.Put(ctx, SoftMintKey(st.doc.ID), body, SoftMintTTL); err != nil {
			return fmt.Errorf("store soft mint: %w", err)
		}
	}

	st.doc.Status = contracts.DocumentProcessed
	st.doc.UpdatedAt = now
	if err := r.docs.Update(ctx, st.doc); err != nil {
		return fmt.Errorf("finalize tracking row: %w", err)
	}

	state, err := canonical.StateMap(st.doc)
	if err != nil {
		return fmt.Errorf("canonicalize document state: %w", err)
	}
	state["minting_type"] = string(kind)
	state["critical_score"] = st.score
	if st.anchorRef != "" {
		state["anchor_ref"] = st.anchorRef
	}
	if _, err := r.prov.Record(ctx, provenance.RecordInput{
		EntityType: "document",
		EntityID:   st.doc.ID,
		Action:     ActionDocumentIngested,
		NewState:   state,
		ActorID:    st.in.Actor,
		SessionID:  st.in.SessionID,
	}); err != nil {
		return fmt.Errorf("record provenance: %w", err)
	}

	result := map[string]any{
		"minting_type":   string(kind),
		"critical_score": st.score,
		"reason":         reason,
	}
	if st.anchorRef != "" {
		result["anchor_ref"] = st.anchorRef
	}
	exec.SetResult(StageMinting, result)
	return nil
}

// distribute hands the processed document to the export bus.
func (r *Runner) distribute(ctx context.Context, exec *Execution, st *runState) error {
	if r.exports == nil {
		return nil
	}
	event, err := r.exports.Publish(ctx, EventEvidenceMinted, map[string]any{
		"chitty_id":      st.doc.ID,
		"content_hash":   st.hash,
		"file_name":      st.doc.FileName,
		"minting_type":   string(st.mintKind),
		"critical_score": st.score,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	exec.SetResult(StageDistribution, map[string]any{"event_id": event.ID, "kind": event.Kind})
	return nil
}

// observe updates the last-processed pointer. Metrics are emitted from
// logOutcome so failed runs report too.
func (r *Runner) observe(ctx context.Context, exec *Execution, st *runState) error {
	pointer := map[string]any{
		"execution_id": exec.ID(),
		"processed_at": r.clock().UTC(),
	}
	if st.doc.ID != "" {
		pointer["chitty_id"] = st.doc.ID
	} else if st.duplicate != nil {
		pointer["duplicate_of"] = st.duplicate.ID
	}
	body, err := json.Marshal(pointer)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, LastProcessedKey, body, 0)
}

// deadLetter persists the failed execution snapshot to the object store and
// a short-lived summary to key-value storage. Best effort: a dead-letter
// failure is logged, never surfaced.
func (r *Runner) deadLetter(ctx context.Context, exec *Execution, st *runState) {
	now := r.clock().UTC()

	if st.doc.ID != "" {
		st.doc.Status = contracts.DocumentFailed
		st.doc.UpdatedAt = now
		if err := r.docs.Update(ctx, st.doc); err != nil {
			r.logger.Error("failed run left tracking row unmarked",
				"execution_id", exec.ID(), "document_id", st.doc.ID, "error", err)
		}
	}

	snap := exec.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		r.logger.Error("dead letter snapshot not serializable", "execution_id", exec.ID(), "error", err)
		return
	}
	key := store.DeadLetterKey(now, exec.ID())
	if err := r.objects.Put(ctx, key, body, "application/json"); err != nil {
		r.logger.Error("dead letter not persisted", "execution_id", exec.ID(), "key", key, "error", err)
	}

	summary := map[string]any{
		"execution_id": exec.ID(),
		"failure":      snap.Failure,
		"failed_at":    now,
		"object_key":   key,
	}
	if summaryBody, err := json.Marshal(summary); err == nil {
		if err := r.kv.Put(ctx, ErrorSummaryKey(exec.ID()), summaryBody, ErrorSummaryTTL); err != nil {
			r.logger.Error("error summary not stored", "execution_id", exec.ID(), "error", err)
		}
	}
}

// ErrorSummaryKey is the key-value slot for a failed run's summary.
func ErrorSummaryKey(executionID string) string {
	return "errors:summary:" + executionID
}

// logOutcome emits the run metrics: duration, stage count, status, minting
// kind, and critical score.
func (r *Runner) logOutcome(exec *Execution, st *runState) {
	snap := exec.Snapshot()
	attrs := []any{
		"execution_id", snap.ID,
		"status", string(snap.Status),
		"duration_ms", snap.DurationMS,
		"stage_count", len(snap.Stages),
		"critical_score", st.score,
	}
	if st.mintKind != "" {
		attrs = append(attrs, "minting_kind", string(st.mintKind))
	}
	if st.duplicate != nil {
		attrs = append(attrs, "duplicate_of", st.duplicate.ID)
	}
	if snap.Status == StatusFailed {
		attrs = append(attrs, "failure", snap.Failure)
		r.logger.Error("pipeline run failed", attrs...)
		return
	}
	r.logger.Info("pipeline run completed", attrs...)
}
