package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// Status is a duplicate candidate's review state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusMerged    Status = "merged"
)

// Candidate pairs two documents suspected to be duplicates. The pair is
// stored in canonical order (lexicographically smaller id first) so the same
// two documents can never queue twice.
type Candidate struct {
	ID              string     `json:"id"`
	DocumentID      string     `json:"document_id"`
	CandidateID     string     `json:"candidate_id"`
	DetectionMethod Method     `json:"detection_method"`
	SimilarityScore float64    `json:"similarity_score"`
	Confidence      Confidence `json:"confidence"`
	Status          Status     `json:"status"`
	AutoResolved    bool       `json:"auto_resolved"`
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}

// AutoResolvable reports whether the candidate meets every auto-resolution
// condition: an exact content hash match at high confidence with a score at
// or above AutoResolveScore. All other candidates require human review.
func (c Candidate) AutoResolvable() bool {
	return c.DetectionMethod == MethodContentHash &&
		c.Confidence == ConfidenceHigh &&
		c.SimilarityScore >= AutoResolveScore
}

// orderPair returns the two ids in canonical storage order.
func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// DocumentStore is the slice of document storage the engine needs to apply
// supersession pointers when a pair is merged.
type DocumentStore interface {
	Get(ctx context.Context, id string) (contracts.Document, error)
	Update(ctx context.Context, doc contracts.Document) error
}

// Recorder appends provenance for merged documents. *provenance.Service
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// ActionDuplicateMerge is the provenance action written to both sides of a
// merged pair.
const ActionDuplicateMerge = "duplicate_merge"

// Engine detects duplicates and manages the candidate queue.
type Engine struct {
	store  Store
	docs   DocumentStore
	prov   Recorder
	clock  contracts.Clock
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires the duplicate engine to its stores.
func NewEngine(store Store, docs DocumentStore, prov Recorder, opts ...Option) *Engine {
	e := &Engine{store: store, docs: docs, prov: prov, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Examine fingerprints a document, indexes it, and compares it against the
// rest of the corpus. Every detection that clears its method threshold is
// upserted as a candidate; candidates meeting the auto-resolution conditions
// are merged immediately. Returns the candidates created or updated.
func (e *Engine) Examine(ctx context.Context, doc contracts.Document, content []byte) ([]Candidate, error) {
	if doc.ID == "" {
		return nil, contracts.NewFault(contracts.CodeInvalidInput, "document id is required")
	}
	fp, err := ComputeFingerprint(doc, content)
	if err != nil {
		e.logger.Warn("perceptual fingerprint unavailable", "document_id", doc.ID, "error", err)
	}
	if err := e.store.PutFingerprint(ctx, fp); err != nil {
		return nil, err
	}

	type hit struct {
		other Fingerprint
		best  Detection
	}
	var hits []hit
	err = e.store.ForEachFingerprint(ctx, func(other Fingerprint) error {
		if other.DocumentID == doc.ID {
			return nil
		}
		detections := Compare(fp, other)
		if len(detections) > 0 {
			hits = append(hits, hit{other: other, best: detections[0]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, h := range hits {
		cand, changed, err := e.upsertCandidate(ctx, fp.DocumentID, h.other.DocumentID, h.best)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		if cand.Status == StatusPending && cand.AutoResolvable() {
			cand, err = e.merge(ctx, cand, "", true)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, cand)
	}
	return out, nil
}

// upsertCandidate records a detection against the canonical pair. Resolved
// candidates are never reopened; pending ones keep their best detection.
func (e *Engine) upsertCandidate(ctx context.Context, docID, otherID string, det Detection) (Candidate, bool, error) {
	low, high := orderPair(docID, otherID)
	existing, err := e.store.CandidateByPair(ctx, low, high)
	switch {
	case err == nil:
		if existing.Status != StatusPending {
			return existing, false, nil
		}
		if det.Score <= existing.SimilarityScore {
			return existing, false, nil
		}
		existing.DetectionMethod = det.Method
		existing.SimilarityScore = det.Score
		existing.Confidence = ConfidenceFor(det.Method, det.Score)
		if err := e.store.UpdateCandidate(ctx, existing); err != nil {
			return Candidate{}, false, err
		}
		return existing, true, nil
	case errors.Is(err, ErrNotFound):
		cand := Candidate{
			ID:              uuid.NewString(),
			DocumentID:      low,
			CandidateID:     high,
			DetectionMethod: det.Method,
			SimilarityScore: det.Score,
			Confidence:      ConfidenceFor(det.Method, det.Score),
			Status:          StatusPending,
			DetectedAt:      e.clock().UTC(),
		}
		if err := e.store.CreateCandidate(ctx, cand); err != nil {
			return Candidate{}, false, err
		}
		return cand, true, nil
	default:
		return Candidate{}, false, err
	}
}

// Resolve applies a reviewer's verdict to a pending candidate. A merged
// verdict writes the supersession pointer pair onto the documents.
func (e *Engine) Resolve(ctx context.Context, candidateID string, verdict Status, actor string) (Candidate, error) {
	switch verdict {
	case StatusConfirmed, StatusRejected, StatusMerged:
	default:
		return Candidate{}, contracts.Faultf(contracts.CodeInvalidInput, "verdict %q is not confirmed, rejected, or merged", verdict)
	}
	cand, err := e.store.Candidate(ctx, candidateID)
	if errors.Is(err, ErrNotFound) {
		return Candidate{}, contracts.Faultf(contracts.CodeUnknownResource, "candidate %s not found", candidateID)
	}
	if err != nil {
		return Candidate{}, err
	}
	if cand.Status != StatusPending {
		return Candidate{}, contracts.Faultf(contracts.CodeStaleWrite, "candidate %s is %s, not pending", candidateID, cand.Status)
	}

	if verdict == StatusMerged {
		return e.merge(ctx, cand, actor, false)
	}

	now := e.clock().UTC()
	cand.Status = verdict
	cand.ResolvedAt = &now
	cand.ResolvedBy = actor
	if err := e.store.UpdateCandidate(ctx, cand); err != nil {
		return Candidate{}, err
	}
	return cand, nil
}

// ReviewQueue lists pending candidates, highest similarity first.
func (e *Engine) ReviewQueue(ctx context.Context, limit int) ([]Candidate, error) {
	return e.store.Pending(ctx, limit)
}

// Candidate returns one candidate by id.
func (e *Engine) Candidate(ctx context.Context, id string) (Candidate, error) {
	cand, err := e.store.Candidate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Candidate{}, contracts.Faultf(contracts.CodeUnknownResource, "candidate %s not found", id)
	}
	return cand, err
}

// merge marks the pair merged and supersedes the younger document with the
// older one. Both sides receive a provenance record.
func (e *Engine) merge(ctx context.Context, cand Candidate, actor string, auto bool) (Candidate, error) {
	docA, err := e.docs.Get(ctx, cand.DocumentID)
	if err != nil {
		return Candidate{}, contracts.WrapFault(contracts.CodeUnknownResource, "merge target "+cand.DocumentID, err)
	}
	docB, err := e.docs.Get(ctx, cand.CandidateID)
	if err != nil {
		return Candidate{}, contracts.WrapFault(contracts.CodeUnknownResource, "merge target "+cand.CandidateID, err)
	}

	survivor, duplicate := pickSurvivor(docA, docB)
	survivorBefore, duplicateBefore := survivor, duplicate
	survivor.Supersedes = duplicate.ID
	duplicate.SupersededBy = survivor.ID

	if err := e.docs.Update(ctx, duplicate); err != nil {
		return Candidate{}, contracts.WrapFault(contracts.CodeUnexpected, "update duplicate "+duplicate.ID, err)
	}
	if err := e.docs.Update(ctx, survivor); err != nil {
		return Candidate{}, contracts.WrapFault(contracts.CodeUnexpected, "update survivor "+survivor.ID, err)
	}

	mergeActor := actor
	if auto {
		mergeActor = "dedup_engine"
	}
	for _, change := range []struct{ before, after contracts.Document }{
		{duplicateBefore, duplicate},
		{survivorBefore, survivor},
	} {
		if err := e.recordMerge(ctx, change.before, change.after, mergeActor, cand.ID); err != nil {
			e.logger.Error("merge provenance not recorded",
				"document_id", change.after.ID, "candidate_id", cand.ID, "error", err)
		}
	}

	now := e.clock().UTC()
	cand.Status = StatusMerged
	cand.AutoResolved = auto
	cand.ResolvedAt = &now
	cand.ResolvedBy = mergeActor
	if err := e.store.UpdateCandidate(ctx, cand); err != nil {
		return Candidate{}, err
	}
	e.logger.Info("duplicate pair merged",
		"candidate_id", cand.ID, "survivor", survivor.ID, "duplicate", duplicate.ID, "auto", auto)
	return cand, nil
}

func (e *Engine) recordMerge(ctx context.Context, before, after contracts.Document, actor, candidateID string) error {
	prevState, err := canonical.StateMap(before)
	if err != nil {
		return err
	}
	newState, err := canonical.StateMap(after)
	if err != nil {
		return err
	}
	_, err = e.prov.Record(ctx, provenance.RecordInput{
		EntityType:    "document",
		EntityID:      after.ID,
		Action:        ActionDuplicateMerge,
		PreviousState: prevState,
		NewState:      newState,
		ActorID:       actor,
		Attestations:  []string{"duplicate:" + candidateID},
	})
	return err
}

// pickSurvivor keeps the earlier document; ties fall to the smaller id so
// the choice is deterministic.
func pickSurvivor(a, b contracts.Document) (survivor, duplicate contracts.Document) {
	if a.CreatedAt.Before(b.CreatedAt) {
		return a, b
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}
