// Package gaps tracks unknown values discovered during evidence extraction
// and coordinates their proposal, resolution, and rollback. A gap is keyed by
// a fingerprint derived from its type and the stable features of its context,
// so the same unknown seen across many documents collapses into one entry.
package gaps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// Status is the lifecycle state of a gap.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Well-known gap types. The set is open: callers may record domain-specific
// types beyond these.
const (
	TypeEntityName     = "entity_name"
	TypeAuthorityScope = "authority_scope"
	TypeDate           = "date"
	TypeAmount         = "amount"
	TypeReference      = "reference"
)

// DefaultConfidenceThreshold gates automatic resolution from candidates when
// the recorder did not supply a threshold of its own.
const DefaultConfidenceThreshold = 0.8

// Gap is one deduplicated unknown value.
type Gap struct {
	ID                   string            `json:"id"`
	Type                 string            `json:"type"`
	Fingerprint          string            `json:"fingerprint"`
	PartialValue         string            `json:"partial_value,omitempty"`
	ContextClues         map[string]string `json:"context_clues,omitempty"`
	ConfidenceThreshold  float64           `json:"confidence_threshold"`
	OccurrenceCount      int               `json:"occurrence_count"`
	FirstSeen            time.Time         `json:"first_seen"`
	LastSeen             time.Time         `json:"last_seen"`
	Status               Status            `json:"status"`
	ResolvedValue        string            `json:"resolved_value,omitempty"`
	ResolvedBy           string            `json:"resolved_by,omitempty"`
	ResolutionConfidence float64           `json:"resolution_confidence,omitempty"`
	SourceDocumentID     string            `json:"source_document_id,omitempty"`
	RollbackData         []RollbackEntry   `json:"rollback_data,omitempty"`
}

// Clone returns a deep copy so store snapshots cannot alias caller state.
func (g Gap) Clone() Gap {
	out := g
	if g.ContextClues != nil {
		out.ContextClues = make(map[string]string, len(g.ContextClues))
		for k, v := range g.ContextClues {
			out.ContextClues[k] = v
		}
	}
	if g.RollbackData != nil {
		out.RollbackData = append([]RollbackEntry(nil), g.RollbackData...)
	}
	return out
}

// Occurrence ties a gap to one placeholder inside one document.
type Occurrence struct {
	ID          string    `json:"id"`
	GapID       string    `json:"gap_id"`
	DocumentID  string    `json:"document_id"`
	Field       string    `json:"field"`
	Placeholder string    `json:"placeholder"`
	SeenAt      time.Time `json:"seen_at"`
}

// Candidate is a proposed value for a gap. Re-proposing the same value from
// the same source confirms the existing candidate instead of duplicating it.
type Candidate struct {
	ID            string    `json:"id"`
	GapID         string    `json:"gap_id"`
	Value         string    `json:"value"`
	Source        string    `json:"source"`
	Confidence    float64   `json:"confidence"`
	Confirmations int       `json:"confirmations"`
	Rejections    int       `json:"rejections"`
	ProposedAt    time.Time `json:"proposed_at"`
}

// RollbackEntry records one textual substitution made during resolution,
// with enough detail to undo it.
type RollbackEntry struct {
	OccurrenceID string `json:"occurrence_id"`
	DocumentID   string `json:"document_id"`
	Field        string `json:"field"`
	Placeholder  string `json:"placeholder"`
	AppliedValue string `json:"applied_value"`
	Replacements int    `json:"replacements"`
}

// RecordInput describes one sighting of an unknown value.
type RecordInput struct {
	Type                string
	PartialValue        string
	DocumentID          string
	Field               string
	Placeholder         string
	Clues               map[string]string
	ConfidenceThreshold float64
}

// Fingerprint derives the dedup key for a gap. Context clues are folded and
// sorted so clue ordering and casing never split a gap in two; the partial
// value participates only when no clues exist, since garbled extractions of
// the same unknown often differ while their context does not.
func Fingerprint(gapType, partialValue string, clues map[string]string) string {
	features := make([]string, 0, len(clues)+1)
	for k, v := range clues {
		features = append(features, k+"="+canonical.NormalizeName(v))
	}
	if len(features) == 0 {
		features = append(features, "partial="+canonical.NormalizeName(partialValue))
	}
	sort.Strings(features)
	sum := sha256.Sum256([]byte(gapType + "|" + strings.Join(features, "|")))
	return hex.EncodeToString(sum[:])
}

// DocumentStore is the slice of document storage the registry needs to
// propagate resolutions.
type DocumentStore interface {
	Get(ctx context.Context, id string) (contracts.Document, error)
	Update(ctx context.Context, doc contracts.Document) error
}

// Recorder appends provenance records for documents mutated by a resolution.
// *provenance.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// Provenance actions emitted by the registry.
const (
	ActionGapResolution = "gap_resolution"
	ActionGapRollback   = "gap_rollback"
)

// Service is the knowledge gap registry.
type Service struct {
	store  Store
	docs   DocumentStore
	prov   Recorder
	clock  contracts.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wires the registry to its stores.
func NewService(store Store, docs DocumentStore, prov Recorder, opts ...Option) *Service {
	s := &Service{store: store, docs: docs, prov: prov, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record registers a sighting of an unknown value. A sighting whose
// fingerprint already exists bumps the occurrence count and last-seen time
// instead of creating a second gap.
func (s *Service) Record(ctx context.Context, in RecordInput) (Gap, error) {
	if in.Type == "" {
		return Gap{}, contracts.NewFault(contracts.CodeInvalidInput, "gap type is required")
	}
	if in.PartialValue == "" && len(in.Clues) == 0 {
		return Gap{}, contracts.NewFault(contracts.CodeInvalidInput, "a partial value or context clues are required")
	}
	if err := validateField(in.Field); err != nil {
		return Gap{}, err
	}

	now := s.clock().UTC()
	fp := Fingerprint(in.Type, in.PartialValue, in.Clues)

	gap, err := s.store.GapByFingerprint(ctx, fp)
	switch {
	case err == nil:
		gap.OccurrenceCount++
		gap.LastSeen = now
		if err := s.store.UpdateGap(ctx, gap); err != nil {
			return Gap{}, err
		}
	case errors.Is(err, ErrNotFound):
		threshold := in.ConfidenceThreshold
		if threshold <= 0 {
			threshold = DefaultConfidenceThreshold
		}
		gap = Gap{
			ID:                  uuid.NewString(),
			Type:                in.Type,
			Fingerprint:         fp,
			PartialValue:        in.PartialValue,
			ContextClues:        in.Clues,
			ConfidenceThreshold: threshold,
			OccurrenceCount:     1,
			FirstSeen:           now,
			LastSeen:            now,
			Status:              StatusOpen,
		}
		if err := s.store.CreateGap(ctx, gap); err != nil {
			return Gap{}, err
		}
	default:
		return Gap{}, err
	}

	if in.DocumentID != "" {
		placeholder := in.Placeholder
		if placeholder == "" {
			placeholder = in.PartialValue
		}
		occ := Occurrence{
			ID:          uuid.NewString(),
			GapID:       gap.ID,
			DocumentID:  in.DocumentID,
			Field:       normalizeField(in.Field),
			Placeholder: placeholder,
			SeenAt:      now,
		}
		if err := s.store.AddOccurrence(ctx, occ); err != nil {
			return Gap{}, err
		}
	}
	return gap, nil
}

// Propose stores a candidate value for an open gap. The same (value, source)
// pair proposed again confirms the existing candidate; a higher confidence on
// a confirmation sticks.
func (s *Service) Propose(ctx context.Context, gapID, value, source string, confidence float64) (Candidate, error) {
	if value == "" {
		return Candidate{}, contracts.NewFault(contracts.CodeInvalidInput, "candidate value is required")
	}
	if confidence < 0 || confidence > 1 {
		return Candidate{}, contracts.Faultf(contracts.CodeInvalidInput, "confidence %v outside [0,1]", confidence)
	}
	gap, err := s.getGap(ctx, gapID)
	if err != nil {
		return Candidate{}, err
	}
	if gap.Status != StatusOpen {
		return Candidate{}, contracts.Faultf(contracts.CodeStaleWrite, "gap %s is %s, not open", gapID, gap.Status)
	}

	cand, err := s.store.CandidateByProposal(ctx, gapID, value, source)
	switch {
	case err == nil:
		cand.Confirmations++
		if confidence > cand.Confidence {
			cand.Confidence = confidence
		}
	case errors.Is(err, ErrNotFound):
		cand = Candidate{
			ID:            uuid.NewString(),
			GapID:         gapID,
			Value:         value,
			Source:        source,
			Confidence:    confidence,
			Confirmations: 1,
			ProposedAt:    s.clock().UTC(),
		}
	default:
		return Candidate{}, err
	}
	if err := s.store.UpsertCandidate(ctx, cand); err != nil {
		return Candidate{}, err
	}
	return cand, nil
}

// RejectCandidate counts a rejection against an existing proposal.
func (s *Service) RejectCandidate(ctx context.Context, gapID, value, source string) (Candidate, error) {
	cand, err := s.store.CandidateByProposal(ctx, gapID, value, source)
	if errors.Is(err, ErrNotFound) {
		return Candidate{}, contracts.Faultf(contracts.CodeUnknownResource, "no candidate %q from %q on gap %s", value, source, gapID)
	}
	if err != nil {
		return Candidate{}, err
	}
	cand.Rejections++
	if err := s.store.UpsertCandidate(ctx, cand); err != nil {
		return Candidate{}, err
	}
	return cand, nil
}

// Candidates lists a gap's proposals in ranked order: confidence descending,
// then confirmations descending, then value ascending.
func (s *Service) Candidates(ctx context.Context, gapID string) ([]Candidate, error) {
	cands, err := s.store.Candidates(ctx, gapID)
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		if cands[i].Confirmations != cands[j].Confirmations {
			return cands[i].Confirmations > cands[j].Confirmations
		}
		return cands[i].Value < cands[j].Value
	})
	return cands, nil
}

// BestCandidate returns the top-ranked proposal for a gap.
func (s *Service) BestCandidate(ctx context.Context, gapID string) (Candidate, error) {
	cands, err := s.Candidates(ctx, gapID)
	if err != nil {
		return Candidate{}, err
	}
	if len(cands) == 0 {
		return Candidate{}, contracts.Faultf(contracts.CodeUnknownResource, "gap %s has no candidates", gapID)
	}
	return cands[0], nil
}

// Resolve closes an open gap with a value, rewriting every recorded
// placeholder in its documents and emitting one provenance record per
// document touched. The substitutions made are captured as rollback data.
func (s *Service) Resolve(ctx context.Context, gapID, value, resolvedBy, sourceDocumentID string) (Gap, error) {
	if value == "" {
		return Gap{}, contracts.NewFault(contracts.CodeInvalidInput, "resolved value is required")
	}
	if resolvedBy == "" {
		return Gap{}, contracts.NewFault(contracts.CodeInvalidInput, "resolver identity is required")
	}
	gap, err := s.getGap(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}
	if gap.Status != StatusOpen {
		return Gap{}, contracts.Faultf(contracts.CodeStaleWrite, "gap %s is %s, not open", gapID, gap.Status)
	}

	occs, err := s.store.Occurrences(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}

	plan, err := s.planRewrites(ctx, occs, value)
	if err != nil {
		return Gap{}, err
	}
	entries, err := s.applyRewrites(ctx, plan, ActionGapResolution, resolvedBy, gapID, value)
	if err != nil {
		return Gap{}, err
	}

	gap.Status = StatusResolved
	gap.ResolvedValue = value
	gap.ResolvedBy = resolvedBy
	gap.ResolutionConfidence = s.resolutionConfidence(ctx, gapID, value)
	gap.SourceDocumentID = sourceDocumentID
	gap.RollbackData = entries
	gap.LastSeen = s.clock().UTC()

	if err := s.store.UpdateGap(ctx, gap); err != nil {
		s.revert(ctx, plan, ActionGapResolution, resolvedBy, gapID)
		return Gap{}, err
	}
	s.logger.Info("gap resolved",
		"gap_id", gapID, "value", value, "resolved_by", resolvedBy,
		"documents", len(plan), "replacements", totalReplacements(entries))
	return gap, nil
}

// ResolveBest resolves a gap using its top-ranked candidate, provided that
// candidate's confidence clears the gap's threshold.
func (s *Service) ResolveBest(ctx context.Context, gapID, resolvedBy string) (Gap, error) {
	gap, err := s.getGap(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}
	best, err := s.BestCandidate(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}
	if best.Confidence < gap.ConfidenceThreshold {
		return Gap{}, contracts.Faultf(contracts.CodeInvalidInput,
			"best candidate confidence %.2f below threshold %.2f", best.Confidence, gap.ConfidenceThreshold)
	}
	return s.Resolve(ctx, gapID, best.Value, resolvedBy, "")
}

// Rollback restores the placeholders recorded at resolution time and reopens
// the gap.
func (s *Service) Rollback(ctx context.Context, gapID string) (Gap, error) {
	gap, err := s.getGap(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}
	if gap.Status != StatusResolved {
		return Gap{}, contracts.Faultf(contracts.CodeStaleWrite, "gap %s is %s, not resolved", gapID, gap.Status)
	}

	byDoc := make(map[string][]RollbackEntry)
	order := make([]string, 0)
	for _, entry := range gap.RollbackData {
		if _, seen := byDoc[entry.DocumentID]; !seen {
			order = append(order, entry.DocumentID)
		}
		byDoc[entry.DocumentID] = append(byDoc[entry.DocumentID], entry)
	}

	var plan []plannedUpdate
	for _, docID := range order {
		doc, err := s.docs.Get(ctx, docID)
		if err != nil {
			return Gap{}, contracts.WrapFault(contracts.CodeUnknownResource,
				"document "+docID+" referenced by rollback data", err)
		}
		before := doc
		for _, entry := range byDoc[docID] {
			// Undo is textual: the same number of instances that were
			// substituted revert to the placeholder.
			undoOccurrence(&doc, entry)
		}
		plan = append(plan, plannedUpdate{before: before, after: doc})
	}

	resolvedBy := gap.ResolvedBy
	if _, err := s.applyRewrites(ctx, plan, ActionGapRollback, resolvedBy, gapID, gap.ResolvedValue); err != nil {
		return Gap{}, err
	}

	gap.Status = StatusOpen
	gap.ResolvedValue = ""
	gap.ResolvedBy = ""
	gap.ResolutionConfidence = 0
	gap.SourceDocumentID = ""
	gap.RollbackData = nil
	gap.LastSeen = s.clock().UTC()

	if err := s.store.UpdateGap(ctx, gap); err != nil {
		s.revert(ctx, plan, ActionGapRollback, resolvedBy, gapID)
		return Gap{}, err
	}
	s.logger.Info("gap rolled back", "gap_id", gapID, "documents", len(plan))
	return gap, nil
}

// Reject closes a gap without a value. Rejected gaps accept no proposals.
func (s *Service) Reject(ctx context.Context, gapID, rejectedBy string) (Gap, error) {
	gap, err := s.getGap(ctx, gapID)
	if err != nil {
		return Gap{}, err
	}
	if gap.Status != StatusOpen {
		return Gap{}, contracts.Faultf(contracts.CodeStaleWrite, "gap %s is %s, not open", gapID, gap.Status)
	}
	gap.Status = StatusRejected
	gap.ResolvedBy = rejectedBy
	gap.LastSeen = s.clock().UTC()
	if err := s.store.UpdateGap(ctx, gap); err != nil {
		return Gap{}, err
	}
	return gap, nil
}

// Get returns one gap by id.
func (s *Service) Get(ctx context.Context, gapID string) (Gap, error) {
	return s.getGap(ctx, gapID)
}

// List returns gaps filtered by status; an empty status returns all, newest
// last-seen first.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Gap, error) {
	return s.store.ListGaps(ctx, status, limit)
}

// Occurrences returns a gap's recorded document sightings.
func (s *Service) Occurrences(ctx context.Context, gapID string) ([]Occurrence, error) {
	if _, err := s.getGap(ctx, gapID); err != nil {
		return nil, err
	}
	return s.store.Occurrences(ctx, gapID)
}

func (s *Service) getGap(ctx context.Context, gapID string) (Gap, error) {
	gap, err := s.store.Gap(ctx, gapID)
	if errors.Is(err, ErrNotFound) {
		return Gap{}, contracts.Faultf(contracts.CodeUnknownResource, "gap %s not found", gapID)
	}
	if err != nil {
		return Gap{}, err
	}
	return gap, nil
}

// resolutionConfidence reports the confidence of the candidate matching the
// chosen value, or 1.0 for a direct assertion with no matching proposal.
func (s *Service) resolutionConfidence(ctx context.Context, gapID, value string) float64 {
	cands, err := s.store.Candidates(ctx, gapID)
	if err != nil {
		return 1.0
	}
	best := 0.0
	for _, c := range cands {
		if c.Value == value && c.Confidence > best {
			best = c.Confidence
		}
	}
	if best == 0 {
		return 1.0
	}
	return best
}

type plannedUpdate struct {
	before  contracts.Document
	after   contracts.Document
	entries []RollbackEntry
}

// planRewrites loads every referenced document and computes its rewritten
// form without writing anything, so a missing document aborts the resolution
// before any mutation.
func (s *Service) planRewrites(ctx context.Context, occs []Occurrence, value string) ([]plannedUpdate, error) {
	byDoc := make(map[string][]Occurrence)
	order := make([]string, 0)
	for _, occ := range occs {
		if occ.DocumentID == "" {
			continue
		}
		if _, seen := byDoc[occ.DocumentID]; !seen {
			order = append(order, occ.DocumentID)
		}
		byDoc[occ.DocumentID] = append(byDoc[occ.DocumentID], occ)
	}

	var plan []plannedUpdate
	for _, docID := range order {
		doc, err := s.docs.Get(ctx, docID)
		if err != nil {
			return nil, contracts.WrapFault(contracts.CodeUnknownResource,
				"document "+docID+" referenced by gap occurrence", err)
		}
		update := plannedUpdate{before: doc, after: doc}
		for _, occ := range byDoc[docID] {
			n := 0
			if text, ok := fieldText(update.after, occ.Field); ok && occ.Placeholder != "" {
				if n = strings.Count(text, occ.Placeholder); n > 0 {
					setFieldText(&update.after, occ.Field, strings.ReplaceAll(text, occ.Placeholder, value))
				}
			}
			update.entries = append(update.entries, RollbackEntry{
				OccurrenceID: occ.ID,
				DocumentID:   occ.DocumentID,
				Field:        occ.Field,
				Placeholder:  occ.Placeholder,
				Replacements: n,
			})
		}
		plan = append(plan, update)
	}
	return plan, nil
}

// applyRewrites writes the planned documents and their provenance records.
// A failure part-way restores the documents already written.
func (s *Service) applyRewrites(ctx context.Context, plan []plannedUpdate, action, actor, gapID, value string) ([]RollbackEntry, error) {
	var entries []RollbackEntry
	for i := range plan {
		for j := range plan[i].entries {
			plan[i].entries[j].AppliedValue = value
		}
		entries = append(entries, plan[i].entries...)
	}

	for i, update := range plan {
		if err := s.docs.Update(ctx, update.after); err != nil {
			s.revert(ctx, plan[:i], action, actor, gapID)
			return nil, contracts.WrapFault(contracts.CodeUnexpected,
				"update document "+update.after.ID, err)
		}
		if err := s.recordChange(ctx, update.before, update.after, action, actor, gapID); err != nil {
			s.revert(ctx, plan[:i+1], action, actor, gapID)
			return nil, contracts.WrapFault(contracts.CodeIntegrityBreak,
				"record provenance for document "+update.after.ID, err)
		}
	}
	return entries, nil
}

func (s *Service) recordChange(ctx context.Context, before, after contracts.Document, action, actor, gapID string) error {
	prevState, err := canonical.StateMap(before)
	if err != nil {
		return err
	}
	newState, err := canonical.StateMap(after)
	if err != nil {
		return err
	}
	_, err = s.prov.Record(ctx, provenance.RecordInput{
		EntityType:    "document",
		EntityID:      after.ID,
		Action:        action,
		PreviousState: prevState,
		NewState:      newState,
		ActorID:       actor,
		Attestations:  []string{"gap:" + gapID},
	})
	return err
}

// revert restores documents written before a failure, appending compensating
// provenance where the forward record landed. Best effort: anything that
// cannot be undone is logged, not retried.
func (s *Service) revert(ctx context.Context, applied []plannedUpdate, action, actor, gapID string) {
	for _, update := range applied {
		if err := s.docs.Update(ctx, update.before); err != nil {
			s.logger.Error("revert failed, document left rewritten",
				"document_id", update.before.ID, "error", err)
			continue
		}
		if err := s.recordChange(ctx, update.after, update.before, action+"_reverted", actor, gapID); err != nil {
			s.logger.Warn("compensating provenance not recorded",
				"document_id", update.before.ID, "error", err)
		}
	}
}

func totalReplacements(entries []RollbackEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Replacements
	}
	return total
}

// undoOccurrence reverts one rollback entry on a document, bounded by the
// number of substitutions originally made.
func undoOccurrence(doc *contracts.Document, entry RollbackEntry) {
	if entry.Replacements == 0 || entry.AppliedValue == "" {
		return
	}
	text, _ := fieldText(*doc, entry.Field)
	restored := strings.Replace(text, entry.AppliedValue, entry.Placeholder, entry.Replacements)
	setFieldText(doc, entry.Field, restored)
}

const (
	fieldOCRText        = "ocr_text"
	fieldMetadataPrefix = "metadata."
)

func normalizeField(field string) string {
	if field == "" {
		return fieldOCRText
	}
	return field
}

func validateField(field string) error {
	switch {
	case field == "" || field == fieldOCRText:
		return nil
	case strings.HasPrefix(field, fieldMetadataPrefix) && len(field) > len(fieldMetadataPrefix):
		return nil
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unsupported gap field %q", field)
	}
}

func fieldText(doc contracts.Document, field string) (string, bool) {
	switch {
	case field == "" || field == fieldOCRText:
		return doc.OCRText, true
	case strings.HasPrefix(field, fieldMetadataPrefix):
		key := strings.TrimPrefix(field, fieldMetadataPrefix)
		if v, ok := doc.Metadata[key].(string); ok {
			return v, true
		}
		return "", false
	default:
		return "", false
	}
}

func setFieldText(doc *contracts.Document, field, text string) {
	switch {
	case field == "" || field == fieldOCRText:
		doc.OCRText = text
	case strings.HasPrefix(field, fieldMetadataPrefix):
		key := strings.TrimPrefix(field, fieldMetadataPrefix)
		meta := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta[key] = text
		doc.Metadata = meta
	}
}
