// Package corrections applies declarative correction rules to documents. A
// rule pairs a CEL match expression with a typed rewrite of one field; every
// hit becomes a queue item carrying enough state to apply the fix and to roll
// it back later.
package corrections

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

// DocumentStore is the slice of the document layer the engine needs.
type DocumentStore interface {
	Get(ctx context.Context, id string) (contracts.Document, error)
	Update(ctx context.Context, doc contracts.Document) error
}

// Recorder appends provenance records; *provenance.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// Provenance actions written by the engine.
const (
	ActionCorrectionApply    = "correction_apply"
	ActionCorrectionRollback = "correction_rollback"
)

// Service owns the rule registry and the correction queue.
type Service struct {
	store   Store
	docs    DocumentStore
	prov    Recorder
	matcher *Matcher
	clock   contracts.Clock
	logger  *slog.Logger
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

// NewService wires the engine to its stores. The error is the CEL
// environment failing to build, which is a programming mistake, not input.
func NewService(store Store, docs DocumentStore, prov Recorder, opts ...Option) (*Service, error) {
	matcher, err := NewMatcher()
	if err != nil {
		return nil, err
	}
	s := &Service{store: store, docs: docs, prov: prov, matcher: matcher, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RuleInput is the caller-supplied part of a new rule.
type RuleInput struct {
	Name             string
	Description      string
	Match            string
	Field            string
	Correction       Correction
	RequiresApproval bool
	CreatedBy        string
}

// CreateRule registers a draft rule. The match expression is compiled here
// so a malformed rule never reaches the queue.
func (s *Service) CreateRule(ctx context.Context, in RuleInput) (Rule, error) {
	if in.Name == "" {
		return Rule{}, contracts.NewFault(contracts.CodeInvalidInput, "rule name is required")
	}
	if in.Match == "" {
		return Rule{}, contracts.NewFault(contracts.CodeInvalidInput, "match expression is required")
	}
	if err := validateField(in.Field); err != nil {
		return Rule{}, err
	}
	if err := in.Correction.Validate(); err != nil {
		return Rule{}, err
	}
	if err := s.matcher.Check(in.Match); err != nil {
		return Rule{}, contracts.WrapFault(contracts.CodeInvalidInput, "match expression", err)
	}

	now := s.clock().UTC()
	rule := Rule{
		ID:               uuid.NewString(),
		Name:             in.Name,
		Description:      in.Description,
		Match:            in.Match,
		Field:            in.Field,
		Correction:       in.Correction,
		Status:           RuleDraft,
		RequiresApproval: in.RequiresApproval,
		CreatedBy:        in.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return Rule{}, err
	}
	s.logger.Info("correction rule created", "rule_id", rule.ID, "name", rule.Name, "field", rule.Field)
	return rule, nil
}

// Transition moves a rule along its lifecycle. Illegal edges are rejected.
func (s *Service) Transition(ctx context.Context, ruleID string, to RuleStatus, actor string) (Rule, error) {
	rule, err := s.getRule(ctx, ruleID)
	if err != nil {
		return Rule{}, err
	}
	if !canTransition(rule.Status, to) {
		return Rule{}, contracts.Faultf(contracts.CodeStaleWrite,
			"rule %s cannot move from %s to %s", ruleID, rule.Status, to)
	}
	rule.Status = to
	rule.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return Rule{}, err
	}
	s.logger.Info("correction rule transitioned", "rule_id", rule.ID, "status", to, "actor", actor)
	return rule, nil
}

// Rule returns one rule by id.
func (s *Service) Rule(ctx context.Context, id string) (Rule, error) {
	return s.getRule(ctx, id)
}

// Rules lists rules, optionally filtered by status.
func (s *Service) Rules(ctx context.Context, status RuleStatus) ([]Rule, error) {
	return s.store.ListRules(ctx, status)
}

// Evaluate runs every active rule against one document and queues a proposal
// for each hit that would actually change the field. An open proposal for the
// same (rule, document, field) is never duplicated.
func (s *Service) Evaluate(ctx context.Context, documentID string) ([]QueueItem, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, contracts.WrapFault(contracts.CodeUnknownResource, "document "+documentID, err)
	}
	rules, err := s.store.ListRules(ctx, RuleActive)
	if err != nil {
		return nil, err
	}
	input, err := celInput(doc)
	if err != nil {
		return nil, err
	}

	var queued []QueueItem
	for _, rule := range rules {
		prop, err := s.propose(rule, doc, input)
		if err != nil {
			s.logger.Error("rule evaluation failed", "rule_id", rule.ID, "document_id", doc.ID, "error", err)
			continue
		}
		if !prop.Matched || !prop.Changed {
			continue
		}
		_, err = s.store.OpenItemByProposal(ctx, rule.ID, doc.ID, rule.Field)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		item := QueueItem{
			ID:            uuid.NewString(),
			RuleID:        rule.ID,
			DocumentID:    doc.ID,
			Field:         rule.Field,
			CurrentValue:  prop.CurrentValue,
			ProposedValue: prop.ProposedValue,
			Status:        ItemPending,
			QueuedAt:      s.clock().UTC(),
		}
		if err := s.store.CreateItem(ctx, item); err != nil {
			return nil, err
		}
		queued = append(queued, item)
	}
	return queued, nil
}

// Proposal is the outcome of testing one rule against one document.
type Proposal struct {
	RuleID        string `json:"rule_id"`
	DocumentID    string `json:"document_id"`
	Field         string `json:"field"`
	Matched       bool   `json:"matched"`
	Changed       bool   `json:"changed"`
	CurrentValue  string `json:"current_value,omitempty"`
	ProposedValue string `json:"proposed_value,omitempty"`
}

// DryRun tests an approved or active rule against a document without writing
// anything. This is how a reviewer sees what a rule would do before it ships.
func (s *Service) DryRun(ctx context.Context, ruleID, documentID string) (Proposal, error) {
	rule, err := s.getRule(ctx, ruleID)
	if err != nil {
		return Proposal{}, err
	}
	if rule.Status != RuleApproved && rule.Status != RuleActive {
		return Proposal{}, contracts.Faultf(contracts.CodeStaleWrite,
			"rule %s is %s; only approved or active rules dry-run", ruleID, rule.Status)
	}
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return Proposal{}, contracts.WrapFault(contracts.CodeUnknownResource, "document "+documentID, err)
	}
	input, err := celInput(doc)
	if err != nil {
		return Proposal{}, err
	}
	return s.propose(rule, doc, input)
}

func (s *Service) propose(rule Rule, doc contracts.Document, input map[string]any) (Proposal, error) {
	prop := Proposal{RuleID: rule.ID, DocumentID: doc.ID, Field: rule.Field}
	current, present := fieldText(doc, rule.Field)
	input["field"] = rule.Field
	input["value"] = current

	matched, err := s.matcher.Match(rule.Match, input)
	if err != nil {
		return Proposal{}, err
	}
	prop.Matched = matched
	if !matched {
		return prop, nil
	}

	proposed, err := rule.Correction.Apply(current)
	if err != nil {
		return Proposal{}, err
	}
	prop.CurrentValue = current
	prop.ProposedValue = proposed
	// Removing an absent metadata key, or rewriting a value to itself, is not
	// a change worth queueing.
	if rule.Correction.Type == TypeRemove {
		prop.Changed = present || current != ""
	} else {
		prop.Changed = proposed != current
	}
	return prop, nil
}

// Approve releases a pending or parked item for application.
func (s *Service) Approve(ctx context.Context, itemID, actor string) (QueueItem, error) {
	return s.moveItem(ctx, itemID, ItemApproved, actor)
}

// RejectItem closes a pending or parked item without applying it.
func (s *Service) RejectItem(ctx context.Context, itemID, actor string) (QueueItem, error) {
	return s.moveItem(ctx, itemID, ItemRejected, actor)
}

func (s *Service) moveItem(ctx context.Context, itemID string, to ItemStatus, actor string) (QueueItem, error) {
	item, err := s.getItem(ctx, itemID)
	if err != nil {
		return QueueItem{}, err
	}
	if item.Status != ItemPending && item.Status != ItemParked {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"item %s is %s, not pending or parked", itemID, item.Status)
	}
	item.Status = to
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return QueueItem{}, err
	}
	s.logger.Info("correction item moved", "item_id", itemID, "status", to, "actor", actor)
	return item, nil
}

// Apply executes one queue item against the live document. Applying an
// already-applied item is a no-op. The rule must still be active and must
// still match the document; the rewrite is recomputed from the live value so
// a document edited since proposal gets the correction, not a stale snapshot.
func (s *Service) Apply(ctx context.Context, itemID, actor string) (QueueItem, error) {
	item, err := s.getItem(ctx, itemID)
	if err != nil {
		return QueueItem{}, err
	}
	if item.Status == ItemApplied {
		return item, nil
	}
	if item.Status != ItemPending && item.Status != ItemApproved {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"item %s is %s and cannot be applied", itemID, item.Status)
	}
	rule, err := s.getRule(ctx, item.RuleID)
	if err != nil {
		return QueueItem{}, err
	}
	if rule.RequiresApproval && item.Status != ItemApproved {
		return QueueItem{}, contracts.Faultf(contracts.CodeAccessDenied,
			"rule %s requires approval before items apply", rule.ID)
	}
	return s.applyItem(ctx, item, rule, actor)
}

func (s *Service) applyItem(ctx context.Context, item QueueItem, rule Rule, actor string) (QueueItem, error) {
	if rule.Status != RuleActive {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"rule %s is %s, not active", rule.ID, rule.Status)
	}
	doc, err := s.docs.Get(ctx, item.DocumentID)
	if err != nil {
		return QueueItem{}, contracts.WrapFault(contracts.CodeUnknownResource, "document "+item.DocumentID, err)
	}
	input, err := celInput(doc)
	if err != nil {
		return QueueItem{}, err
	}
	prop, err := s.propose(rule, doc, input)
	if err != nil {
		return QueueItem{}, err
	}
	if !prop.Matched {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"rule %s no longer matches document %s", rule.ID, item.DocumentID)
	}

	now := s.clock().UTC()
	item.RollbackValue = prop.CurrentValue
	item.ProposedValue = prop.ProposedValue
	item.Status = ItemApplied
	item.AppliedAt = &now
	item.AppliedBy = actor

	if prop.Changed {
		before, err := canonical.StateMap(doc)
		if err != nil {
			return QueueItem{}, err
		}
		setFieldText(&doc, item.Field, prop.ProposedValue, rule.Correction.Type == TypeRemove)
		if err := s.docs.Update(ctx, doc); err != nil {
			return QueueItem{}, contracts.WrapFault(contracts.CodeUnexpected, "update document "+doc.ID, err)
		}
		after, err := canonical.StateMap(doc)
		if err != nil {
			return QueueItem{}, err
		}
		if _, err := s.prov.Record(ctx, provenance.RecordInput{
			EntityType:    "document",
			EntityID:      doc.ID,
			Action:        ActionCorrectionApply,
			PreviousState: before,
			NewState:      after,
			ActorID:       actor,
			Attestations:  []string{"correction:" + rule.ID, "item:" + item.ID},
		}); err != nil {
			s.logger.Error("correction provenance not recorded",
				"item_id", item.ID, "document_id", doc.ID, "error", err)
		}
	}

	if err := s.store.UpdateItem(ctx, item); err != nil {
		return QueueItem{}, err
	}
	s.logger.Info("correction applied",
		"item_id", item.ID, "rule_id", rule.ID, "document_id", item.DocumentID, "changed", prop.Changed)
	return item, nil
}

// ApplyPolicy steers a bulk application pass.
type ApplyPolicy struct {
	// RequiresApproval parks every item that has not been individually
	// approved, regardless of what the rule says.
	RequiresApproval bool
	// Limit caps how many items one pass drains. Zero means the store default.
	Limit int
}

// BatchResult summarizes one bulk pass.
type BatchResult struct {
	Applied int `json:"applied"`
	Parked  int `json:"parked"`
	Failed  int `json:"failed"`
}

// ApplyBatch drains the queue. Items needing approval they do not have are
// parked for review instead of applied; per-item failures are counted and
// logged, never fatal to the pass.
func (s *Service) ApplyBatch(ctx context.Context, policy ApplyPolicy, actor string) (BatchResult, error) {
	items, err := s.store.ListItems(ctx, ItemFilter{Statuses: []ItemStatus{ItemPending, ItemApproved}, Limit: policy.Limit})
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rule, err := s.getRule(ctx, item.RuleID)
		if err != nil {
			res.Failed++
			s.logger.Error("correction rule missing", "item_id", item.ID, "rule_id", item.RuleID, "error", err)
			continue
		}
		needsApproval := policy.RequiresApproval || rule.RequiresApproval
		if needsApproval && item.Status != ItemApproved {
			item.Status = ItemParked
			if err := s.store.UpdateItem(ctx, item); err != nil {
				return res, err
			}
			res.Parked++
			continue
		}
		if _, err := s.applyItem(ctx, item, rule, actor); err != nil {
			res.Failed++
			s.logger.Error("correction apply failed", "item_id", item.ID, "error", err)
			continue
		}
		res.Applied++
	}
	return res, nil
}

// Rollback restores the value an applied item overwrote. The live field must
// still hold the applied value; anything else means someone edited the
// document afterwards and a blind restore would clobber their work.
func (s *Service) Rollback(ctx context.Context, itemID, actor string) (QueueItem, error) {
	item, err := s.getItem(ctx, itemID)
	if err != nil {
		return QueueItem{}, err
	}
	if item.Status != ItemApplied {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"item %s is %s, not applied", itemID, item.Status)
	}
	doc, err := s.docs.Get(ctx, item.DocumentID)
	if err != nil {
		return QueueItem{}, contracts.WrapFault(contracts.CodeUnknownResource, "document "+item.DocumentID, err)
	}
	live, _ := fieldText(doc, item.Field)
	if live != item.ProposedValue {
		return QueueItem{}, contracts.Faultf(contracts.CodeStaleWrite,
			"field %s changed after the correction was applied", item.Field)
	}

	if live != item.RollbackValue {
		before, err := canonical.StateMap(doc)
		if err != nil {
			return QueueItem{}, err
		}
		setFieldText(&doc, item.Field, item.RollbackValue, false)
		if err := s.docs.Update(ctx, doc); err != nil {
			return QueueItem{}, contracts.WrapFault(contracts.CodeUnexpected, "update document "+doc.ID, err)
		}
		after, err := canonical.StateMap(doc)
		if err != nil {
			return QueueItem{}, err
		}
		if _, err := s.prov.Record(ctx, provenance.RecordInput{
			EntityType:    "document",
			EntityID:      doc.ID,
			Action:        ActionCorrectionRollback,
			PreviousState: before,
			NewState:      after,
			ActorID:       actor,
			Attestations:  []string{"correction:" + item.RuleID, "item:" + item.ID},
		}); err != nil {
			s.logger.Error("rollback provenance not recorded",
				"item_id", item.ID, "document_id", doc.ID, "error", err)
		}
	}

	item.Status = ItemRolledBack
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return QueueItem{}, err
	}
	s.logger.Info("correction rolled back", "item_id", item.ID, "document_id", item.DocumentID, "actor", actor)
	return item, nil
}

// Item returns one queue item by id.
func (s *Service) Item(ctx context.Context, id string) (QueueItem, error) {
	return s.getItem(ctx, id)
}

// Queue lists queue items matching the filter.
func (s *Service) Queue(ctx context.Context, filter ItemFilter) ([]QueueItem, error) {
	return s.store.ListItems(ctx, filter)
}

func (s *Service) getRule(ctx context.Context, id string) (Rule, error) {
	rule, err := s.store.Rule(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Rule{}, contracts.Faultf(contracts.CodeUnknownResource, "rule %s not found", id)
	}
	return rule, err
}

func (s *Service) getItem(ctx context.Context, id string) (QueueItem, error) {
	item, err := s.store.Item(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return QueueItem{}, contracts.Faultf(contracts.CodeUnknownResource, "item %s not found", id)
	}
	return item, err
}

// celInput builds the base evaluation input for one document. The caller adds
// the per-rule field and value entries.
func celInput(doc contracts.Document) (map[string]any, error) {
	state, err := canonical.StateMap(doc)
	if err != nil {
		return nil, err
	}
	meta, _ := state["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{"document": state, "metadata": meta}, nil
}
