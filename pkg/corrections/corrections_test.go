package corrections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

type memoryDocs struct {
	mu   sync.Mutex
	docs map[string]contracts.Document
}

func newMemoryDocs(docs ...contracts.Document) *memoryDocs {
	m := &memoryDocs{docs: make(map[string]contracts.Document)}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memoryDocs) Get(_ context.Context, id string) (contracts.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return contracts.Document{}, errors.New("document not found: " + id)
	}
	return doc, nil
}

func (m *memoryDocs) Update(_ context.Context, doc contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func testClock() contracts.Clock {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	return func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
}

func newTestService(t *testing.T, docs *memoryDocs) (*Service, *provenance.Service) {
	t.Helper()
	prov := provenance.NewService(provenance.NewMemoryStore(), provenance.WithClock(testClock()))
	svc, err := NewService(NewMemoryStore(), docs, prov, WithClock(testClock()))
	require.NoError(t, err)
	return svc, prov
}

func activeRule(t *testing.T, svc *Service, in RuleInput) Rule {
	t.Helper()
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, in)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, rule.ID, RuleApproved, "reviewer")
	require.NoError(t, err)
	rule, err = svc.Transition(ctx, rule.ID, RuleActive, "reviewer")
	require.NoError(t, err)
	return rule
}

func assertFaultCode(t *testing.T, err error, code contracts.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, contracts.FaultCode(err))
}

func TestCreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newMemoryDocs())

	base := RuleInput{
		Name:       "normalize ocr whitespace",
		Match:      `document.mime_type == "application/pdf"`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformNormalizeWhitespace},
	}

	_, err := svc.CreateRule(ctx, base)
	require.NoError(t, err)

	missingName := base
	missingName.Name = ""
	_, err = svc.CreateRule(ctx, missingName)
	assertFaultCode(t, err, contracts.CodeInvalidInput)

	badField := base
	badField.Field = "content_hash"
	_, err = svc.CreateRule(ctx, badField)
	assertFaultCode(t, err, contracts.CodeInvalidInput)

	badCorrection := base
	badCorrection.Correction = Correction{Type: TypeTransform, Transform: "reverse"}
	_, err = svc.CreateRule(ctx, badCorrection)
	assertFaultCode(t, err, contracts.CodeInvalidInput)

	badCEL := base
	badCEL.Match = `document.mime_type ==`
	_, err = svc.CreateRule(ctx, badCEL)
	assertFaultCode(t, err, contracts.CodeInvalidInput)

	nonBoolean := base
	nonBoolean.Match = `1 + 2`
	_, err = svc.CreateRule(ctx, nonBoolean)
	assertFaultCode(t, err, contracts.CodeInvalidInput)
}

func TestRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newMemoryDocs())

	rule, err := svc.CreateRule(ctx, RuleInput{
		Name:       "trim file names",
		Match:      `true`,
		Field:      "file_name",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})
	require.NoError(t, err)
	assert.Equal(t, RuleDraft, rule.Status)

	_, err = svc.Transition(ctx, rule.ID, RuleActive, "reviewer")
	assertFaultCode(t, err, contracts.CodeStaleWrite)

	rule, err = svc.Transition(ctx, rule.ID, RuleApproved, "reviewer")
	require.NoError(t, err)
	rule, err = svc.Transition(ctx, rule.ID, RuleActive, "reviewer")
	require.NoError(t, err)
	rule, err = svc.Transition(ctx, rule.ID, RulePaused, "reviewer")
	require.NoError(t, err)
	rule, err = svc.Transition(ctx, rule.ID, RuleRetired, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, RuleRetired, rule.Status)

	_, err = svc.Transition(ctx, rule.ID, RuleActive, "reviewer")
	assertFaultCode(t, err, contracts.CodeStaleWrite)

	_, err = svc.Transition(ctx, "missing", RuleApproved, "reviewer")
	assertFaultCode(t, err, contracts.CodeUnknownResource)
}

func TestEvaluateQueuesMatchingRules(t *testing.T) {
	ctx := context.Background()
	doc := contracts.Document{
		ID: "doc-1", MimeType: "application/pdf",
		OCRText: "  Payment  recieved  in   full ",
	}
	docs := newMemoryDocs(doc)
	svc, _ := newTestService(t, docs)

	hit := activeRule(t, svc, RuleInput{
		Name:       "normalize pdf ocr",
		Match:      `document.mime_type == "application/pdf" && value.contains("recieved")`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformNormalizeWhitespace},
	})
	activeRule(t, svc, RuleInput{
		Name:       "images only",
		Match:      `document.mime_type.startsWith("image/")`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeRemove},
	})
	draft, err := svc.CreateRule(ctx, RuleInput{
		Name:       "draft never runs",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeSet, Value: "nope"},
	})
	require.NoError(t, err)

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, hit.ID, item.RuleID)
	assert.Equal(t, ItemPending, item.Status)
	assert.Equal(t, "  Payment  recieved  in   full ", item.CurrentValue)
	assert.Equal(t, "Payment recieved in full", item.ProposedValue)
	assert.NotEqual(t, draft.ID, item.RuleID)

	again, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, again, "open proposals are not duplicated")
}

func TestEvaluateSkipsNoChange(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", MimeType: "application/pdf", OCRText: "already clean"})
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "normalize",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformNormalizeWhitespace},
	})
	activeRule(t, svc, RuleInput{
		Name:       "drop absent metadata",
		Match:      `true`,
		Field:      "metadata.draft_note",
		Correction: Correction{Type: TypeRemove},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, items, "rewrites that change nothing are not queued")
}

func TestDryRunPreviewsWithoutQueueing(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", FileName: " Scan.PDF "})
	svc, _ := newTestService(t, docs)

	rule, err := svc.CreateRule(ctx, RuleInput{
		Name:       "lower file names",
		Match:      `value.matches("[A-Z]")`,
		Field:      "file_name",
		Correction: Correction{Type: TypeTransform, Transform: TransformLower},
	})
	require.NoError(t, err)

	_, err = svc.DryRun(ctx, rule.ID, "doc-1")
	assertFaultCode(t, err, contracts.CodeStaleWrite)

	_, err = svc.Transition(ctx, rule.ID, RuleApproved, "reviewer")
	require.NoError(t, err)

	prop, err := svc.DryRun(ctx, rule.ID, "doc-1")
	require.NoError(t, err)
	assert.True(t, prop.Matched)
	assert.True(t, prop.Changed)
	assert.Equal(t, " Scan.PDF ", prop.CurrentValue)
	assert.Equal(t, " scan.pdf ", prop.ProposedValue)

	queue, err := svc.Queue(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, queue, "dry-run writes nothing")
}

func TestApplyWritesDocumentAndProvenance(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", MimeType: "application/pdf", OCRText: "  messy   text "})
	svc, prov := newTestService(t, docs)

	rule := activeRule(t, svc, RuleInput{
		Name:       "normalize",
		Match:      `document.mime_type == "application/pdf"`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformNormalizeWhitespace},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, ItemApplied, applied.Status)
	assert.Equal(t, "  messy   text ", applied.RollbackValue)
	assert.Equal(t, "messy text", applied.ProposedValue)
	assert.Equal(t, "operator-1", applied.AppliedBy)
	require.NotNil(t, applied.AppliedAt)

	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "messy text", doc.OCRText)

	chain, err := prov.Chain(ctx, "document", "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, ActionCorrectionApply, chain[0].Action)
	assert.Equal(t, "operator-1", chain[0].ActorID)
	assert.Contains(t, chain[0].Attestations, "correction:"+rule.ID)
	assert.Contains(t, chain[0].Attestations, "item:"+applied.ID)

	// Idempotent: a second apply changes nothing and appends nothing.
	again, err := svc.Apply(ctx, items[0].ID, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, ItemApplied, again.Status)
	assert.Equal(t, "operator-1", again.AppliedBy)
	chain, err = prov.Chain(ctx, "document", "doc-1")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestApplyHonorsApprovalRequirement(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", OCRText: " padded "})
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:             "trim with approval",
		Match:            `true`,
		Field:            "ocr_text",
		Correction:       Correction{Type: TypeTransform, Transform: TransformTrim},
		RequiresApproval: true,
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = svc.Apply(ctx, items[0].ID, "operator-1")
	assertFaultCode(t, err, contracts.CodeAccessDenied)

	_, err = svc.Approve(ctx, items[0].ID, "reviewer-1")
	require.NoError(t, err)

	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, ItemApplied, applied.Status)
}

func TestApplyRecomputesFromLiveValue(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", OCRText: "  first draft "})
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "trim",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The document moves on between proposal and apply.
	require.NoError(t, docs.Update(ctx, contracts.Document{ID: "doc-1", OCRText: "  second draft  "}))

	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, "  second draft  ", applied.RollbackValue, "rollback captures the live pre-apply value")
	assert.Equal(t, "second draft", applied.ProposedValue)

	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "second draft", doc.OCRText)
}

func TestApplyRefusesWhenRuleDrifts(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", MimeType: "application/pdf", OCRText: " padded "})
	svc, _ := newTestService(t, docs)

	rule := activeRule(t, svc, RuleInput{
		Name:       "pdf trim",
		Match:      `document.mime_type == "application/pdf"`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The document stops matching the rule before the item is applied.
	require.NoError(t, docs.Update(ctx, contracts.Document{ID: "doc-1", MimeType: "image/png", OCRText: " padded "}))
	_, err = svc.Apply(ctx, items[0].ID, "operator-1")
	assertFaultCode(t, err, contracts.CodeStaleWrite)

	// Restore the match but pause the rule: still not applicable.
	require.NoError(t, docs.Update(ctx, contracts.Document{ID: "doc-1", MimeType: "application/pdf", OCRText: " padded "}))
	_, err = svc.Transition(ctx, rule.ID, RulePaused, "reviewer")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, items[0].ID, "operator-1")
	assertFaultCode(t, err, contracts.CodeStaleWrite)
}

func TestApplyBatchParksUnapproved(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(
		contracts.Document{ID: "doc-1", OCRText: " one "},
		contracts.Document{ID: "doc-2", OCRText: " two "},
	)
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "trim",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})

	for _, id := range []string{"doc-1", "doc-2"} {
		items, err := svc.Evaluate(ctx, id)
		require.NoError(t, err)
		require.Len(t, items, 1)
	}

	res, err := svc.ApplyBatch(ctx, ApplyPolicy{RequiresApproval: true}, "batch")
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Parked: 2}, res)

	parked, err := svc.Queue(ctx, ItemFilter{Statuses: []ItemStatus{ItemParked}})
	require.NoError(t, err)
	require.Len(t, parked, 2)

	_, err = svc.Approve(ctx, parked[0].ID, "reviewer")
	require.NoError(t, err)

	res, err = svc.ApplyBatch(ctx, ApplyPolicy{RequiresApproval: true}, "batch")
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Applied: 1}, res)

	want := map[string]string{"doc-1": "one", "doc-2": "two"}
	doc, err := docs.Get(ctx, parked[0].DocumentID)
	require.NoError(t, err)
	assert.Equal(t, want[parked[0].DocumentID], doc.OCRText)
}

func TestApplyBatchAppliesUnrestricted(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(
		contracts.Document{ID: "doc-1", OCRText: " one "},
		contracts.Document{ID: "doc-2", OCRText: " two "},
	)
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "trim",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})
	for _, id := range []string{"doc-1", "doc-2"} {
		_, err := svc.Evaluate(ctx, id)
		require.NoError(t, err)
	}

	res, err := svc.ApplyBatch(ctx, ApplyPolicy{}, "batch")
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Applied: 2}, res)

	for _, id := range []string{"doc-1", "doc-2"} {
		doc, err := docs.Get(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, doc.OCRText, " ")
	}
}

func TestRollbackRestoresValue(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", OCRText: "  before  "})
	svc, prov := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "trim",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)

	rolled, err := svc.Rollback(ctx, applied.ID, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, ItemRolledBack, rolled.Status)

	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "  before  ", doc.OCRText)

	chain, err := prov.Chain(ctx, "document", "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, ActionCorrectionApply, chain[0].Action)
	assert.Equal(t, ActionCorrectionRollback, chain[1].Action)

	verdict, err := prov.Verify(ctx, "document", "doc-1")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	_, err = svc.Rollback(ctx, applied.ID, "operator-2")
	assertFaultCode(t, err, contracts.CodeStaleWrite)
}

func TestRollbackRefusesAfterExternalEdit(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{ID: "doc-1", OCRText: "  before  "})
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "trim",
		Match:      `true`,
		Field:      "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformTrim},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)

	require.NoError(t, docs.Update(ctx, contracts.Document{ID: "doc-1", OCRText: "someone else's edit"}))

	_, err = svc.Rollback(ctx, applied.ID, "operator-2")
	assertFaultCode(t, err, contracts.CodeStaleWrite)
}

func TestRemoveCorrectionDeletesMetadataKey(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(contracts.Document{
		ID:       "doc-1",
		Metadata: map[string]any{"draft_note": "internal only", "keep": "me"},
	})
	svc, _ := newTestService(t, docs)

	activeRule(t, svc, RuleInput{
		Name:       "strip draft notes",
		Match:      `"draft_note" in metadata`,
		Field:      "metadata.draft_note",
		Correction: Correction{Type: TypeRemove},
	})

	items, err := svc.Evaluate(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	applied, err := svc.Apply(ctx, items[0].ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, "internal only", applied.RollbackValue)

	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	_, present := doc.Metadata["draft_note"]
	assert.False(t, present)
	assert.Equal(t, "me", doc.Metadata["keep"])

	rolled, err := svc.Rollback(ctx, applied.ID, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, ItemRolledBack, rolled.Status)

	doc, err = docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "internal only", doc.Metadata["draft_note"])
}
