package corrections

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreCreateAndScanRule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rule := Rule{
		ID: "rule-1", Name: "normalize", Match: `true`, Field: "ocr_text",
		Correction: Correction{Type: TypeTransform, Transform: TransformNormalizeWhitespace},
		Status:     RuleDraft, CreatedAt: created, UpdatedAt: created,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO correction_rules")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateRule(context.Background(), rule))

	cols := []string{"id", "name", "description", "match_expr", "field", "correction",
		"status", "requires_approval", "created_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM correction_rules WHERE id = $1")).
		WithArgs("rule-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rule-1", "normalize", nil, "true", "ocr_text",
			[]byte(`{"type":"transform","transform":"normalize_whitespace"}`),
			"draft", false, nil, created, created))

	got, err := store.Rule(context.Background(), "rule-1")
	require.NoError(t, err)
	assert.Equal(t, RuleDraft, got.Status)
	assert.Equal(t, TypeTransform, got.Correction.Type)
	assert.Equal(t, TransformNormalizeWhitespace, got.Correction.Transform)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRuleNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM correction_rules WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{}))

	_, err = store.Rule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreUpdateRuleNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE correction_rules")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateRule(context.Background(), Rule{ID: "missing", Status: RuleDraft})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreOpenItemByProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	queued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "rule_id", "document_id", "field", "current_value",
		"proposed_value", "rollback_value", "status", "queued_at", "applied_at", "applied_by"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE rule_id = $1 AND document_id = $2 AND field = $3 AND status = ANY($4)")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"item-1", "rule-1", "doc-1", "ocr_text", " messy ",
			"messy", nil, "pending", queued, nil, nil))

	item, err := store.OpenItemByProposal(context.Background(), "rule-1", "doc-1", "ocr_text")
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, ItemPending, item.Status)
	assert.Nil(t, item.AppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListItemsByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	queued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	applied := queued.Add(time.Minute)

	cols := []string{"id", "rule_id", "document_id", "field", "current_value",
		"proposed_value", "rollback_value", "status", "queued_at", "applied_at", "applied_by"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY queued_at ASC")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("item-1", "rule-1", "doc-1", "ocr_text", " a ", "a",
				" a ", "applied", queued, applied, "operator").
			AddRow("item-2", "rule-1", "doc-2", "ocr_text", " b ", "b",
				nil, "pending", queued.Add(time.Second), nil, nil))

	items, err := store.ListItems(context.Background(), ItemFilter{
		Statuses: []ItemStatus{ItemApplied, ItemPending}, RuleID: "rule-1", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ItemApplied, items[0].Status)
	require.NotNil(t, items[0].AppliedAt)
	assert.Equal(t, applied, *items[0].AppliedAt)
	assert.Equal(t, "operator", items[0].AppliedBy)
	assert.Equal(t, ItemPending, items[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
