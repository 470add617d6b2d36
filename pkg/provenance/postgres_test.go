package provenance

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
)

func TestPostgresStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	rec := contracts.ProvenanceRecord{
		ID: "rec-1", EntityType: "document", EntityID: "doc-1",
		Action: "create", ActorID: "actor-a",
		NewStateHash: "hash-1",
		Delta:        map[string]any{},
		RecordedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT new_state_hash FROM provenance_records")).
		WithArgs("document", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"new_state_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provenance_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendDiverged(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	rec := contracts.ProvenanceRecord{
		ID: "rec-2", EntityType: "document", EntityID: "doc-1",
		Action: "update", ActorID: "actor-a",
		PreviousStateHash: "stale", NewStateHash: "hash-2",
		RecordedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT new_state_hash FROM provenance_records")).
		WithArgs("document", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"new_state_hash"}).AddRow("hash-1"))
	mock.ExpectRollback()

	err = store.Append(context.Background(), rec)
	assert.ErrorIs(t, err, ErrChainDiverged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	recorded := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "entity_type", "entity_id", "action", "actor_id", "session_id",
		"previous_state_hash", "new_state_hash", "delta", "attestations", "recorded_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("rec-1", "document", "doc-1", "create", "actor-a", nil, nil, "h1", []byte(`{}`), []byte(`[]`), recorded).
		AddRow("rec-2", "document", "doc-1", "update", "actor-a", "sess-1", "h1", "h2",
			[]byte(`{"status":{"old":"pending","new":"processed"}}`), []byte(`["x"]`), recorded.Add(time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("FROM provenance_records")).
		WithArgs("document", "doc-1").
		WillReturnRows(rows)

	chain, err := store.Chain(context.Background(), "document", "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "h1", chain[1].PreviousStateHash)
	assert.Equal(t, "sess-1", chain[1].SessionID)
	assert.Contains(t, chain[1].Delta, "status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLatestNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq DESC LIMIT 1")).
		WithArgs("document", "missing").
		WillReturnRows(sqlmock.NewRows([]string{}))

	_, err = store.Latest(context.Background(), "document", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
