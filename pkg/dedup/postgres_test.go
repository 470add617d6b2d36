package dedup

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorePutFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint{
		DocumentID:     "doc-1",
		ContentHash:    "abc123",
		PerceptualHash: ^uint64(0), // high bit set survives the int64 round trip
		HasPerceptual:  true,
		Shingles:       []uint64{7, 11},
		CreatedAt:      created,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (document_id) DO UPDATE")).
		WithArgs("doc-1", "abc123", int64(-1), pq.Array([]int64{7, 11}), created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.PutFingerprint(context.Background(), fp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreFingerprintRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"document_id", "content_hash", "perceptual_hash", "shingles", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM dedup_fingerprints WHERE document_id = $1")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("doc-1", "abc123", int64(-1), "{7,11}", created))

	fp, err := store.FingerprintByDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", fp.ContentHash)
	assert.True(t, fp.HasPerceptual)
	assert.Equal(t, ^uint64(0), fp.PerceptualHash)
	assert.Equal(t, []uint64{7, 11}, fp.Shingles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreFingerprintNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dedup_fingerprints WHERE document_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{}))

	_, err = store.FingerprintByDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreUpdateCandidateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE duplicate_candidates")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateCandidate(context.Background(), Candidate{ID: "missing", Status: StatusPending})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStorePendingScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	detected := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	resolved := detected.Add(time.Hour)

	cols := []string{"id", "document_id", "candidate_id", "detection_method", "similarity_score",
		"confidence", "status", "auto_resolved", "detected_at", "resolved_at", "resolved_by"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY similarity_score DESC, id ASC LIMIT $2")).
		WithArgs("pending", 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("cand-1", "doc-a", "doc-b", "perceptual", 0.95,
				"high", "pending", false, detected, nil, nil).
			AddRow("cand-2", "doc-a", "doc-c", "text_similarity", 0.82,
				"low", "pending", false, detected, resolved, "reviewer"))

	cands, err := store.Pending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, MethodPerceptual, cands[0].DetectionMethod)
	assert.Nil(t, cands[0].ResolvedAt)
	require.NotNil(t, cands[1].ResolvedAt)
	assert.Equal(t, resolved, *cands[1].ResolvedAt)
	assert.Equal(t, "reviewer", cands[1].ResolvedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreScanStateRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	st := ScanState{
		Mode: ScanIncremental, Cursor: "doc-42", Processed: 42, CandidatesFound: 3,
		Running: true, StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dedup_scan_state")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.PutScanState(context.Background(), st))

	raw := `{"mode":"incremental","cursor":"doc-42","processed":42,"candidates_found":3,` +
		`"running":true,"started_at":"2025-06-01T12:00:00Z"}`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM dedup_scan_state WHERE mode = $1")).
		WithArgs("incremental").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(raw)))

	got, err := store.ScanState(context.Background(), ScanIncremental)
	require.NoError(t, err)
	assert.Equal(t, "doc-42", got.Cursor)
	assert.Equal(t, 42, got.Processed)
	assert.True(t, got.Running)
	assert.True(t, got.StartedAt.Equal(st.StartedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreScanStateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM dedup_scan_state WHERE mode = $1")).
		WithArgs("full").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	_, err = store.ScanState(context.Background(), ScanFull)
	assert.ErrorIs(t, err, ErrNotFound)
}
