package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable dedup backend. Perceptual hashes and shingle
// hashes are stored as BIGINT bit patterns so no precision is lost.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dedupSchema = `
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	document_id TEXT PRIMARY KEY,
	content_hash TEXT,
	perceptual_hash BIGINT,
	shingles BIGINT[],
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dedup_fingerprints_hash
	ON dedup_fingerprints (content_hash);

CREATE TABLE IF NOT EXISTS duplicate_candidates (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	detection_method TEXT NOT NULL,
	similarity_score DOUBLE PRECISION NOT NULL,
	confidence TEXT NOT NULL,
	status TEXT NOT NULL,
	auto_resolved BOOLEAN NOT NULL DEFAULT FALSE,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT,
	UNIQUE (document_id, candidate_id)
);

CREATE INDEX IF NOT EXISTS idx_duplicate_candidates_status
	ON duplicate_candidates (status, similarity_score DESC);

CREATE TABLE IF NOT EXISTS dedup_scan_state (
	mode TEXT PRIMARY KEY,
	state JSONB NOT NULL
);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, dedupSchema)
	return err
}

// PutFingerprint implements Store.
func (p *PostgresStore) PutFingerprint(ctx context.Context, fp Fingerprint) error {
	var perceptual sql.NullInt64
	if fp.HasPerceptual {
		perceptual = sql.NullInt64{Int64: int64(fp.PerceptualHash), Valid: true}
	}
	shingles := make([]int64, len(fp.Shingles))
	for i, s := range fp.Shingles {
		shingles[i] = int64(s)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dedup_fingerprints (document_id, content_hash, perceptual_hash, shingles, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			perceptual_hash = EXCLUDED.perceptual_hash,
			shingles = EXCLUDED.shingles`,
		fp.DocumentID, nullString(fp.ContentHash), perceptual, pq.Array(shingles), fp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint: %w", err)
	}
	return nil
}

// FingerprintByDocument implements Store.
func (p *PostgresStore) FingerprintByDocument(ctx context.Context, documentID string) (Fingerprint, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT document_id, content_hash, perceptual_hash, shingles, created_at
		 FROM dedup_fingerprints WHERE document_id = $1`, documentID)
	return scanFingerprint(row)
}

// ForEachFingerprint implements Store.
func (p *PostgresStore) ForEachFingerprint(ctx context.Context, fn func(Fingerprint) error) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT document_id, content_hash, perceptual_hash, shingles, created_at
		 FROM dedup_fingerprints ORDER BY document_id ASC`)
	if err != nil {
		return fmt.Errorf("query fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return err
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return rows.Err()
}

const candidateColumns = `id, document_id, candidate_id, detection_method, similarity_score,
	confidence, status, auto_resolved, detected_at, resolved_at, resolved_by`

// CreateCandidate implements Store.
func (p *PostgresStore) CreateCandidate(ctx context.Context, cand Candidate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO duplicate_candidates (`+candidateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cand.ID, cand.DocumentID, cand.CandidateID, string(cand.DetectionMethod),
		cand.SimilarityScore, string(cand.Confidence), string(cand.Status), cand.AutoResolved,
		cand.DetectedAt, cand.ResolvedAt, nullString(cand.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// UpdateCandidate implements Store.
func (p *PostgresStore) UpdateCandidate(ctx context.Context, cand Candidate) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE duplicate_candidates SET
			detection_method = $2, similarity_score = $3, confidence = $4,
			status = $5, auto_resolved = $6, resolved_at = $7, resolved_by = $8
		 WHERE id = $1`,
		cand.ID, string(cand.DetectionMethod), cand.SimilarityScore, string(cand.Confidence),
		string(cand.Status), cand.AutoResolved, cand.ResolvedAt, nullString(cand.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("update candidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update candidate: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Candidate implements Store.
func (p *PostgresStore) Candidate(ctx context.Context, id string) (Candidate, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM duplicate_candidates WHERE id = $1`, id)
	return scanCandidate(row)
}

// CandidateByPair implements Store.
func (p *PostgresStore) CandidateByPair(ctx context.Context, documentID, candidateID string) (Candidate, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM duplicate_candidates
		 WHERE document_id = $1 AND candidate_id = $2`, documentID, candidateID)
	return scanCandidate(row)
}

// Pending implements Store.
func (p *PostgresStore) Pending(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+candidateColumns+` FROM duplicate_candidates
		 WHERE status = $1 ORDER BY similarity_score DESC, id ASC LIMIT $2`,
		string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

// ScanState implements Store.
func (p *PostgresStore) ScanState(ctx context.Context, mode ScanMode) (ScanState, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT state FROM dedup_scan_state WHERE mode = $1`, string(mode)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ScanState{}, ErrNotFound
	}
	if err != nil {
		return ScanState{}, fmt.Errorf("query scan state: %w", err)
	}
	var st ScanState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ScanState{}, fmt.Errorf("corrupt scan state for %s: %w", mode, err)
	}
	return st, nil
}

// PutScanState implements Store.
func (p *PostgresStore) PutScanState(ctx context.Context, st ScanState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal scan state: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO dedup_scan_state (mode, state) VALUES ($1, $2)
		 ON CONFLICT (mode) DO UPDATE SET state = EXCLUDED.state`,
		string(st.Mode), raw,
	)
	if err != nil {
		return fmt.Errorf("upsert scan state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (Fingerprint, error) {
	var fp Fingerprint
	var contentHash sql.NullString
	var perceptual sql.NullInt64
	var shingles pq.Int64Array
	var created time.Time

	err := row.Scan(&fp.DocumentID, &contentHash, &perceptual, &shingles, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fingerprint{}, ErrNotFound
		}
		return Fingerprint{}, err
	}
	fp.ContentHash = contentHash.String
	fp.CreatedAt = created
	if perceptual.Valid {
		fp.PerceptualHash = uint64(perceptual.Int64)
		fp.HasPerceptual = true
	}
	if len(shingles) > 0 {
		fp.Shingles = make([]uint64, len(shingles))
		for i, s := range shingles {
			fp.Shingles[i] = uint64(s)
		}
	}
	return fp, nil
}

func scanCandidate(row rowScanner) (Candidate, error) {
	var cand Candidate
	var method, confidence, status string
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString

	err := row.Scan(&cand.ID, &cand.DocumentID, &cand.CandidateID, &method, &cand.SimilarityScore,
		&confidence, &status, &cand.AutoResolved, &cand.DetectedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Candidate{}, ErrNotFound
		}
		return Candidate{}, err
	}
	cand.DetectionMethod = Method(method)
	cand.Confidence = Confidence(confidence)
	cand.Status = Status(status)
	cand.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		cand.ResolvedAt = &t
	}
	return cand, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
