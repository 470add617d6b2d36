package gaps

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore is the durable gap registry backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const gapsSchema = `
CREATE TABLE IF NOT EXISTS knowledge_gaps (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	fingerprint TEXT UNIQUE NOT NULL,
	partial_value TEXT,
	context_clues JSONB,
	confidence_threshold DOUBLE PRECISION NOT NULL,
	occurrence_count INTEGER NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	resolved_value TEXT,
	resolved_by TEXT,
	resolution_confidence DOUBLE PRECISION,
	source_document_id TEXT,
	rollback_data JSONB
);

CREATE INDEX IF NOT EXISTS idx_knowledge_gaps_status
	ON knowledge_gaps (status, last_seen DESC);

CREATE TABLE IF NOT EXISTS gap_occurrences (
	id TEXT PRIMARY KEY,
	gap_id TEXT NOT NULL REFERENCES knowledge_gaps (id),
	document_id TEXT NOT NULL,
	field TEXT NOT NULL,
	placeholder TEXT NOT NULL,
	seen_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gap_occurrences_gap
	ON gap_occurrences (gap_id, seen_at);

CREATE TABLE IF NOT EXISTS gap_candidates (
	id TEXT PRIMARY KEY,
	gap_id TEXT NOT NULL REFERENCES knowledge_gaps (id),
	value TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	confirmations INTEGER NOT NULL,
	rejections INTEGER NOT NULL,
	proposed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (gap_id, value, source)
);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, gapsSchema)
	return err
}

const gapColumns = `id, type, fingerprint, partial_value, context_clues,
	confidence_threshold, occurrence_count, first_seen, last_seen, status,
	resolved_value, resolved_by, resolution_confidence, source_document_id, rollback_data`

// CreateGap implements Store.
func (p *PostgresStore) CreateGap(ctx context.Context, gap Gap) error {
	cluesJSON, rollbackJSON, err := marshalGapBlobs(gap)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO knowledge_gaps (`+gapColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		gap.ID, gap.Type, gap.Fingerprint, nullableText(gap.PartialValue), cluesJSON,
		gap.ConfidenceThreshold, gap.OccurrenceCount, gap.FirstSeen, gap.LastSeen, string(gap.Status),
		nullableText(gap.ResolvedValue), nullableText(gap.ResolvedBy), gap.ResolutionConfidence,
		nullableText(gap.SourceDocumentID), rollbackJSON,
	)
	if err != nil {
		return fmt.Errorf("insert gap: %w", err)
	}
	return nil
}

// UpdateGap implements Store.
func (p *PostgresStore) UpdateGap(ctx context.Context, gap Gap) error {
	cluesJSON, rollbackJSON, err := marshalGapBlobs(gap)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE knowledge_gaps SET
			partial_value = $2, context_clues = $3, confidence_threshold = $4,
			occurrence_count = $5, last_seen = $6, status = $7,
			resolved_value = $8, resolved_by = $9, resolution_confidence = $10,
			source_document_id = $11, rollback_data = $12
		 WHERE id = $1`,
		gap.ID, nullableText(gap.PartialValue), cluesJSON, gap.ConfidenceThreshold,
		gap.OccurrenceCount, gap.LastSeen, string(gap.Status),
		nullableText(gap.ResolvedValue), nullableText(gap.ResolvedBy), gap.ResolutionConfidence,
		nullableText(gap.SourceDocumentID), rollbackJSON,
	)
	if err != nil {
		return fmt.Errorf("update gap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update gap: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Gap implements Store.
func (p *PostgresStore) Gap(ctx context.Context, id string) (Gap, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+gapColumns+` FROM knowledge_gaps WHERE id = $1`, id)
	return scanGap(row)
}

// GapByFingerprint implements Store.
func (p *PostgresStore) GapByFingerprint(ctx context.Context, fingerprint string) (Gap, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+gapColumns+` FROM knowledge_gaps WHERE fingerprint = $1`, fingerprint)
	return scanGap(row)
}

// ListGaps implements Store.
func (p *PostgresStore) ListGaps(ctx context.Context, status Status, limit int) ([]Gap, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+gapColumns+` FROM knowledge_gaps ORDER BY last_seen DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+gapColumns+` FROM knowledge_gaps WHERE status = $1 ORDER BY last_seen DESC LIMIT $2`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Gap
	for rows.Next() {
		gap, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gap)
	}
	return out, rows.Err()
}

// AddOccurrence implements Store.
func (p *PostgresStore) AddOccurrence(ctx context.Context, occ Occurrence) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gap_occurrences (id, gap_id, document_id, field, placeholder, seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		occ.ID, occ.GapID, occ.DocumentID, occ.Field, occ.Placeholder, occ.SeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

// Occurrences implements Store.
func (p *PostgresStore) Occurrences(ctx context.Context, gapID string) ([]Occurrence, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, gap_id, document_id, field, placeholder, seen_at
		 FROM gap_occurrences WHERE gap_id = $1 ORDER BY seen_at ASC`, gapID)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Occurrence
	for rows.Next() {
		var occ Occurrence
		if err := rows.Scan(&occ.ID, &occ.GapID, &occ.DocumentID, &occ.Field, &occ.Placeholder, &occ.SeenAt); err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// UpsertCandidate implements Store.
func (p *PostgresStore) UpsertCandidate(ctx context.Context, cand Candidate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gap_candidates (id, gap_id, value, source, confidence, confirmations, rejections, proposed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (gap_id, value, source) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			confirmations = EXCLUDED.confirmations,
			rejections = EXCLUDED.rejections`,
		cand.ID, cand.GapID, cand.Value, cand.Source, cand.Confidence,
		cand.Confirmations, cand.Rejections, cand.ProposedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// CandidateByProposal implements Store.
func (p *PostgresStore) CandidateByProposal(ctx context.Context, gapID, value, source string) (Candidate, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, gap_id, value, source, confidence, confirmations, rejections, proposed_at
		 FROM gap_candidates WHERE gap_id = $1 AND value = $2 AND source = $3`,
		gapID, value, source)
	return scanCandidate(row)
}

// Candidates implements Store.
func (p *PostgresStore) Candidates(ctx context.Context, gapID string) ([]Candidate, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, gap_id, value, source, confidence, confirmations, rejections, proposed_at
		 FROM gap_candidates WHERE gap_id = $1 ORDER BY proposed_at ASC`, gapID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGap(row rowScanner) (Gap, error) {
	var gap Gap
	var partial, resolvedValue, resolvedBy, sourceDoc sql.NullString
	var resolutionConfidence sql.NullFloat64
	var status string
	var cluesJSON, rollbackJSON []byte

	err := row.Scan(&gap.ID, &gap.Type, &gap.Fingerprint, &partial, &cluesJSON,
		&gap.ConfidenceThreshold, &gap.OccurrenceCount, &gap.FirstSeen, &gap.LastSeen, &status,
		&resolvedValue, &resolvedBy, &resolutionConfidence, &sourceDoc, &rollbackJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Gap{}, ErrNotFound
		}
		return Gap{}, err
	}
	gap.PartialValue = partial.String
	gap.Status = Status(status)
	gap.ResolvedValue = resolvedValue.String
	gap.ResolvedBy = resolvedBy.String
	gap.ResolutionConfidence = resolutionConfidence.Float64
	gap.SourceDocumentID = sourceDoc.String

	if len(cluesJSON) > 0 {
		if err := json.Unmarshal(cluesJSON, &gap.ContextClues); err != nil {
			return Gap{}, fmt.Errorf("corrupt context clues on %s: %w", gap.ID, err)
		}
	}
	if len(rollbackJSON) > 0 {
		if err := json.Unmarshal(rollbackJSON, &gap.RollbackData); err != nil {
			return Gap{}, fmt.Errorf("corrupt rollback data on %s: %w", gap.ID, err)
		}
	}
	return gap, nil
}

func scanCandidate(row rowScanner) (Candidate, error) {
	var cand Candidate
	err := row.Scan(&cand.ID, &cand.GapID, &cand.Value, &cand.Source,
		&cand.Confidence, &cand.Confirmations, &cand.Rejections, &cand.ProposedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Candidate{}, ErrNotFound
		}
		return Candidate{}, err
	}
	return cand, nil
}

func marshalGapBlobs(gap Gap) ([]byte, []byte, error) {
	cluesJSON, err := json.Marshal(gap.ContextClues)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context clues: %w", err)
	}
	rollbackJSON, err := json.Marshal(gap.RollbackData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rollback data: %w", err)
	}
	return cluesJSON, rollbackJSON, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
