package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// PostgresStore is the durable chain store. Appends serialize per entity
// through a tail lock so concurrent writers cannot fork a chain.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const provenanceSchema = `
CREATE TABLE IF NOT EXISTS provenance_records (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	session_id TEXT,
	previous_state_hash TEXT,
	new_state_hash TEXT NOT NULL,
	delta JSONB,
	attestations JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provenance_entity
	ON provenance_records (entity_type, entity_id, seq);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, provenanceSchema)
	return err
}

// Append implements Store. The tail row is locked inside the transaction so
// the continuity check and the insert are atomic.
func (p *PostgresStore) Append(ctx context.Context, rec contracts.ProvenanceRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tail sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT new_state_hash FROM provenance_records
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		rec.EntityType, rec.EntityID,
	).Scan(&tail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain tail: %w", err)
	}
	if tail.Valid && rec.PreviousStateHash != tail.String {
		return ErrChainDiverged
	}

	deltaJSON, err := json.Marshal(rec.Delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	attestJSON, err := json.Marshal(rec.Attestations)
	if err != nil {
		return fmt.Errorf("marshal attestations: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO provenance_records
		 (id, entity_type, entity_id, action, actor_id, session_id,
		  previous_state_hash, new_state_hash, delta, attestations, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.Action, rec.ActorID,
		nullable(rec.SessionID), nullable(rec.PreviousStateHash),
		rec.NewStateHash, deltaJSON, attestJSON, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return tx.Commit()
}

// Chain implements Store.
func (p *PostgresStore) Chain(ctx context.Context, entityType, entityID string) ([]contracts.ProvenanceRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, action, actor_id, session_id,
		        previous_state_hash, new_state_hash, delta, attestations, recorded_at
		 FROM provenance_records
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []contracts.ProvenanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Latest implements Store.
func (p *PostgresStore) Latest(ctx context.Context, entityType, entityID string) (*contracts.ProvenanceRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, entity_type, entity_id, action, actor_id, session_id,
		        previous_state_hash, new_state_hash, delta, attestations, recorded_at
		 FROM provenance_records
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC LIMIT 1`,
		entityType, entityID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (contracts.ProvenanceRecord, error) {
	var rec contracts.ProvenanceRecord
	var sessionID, prevHash sql.NullString
	var deltaJSON, attestJSON []byte

	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action, &rec.ActorID,
		&sessionID, &prevHash, &rec.NewStateHash, &deltaJSON, &attestJSON, &rec.RecordedAt)
	if err != nil {
		return contracts.ProvenanceRecord{}, err
	}
	rec.SessionID = sessionID.String
	rec.PreviousStateHash = prevHash.String

	if len(deltaJSON) > 0 {
		if err := json.Unmarshal(deltaJSON, &rec.Delta); err != nil {
			return contracts.ProvenanceRecord{}, fmt.Errorf("corrupt delta on %s: %w", rec.ID, err)
		}
	}
	if len(attestJSON) > 0 {
		if err := json.Unmarshal(attestJSON, &rec.Attestations); err != nil {
			return contracts.ProvenanceRecord{}, fmt.Errorf("corrupt attestations on %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
