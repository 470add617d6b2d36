package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// PostgresStore is the durable invocation and status history backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const capabilitySchema = `
CREATE TABLE IF NOT EXISTS capability_invocations (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	version TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	caller_kind TEXT NOT NULL,
	grade TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	output_hash TEXT,
	success BOOLEAN NOT NULL,
	error_code TEXT,
	duration_ms BIGINT NOT NULL,
	parent_ids JSONB,
	started_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capability_invocations_window
	ON capability_invocations (capability_id, started_at DESC);

CREATE TABLE IF NOT EXISTS capability_status_history (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	trigger TEXT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capability_status_history
	ON capability_status_history (capability_id, changed_at);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, capabilitySchema)
	return err
}

const invocationColumns = `id, capability_id, version, caller_id, caller_kind, grade,
	input_hash, output_hash, success, error_code, duration_ms, parent_ids, started_at`

// RecordInvocation implements Store.
func (p *PostgresStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	parentsJSON, err := json.Marshal(inv.ParentIDs)
	if err != nil {
		return fmt.Errorf("marshal parent ids: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO capability_invocations (`+invocationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.CapabilityID, inv.Version, inv.CallerID, string(inv.CallerKind), string(inv.Grade),
		inv.InputHash, nullableText(inv.OutputHash), inv.Success, nullableText(string(inv.ErrorCode)),
		inv.DurationMS, parentsJSON, inv.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Invocation implements Store.
func (p *PostgresStore) Invocation(ctx context.Context, id string) (Invocation, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM capability_invocations WHERE id = $1`, id)
	return scanInvocation(row)
}

// InvocationsSince implements Store.
func (p *PostgresStore) InvocationsSince(ctx context.Context, capabilityID string, since time.Time) ([]Invocation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM capability_invocations
		 WHERE capability_id = $1 AND started_at >= $2
		 ORDER BY started_at ASC`, capabilityID, since)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// PruneInvocations implements Store.
func (p *PostgresStore) PruneInvocations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM capability_invocations WHERE started_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}

// RecordStatusChange implements Store.
func (p *PostgresStore) RecordStatusChange(ctx context.Context, change StatusChange) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO capability_status_history (id, capability_id, from_status, to_status, trigger, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		change.ID, change.CapabilityID, string(change.From), string(change.To), change.Trigger, change.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

// StatusHistory implements Store.
func (p *PostgresStore) StatusHistory(ctx context.Context, capabilityID string) ([]StatusChange, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, capability_id, from_status, to_status, trigger, changed_at
		 FROM capability_status_history
		 WHERE capability_id = $1 ORDER BY changed_at ASC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StatusChange
	for rows.Next() {
		var change StatusChange
		var from, to string
		if err := rows.Scan(&change.ID, &change.CapabilityID, &from, &to, &change.Trigger, &change.ChangedAt); err != nil {
			return nil, err
		}
		change.From = contracts.CapabilityStatus(from)
		change.To = contracts.CapabilityStatus(to)
		out = append(out, change)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (Invocation, error) {
	var inv Invocation
	var callerKind, grade string
	var outputHash, errorCode sql.NullString
	var parentsJSON []byte

	err := row.Scan(&inv.ID, &inv.CapabilityID, &inv.Version, &inv.CallerID, &callerKind, &grade,
		&inv.InputHash, &outputHash, &inv.Success, &errorCode, &inv.DurationMS, &parentsJSON, &inv.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invocation{}, ErrNotFound
		}
		return Invocation{}, err
	}
	inv.CallerKind = contracts.ContextKind(callerKind)
	inv.Grade = contracts.Grade(grade)
	inv.OutputHash = outputHash.String
	inv.ErrorCode = contracts.Code(errorCode.String)
	if len(parentsJSON) > 0 {
		if err := json.Unmarshal(parentsJSON, &inv.ParentIDs); err != nil {
			return Invocation{}, fmt.Errorf("corrupt parent ids on %s: %w", inv.ID, err)
		}
	}
	return inv, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
