package exportbus

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresQueue is the durable Queue backend.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue wraps an open database handle.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

const exportSchema = `
CREATE TABLE IF NOT EXISTS export_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload JSONB,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	next_attempt TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_export_events_due
	ON export_events (next_attempt) WHERE state = 'pending';
`

// Init creates the schema.
func (p *PostgresQueue) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, exportSchema)
	return err
}

// Enqueue implements Queue.
func (p *PostgresQueue) Enqueue(ctx context.Context, event Event) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO export_events (id, kind, payload, state, attempts, next_attempt, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Kind, []byte(event.Payload), statePending,
		event.Attempts, event.NextAttempt, nullableText(event.LastError), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export event: %w", err)
	}
	return nil
}

// Due implements Queue.
func (p *PostgresQueue) Due(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, kind, payload, attempts, next_attempt, last_error, created_at
		 FROM export_events
		 WHERE state = 'pending' AND next_attempt <= $1
		 ORDER BY next_attempt ASC, id ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var event Event
		var payload []byte
		var lastError sql.NullString
		if err := rows.Scan(&event.ID, &event.Kind, &payload, &event.Attempts,
			&event.NextAttempt, &lastError, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.LastError = lastError.String
		out = append(out, event)
	}
	return out, rows.Err()
}

// Ack implements Queue.
func (p *PostgresQueue) Ack(ctx context.Context, id string) error {
	return p.setState(ctx, id, `UPDATE export_events SET state = 'sent' WHERE id = $1`)
}

// Retry implements Queue.
func (p *PostgresQueue) Retry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE export_events SET attempts = $2, next_attempt = $3, last_error = $4 WHERE id = $1`,
		id, attempts, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("retry export event: %w", err)
	}
	return requireRow(res)
}

// DeadLetter implements Queue.
func (p *PostgresQueue) DeadLetter(ctx context.Context, id string, lastError string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE export_events SET state = 'dead', last_error = $2 WHERE id = $1`,
		id, lastError)
	if err != nil {
		return fmt.Errorf("dead-letter export event: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresQueue) setState(ctx context.Context, id, query string) error {
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update export event: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
