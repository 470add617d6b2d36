package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is fixed-width RFC 3339 UTC so text comparison in range
// queries agrees with time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the single-node fallback Store for deployments without
// Postgres. Timestamps are stored as RFC 3339 text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open sqlite handle and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database file and returns a ready store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capability: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent invocations.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS capability_invocations (
		id TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		version TEXT NOT NULL,
		caller_id TEXT NOT NULL,
		caller_kind TEXT NOT NULL,
		grade TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		output_hash TEXT,
		success INTEGER NOT NULL,
		error_code TEXT,
		duration_ms INTEGER NOT NULL,
		parent_ids JSON,
		started_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_capability_invocations_window
		ON capability_invocations (capability_id, started_at);

	CREATE TABLE IF NOT EXISTS capability_status_history (
		id TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// RecordInvocation implements Store.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	parentsJSON, err := json.Marshal(inv.ParentIDs)
	if err != nil {
		return fmt.Errorf("marshal parent ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capability_invocations (
			id, capability_id, version, caller_id, caller_kind, grade,
			input_hash, output_hash, success, error_code, duration_ms, parent_ids, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.CapabilityID, inv.Version, inv.CallerID, string(inv.CallerKind), string(inv.Grade),
		inv.InputHash, inv.OutputHash, boolToInt(inv.Success), string(inv.ErrorCode),
		inv.DurationMS, string(parentsJSON), inv.StartedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Invocation implements Store.
func (s *SQLiteStore) Invocation(ctx context.Context, id string) (Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capability_id, version, caller_id, caller_kind, grade,
			input_hash, output_hash, success, error_code, duration_ms, parent_ids, started_at
		 FROM capability_invocations WHERE id = ?`, id)
	return scanSQLiteInvocation(row)
}

// InvocationsSince implements Store.
func (s *SQLiteStore) InvocationsSince(ctx context.Context, capabilityID string, since time.Time) ([]Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capability_id, version, caller_id, caller_kind, grade,
			input_hash, output_hash, success, error_code, duration_ms, parent_ids, started_at
		 FROM capability_invocations
		 WHERE capability_id = ? AND started_at >= ?
		 ORDER BY started_at ASC`,
		capabilityID, since.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invocation
	for rows.Next() {
		inv, err := scanSQLiteInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// PruneInvocations implements Store.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capability_invocations WHERE started_at < ?`,
		olderThan.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}

// RecordStatusChange implements Store.
func (s *SQLiteStore) RecordStatusChange(ctx context.Context, change StatusChange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_status_history (id, capability_id, from_status, to_status, trigger, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		change.ID, change.CapabilityID, string(change.From), string(change.To),
		change.Trigger, change.ChangedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

// StatusHistory implements Store.
func (s *SQLiteStore) StatusHistory(ctx context.Context, capabilityID string) ([]StatusChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capability_id, from_status, to_status, trigger, changed_at
		 FROM capability_status_history
		 WHERE capability_id = ? ORDER BY changed_at ASC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StatusChange
	for rows.Next() {
		var change StatusChange
		var from, to, changedAt string
		if err := rows.Scan(&change.ID, &change.CapabilityID, &from, &to, &change.Trigger, &changedAt); err != nil {
			return nil, err
		}
		change.From = contracts.CapabilityStatus(from)
		change.To = contracts.CapabilityStatus(to)
		change.ChangedAt = parseSQLiteTime(changedAt)
		out = append(out, change)
	}
	return out, rows.Err()
}

func scanSQLiteInvocation(row rowScanner) (Invocation, error) {
	var inv Invocation
	var callerKind, grade, startedAt string
	var outputHash, errorCode, parentsJSON sql.NullString
	var success int

	err := row.Scan(&inv.ID, &inv.CapabilityID, &inv.Version, &inv.CallerID, &callerKind, &grade,
		&inv.InputHash, &outputHash, &success, &errorCode, &inv.DurationMS, &parentsJSON, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invocation{}, ErrNotFound
		}
		return Invocation{}, err
	}
	inv.CallerKind = contracts.ContextKind(callerKind)
	inv.Grade = contracts.Grade(grade)
	inv.OutputHash = outputHash.String
	inv.Success = success != 0
	inv.ErrorCode = contracts.Code(errorCode.String)
	inv.StartedAt = parseSQLiteTime(startedAt)
	if parentsJSON.Valid && parentsJSON.String != "" {
		if err := json.Unmarshal([]byte(parentsJSON.String), &inv.ParentIDs); err != nil {
			return Invocation{}, fmt.Errorf("corrupt parent ids on %s: %w", inv.ID, err)
		}
	}
	return inv, nil
}

func parseSQLiteTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
