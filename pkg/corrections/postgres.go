package corrections

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore is the durable rule and queue backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const correctionsSchema = `
CREATE TABLE IF NOT EXISTS correction_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	match_expr TEXT NOT NULL,
	field TEXT NOT NULL,
	correction JSONB NOT NULL,
	status TEXT NOT NULL,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_correction_rules_status
	ON correction_rules (status);

CREATE TABLE IF NOT EXISTS correction_queue (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL REFERENCES correction_rules (id),
	document_id TEXT NOT NULL,
	field TEXT NOT NULL,
	current_value TEXT NOT NULL,
	proposed_value TEXT NOT NULL,
	rollback_value TEXT,
	status TEXT NOT NULL,
	queued_at TIMESTAMPTZ NOT NULL,
	applied_at TIMESTAMPTZ,
	applied_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_correction_queue_status
	ON correction_queue (status, queued_at);

CREATE INDEX IF NOT EXISTS idx_correction_queue_proposal
	ON correction_queue (rule_id, document_id, field);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, correctionsSchema)
	return err
}

const ruleColumns = `id, name, description, match_expr, field, correction,
	status, requires_approval, created_by, created_at, updated_at`

// CreateRule implements Store.
func (p *PostgresStore) CreateRule(ctx context.Context, rule Rule) error {
	correction, err := json.Marshal(rule.Correction)
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO correction_rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rule.ID, rule.Name, nullableText(rule.Description), rule.Match, rule.Field, correction,
		string(rule.Status), rule.RequiresApproval, nullableText(rule.CreatedBy), rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// UpdateRule implements Store.
func (p *PostgresStore) UpdateRule(ctx context.Context, rule Rule) error {
	correction, err := json.Marshal(rule.Correction)
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE correction_rules SET
			name = $2, description = $3, match_expr = $4, field = $5, correction = $6,
			status = $7, requires_approval = $8, updated_at = $9
		 WHERE id = $1`,
		rule.ID, rule.Name, nullableText(rule.Description), rule.Match, rule.Field, correction,
		string(rule.Status), rule.RequiresApproval, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Rule implements Store.
func (p *PostgresStore) Rule(ctx context.Context, id string) (Rule, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM correction_rules WHERE id = $1`, id)
	return scanRule(row)
}

// ListRules implements Store.
func (p *PostgresStore) ListRules(ctx context.Context, status RuleStatus) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM correction_rules`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

const itemColumns = `id, rule_id, document_id, field, current_value,
	proposed_value, rollback_value, status, queued_at, applied_at, applied_by`

// CreateItem implements Store.
func (p *PostgresStore) CreateItem(ctx context.Context, item QueueItem) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO correction_queue (`+itemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.RuleID, item.DocumentID, item.Field, item.CurrentValue,
		item.ProposedValue, nullableText(item.RollbackValue), string(item.Status),
		item.QueuedAt, item.AppliedAt, nullableText(item.AppliedBy),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// UpdateItem implements Store.
func (p *PostgresStore) UpdateItem(ctx context.Context, item QueueItem) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE correction_queue SET
			current_value = $2, proposed_value = $3, rollback_value = $4,
			status = $5, applied_at = $6, applied_by = $7
		 WHERE id = $1`,
		item.ID, item.CurrentValue, item.ProposedValue, nullableText(item.RollbackValue),
		string(item.Status), item.AppliedAt, nullableText(item.AppliedBy),
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Item implements Store.
func (p *PostgresStore) Item(ctx context.Context, id string) (QueueItem, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM correction_queue WHERE id = $1`, id)
	return scanItem(row)
}

// OpenItemByProposal implements Store.
func (p *PostgresStore) OpenItemByProposal(ctx context.Context, ruleID, documentID, field string) (QueueItem, error) {
	open := make([]string, len(openItemStatuses))
	for i, s := range openItemStatuses {
		open[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM correction_queue
		 WHERE rule_id = $1 AND document_id = $2 AND field = $3 AND status = ANY($4)
		 ORDER BY queued_at ASC LIMIT 1`,
		ruleID, documentID, field, pq.Array(open))
	return scanItem(row)
}

// ListItems implements Store.
func (p *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]QueueItem, error) {
	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.RuleID != "" {
		args = append(args, filter.RuleID)
		conds = append(conds, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		conds = append(conds, fmt.Sprintf("document_id = $%d", len(args)))
	}
	query := `SELECT ` + itemColumns + ` FROM correction_queue`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY queued_at ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var rule Rule
	var description, createdBy sql.NullString
	var correction []byte
	var status string

	err := row.Scan(&rule.ID, &rule.Name, &description, &rule.Match, &rule.Field, &correction,
		&status, &rule.RequiresApproval, &createdBy, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, err
	}
	if err := json.Unmarshal(correction, &rule.Correction); err != nil {
		return Rule{}, fmt.Errorf("corrupt correction for rule %s: %w", rule.ID, err)
	}
	rule.Description = description.String
	rule.CreatedBy = createdBy.String
	rule.Status = RuleStatus(status)
	return rule, nil
}

func scanItem(row rowScanner) (QueueItem, error) {
	var item QueueItem
	var rollback, appliedBy sql.NullString
	var appliedAt sql.NullTime
	var status string

	err := row.Scan(&item.ID, &item.RuleID, &item.DocumentID, &item.Field, &item.CurrentValue,
		&item.ProposedValue, &rollback, &status, &item.QueuedAt, &appliedAt, &appliedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, ErrNotFound
		}
		return QueueItem{}, err
	}
	item.RollbackValue = rollback.String
	item.AppliedBy = appliedBy.String
	item.Status = ItemStatus(status)
	if appliedAt.Valid {
		t := appliedAt.Time
		item.AppliedAt = &t
	}
	return item, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
