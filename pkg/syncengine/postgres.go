package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/merge"
)

// PostgresStore is the durable sync backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const syncSchema = `
CREATE TABLE IF NOT EXISTS sync_sessions (
	id TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	project_path TEXT NOT NULL,
	git_branch TEXT,
	git_commit TEXT,
	platform TEXT NOT NULL,
	actor_id TEXT,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sync_sessions_project
	ON sync_sessions (project_id, status);

CREATE TABLE IF NOT EXISTS sync_projects (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL UNIQUE,
	git_root TEXT,
	canonical_state JSONB NOT NULL DEFAULT '[]',
	last_consolidated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS session_todos (
	session_id TEXT NOT NULL,
	todo_id TEXT NOT NULL,
	todo JSONB NOT NULL,
	position INT NOT NULL,
	PRIMARY KEY (session_id, todo_id)
);

CREATE TABLE IF NOT EXISTS merge_conflicts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	todo_id TEXT NOT NULL,
	base_version JSONB,
	local_version JSONB,
	remote_version JSONB,
	conflict_type TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	strategy TEXT,
	resolved_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_merge_conflicts_project
	ON merge_conflicts (project_id, detected_at);

CREATE TABLE IF NOT EXISTS consolidations (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	contributing_sessions TEXT[] NOT NULL DEFAULT '{}',
	todo_count INT NOT NULL,
	mutated_count INT NOT NULL,
	conflict_count INT NOT NULL,
	completed INT NOT NULL,
	in_progress INT NOT NULL,
	pending INT NOT NULL,
	commit_message TEXT,
	consolidated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consolidations_project
	ON consolidations (project_id, consolidated_at);

CREATE TABLE IF NOT EXISTS project_topics (
	project_id TEXT NOT NULL,
	todo_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	PRIMARY KEY (project_id, todo_id, topic)
);

CREATE INDEX IF NOT EXISTS idx_project_topics_topic
	ON project_topics (project_id, topic);
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, syncSchema)
	return err
}

const sessionColumns = `id, external_session_id, project_id, project_path, git_branch, git_commit,
	platform, actor_id, status, started_at, last_active_at, ended_at`

// CreateSession implements Store.
func (p *PostgresStore) CreateSession(ctx context.Context, session contracts.Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		session.ID, session.ExternalSessionID, session.ProjectID, session.ProjectPath,
		nullableText(session.GitBranch), nullableText(session.GitCommit),
		session.Platform, nullableText(session.ActorID), string(session.Status),
		session.StartedAt, session.LastActiveAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession implements Store.
func (p *PostgresStore) UpdateSession(ctx context.Context, session contracts.Session) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sync_sessions SET
			git_branch = $2, git_commit = $3, status = $4,
			last_active_at = $5, ended_at = $6
		 WHERE id = $1`,
		session.ID, nullableText(session.GitBranch), nullableText(session.GitCommit),
		string(session.Status), session.LastActiveAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Session implements Store.
func (p *PostgresStore) Session(ctx context.Context, id string) (contracts.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// SessionByExternalID implements Store.
func (p *PostgresStore) SessionByExternalID(ctx context.Context, externalID string) (contracts.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE external_session_id = $1`, externalID)
	return scanSession(row)
}

// ListSessions implements Store.
func (p *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]contracts.Session, error) {
	var conds []string
	var args []any
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		conds = append(conds, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !f.LastActiveBefore.IsZero() {
		args = append(args, f.LastActiveBefore)
		conds = append(conds, fmt.Sprintf("last_active_at < $%d", len(args)))
	}
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY started_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

const projectColumns = `id, project_path, git_root, canonical_state, last_consolidated_at`

// CreateProject implements Store.
func (p *PostgresStore) CreateProject(ctx context.Context, project contracts.Project) error {
	state, err := marshalState(project.CanonicalState)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sync_projects (`+projectColumns+`)
		 VALUES ($1, $2, $3, $4, $5)`,
		project.ID, project.ProjectPath, nullableText(project.GitRoot),
		state, nullableTime(project.LastConsolidatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// UpdateProject implements Store.
func (p *PostgresStore) UpdateProject(ctx context.Context, project contracts.Project) error {
	state, err := marshalState(project.CanonicalState)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE sync_projects SET
			git_root = $2, canonical_state = $3, last_consolidated_at = $4
		 WHERE id = $1`,
		project.ID, nullableText(project.GitRoot), state, nullableTime(project.LastConsolidatedAt),
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Project implements Store.
func (p *PostgresStore) Project(ctx context.Context, id string) (contracts.Project, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM sync_projects WHERE id = $1`, id)
	return scanProject(row)
}

// ProjectByPath implements Store.
func (p *PostgresStore) ProjectByPath(ctx context.Context, path string) (contracts.Project, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM sync_projects WHERE project_path = $1`, path)
	return scanProject(row)
}

// ReplaceSessionTodos implements Store. The swap happens in one transaction
// so readers never observe a half-replaced set.
func (p *PostgresStore) ReplaceSessionTodos(ctx context.Context, sessionID string, todos []contracts.Todo) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace todos: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_todos WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear session todos: %w", err)
	}
	for i := range todos {
		blob, err := json.Marshal(todos[i])
		if err != nil {
			return fmt.Errorf("marshal todo %s: %w", todos[i].ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_todos (session_id, todo_id, todo, position)
			 VALUES ($1, $2, $3, $4)`,
			sessionID, todos[i].ID, blob, i); err != nil {
			return fmt.Errorf("insert session todo %s: %w", todos[i].ID, err)
		}
	}
	return tx.Commit()
}

// SessionTodos implements Store.
func (p *PostgresStore) SessionTodos(ctx context.Context, sessionID string) ([]contracts.Todo, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT todo FROM session_todos WHERE session_id = $1 ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session todos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Todo
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var todo contracts.Todo
		if err := json.Unmarshal(blob, &todo); err != nil {
			return nil, fmt.Errorf("corrupt todo for session %s: %w", sessionID, err)
		}
		out = append(out, todo)
	}
	return out, rows.Err()
}

const conflictColumns = `id, project_id, todo_id, base_version, local_version, remote_version,
	conflict_type, detected_at, resolved_at, strategy, resolved_by`

// CreateConflict implements Store.
func (p *PostgresStore) CreateConflict(ctx context.Context, projectID string, conflict contracts.MergeConflict) error {
	base, err := marshalVersion(conflict.BaseVersion)
	if err != nil {
		return err
	}
	local, err := marshalVersion(conflict.LocalVersion)
	if err != nil {
		return err
	}
	remote, err := marshalVersion(conflict.RemoteVersion)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO merge_conflicts (`+conflictColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		conflict.ID, projectID, conflict.TodoID, base, local, remote,
		string(conflict.ConflictType), conflict.DetectedAt, conflict.ResolvedAt,
		nullableText(conflict.Strategy), nullableText(conflict.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// UpdateConflict implements Store.
func (p *PostgresStore) UpdateConflict(ctx context.Context, conflict contracts.MergeConflict) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE merge_conflicts SET
			resolved_at = $2, strategy = $3, resolved_by = $4
		 WHERE id = $1`,
		conflict.ID, conflict.ResolvedAt,
		nullableText(conflict.Strategy), nullableText(conflict.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Conflict implements Store.
func (p *PostgresStore) Conflict(ctx context.Context, id string) (contracts.MergeConflict, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM merge_conflicts WHERE id = $1`, id)
	return scanConflict(row)
}

// ListConflicts implements Store.
func (p *PostgresStore) ListConflicts(ctx context.Context, f ConflictFilter) ([]contracts.MergeConflict, error) {
	var conds []string
	var args []any
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		conds = append(conds, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.TodoID != "" {
		args = append(args, f.TodoID)
		conds = append(conds, fmt.Sprintf("todo_id = $%d", len(args)))
	}
	if f.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	query := `SELECT ` + conflictColumns + ` FROM merge_conflicts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY detected_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MergeConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conflict)
	}
	return out, rows.Err()
}

const consolidationColumns = `id, project_id, strategy, contributing_sessions, todo_count,
	mutated_count, conflict_count, completed, in_progress, pending, commit_message, consolidated_at`

// CreateConsolidation implements Store.
func (p *PostgresStore) CreateConsolidation(ctx context.Context, cons Consolidation) error {
	sessions := cons.ContributingSessions
	if sessions == nil {
		sessions = []string{}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO consolidations (`+consolidationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cons.ID, cons.ProjectID, string(cons.Strategy), pq.Array(sessions),
		cons.TodoCount, cons.MutatedCount, cons.ConflictCount,
		cons.Completed, cons.InProgress, cons.Pending,
		nullableText(cons.CommitMessage), cons.ConsolidatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consolidation: %w", err)
	}
	return nil
}

// ListConsolidations implements Store.
func (p *PostgresStore) ListConsolidations(ctx context.Context, projectID string, limit int) ([]Consolidation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+consolidationColumns+` FROM consolidations
		 WHERE project_id = $1 ORDER BY consolidated_at DESC, id DESC LIMIT $2`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query consolidations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Consolidation
	for rows.Next() {
		cons, err := scanConsolidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cons)
	}
	return out, rows.Err()
}

// ReplaceTopicIndex implements Store.
func (p *PostgresStore) ReplaceTopicIndex(ctx context.Context, projectID string, topics map[string][]string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace topics: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM project_topics WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("clear project topics: %w", err)
	}
	todoIDs := make([]string, 0, len(topics))
	for todoID := range topics {
		todoIDs = append(todoIDs, todoID)
	}
	sort.Strings(todoIDs)
	for _, todoID := range todoIDs {
		for _, topic := range topics[todoID] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO project_topics (project_id, todo_id, topic)
				 VALUES ($1, $2, $3)`,
				projectID, todoID, topic); err != nil {
				return fmt.Errorf("insert topic %s for todo %s: %w", topic, todoID, err)
			}
		}
	}
	return tx.Commit()
}

// TodoIDsByTopic implements Store.
func (p *PostgresStore) TodoIDsByTopic(ctx context.Context, projectID, topic string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT todo_id FROM project_topics
		 WHERE project_id = $1 AND topic = $2 ORDER BY todo_id ASC`,
		projectID, topic)
	if err != nil {
		return nil, fmt.Errorf("query topic todos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TopicCounts implements Store.
func (p *PostgresStore) TopicCounts(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT topic, COUNT(*) FROM project_topics
		 WHERE project_id = $1 GROUP BY topic`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query topic counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var topic string
		var n int
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, err
		}
		counts[topic] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (contracts.Session, error) {
	var session contracts.Session
	var gitBranch, gitCommit, actorID sql.NullString
	var status string
	var endedAt sql.NullTime

	err := row.Scan(&session.ID, &session.ExternalSessionID, &session.ProjectID, &session.ProjectPath,
		&gitBranch, &gitCommit, &session.Platform, &actorID, &status,
		&session.StartedAt, &session.LastActiveAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Session{}, ErrNotFound
		}
		return contracts.Session{}, err
	}
	session.GitBranch = gitBranch.String
	session.GitCommit = gitCommit.String
	session.ActorID = actorID.String
	session.Status = contracts.SessionStatus(status)
	if endedAt.Valid {
		at := endedAt.Time
		session.EndedAt = &at
	}
	return session, nil
}

func scanProject(row rowScanner) (contracts.Project, error) {
	var project contracts.Project
	var gitRoot sql.NullString
	var state []byte
	var consolidatedAt sql.NullTime

	err := row.Scan(&project.ID, &project.ProjectPath, &gitRoot, &state, &consolidatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Project{}, ErrNotFound
		}
		return contracts.Project{}, err
	}
	project.GitRoot = gitRoot.String
	if len(state) > 0 {
		if err := json.Unmarshal(state, &project.CanonicalState); err != nil {
			return contracts.Project{}, fmt.Errorf("corrupt canonical state for project %s: %w", project.ID, err)
		}
	}
	if consolidatedAt.Valid {
		project.LastConsolidatedAt = consolidatedAt.Time
	}
	return project, nil
}

func scanConflict(row rowScanner) (contracts.MergeConflict, error) {
	var conflict contracts.MergeConflict
	var projectID, conflictType string
	var base, local, remote []byte
	var resolvedAt sql.NullTime
	var strategy, resolvedBy sql.NullString

	err := row.Scan(&conflict.ID, &projectID, &conflict.TodoID, &base, &local, &remote,
		&conflictType, &conflict.DetectedAt, &resolvedAt, &strategy, &resolvedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.MergeConflict{}, ErrNotFound
		}
		return contracts.MergeConflict{}, err
	}
	conflict.ConflictType = contracts.ConflictType(conflictType)
	conflict.Strategy = strategy.String
	conflict.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		conflict.ResolvedAt = &at
	}
	if conflict.BaseVersion, err = unmarshalVersion(base); err != nil {
		return contracts.MergeConflict{}, fmt.Errorf("corrupt base version for conflict %s: %w", conflict.ID, err)
	}
	if conflict.LocalVersion, err = unmarshalVersion(local); err != nil {
		return contracts.MergeConflict{}, fmt.Errorf("corrupt local version for conflict %s: %w", conflict.ID, err)
	}
	if conflict.RemoteVersion, err = unmarshalVersion(remote); err != nil {
		return contracts.MergeConflict{}, fmt.Errorf("corrupt remote version for conflict %s: %w", conflict.ID, err)
	}
	return conflict, nil
}

func scanConsolidation(row rowScanner) (Consolidation, error) {
	var cons Consolidation
	var strategy string
	var sessions pq.StringArray
	var message sql.NullString

	err := row.Scan(&cons.ID, &cons.ProjectID, &strategy, &sessions, &cons.TodoCount,
		&cons.MutatedCount, &cons.ConflictCount, &cons.Completed, &cons.InProgress,
		&cons.Pending, &message, &cons.ConsolidatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Consolidation{}, ErrNotFound
		}
		return Consolidation{}, err
	}
	cons.Strategy = merge.Strategy(strategy)
	cons.ContributingSessions = []string(sessions)
	cons.CommitMessage = message.String
	return cons, nil
}

func marshalState(todos []contracts.Todo) ([]byte, error) {
	if todos == nil {
		todos = []contracts.Todo{}
	}
	blob, err := json.Marshal(todos)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical state: %w", err)
	}
	return blob, nil
}

func marshalVersion(todo *contracts.Todo) ([]byte, error) {
	if todo == nil {
		return nil, nil
	}
	blob, err := json.Marshal(todo)
	if err != nil {
		return nil, fmt.Errorf("marshal todo version: %w", err)
	}
	return blob, nil
}

func unmarshalVersion(blob []byte) (*contracts.Todo, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var todo contracts.Todo
	if err := json.Unmarshal(blob, &todo); err != nil {
		return nil, err
	}
	return &todo, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
