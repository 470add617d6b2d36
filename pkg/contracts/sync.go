package contracts

import "time"

// SessionStatus is the lifecycle of a writer session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionArchived SessionStatus = "archived"
)

// Session is a writer attached to a (project, git branch). Registration is
// idempotent on ExternalSessionID.
type Session struct {
	ID                string        `json:"id"`
	ExternalSessionID string        `json:"external_session_id"`
	ProjectID         string        `json:"project_id"`
	ProjectPath       string        `json:"project_path"`
	GitBranch         string        `json:"git_branch,omitempty"`
	GitCommit         string        `json:"git_commit,omitempty"`
	Platform          string        `json:"platform"`
	ActorID           string        `json:"actor_id,omitempty"`
	Status            SessionStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	LastActiveAt      time.Time     `json:"last_active_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
}

// Project owns the canonical todo set produced by consolidation.
type Project struct {
	ID                 string    `json:"id"`
	ProjectPath        string    `json:"project_path"`
	GitRoot            string    `json:"git_root,omitempty"`
	CanonicalState     []Todo    `json:"canonical_state"`
	LastConsolidatedAt time.Time `json:"last_consolidated_at"`
}

// TodoStatus is the working state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// statusPriority orders todo statuses for the status_priority merge strategy:
// completed beats in_progress beats pending.
var statusPriority = map[TodoStatus]int{
	TodoCompleted:  3,
	TodoInProgress: 2,
	TodoPending:    1,
}

// Priority returns the merge precedence of the status. Unknown statuses rank
// below pending.
func (s TodoStatus) Priority() int { return statusPriority[s] }

// Todo is the unit of synchronized work state. VectorClock carries one
// monotone counter per writing platform.
type Todo struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Status       TodoStatus        `json:"status"`
	ActiveForm   string            `json:"active_form,omitempty"`
	Platform     string            `json:"platform"`
	SessionID    string            `json:"session_id,omitempty"`
	ActorID      string            `json:"actor_id,omitempty"`
	ProjectID    string            `json:"project_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	PrimaryTopic string            `json:"primary_topic,omitempty"`
	Topics       []string          `json:"topics,omitempty"`
	VectorClock  map[string]uint64 `json:"vector_clock,omitempty"`
}

// Deleted reports whether the todo is soft-deleted.
func (t *Todo) Deleted() bool { return t != nil && t.DeletedAt != nil }

// Clone returns a deep copy so merge strategies never alias caller state.
func (t *Todo) Clone() *Todo {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DeletedAt != nil {
		at := *t.DeletedAt
		cp.DeletedAt = &at
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.Topics != nil {
		cp.Topics = append([]string(nil), t.Topics...)
	}
	if t.VectorClock != nil {
		cp.VectorClock = make(map[string]uint64, len(t.VectorClock))
		for k, v := range t.VectorClock {
			cp.VectorClock[k] = v
		}
	}
	return &cp
}

// ConflictType classifies a merge conflict.
type ConflictType string

const (
	ConflictContentDiff    ConflictType = "content_diff"
	ConflictStatusDiff     ConflictType = "status_diff"
	ConflictDelete         ConflictType = "delete_conflict"
	ConflictConcurrentEdit ConflictType = "concurrent_edit"
)

// MergeConflict records a divergence detected during three-way merge.
type MergeConflict struct {
	ID            string       `json:"id"`
	TodoID        string       `json:"todo_id"`
	BaseVersion   *Todo        `json:"base_version,omitempty"`
	LocalVersion  *Todo        `json:"local_version"`
	RemoteVersion *Todo        `json:"remote_version"`
	ConflictType  ConflictType `json:"conflict_type"`
	DetectedAt    time.Time    `json:"detected_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
	Strategy      string       `json:"strategy,omitempty"`
	ResolvedBy    string       `json:"resolved_by,omitempty"`
}
