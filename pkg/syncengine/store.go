package syncengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ErrNotFound is returned when a session, project, conflict, or
// consolidation does not exist.
var ErrNotFound = errors.New("syncengine: not found")

// SessionFilter narrows a session listing.
type SessionFilter struct {
	ProjectID        string
	Statuses         []contracts.SessionStatus
	LastActiveBefore time.Time
	Limit            int
}

func (f SessionFilter) match(session contracts.Session) bool {
	if f.ProjectID != "" && session.ProjectID != f.ProjectID {
		return false
	}
	if !f.LastActiveBefore.IsZero() && !session.LastActiveAt.Before(f.LastActiveBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if session.Status == status {
			return true
		}
	}
	return false
}

// ConflictFilter narrows a conflict listing.
type ConflictFilter struct {
	ProjectID  string
	TodoID     string
	Unresolved bool
	Limit      int
}

// Store persists sessions, projects, session todo sets, merge conflicts,
// consolidation history, and the project topic index.
type Store interface {
	CreateSession(ctx context.Context, session contracts.Session) error
	UpdateSession(ctx context.Context, session contracts.Session) error
	Session(ctx context.Context, id string) (contracts.Session, error)
	SessionByExternalID(ctx context.Context, externalID string) (contracts.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]contracts.Session, error)

	CreateProject(ctx context.Context, project contracts.Project) error
	UpdateProject(ctx context.Context, project contracts.Project) error
	Project(ctx context.Context, id string) (contracts.Project, error)
	ProjectByPath(ctx context.Context, path string) (contracts.Project, error)

	// ReplaceSessionTodos swaps the session's whole working set; order is
	// preserved.
	ReplaceSessionTodos(ctx context.Context, sessionID string, todos []contracts.Todo) error
	SessionTodos(ctx context.Context, sessionID string) ([]contracts.Todo, error)

	CreateConflict(ctx context.Context, projectID string, conflict contracts.MergeConflict) error
	UpdateConflict(ctx context.Context, conflict contracts.MergeConflict) error
	Conflict(ctx context.Context, id string) (contracts.MergeConflict, error)
	ListConflicts(ctx context.Context, f ConflictFilter) ([]contracts.MergeConflict, error)

	CreateConsolidation(ctx context.Context, cons Consolidation) error
	// ListConsolidations returns history newest first.
	ListConsolidations(ctx context.Context, projectID string, limit int) ([]Consolidation, error)

	// ReplaceTopicIndex swaps the project's todo-to-topics index.
	ReplaceTopicIndex(ctx context.Context, projectID string, topics map[string][]string) error
	TodoIDsByTopic(ctx context.Context, projectID, topic string) ([]string, error)
	TopicCounts(ctx context.Context, projectID string) (map[string]int, error)
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu             sync.RWMutex
	sessions       map[string]contracts.Session
	sessionsByExt  map[string]string
	sessionSeq     []string
	projects       map[string]contracts.Project
	projectsByPath map[string]string
	sessionTodos   map[string][]contracts.Todo
	conflicts      map[string]contracts.MergeConflict
	conflictProj   map[string]string
	conflictSeq    []string
	consolidations map[string][]Consolidation
	topics         map[string]map[string][]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]contracts.Session),
		sessionsByExt:  make(map[string]string),
		projects:       make(map[string]contracts.Project),
		projectsByPath: make(map[string]string),
		sessionTodos:   make(map[string][]contracts.Todo),
		conflicts:      make(map[string]contracts.MergeConflict),
		conflictProj:   make(map[string]string),
		consolidations: make(map[string][]Consolidation),
		topics:         make(map[string]map[string][]string),
	}
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(_ context.Context, session contracts.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return errors.New("syncengine: duplicate session id " + session.ID)
	}
	if _, ok := m.sessionsByExt[session.ExternalSessionID]; ok {
		return errors.New("syncengine: duplicate external session id " + session.ExternalSessionID)
	}
	m.sessions[session.ID] = cloneSession(session)
	m.sessionsByExt[session.ExternalSessionID] = session.ID
	m.sessionSeq = append(m.sessionSeq, session.ID)
	return nil
}

// UpdateSession implements Store.
func (m *MemoryStore) UpdateSession(_ context.Context, session contracts.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

// Session implements Store.
func (m *MemoryStore) Session(_ context.Context, id string) (contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return contracts.Session{}, ErrNotFound
	}
	return cloneSession(session), nil
}

// SessionByExternalID implements Store.
func (m *MemoryStore) SessionByExternalID(_ context.Context, externalID string) (contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsByExt[externalID]
	if !ok {
		return contracts.Session{}, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

// ListSessions implements Store. Results come back in creation order.
func (m *MemoryStore) ListSessions(_ context.Context, f SessionFilter) ([]contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Session
	for _, id := range m.sessionSeq {
		session := m.sessions[id]
		if !f.match(session) {
			continue
		}
		out = append(out, cloneSession(session))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// CreateProject implements Store.
func (m *MemoryStore) CreateProject(_ context.Context, project contracts.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; ok {
		return errors.New("syncengine: duplicate project id " + project.ID)
	}
	if _, ok := m.projectsByPath[project.ProjectPath]; ok {
		return errors.New("syncengine: duplicate project path " + project.ProjectPath)
	}
	m.projects[project.ID] = cloneProject(project)
	m.projectsByPath[project.ProjectPath] = project.ID
	return nil
}

// UpdateProject implements Store.
func (m *MemoryStore) UpdateProject(_ context.Context, project contracts.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; !ok {
		return ErrNotFound
	}
	m.projects[project.ID] = cloneProject(project)
	return nil
}

// Project implements Store.
func (m *MemoryStore) Project(_ context.Context, id string) (contracts.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[id]
	if !ok {
		return contracts.Project{}, ErrNotFound
	}
	return cloneProject(project), nil
}

// ProjectByPath implements Store.
func (m *MemoryStore) ProjectByPath(_ context.Context, path string) (contracts.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.projectsByPath[path]
	if !ok {
		return contracts.Project{}, ErrNotFound
	}
	return cloneProject(m.projects[id]), nil
}

// ReplaceSessionTodos implements Store.
func (m *MemoryStore) ReplaceSessionTodos(_ context.Context, sessionID string, todos []contracts.Todo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionTodos[sessionID] = cloneTodos(todos)
	return nil
}

// SessionTodos implements Store.
func (m *MemoryStore) SessionTodos(_ context.Context, sessionID string) ([]contracts.Todo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneTodos(m.sessionTodos[sessionID]), nil
}

// CreateConflict implements Store.
func (m *MemoryStore) CreateConflict(_ context.Context, projectID string, conflict contracts.MergeConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[conflict.ID]; ok {
		return errors.New("syncengine: duplicate conflict id " + conflict.ID)
	}
	m.conflicts[conflict.ID] = cloneConflict(conflict)
	m.conflictProj[conflict.ID] = projectID
	m.conflictSeq = append(m.conflictSeq, conflict.ID)
	return nil
}

// UpdateConflict implements Store.
func (m *MemoryStore) UpdateConflict(_ context.Context, conflict contracts.MergeConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[conflict.ID]; !ok {
		return ErrNotFound
	}
	m.conflicts[conflict.ID] = cloneConflict(conflict)
	return nil
}

// Conflict implements Store.
func (m *MemoryStore) Conflict(_ context.Context, id string) (contracts.MergeConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conflict, ok := m.conflicts[id]
	if !ok {
		return contracts.MergeConflict{}, ErrNotFound
	}
	return cloneConflict(conflict), nil
}

// ListConflicts implements Store. Results come back in detection order.
func (m *MemoryStore) ListConflicts(_ context.Context, f ConflictFilter) ([]contracts.MergeConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.MergeConflict
	for _, id := range m.conflictSeq {
		conflict := m.conflicts[id]
		if f.ProjectID != "" && m.conflictProj[id] != f.ProjectID {
			continue
		}
		if f.TodoID != "" && conflict.TodoID != f.TodoID {
			continue
		}
		if f.Unresolved && conflict.ResolvedAt != nil {
			continue
		}
		out = append(out, cloneConflict(conflict))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// CreateConsolidation implements Store.
func (m *MemoryStore) CreateConsolidation(_ context.Context, cons Consolidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cons.ContributingSessions = append([]string(nil), cons.ContributingSessions...)
	m.consolidations[cons.ProjectID] = append(m.consolidations[cons.ProjectID], cons)
	return nil
}

// ListConsolidations implements Store.
func (m *MemoryStore) ListConsolidations(_ context.Context, projectID string, limit int) ([]Consolidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.consolidations[projectID]
	var out []Consolidation
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReplaceTopicIndex implements Store.
func (m *MemoryStore) ReplaceTopicIndex(_ context.Context, projectID string, topics map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := make(map[string][]string, len(topics))
	for todoID, ts := range topics {
		index[todoID] = append([]string(nil), ts...)
	}
	m.topics[projectID] = index
	return nil
}

// TodoIDsByTopic implements Store. Ids come back sorted.
func (m *MemoryStore) TodoIDsByTopic(_ context.Context, projectID, topic string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for todoID, ts := range m.topics[projectID] {
		for _, t := range ts {
			if t == topic {
				ids = append(ids, todoID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TopicCounts implements Store.
func (m *MemoryStore) TopicCounts(_ context.Context, projectID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, ts := range m.topics[projectID] {
		for _, t := range ts {
			counts[t]++
		}
	}
	return counts, nil
}

// MemoryLocker is a process-local Locker for tests and single-node
// deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	clock  func() time.Time
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), clock: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, held := l.leases[name]; held && now.Before(expiry) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}

func cloneSession(session contracts.Session) contracts.Session {
	if session.EndedAt != nil {
		at := *session.EndedAt
		session.EndedAt = &at
	}
	return session
}

func cloneProject(project contracts.Project) contracts.Project {
	project.CanonicalState = cloneTodos(project.CanonicalState)
	return project
}

func cloneTodos(todos []contracts.Todo) []contracts.Todo {
	if todos == nil {
		return nil
	}
	out := make([]contracts.Todo, len(todos))
	for i := range todos {
		out[i] = *todos[i].Clone()
	}
	return out
}

func cloneConflict(conflict contracts.MergeConflict) contracts.MergeConflict {
	conflict.BaseVersion = conflict.BaseVersion.Clone()
	conflict.LocalVersion = conflict.LocalVersion.Clone()
	conflict.RemoteVersion = conflict.RemoteVersion.Clone()
	if conflict.ResolvedAt != nil {
		at := *conflict.ResolvedAt
		conflict.ResolvedAt = &at
	}
	return conflict
}
