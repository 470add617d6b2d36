package syncengine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/merge"
	"github.com/chittyos/chittycore/pkg/vclock"
)

// RegisterInput identifies a writer joining a project.
type RegisterInput struct {
	ExternalSessionID string `json:"external_session_id"`
	ProjectPath       string `json:"project_path"`
	GitRoot           string `json:"git_root,omitempty"`
	GitBranch         string `json:"git_branch,omitempty"`
	GitCommit         string `json:"git_commit,omitempty"`
	Platform          string `json:"platform"`
	ActorID           string `json:"actor_id,omitempty"`
}

// RegisterSession attaches a writer to a project, creating the project row
// on first contact with its path. Registration is idempotent on the
// external session id: re-registering stamps activity and reactivates the
// existing row instead of creating a second one.
func (s *Service) RegisterSession(ctx context.Context, in RegisterInput) (contracts.Session, error) {
	if in.ExternalSessionID == "" {
		return contracts.Session{}, contracts.Faultf(contracts.CodeInvalidInput, "external session id is required")
	}
	if in.ProjectPath == "" {
		return contracts.Session{}, contracts.Faultf(contracts.CodeInvalidInput, "project path is required")
	}
	if in.Platform == "" {
		return contracts.Session{}, contracts.Faultf(contracts.CodeInvalidInput, "platform is required")
	}

	now := s.clock().UTC()

	existing, err := s.store.SessionByExternalID(ctx, in.ExternalSessionID)
	switch {
	case err == nil:
		existing.Status = contracts.SessionActive
		existing.LastActiveAt = now
		existing.EndedAt = nil
		if in.GitBranch != "" {
			existing.GitBranch = in.GitBranch
		}
		if in.GitCommit != "" {
			existing.GitCommit = in.GitCommit
		}
		if err := s.store.UpdateSession(ctx, existing); err != nil {
			return contracts.Session{}, err
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return contracts.Session{}, err
	}

	project, err := s.ensureProject(ctx, in.ProjectPath, in.GitRoot)
	if err != nil {
		return contracts.Session{}, err
	}

	session := contracts.Session{
		ID:                uuid.NewString(),
		ExternalSessionID: in.ExternalSessionID,
		ProjectID:         project.ID,
		ProjectPath:       project.ProjectPath,
		GitBranch:         in.GitBranch,
		GitCommit:         in.GitCommit,
		Platform:          in.Platform,
		ActorID:           in.ActorID,
		Status:            contracts.SessionActive,
		StartedAt:         now,
		LastActiveAt:      now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return contracts.Session{}, err
	}
	return session, nil
}

// UpdateLastActive stamps the session's activity time. Inactive sessions
// come back to life; archived ones must re-register.
func (s *Service) UpdateLastActive(ctx context.Context, externalSessionID string) (contracts.Session, error) {
	session, err := s.store.SessionByExternalID(ctx, externalSessionID)
	if errors.Is(err, ErrNotFound) {
		return contracts.Session{}, contracts.WrapFault(contracts.CodeUnknownResource, "session "+externalSessionID, err)
	}
	if err != nil {
		return contracts.Session{}, err
	}
	if session.Status == contracts.SessionArchived {
		return contracts.Session{}, contracts.Faultf(contracts.CodeStaleWrite, "session %s is archived", session.ID)
	}
	session.LastActiveAt = s.clock().UTC()
	if session.Status == contracts.SessionInactive {
		session.Status = contracts.SessionActive
		session.EndedAt = nil
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return contracts.Session{}, err
	}
	return session, nil
}

// EndSession marks the writer inactive. Ending an already inactive session
// is a no-op.
func (s *Service) EndSession(ctx context.Context, sessionID string) (contracts.Session, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return contracts.Session{}, err
	}
	switch session.Status {
	case contracts.SessionArchived:
		return contracts.Session{}, contracts.Faultf(contracts.CodeStaleWrite, "session %s is archived", sessionID)
	case contracts.SessionInactive:
		return session, nil
	}
	now := s.clock().UTC()
	session.Status = contracts.SessionInactive
	session.EndedAt = &now
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return contracts.Session{}, err
	}
	return session, nil
}

// ArchiveInactive retires every session idle longer than the archive window
// and reports how many were archived.
func (s *Service) ArchiveInactive(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	stale, err := s.store.ListSessions(ctx, SessionFilter{
		Statuses:         []contracts.SessionStatus{contracts.SessionActive, contracts.SessionInactive},
		LastActiveBefore: now.Add(-s.archiveAfter),
	})
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, session := range stale {
		session.Status = contracts.SessionArchived
		if session.EndedAt == nil {
			at := now
			session.EndedAt = &at
		}
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return archived, err
		}
		archived++
	}
	if archived > 0 {
		s.logger.Info("idle sessions archived", "count", archived, "idle_window", s.archiveAfter)
	}
	return archived, nil
}

// SubmitTodos replaces the session's working todo set. Each todo carries one
// vector-clock counter per writing platform: the engine merges the incoming
// clock with the stored one and increments the platform component whenever
// the merge-relevant fields changed. Omitting a previously submitted todo
// removes it from this session's set without voting to delete it; deletion
// is expressed through DeletedAt.
func (s *Service) SubmitTodos(ctx context.Context, sessionID string, todos []contracts.Todo) ([]contracts.Todo, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == contracts.SessionArchived {
		return nil, contracts.Faultf(contracts.CodeStaleWrite, "session %s is archived", sessionID)
	}

	existing, err := s.store.SessionTodos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prior := make(map[string]contracts.Todo, len(existing))
	for _, t := range existing {
		prior[t.ID] = t
	}

	now := s.clock().UTC()
	stored := make([]contracts.Todo, 0, len(todos))
	seen := make(map[string]bool, len(todos))
	for i := range todos {
		todo := *todos[i].Clone()
		if todo.ID == "" {
			return nil, contracts.Faultf(contracts.CodeInvalidInput, "todo %d has no id", i)
		}
		if seen[todo.ID] {
			return nil, contracts.Faultf(contracts.CodeInvalidInput, "todo %s appears twice", todo.ID)
		}
		seen[todo.ID] = true
		if todo.Content == "" {
			return nil, contracts.Faultf(contracts.CodeInvalidInput, "todo %s has no content", todo.ID)
		}
		switch todo.Status {
		case contracts.TodoPending, contracts.TodoInProgress, contracts.TodoCompleted:
		default:
			return nil, contracts.Faultf(contracts.CodeInvalidInput, "todo %s has unknown status %q", todo.ID, todo.Status)
		}

		todo.SessionID = session.ID
		todo.ProjectID = session.ProjectID
		if todo.Platform == "" {
			todo.Platform = session.Platform
		}
		if todo.ActorID == "" {
			todo.ActorID = session.ActorID
		}

		prev, known := prior[todo.ID]
		if known && merge.Equal(&todo, &prev) && todo.Deleted() == prev.Deleted() {
			stored = append(stored, prev)
			continue
		}

		var prevClock vclock.Clock
		if known {
			prevClock = vclock.Clock(prev.VectorClock)
			todo.CreatedAt = prev.CreatedAt
		} else if todo.CreatedAt.IsZero() {
			todo.CreatedAt = now
		}
		todo.VectorClock = vclock.Merge(prevClock, vclock.Clock(todo.VectorClock)).Increment(todo.Platform)
		todo.UpdatedAt = now
		if todo.DeletedAt != nil && todo.DeletedAt.IsZero() {
			at := now
			todo.DeletedAt = &at
		}
		s.classifier.Tag(&todo)
		stored = append(stored, todo)
	}

	sort.Slice(stored, func(i, j int) bool {
		if !stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].CreatedAt.Before(stored[j].CreatedAt)
		}
		return stored[i].ID < stored[j].ID
	})

	if err := s.store.ReplaceSessionTodos(ctx, session.ID, stored); err != nil {
		return nil, err
	}

	session.LastActiveAt = now
	if session.Status == contracts.SessionInactive {
		session.Status = contracts.SessionActive
		session.EndedAt = nil
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return stored, nil
}

// Session returns one session by id.
func (s *Service) Session(ctx context.Context, id string) (contracts.Session, error) {
	return s.getSession(ctx, id)
}

// SessionTodos returns the session's current working set.
func (s *Service) SessionTodos(ctx context.Context, sessionID string) ([]contracts.Todo, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.SessionTodos(ctx, sessionID)
}

// ActiveSessions lists the project's active writers.
func (s *Service) ActiveSessions(ctx context.Context, projectID string) ([]contracts.Session, error) {
	return s.store.ListSessions(ctx, SessionFilter{
		ProjectID: projectID,
		Statuses:  []contracts.SessionStatus{contracts.SessionActive},
	})
}

// ensureProject finds the project by path or creates it.
func (s *Service) ensureProject(ctx context.Context, path, gitRoot string) (contracts.Project, error) {
	project, err := s.store.ProjectByPath(ctx, path)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return contracts.Project{}, err
	}
	project = contracts.Project{
		ID:          uuid.NewString(),
		ProjectPath: path,
		GitRoot:     gitRoot,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return contracts.Project{}, err
	}
	return project, nil
}

func (s *Service) getSession(ctx context.Context, id string) (contracts.Session, error) {
	session, err := s.store.Session(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return contracts.Session{}, contracts.WrapFault(contracts.CodeUnknownResource, "session "+id, err)
	}
	return session, err
}
