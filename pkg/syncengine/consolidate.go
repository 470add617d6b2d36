package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/merge"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// tombstoneTTL is how long a deleted todo stays in canonical state so stale
// session copies cannot resurrect it.
const tombstoneTTL = 7 * 24 * time.Hour

// Consolidation summarizes one project consolidation pass.
type Consolidation struct {
	ID                   string         `json:"id"`
	ProjectID            string         `json:"project_id"`
	Strategy             merge.Strategy `json:"strategy"`
	ContributingSessions []string       `json:"contributing_sessions"`
	TodoCount            int            `json:"todo_count"`
	MutatedCount         int            `json:"mutated_count"`
	ConflictCount        int            `json:"conflict_count"`
	Completed            int            `json:"completed"`
	InProgress           int            `json:"in_progress"`
	Pending              int            `json:"pending"`
	CommitMessage        string         `json:"commit_message,omitempty"`
	ConsolidatedAt       time.Time      `json:"consolidated_at"`
}

// todoChange pairs a canonical todo with its pre-consolidation version for
// provenance.
type todoChange struct {
	before *contracts.Todo
	after  *contracts.Todo
}

// Consolidate folds every active session's todo set into the project's
// canonical sequence, rebuilds the session-todo association so each active
// session holds exactly the canonical set, and records one provenance entry
// per mutated todo. At most one consolidation runs per project at a time; a
// second caller gets a stale-write fault immediately.
func (s *Service) Consolidate(ctx context.Context, projectID string, strategy merge.Strategy) (Consolidation, error) {
	if strategy == "" {
		strategy = merge.DefaultStrategy
	}

	if !s.begin(projectID) {
		return Consolidation{}, contracts.Faultf(contracts.CodeStaleWrite, "consolidation already running for project %s", projectID)
	}
	defer s.end(projectID)

	leaseName := "consolidate:" + projectID
	ok, err := s.locker.Acquire(ctx, leaseName, consolidateLeaseTTL)
	if err != nil {
		return Consolidation{}, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "acquire consolidation lease", err)
	}
	if !ok {
		return Consolidation{}, contracts.Faultf(contracts.CodeStaleWrite, "consolidation already running for project %s", projectID)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), leaseName); err != nil {
			s.logger.Warn("consolidation lease not released", "lease", leaseName, "error", err)
		}
	}()

	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return Consolidation{}, err
	}

	sessions, err := s.ActiveSessions(ctx, projectID)
	if err != nil {
		return Consolidation{}, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	base := make(map[string]*contracts.Todo, len(project.CanonicalState))
	order := make([]string, 0, len(project.CanonicalState))
	for i := range project.CanonicalState {
		t := project.CanonicalState[i]
		base[t.ID] = &t
		order = append(order, t.ID)
	}

	// Collect each session's copy of every todo id, in session start order.
	// Ids the canonical state has never seen join the order as they appear.
	inOrder := make(map[string]bool, len(order))
	for _, id := range order {
		inOrder[id] = true
	}
	versions := make(map[string][]contracts.Todo)
	var contributing []string
	for _, session := range sessions {
		todos, err := s.store.SessionTodos(ctx, session.ID)
		if err != nil {
			return Consolidation{}, err
		}
		if len(todos) > 0 {
			contributing = append(contributing, session.ID)
		}
		for _, t := range todos {
			versions[t.ID] = append(versions[t.ID], t)
			if !inOrder[t.ID] {
				inOrder[t.ID] = true
				order = append(order, t.ID)
			}
		}
	}

	now := s.clock().UTC()
	var (
		nextState []contracts.Todo
		changes   []todoChange
		conflicts []contracts.MergeConflict
	)
	keep := func(t *contracts.Todo, baseTodo *contracts.Todo) {
		if t == nil {
			return
		}
		if t.Deleted() && now.Sub(*t.DeletedAt) > tombstoneTTL {
			return
		}
		s.classifier.Tag(t)
		nextState = append(nextState, *t)
		if mutatedSinceBase(t, baseTodo) {
			changes = append(changes, todoChange{before: baseTodo, after: t.Clone()})
		}
	}

	for _, id := range order {
		baseTodo := base[id]
		vs := versions[id]
		if len(vs) == 0 {
			// No active session carries the todo; canonical keeps it.
			keep(baseTodo.Clone(), baseTodo)
			continue
		}

		// Fold the session copies over the canonical version so an
		// unchanged stale copy never outvotes a recorded deletion.
		acc := baseTodo.Clone()
		var extras []contracts.Todo
		for i := range vs {
			out, err := merge.ThreeWay(acc, &vs[i], baseTodo, strategy)
			if err != nil {
				return Consolidation{}, err
			}
			if out.Conflict {
				conflict := contracts.MergeConflict{
					ID:            uuid.NewString(),
					TodoID:        id,
					BaseVersion:   baseTodo.Clone(),
					LocalVersion:  acc,
					RemoteVersion: vs[i].Clone(),
					ConflictType:  out.ConflictType,
					DetectedAt:    now,
					Strategy:      string(out.Strategy),
				}
				if out.AutoResolved {
					at := now
					conflict.ResolvedAt = &at
					conflict.ResolvedBy = "merge_engine"
				}
				conflicts = append(conflicts, conflict)
			}
			switch len(out.Merged) {
			case 0:
				acc = nil
			case 1:
				acc = out.Merged[0].Clone()
			default:
				acc = out.Merged[0].Clone()
				extras = append(extras, out.Merged[1:]...)
			}
		}

		if acc == nil && baseTodo != nil {
			// Every copy is gone: keep a tombstone so late submitters
			// see the deletion as their merge base. An existing stamp is
			// preserved so the retention window keeps running.
			acc = baseTodo.Clone()
			if acc.DeletedAt == nil {
				at := now
				acc.DeletedAt = &at
				acc.UpdatedAt = now
			}
		}
		if acc != nil {
			keep(acc, baseTodo)
		}
		for i := range extras {
			keep(extras[i].Clone(), nil)
		}
	}

	completed, inProgress, pending := statusCounts(nextState)
	cons := Consolidation{
		ID:                   uuid.NewString(),
		ProjectID:            projectID,
		Strategy:             strategy,
		ContributingSessions: contributing,
		TodoCount:            completed + inProgress + pending,
		MutatedCount:         len(changes),
		ConflictCount:        len(conflicts),
		Completed:            completed,
		InProgress:           inProgress,
		Pending:              pending,
		CommitMessage: fmt.Sprintf("%s(sync): Update project todos - %d completed, %d in progress, %d pending",
			commitScope(project.ProjectPath), completed, inProgress, pending),
		ConsolidatedAt: now,
	}

	project.CanonicalState = nextState
	project.LastConsolidatedAt = now
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return Consolidation{}, err
	}

	// Broadcast: every active session now holds exactly the canonical set.
	for _, session := range sessions {
		if err := s.store.ReplaceSessionTodos(ctx, session.ID, nextState); err != nil {
			return Consolidation{}, err
		}
	}

	if err := s.store.ReplaceTopicIndex(ctx, projectID, topicIndex(nextState)); err != nil {
		return Consolidation{}, err
	}

	for i := range conflicts {
		if err := s.store.CreateConflict(ctx, projectID, conflicts[i]); err != nil {
			return Consolidation{}, err
		}
	}
	if err := s.store.CreateConsolidation(ctx, cons); err != nil {
		return Consolidation{}, err
	}

	for _, ch := range changes {
		s.recordChange(ctx, cons, ch)
	}

	if s.hook != nil && len(changes) > 0 {
		if err := s.hook.Commit(ctx, project, cons.CommitMessage); err != nil {
			s.logger.Warn("commit hook failed", "project_id", projectID, "error", err)
		}
	}

	s.logger.Info("project consolidated",
		"project_id", projectID,
		"sessions", len(sessions),
		"todos", cons.TodoCount,
		"mutated", cons.MutatedCount,
		"conflicts", cons.ConflictCount,
	)
	return cons, nil
}

// recordChange writes the provenance entry for one mutated todo. Failures
// are logged, not fatal: canonical state already committed.
func (s *Service) recordChange(ctx context.Context, cons Consolidation, ch todoChange) {
	in := provenance.RecordInput{
		EntityType:   "todo",
		EntityID:     ch.after.ID,
		Action:       ActionTodoConsolidate,
		ActorID:      "sync_engine",
		Attestations: []string{"project:" + cons.ProjectID, "consolidation:" + cons.ID},
	}
	var err error
	if ch.before != nil {
		if in.PreviousState, err = canonical.StateMap(ch.before); err != nil {
			s.logger.Error("consolidation provenance skipped", "todo_id", ch.after.ID, "error", err)
			return
		}
	}
	if in.NewState, err = canonical.StateMap(ch.after); err != nil {
		s.logger.Error("consolidation provenance skipped", "todo_id", ch.after.ID, "error", err)
		return
	}
	if _, err := s.prov.Record(ctx, in); err != nil {
		s.logger.Error("consolidation provenance not recorded", "todo_id", ch.after.ID, "error", err)
	}
}

// Project returns the project with its canonical state.
func (s *Service) Project(ctx context.Context, id string) (contracts.Project, error) {
	return s.getProject(ctx, id)
}

// ProjectByPath resolves a project from its filesystem path.
func (s *Service) ProjectByPath(ctx context.Context, projectPath string) (contracts.Project, error) {
	project, err := s.store.ProjectByPath(ctx, projectPath)
	if errors.Is(err, ErrNotFound) {
		return contracts.Project{}, contracts.WrapFault(contracts.CodeUnknownResource, "project at "+projectPath, err)
	}
	return project, err
}

// Conflicts lists recorded merge conflicts.
func (s *Service) Conflicts(ctx context.Context, f ConflictFilter) ([]contracts.MergeConflict, error) {
	return s.store.ListConflicts(ctx, f)
}

// ResolveConflict marks a recorded conflict as handled. The todo itself is
// corrected through the owning session's next submit; this closes the
// bookkeeping record.
func (s *Service) ResolveConflict(ctx context.Context, conflictID, resolvedBy string) (contracts.MergeConflict, error) {
	conflict, err := s.store.Conflict(ctx, conflictID)
	if errors.Is(err, ErrNotFound) {
		return contracts.MergeConflict{}, contracts.WrapFault(contracts.CodeUnknownResource, "conflict "+conflictID, err)
	}
	if err != nil {
		return contracts.MergeConflict{}, err
	}
	if conflict.ResolvedAt != nil {
		return contracts.MergeConflict{}, contracts.Faultf(contracts.CodeStaleWrite, "conflict %s already resolved", conflictID)
	}
	now := s.clock().UTC()
	conflict.ResolvedAt = &now
	conflict.ResolvedBy = resolvedBy
	if err := s.store.UpdateConflict(ctx, conflict); err != nil {
		return contracts.MergeConflict{}, err
	}
	return conflict, nil
}

// Consolidations returns the project's consolidation history, newest first.
func (s *Service) Consolidations(ctx context.Context, projectID string, limit int) ([]Consolidation, error) {
	return s.store.ListConsolidations(ctx, projectID, limit)
}

func (s *Service) getProject(ctx context.Context, id string) (contracts.Project, error) {
	project, err := s.store.Project(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return contracts.Project{}, contracts.WrapFault(contracts.CodeUnknownResource, "project "+id, err)
	}
	return project, err
}

// mutatedSinceBase reports whether consolidation changed the todo relative
// to the prior canonical version. Clock and topic drift alone do not count.
func mutatedSinceBase(after, before *contracts.Todo) bool {
	if before == nil {
		return true
	}
	return !merge.Equal(after, before) || after.Deleted() != before.Deleted()
}

func statusCounts(todos []contracts.Todo) (completed, inProgress, pending int) {
	for i := range todos {
		if todos[i].Deleted() {
			continue
		}
		switch todos[i].Status {
		case contracts.TodoCompleted:
			completed++
		case contracts.TodoInProgress:
			inProgress++
		default:
			pending++
		}
	}
	return completed, inProgress, pending
}

// commitScope derives the conventional-commit scope from the project path.
func commitScope(projectPath string) string {
	scope := strings.ToLower(path.Base(strings.TrimRight(projectPath, "/")))
	if scope == "" || scope == "." || scope == "/" {
		return "project"
	}
	return scope
}
