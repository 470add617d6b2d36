package api

import (
	"net/http"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/merge"
	"github.com/chittyos/chittycore/pkg/syncengine"
)

// Sync routes: session lifecycle, project consolidation, topics, conflicts.

func (s *Server) registerSyncRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleRegisterSession)
	mux.HandleFunc("POST /sessions/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("GET /sessions/{id}/todos", s.handleSessionTodos)
	mux.HandleFunc("POST /sessions/{id}/todos", s.handleSubmitTodos)

	mux.HandleFunc("GET /projects", s.handleProjectByPath)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)
	mux.HandleFunc("GET /projects/{id}/sessions", s.handleProjectSessions)
	mux.HandleFunc("POST /projects/{id}/consolidate", s.handleConsolidate)
	mux.HandleFunc("GET /projects/{id}/consolidations", s.handleConsolidations)

	mux.HandleFunc("GET /conflicts", s.handleListConflicts)
	mux.HandleFunc("POST /conflicts/{id}/resolve", s.handleResolveConflict)

	mux.HandleFunc("GET /topics/{projectId}", s.handleTopicSummary)
	mux.HandleFunc("GET /topics/{projectId}/{topic}", s.handleTodosByTopic)
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req syncengine.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ActorID == "" {
		req.ActorID = actor(r)
	}
	session, err := s.deps.Sync.RegisterSession(r.Context(), req)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, session)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalSessionID string `json:"external_session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.deps.Sync.UpdateLastActive(r.Context(), req.ExternalSessionID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sync.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, session)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sync.EndSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, session)
}

func (s *Server) handleSessionTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.deps.Sync.SessionTodos(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"todos": todos, "count": len(todos)})
}

func (s *Server) handleSubmitTodos(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Todos []contracts.Todo `json:"todos"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	todos, err := s.deps.Sync.SubmitTodos(r.Context(), r.PathValue("id"), req.Todos)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"todos": todos, "count": len(todos)})
}

// handleProjectByPath answers GET /projects?path=<project_path>.
func (s *Server) handleProjectByPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteFault(w, r, contracts.NewFault(contracts.CodeInvalidInput, "path query parameter is required"))
		return
	}
	project, err := s.deps.Sync.ProjectByPath(r.Context(), path)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Sync.Project(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, project)
}

func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sync.ActiveSessions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cons, err := s.deps.Sync.Consolidate(r.Context(), r.PathValue("id"), merge.Strategy(req.Strategy))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, cons)
}

func (s *Server) handleConsolidations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sync.Consolidations(r.Context(), r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"consolidations": list, "count": len(list)})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conflicts, err := s.deps.Sync.Conflicts(r.Context(), syncengine.ConflictFilter{
		ProjectID:  q.Get("project_id"),
		TodoID:     q.Get("todo_id"),
		Unresolved: q.Get("unresolved") == "true",
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := s.deps.Sync.ResolveConflict(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, conflict)
}

func (s *Server) handleTopicSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Sync.TopicSummary(r.Context(), r.PathValue("projectId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"topics": summary})
}

func (s *Server) handleTodosByTopic(w http.ResponseWriter, r *http.Request) {
	todos, err := s.deps.Sync.TodosByTopic(r.Context(), r.PathValue("projectId"), r.PathValue("topic"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"todos": todos, "count": len(todos)})
}
