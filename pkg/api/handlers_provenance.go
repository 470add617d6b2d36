package api

import (
	"net/http"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

func (s *Server) registerProvenanceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /provenance", s.handleRecordProvenance)
	mux.HandleFunc("GET /provenance/{entityType}/{entityId}", s.handleProvenanceChain)
	mux.HandleFunc("GET /provenance/{entityType}/{entityId}/verify", s.handleVerifyChain)
	mux.HandleFunc("POST /provenance/{entityType}/{entityId}/certify", s.handleCertifyChain)
}

func (s *Server) handleRecordProvenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType    string         `json:"entity_type"`
		EntityID      string         `json:"entity_id"`
		Action        string         `json:"action"`
		PreviousState map[string]any `json:"previous_state,omitempty"`
		NewState      map[string]any `json:"new_state,omitempty"`
		SessionID     string         `json:"session_id,omitempty"`
		Attestations  []string       `json:"attestations,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.deps.Provenance.Record(r.Context(), provenance.RecordInput{
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Action:        req.Action,
		PreviousState: req.PreviousState,
		NewState:      req.NewState,
		ActorID:       actor(r),
		SessionID:     req.SessionID,
		Attestations:  req.Attestations,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, rec)
}

func (s *Server) handleProvenanceChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.deps.Provenance.Chain(r.Context(), r.PathValue("entityType"), r.PathValue("entityId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"records": chain, "count": len(chain)})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	verification, err := s.deps.Provenance.Verify(r.Context(), r.PathValue("entityType"), r.PathValue("entityId"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, verification)
}

func (s *Server) handleCertifyChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvocationID string `json:"invocation_id,omitempty"`
		Notes        string `json:"notes,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cert, err := s.deps.Provenance.Certify(r.Context(),
		r.PathValue("entityType"), r.PathValue("entityId"), actor(r), req.InvocationID, req.Notes)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, cert)
}

func (s *Server) registerEntityRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /entities", s.handleCreateEntity)
	mux.HandleFunc("GET /entities/{id}", s.handleResolveEntity)
	mux.HandleFunc("POST /entities/{id}/merge", s.handleMergeEntity)
	mux.HandleFunc("GET /entities/{id}/grants", s.handleListGrants)
	mux.HandleFunc("POST /entities/{id}/grants", s.handleRegisterGrant)
	mux.HandleFunc("POST /entities/grants/{grantId}/revoke", s.handleRevokeGrant)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        string            `json:"type"`
		Name        string            `json:"name"`
		Identifiers map[string]string `json:"identifiers,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	entity, err := s.deps.Entities.Create(r.Context(), req.Type, req.Name, req.Identifiers)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, entity)
}

func (s *Server) handleResolveEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.deps.Entities.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, entity)
}

func (s *Server) handleMergeEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WinnerID string `json:"winner_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	survivor, err := s.deps.Entities.Merge(r.Context(), r.PathValue("id"), req.WinnerID, actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, survivor)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.deps.Entities.Grants(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"grants": grants, "count": len(grants)})
}

func (s *Server) handleRegisterGrant(w http.ResponseWriter, r *http.Request) {
	var grant contracts.AuthorityGrant
	if !decodeJSON(w, r, &grant) {
		return
	}
	grant.GrantorEntityID = r.PathValue("id")
	registered, err := s.deps.Entities.RegisterGrant(r.Context(), grant)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, registered)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.deps.Entities.RevokeGrant(r.Context(), r.PathValue("grantId"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, grant)
}
