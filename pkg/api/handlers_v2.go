package api

import (
	"encoding/json"
	"net/http"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/capability"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// The /v2 surface speaks capability envelopes: invocation responses are
// Result wire objects whose provenance block downstream callers can chain.
// Plain reads return resource JSON without the v1 envelope.

// Trust scores assigned to API principals. Admins invoke grade-A
// capabilities, services grade-B, other authenticated callers grade-C,
// anonymous callers grade-D.
const (
	trustAdmin     = 95
	trustService   = 85
	trustAuthed    = 70
	trustAnonymous = 40
)

func (s *Server) registerCapabilityRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /v2/capabilities/{id}", s.handleGetCapability)
	mux.HandleFunc("POST /v2/capabilities/{id}/invoke", s.handleInvokeCapability)
	if s.deps.Rollout != nil {
		mux.HandleFunc("GET /v2/capabilities/{id}/metrics", s.handleCapabilityMetrics)
		mux.HandleFunc("POST /v2/capabilities/{id}/restore", s.handleRestoreCapability)
	}
	if s.deps.Capabilities != nil {
		mux.HandleFunc("GET /v2/capabilities/{id}/history", s.handleCapabilityHistory)
	}
	if s.deps.Provenance != nil {
		mux.HandleFunc("POST /v2/provenance", s.handleV2RecordProvenance)
		mux.HandleFunc("POST /v2/provenance/verify", s.handleV2VerifyProvenance)
	}
}

// invocationContext derives the caller's trust context from the resolved
// principal. Unauthenticated callers still get a context; grade gating on
// the capability decides what they may do with it.
func (s *Server) invocationContext(r *http.Request, sessionID string) contracts.InvocationContext {
	ictx := contracts.InvocationContext{
		ChittyID:   "anonymous",
		Kind:       contracts.ContextSession,
		TrustScore: trustAnonymous,
		SessionID:  sessionID,
		RequestID:  auth.GetRequestID(r.Context()),
	}
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return ictx
	}
	ictx.ChittyID = p.GetID()
	switch {
	case p.HasRole(auth.RoleAdmin):
		ictx.TrustScore = trustAdmin
	case p.HasRole(auth.RoleService):
		ictx.TrustScore = trustService
	default:
		ictx.TrustScore = trustAuthed
	}
	return ictx
}

// writeResult maps a capability envelope onto the response: the body is
// always the envelope itself, the status comes from the fault taxonomy.
func writeResult[T any](w http.ResponseWriter, res contracts.Result[T]) {
	status := http.StatusOK
	if !res.OK() {
		status = res.Fault().Code.HTTPStatus()
	}
	WriteRaw(w, status, res)
}

// capabilityView is the read model for definitions; handler and compiled
// schema stay internal.
type capabilityView struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Version       string                     `json:"version"`
	Domain        string                     `json:"domain,omitempty"`
	Status        contracts.CapabilityStatus `json:"status"`
	RequiredGrade contracts.Grade            `json:"required_grade"`
	Dependencies  []string                   `json:"dependencies,omitempty"`
	RolloutRules  []capability.RolloutRule   `json:"rollout_rules,omitempty"`
	Tags          []string                   `json:"tags,omitempty"`
}

func viewOf(def capability.Definition) capabilityView {
	return capabilityView{
		ID:            def.ID,
		Name:          def.Name,
		Version:       def.Version,
		Domain:        def.Domain,
		Status:        def.Status,
		RequiredGrade: def.RequiredGrade,
		Dependencies:  def.Dependencies,
		RolloutRules:  def.RolloutRules,
		Tags:          def.Tags,
	}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	defs := s.deps.Registry.List()
	views := make([]capabilityView, 0, len(defs))
	for _, def := range defs {
		views = append(views, viewOf(def))
	}
	WriteRaw(w, http.StatusOK, map[string]any{"capabilities": views, "count": len(views)})
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Registry.Definition(r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteRaw(w, http.StatusOK, viewOf(def))
}

func (s *Server) handleCapabilityMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.Rollout.Metrics(r.Context(), r.PathValue("id"), queryInt(r, "window_hours", 0))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteRaw(w, http.StatusOK, metrics)
}

func (s *Server) handleCapabilityHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Capabilities.StatusHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteRaw(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

func (s *Server) handleInvokeCapability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input     json.RawMessage                      `json:"input,omitempty"`
		SessionID string                               `json:"session_id,omitempty"`
		Parents   []contracts.Result[json.RawMessage]  `json:"parents,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	// Schema validation and canonical hashing both want the decoded tree,
	// not raw bytes.
	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			WriteFault(w, r, contracts.WrapFault(contracts.CodeInvalidInput, "input is not valid JSON", err))
			return
		}
	}

	parents := make([]contracts.Envelope, 0, len(req.Parents))
	for _, p := range req.Parents {
		parents = append(parents, p)
	}

	ictx := s.invocationContext(r, req.SessionID)
	res := capability.Invoke[any](r.Context(), s.deps.Invoker, ictx, r.PathValue("id"), input, parents...)
	writeResult(w, res)
}

func (s *Server) handleRestoreCapability(w http.ResponseWriter, r *http.Request) {
	if !auth.IsAdmin(r.Context()) {
		WriteFault(w, r, contracts.NewFault(contracts.CodeAccessDenied, "restore requires the admin role"))
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Rollout.Restore(r.Context(), id, contracts.CapabilityStatus(req.To), actor(r)); err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteRaw(w, http.StatusOK, map[string]any{"id": id, "status": req.To})
}

func (s *Server) handleV2RecordProvenance(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}
	sessionID, _ := body["session_id"].(string)
	ictx := s.invocationContext(r, sessionID)
	res := capability.Invoke[contracts.ProvenanceRecord](r.Context(), s.deps.Invoker, ictx, CapProvenanceRecord, body)
	writeResult(w, res)
}

func (s *Server) handleV2VerifyProvenance(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}
	ictx := s.invocationContext(r, "")
	res := capability.Invoke[contracts.ChainVerification](r.Context(), s.deps.Invoker, ictx, CapProvenanceVerify, body)
	writeResult(w, res)
}
