package api

import (
	"net/http"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/corrections"
	"github.com/chittyos/chittycore/pkg/dedup"
	"github.com/chittyos/chittycore/pkg/gaps"
)

// Registry routes: knowledge gaps, duplicate candidates, correction rules.

func (s *Server) registerGapRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /gaps", s.handleRecordGap)
	mux.HandleFunc("GET /gaps", s.handleListGaps)
	mux.HandleFunc("GET /gaps/{id}", s.handleGetGap)
	mux.HandleFunc("GET /gaps/{id}/occurrences", s.handleGapOccurrences)
	mux.HandleFunc("GET /gaps/{id}/candidates", s.handleGapCandidates)
	mux.HandleFunc("POST /gaps/{id}/candidates", s.handleProposeCandidate)
	mux.HandleFunc("POST /gaps/{id}/candidates/reject", s.handleRejectCandidate)
	mux.HandleFunc("POST /gaps/{id}/resolve", s.handleResolveGap)
	mux.HandleFunc("POST /gaps/{id}/reject", s.handleRejectGap)
	mux.HandleFunc("POST /gaps/{id}/rollback", s.handleRollbackGap)
}

func (s *Server) handleRecordGap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type                string            `json:"type"`
		PartialValue        string            `json:"partial_value,omitempty"`
		DocumentID          string            `json:"document_id"`
		Field               string            `json:"field"`
		Placeholder         string            `json:"placeholder,omitempty"`
		Clues               map[string]string `json:"clues,omitempty"`
		ConfidenceThreshold float64           `json:"confidence_threshold,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	gap, err := s.deps.Gaps.Record(r.Context(), gaps.RecordInput{
		Type:                req.Type,
		PartialValue:        req.PartialValue,
		DocumentID:          req.DocumentID,
		Field:               req.Field,
		Placeholder:         req.Placeholder,
		Clues:               req.Clues,
		ConfidenceThreshold: req.ConfidenceThreshold,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, gap)
}

func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	status, ok := parseGapStatus(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Gaps.List(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"gaps": list, "count": len(list)})
}

func parseGapStatus(w http.ResponseWriter, r *http.Request) (gaps.Status, bool) {
	switch q := gaps.Status(r.URL.Query().Get("status")); q {
	case "", gaps.StatusOpen, gaps.StatusResolved, gaps.StatusRejected:
		return q, true
	default:
		WriteFault(w, r, contracts.Faultf(contracts.CodeInvalidInput, "unknown gap status %q", q))
		return "", false
	}
}

func (s *Server) handleGetGap(w http.ResponseWriter, r *http.Request) {
	gap, err := s.deps.Gaps.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, gap)
}

func (s *Server) handleGapOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := s.deps.Gaps.Occurrences(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"occurrences": occs, "count": len(occs)})
}

func (s *Server) handleGapCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.deps.Gaps.Candidates(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"candidates": cands, "count": len(cands)})
}

func (s *Server) handleProposeCandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value      string  `json:"value"`
		Source     string  `json:"source"`
		Confidence float64 `json:"confidence"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cand, err := s.deps.Gaps.Propose(r.Context(), r.PathValue("id"), req.Value, req.Source, req.Confidence)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, cand)
}

func (s *Server) handleRejectCandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value  string `json:"value"`
		Source string `json:"source"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cand, err := s.deps.Gaps.RejectCandidate(r.Context(), r.PathValue("id"), req.Value, req.Source)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, cand)
}

func (s *Server) handleResolveGap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value            string `json:"value,omitempty"`
		SourceDocumentID string `json:"source_document_id,omitempty"`
		Best             bool   `json:"best,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		gap gaps.Gap
		err error
	)
	if req.Best {
		gap, err = s.deps.Gaps.ResolveBest(r.Context(), r.PathValue("id"), actor(r))
	} else {
		gap, err = s.deps.Gaps.Resolve(r.Context(), r.PathValue("id"), req.Value, actor(r), req.SourceDocumentID)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, gap)
}

func (s *Server) handleRejectGap(w http.ResponseWriter, r *http.Request) {
	gap, err := s.deps.Gaps.Reject(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, gap)
}

func (s *Server) handleRollbackGap(w http.ResponseWriter, r *http.Request) {
	gap, err := s.deps.Gaps.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, gap)
}

func (s *Server) registerDuplicateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /duplicates", s.handleDuplicateQueue)
	mux.HandleFunc("GET /duplicates/{id}", s.handleGetDuplicate)
	mux.HandleFunc("POST /duplicates/{id}/resolve", s.handleResolveDuplicate)
	if s.deps.Documents != nil {
		mux.HandleFunc("POST /duplicates/examine", s.handleExamineDocument)
	}
}

func (s *Server) handleDuplicateQueue(w http.ResponseWriter, r *http.Request) {
	cands, err := s.deps.Dedup.ReviewQueue(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"candidates": cands, "count": len(cands)})
}

func (s *Server) handleGetDuplicate(w http.ResponseWriter, r *http.Request) {
	cand, err := s.deps.Dedup.Candidate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, cand)
}

func (s *Server) handleExamineDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string `json:"document_id"`
		// Content re-supplies the raw bytes for perceptual hashing; without
		// it only hash and text methods run.
		Content []byte `json:"content,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := s.deps.Documents.Get(r.Context(), req.DocumentID)
	if err != nil {
		WriteFault(w, r, documentNotFound(err, req.DocumentID))
		return
	}
	cands, err := s.deps.Dedup.Examine(r.Context(), doc, req.Content)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"candidates": cands, "count": len(cands)})
}

func (s *Server) handleResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict string `json:"verdict"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	verdict := dedup.Status(req.Verdict)
	switch verdict {
	case dedup.StatusConfirmed, dedup.StatusRejected, dedup.StatusMerged:
	default:
		WriteFault(w, r, contracts.Faultf(contracts.CodeInvalidInput, "invalid verdict %q", req.Verdict))
		return
	}
	cand, err := s.deps.Dedup.Resolve(r.Context(), r.PathValue("id"), verdict, actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, cand)
}

func (s *Server) registerCorrectionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /corrections/rules", s.handleCreateRule)
	mux.HandleFunc("GET /corrections/rules", s.handleListRules)
	mux.HandleFunc("GET /corrections/rules/{id}", s.handleGetRule)
	mux.HandleFunc("POST /corrections/rules/{id}/transition", s.handleTransitionRule)
	mux.HandleFunc("POST /corrections/rules/{id}/dry-run", s.handleDryRunRule)
	mux.HandleFunc("POST /corrections/evaluate", s.handleEvaluateDocument)
	mux.HandleFunc("GET /corrections/queue", s.handleCorrectionQueue)
	mux.HandleFunc("GET /corrections/queue/{id}", s.handleGetQueueItem)
	mux.HandleFunc("POST /corrections/queue/{id}/approve", s.handleApproveItem)
	mux.HandleFunc("POST /corrections/queue/{id}/reject", s.handleRejectItem)
	mux.HandleFunc("POST /corrections/queue/{id}/apply", s.handleApplyItem)
	mux.HandleFunc("POST /corrections/queue/{id}/rollback", s.handleRollbackItem)
	mux.HandleFunc("POST /corrections/apply", s.handleApplyBatch)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string                 `json:"name"`
		Description      string                 `json:"description,omitempty"`
		Match            string                 `json:"match"`
		Field            string                 `json:"field"`
		Correction       corrections.Correction `json:"correction"`
		RequiresApproval bool                   `json:"requires_approval,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := s.deps.Corrections.CreateRule(r.Context(), corrections.RuleInput{
		Name:             req.Name,
		Description:      req.Description,
		Match:            req.Match,
		Field:            req.Field,
		Correction:       req.Correction,
		RequiresApproval: req.RequiresApproval,
		CreatedBy:        actor(r),
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	status := corrections.RuleStatus(r.URL.Query().Get("status"))
	rules, err := s.deps.Corrections.Rules(r.Context(), status)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Corrections.Rule(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, rule)
}

func (s *Server) handleTransitionRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := s.deps.Corrections.Transition(r.Context(), r.PathValue("id"), corrections.RuleStatus(req.To), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, rule)
}

func (s *Server) handleDryRunRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string `json:"document_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	proposal, err := s.deps.Corrections.DryRun(r.Context(), r.PathValue("id"), req.DocumentID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, proposal)
}

func (s *Server) handleEvaluateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string `json:"document_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	items, err := s.deps.Corrections.Evaluate(r.Context(), req.DocumentID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleCorrectionQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := corrections.ItemFilter{
		RuleID:     q.Get("rule_id"),
		DocumentID: q.Get("document_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, corrections.ItemStatus(st))
	}
	items, err := s.deps.Corrections.Queue(r.Context(), filter)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Corrections.Item(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, item)
}

func (s *Server) handleApproveItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Corrections.Approve(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, item)
}

func (s *Server) handleRejectItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Corrections.RejectItem(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, item)
}

func (s *Server) handleApplyItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Corrections.Apply(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, item)
}

func (s *Server) handleRollbackItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Corrections.Rollback(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, item)
}

func (s *Server) handleApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequiresApproval bool `json:"requires_approval,omitempty"`
		Limit            int  `json:"limit,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Corrections.ApplyBatch(r.Context(), corrections.ApplyPolicy{
		RequiresApproval: req.RequiresApproval,
		Limit:            req.Limit,
	}, actor(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, result)
}
