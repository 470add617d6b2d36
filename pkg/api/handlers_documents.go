package api

import (
	"errors"
	"net/http"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/pipeline"
	"github.com/chittyos/chittycore/pkg/store"
)

// maxBatchItems bounds one /collect/batch request.
const maxBatchItems = 50

// ingestRequest is the body of POST /documents and POST /collect. Content
// travels base64-encoded per encoding/json []byte convention.
type ingestRequest struct {
	Identifier string         `json:"identifier,omitempty"`
	FileName   string         `json:"file_name"`
	MimeType   string         `json:"mime_type"`
	Type       string         `json:"type"`
	Content    []byte         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

func (s *Server) registerDocumentRoutes(mux *http.ServeMux) {
	if s.deps.Documents != nil {
		mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	}
	if s.deps.Pipeline != nil && s.deps.Documents != nil {
		mux.HandleFunc("POST /documents", s.handleIngestDocument)
	}
	if s.deps.Pipeline != nil {
		mux.HandleFunc("POST /collect", s.handleCollect)
		mux.HandleFunc("POST /collect/batch", s.handleCollectBatch)
	}
}

func (s *Server) pipelineInput(r *http.Request, req ingestRequest) pipeline.Input {
	in := pipeline.Input{
		Identifier: req.Identifier,
		FileName:   req.FileName,
		MimeType:   req.MimeType,
		Type:       req.Type,
		Content:    req.Content,
		Metadata:   req.Metadata,
		SessionID:  req.SessionID,
	}
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		in.Actor = p.GetID()
	}
	return in
}

// ingestedDocument pulls the resulting document id out of an execution
// snapshot, reporting whether ingestion short-circuited on a duplicate.
func ingestedDocument(snap pipeline.Snapshot) (string, bool) {
	res, ok := snap.Results[pipeline.StageIngestion].(map[string]any)
	if !ok {
		return "", false
	}
	if dup, _ := res["duplicate"].(bool); dup {
		id, _ := res["duplicate_of"].(string)
		return id, true
	}
	id, _ := res["chitty_id"].(string)
	return id, false
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exec, err := s.deps.Pipeline.Process(r.Context(), s.pipelineInput(r, req))
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	snap := exec.Snapshot()
	docID, duplicate := ingestedDocument(snap)
	if docID == "" {
		WriteFault(w, r, contracts.NewFault(contracts.CodeUnexpected, "ingestion finished without a document"))
		return
	}
	doc, err := s.deps.Documents.Get(r.Context(), docID)
	if err != nil {
		WriteFault(w, r, documentNotFound(err, docID))
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	WriteData(w, status, map[string]any{
		"document":     doc,
		"execution_id": snap.ID,
		"duplicate":    duplicate,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.deps.Documents.Get(r.Context(), id)
	if err != nil {
		WriteFault(w, r, documentNotFound(err, id))
		return
	}
	WriteData(w, http.StatusOK, doc)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exec, err := s.deps.Pipeline.Process(r.Context(), s.pipelineInput(r, req))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, exec.Snapshot())
}

// batchOutcome summarizes one item of a batch collect. Failed items carry
// the fault inline instead of aborting the whole batch.
type batchOutcome struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	DocumentID  string         `json:"document_id,omitempty"`
	Duplicate   bool           `json:"duplicate,omitempty"`
	Error       string         `json:"error,omitempty"`
	Code        contracts.Code `json:"code,omitempty"`
}

func (s *Server) handleCollectBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []ingestRequest `json:"items"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		WriteFault(w, r, contracts.NewFault(contracts.CodeInvalidInput, "batch has no items"))
		return
	}
	if len(req.Items) > maxBatchItems {
		WriteFault(w, r, contracts.Faultf(contracts.CodeInvalidInput, "batch exceeds %d items", maxBatchItems))
		return
	}

	outcomes := make([]batchOutcome, 0, len(req.Items))
	for _, item := range req.Items {
		exec, err := s.deps.Pipeline.Process(r.Context(), s.pipelineInput(r, item))
		snap := exec.Snapshot()
		out := batchOutcome{ExecutionID: snap.ID, Status: string(snap.Status)}
		if err != nil {
			f := contracts.AsFault(err)
			out.Error = f.Message
			out.Code = f.Code
		} else {
			out.DocumentID, out.Duplicate = ingestedDocument(snap)
		}
		outcomes = append(outcomes, out)
	}
	WriteData(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	hits, err := s.deps.Searcher.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]any{"hits": hits, "count": len(hits)})
}

func documentNotFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return contracts.Faultf(contracts.CodeUnknownResource, "document %s not found", id)
	}
	return err
}
