// Package api is the HTTP boundary of the evidence platform: the uniform
// response envelope, the middleware chain (request ids, logging, CORS, rate
// limiting, idempotent replay), and the route table over the domain
// services. Capability-wrapped routes under /v2 speak the provenance
// envelope instead.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// Envelope is the uniform response body of every v1 route.
type Envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      contracts.Code `json:"code,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// internalDetail replaces 5xx fault messages for non-admin callers.
const internalDetail = "an unexpected error occurred; retry later or contact the operator"

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteData writes a success envelope with the given payload.
func WriteData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Success: true, Data: data})
}

// WriteFault maps an error onto its HTTP status and writes a failure
// envelope. Fault messages pass through unchanged except for 5xx responses,
// whose detail is reserved for admin principals; everyone else gets a
// generic message while the cause goes to the log.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	f := contracts.AsFault(err)
	status := f.Code.HTTPStatus()

	msg := f.Message
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"code", f.Code,
			"error", err,
			"path", r.URL.Path,
			"request_id", auth.GetRequestID(r.Context()))
		if !auth.IsAdmin(r.Context()) {
			msg = internalDetail
		} else {
			msg = f.Error()
		}
	} else if auth.IsAdmin(r.Context()) {
		msg = f.Error()
	}

	writeEnvelope(w, status, Envelope{Success: false, Error: msg, Code: f.Code})
}

// WriteRaw writes resource JSON without the envelope. The /v2 capability
// routes use it: their bodies already carry provenance envelopes.
func WriteRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxRequestBytes bounds request bodies; evidence payloads arrive base64-ed
// inside JSON so the cap leaves headroom over the raw blob limit.
const maxRequestBytes = 16 << 20

// decodeJSON parses the request body into dst, writing the fault response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteFault(w, r, contracts.WrapFault(contracts.CodeInvalidInput, "invalid request body", err))
		return false
	}
	return true
}

// actor resolves the acting principal's id, "anonymous" when the request
// carries no credentials.
func actor(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return p.GetID()
	}
	return "anonymous"
}

// queryInt parses a non-negative integer query parameter, falling back to
// def when absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
