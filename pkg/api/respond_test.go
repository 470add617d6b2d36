package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
)

func TestWriteDataEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteData(rec, http.StatusCreated, map[string]string{"id": "doc-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.False(t, env.Timestamp.IsZero())
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "doc-1", data["id"])
}

func TestWriteFaultMapsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/documents/doc-9", nil)
	WriteFault(rec, req, contracts.Faultf(contracts.CodeUnknownResource, "document %s not found", "doc-9"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, contracts.CodeUnknownResource, env.Code)
	assert.Equal(t, "document doc-9 not found", env.Error)
}

func TestWriteFaultWrapsUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/documents/doc-9", nil)
	WriteFault(rec, req, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, contracts.CodeUnexpected, env.Code)
	// Backend detail stays in the log, not the response.
	assert.Equal(t, internalDetail, env.Error)
	assert.NotContains(t, env.Error, "connection refused")
}

func TestWriteFaultVerboseForAdmins(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/documents/doc-9", nil)
	ctx := auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: "ops", Roles: []string{auth.RoleAdmin}})

	WriteFault(rec, req.WithContext(ctx), errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error, "connection refused")
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/documents", strings.NewReader("{not json"))

	var dst map[string]any
	ok := decodeJSON(rec, req, &dst)

	require.False(t, ok)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, contracts.CodeInvalidInput, env.Code)
}

func TestQueryIntFallsBack(t *testing.T) {
	req := httptest.NewRequest("GET", "/gaps?limit=25&bad=x&neg=-3", nil)

	assert.Equal(t, 25, queryInt(req, "limit", 100))
	assert.Equal(t, 100, queryInt(req, "missing", 100))
	assert.Equal(t, 100, queryInt(req, "bad", 100))
	assert.Equal(t, 100, queryInt(req, "neg", 100))
}

func TestActorResolution(t *testing.T) {
	req := httptest.NewRequest("POST", "/gaps", nil)
	assert.Equal(t, "anonymous", actor(req))

	ctx := auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: "key-7", Roles: []string{auth.RoleService}})
	assert.Equal(t, "key-7", actor(req.WithContext(ctx)))
}
