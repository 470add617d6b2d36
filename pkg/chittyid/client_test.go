package chittyid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/retry"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

type authorityStub struct {
	mintID        string
	validIDs      map[string]bool
	status        string
	failValidate  bool
	failStatus    bool
	mintCalls     atomic.Int64
	validateCalls atomic.Int64
}

func (a *authorityStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/mint", func(w http.ResponseWriter, r *http.Request) {
		a.mintCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": a.mintID})
	})
	mux.HandleFunc("/api/v1/validate", func(w http.ResponseWriter, r *http.Request) {
		a.validateCalls.Add(1)
		if a.failValidate {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": a.validIDs[req.ID]})
	})
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if a.failStatus {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": a.status})
	})
	return mux
}

func TestMintValidatesBeforeReturning(t *testing.T) {
	stub := &authorityStub{mintID: validID, validIDs: map[string]bool{validID: true}, status: "healthy"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(2)))
	id, err := c.Mint(context.Background(), "document", map[string]string{"case": "2025-D-1"})
	require.NoError(t, err)
	assert.Equal(t, validID, id)
	assert.GreaterOrEqual(t, stub.validateCalls.Load(), int64(1), "mint re-validates")

	// P-style check: minted identifiers always pass the local gate.
	_, err = FormatGate(id)
	assert.NoError(t, err)
}

func TestMintRejectsUnvalidatedIdentifier(t *testing.T) {
	stub := &authorityStub{mintID: validID, validIDs: map[string]bool{}, status: "healthy"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(2)))
	_, err := c.Mint(context.Background(), "document", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-validation")
}

func TestMintRejectsReservedIdentifier(t *testing.T) {
	stub := &authorityStub{mintID: "99-9-TST-PROBE", status: "healthy"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(2)))
	_, err := c.Mint(context.Background(), "document", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestMintRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	stub := &authorityStub{mintID: validID, validIDs: map[string]bool{validID: true}, status: "healthy"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/mint", func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": validID})
	})
	mux.Handle("/api/v1/validate", stub.handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(5)))
	id, err := c.Mint(context.Background(), "document", nil)
	require.NoError(t, err)
	assert.Equal(t, validID, id)
}

func TestValidateFallbackSentinelIsFalse(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "key", WithRetryPolicy(fastPolicy(1)))
	assert.False(t, c.Validate(context.Background(), "CHITTY-SVC-DOWN"), "sentinels never validate")
}

func TestValidateReservedIsFalse(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "key", WithRetryPolicy(fastPolicy(1)))
	assert.False(t, c.Validate(context.Background(), "00-0-SYS-RESET"))
}

func TestValidateFormatFailureIsFalse(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "key", WithRetryPolicy(fastPolicy(1)))
	assert.False(t, c.Validate(context.Background(), "not-an-id"))
}

func TestValidateRemoteDecides(t *testing.T) {
	stub := &authorityStub{validIDs: map[string]bool{validID: true}, status: "healthy"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(2)))
	assert.True(t, c.Validate(context.Background(), validID))
	assert.False(t, c.Validate(context.Background(), "CE-1-DOC-2025-A-999999-9-9"))
}

func TestValidateFallsBackToStatusProbe(t *testing.T) {
	stub := &authorityStub{failValidate: true, status: "degraded"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "key", WithRetryPolicy(fastPolicy(2)))
	assert.False(t, c.Validate(context.Background(), validID), "definitive false when remote cannot confirm")
}

type memoryStatusCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func (m *memoryStatusCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStatusCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	m.data[key] = value
	m.sets++
	return nil
}

func TestStatusCaching(t *testing.T) {
	stub := &authorityStub{status: "healthy"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	cache := &memoryStatusCache{}
	c := NewClient(srv.URL, "key", WithStatusCache(cache, time.Minute))

	first, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", first.Status)
	assert.Equal(t, 1, cache.sets)

	second, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, cache.sets, "second read served from cache")
}

func TestStatusUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "key")
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
