package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/ratelimit"
	"github.com/chittyos/chittycore/pkg/store"
)

// CachedResponse is a previously-seen response held for idempotent replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer persists responses keyed by idempotency digest.
// Implementations must tolerate concurrent access; Set failures are
// swallowed so a broken cache never blocks the request itself.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore holds cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore creates an in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response if present and unexpired.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
}

// KVIdempotencyStore keeps cached responses in the shared KV store so
// replay survives restarts and works across replicas.
type KVIdempotencyStore struct {
	kv  store.KV
	ttl time.Duration
}

// NewKVIdempotencyStore wraps a KV backend with the given retention.
func NewKVIdempotencyStore(kv store.KV, ttl time.Duration) *KVIdempotencyStore {
	return &KVIdempotencyStore{kv: kv, ttl: ttl}
}

func (s *KVIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := s.kv.Get(ctx, "idempotency:"+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *KVIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, "idempotency:"+key, raw, s.ttl); err != nil {
		slog.Warn("idempotency store failed", "error", err)
	}
}

// responseCapture wraps http.ResponseWriter to record the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// cacheKey scopes the client-supplied key to the caller identity and route
// so one client cannot replay another's response.
func cacheKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(ratelimit.Identifier(r) + "|" + r.Method + "|" + r.URL.Path + "|" + key))
	return hex.EncodeToString(sum[:])
}

// IdempotencyMiddleware replays the stored response for mutating requests
// that repeat an Idempotency-Key. Capability invocations under /v2 carry
// their own provenance identity and are exempt.
func IdempotencyMiddleware(storer IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if storer == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/v2/") {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			digest := cacheKey(r, key)

			if cached, ok := storer.Check(r.Context(), digest); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Only successful outcomes are worth replaying; callers should
			// retry failures.
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				storer.Set(r.Context(), digest, &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       capture.body.Bytes(),
					CachedAt:   time.Now().UTC(),
				})
			}
		})
	}
}
