package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chittyos/chittycore/pkg/auth"
)

// signServiceToken generates a signed JWT for testing using the provided KeySet.
func signServiceToken(t *testing.T, ks auth.KeySet, sub string, roles []string, expiry time.Time) string {
	t.Helper()
	claims := auth.ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "chittycore-test",
		},
		Roles: roles,
	}
	token, err := ks.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newKeySet(t *testing.T) auth.KeySet {
	t.Helper()
	ks, err := auth.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("failed to create keyset: %v", err)
	}
	return ks
}

func okHandler(called *bool, principal *auth.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if principal != nil {
			if p, err := auth.GetPrincipal(r.Context()); err == nil {
				*principal = p
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_APIKeyHeader(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	token, key := store.Issue("registry-sync", auth.RoleService)
	mw := auth.NewAuthenticator(store).Middleware

	var called bool
	var p auth.Principal
	handler := mw(okHandler(&called, &p))

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set("X-API-Key", token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if p == nil {
		t.Fatal("principal was not set in context")
	}
	if p.GetID() != key.ID {
		t.Errorf("expected principal id %q, got %q", key.ID, p.GetID())
	}
	if p.GetName() != "registry-sync" {
		t.Errorf("expected principal name 'registry-sync', got %q", p.GetName())
	}
	if !p.HasRole(auth.RoleService) {
		t.Error("expected service role")
	}
}

func TestMiddleware_BearerOpaqueToken(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	token, _ := store.Issue("ops", auth.RoleAdmin)
	mw := auth.NewAuthenticator(store).Middleware

	var called bool
	handler := mw(okHandler(&called, nil))

	req := httptest.NewRequest("POST", "/collect", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("expected authenticated pass, got %d", w.Code)
	}
}

func TestMiddleware_ValidJWT(t *testing.T) {
	ks := newKeySet(t)
	store := auth.NewMemoryKeyStore()
	mw := auth.NewAuthenticator(store, auth.WithJWTValidator(auth.NewJWTValidator(ks))).Middleware

	var called bool
	var p auth.Principal
	handler := mw(okHandler(&called, &p))

	token := signServiceToken(t, ks, "svc-router", []string{auth.RoleService}, time.Now().Add(time.Hour))
	req := httptest.NewRequest("POST", "/v2/provenance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if p == nil || p.GetID() != "svc-router" {
		t.Fatalf("expected principal 'svc-router', got %v", p)
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	ks := newKeySet(t)
	mw := auth.NewAuthenticator(nil, auth.WithJWTValidator(auth.NewJWTValidator(ks))).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for expired token")
	}))

	token := signServiceToken(t, ks, "svc-router", nil, time.Now().Add(-time.Hour))
	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ForeignSignatureRejected(t *testing.T) {
	signing := newKeySet(t)
	verifying := newKeySet(t)
	mw := auth.NewAuthenticator(nil, auth.WithJWTValidator(auth.NewJWTValidator(verifying))).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for foreign signature")
	}))

	token := signServiceToken(t, signing, "svc-router", nil, time.Now().Add(time.Hour))
	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_AnonymousReadAllowed(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	var called bool
	handler := mw(okHandler(&called, nil))

	req := httptest.NewRequest("GET", "/documents/05-1-DOC-2025-E-000001-3-7", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("anonymous read should pass")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_AnonymousMutationRejected(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for anonymous mutation")
	}))

	req := httptest.NewRequest("POST", "/documents", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if body.Success {
		t.Error("expected success=false")
	}
	if body.Code != "UNAUTHENTICATED" {
		t.Errorf("expected code UNAUTHENTICATED, got %q", body.Code)
	}
}

func TestMiddleware_MutationOutsideProtectedPrefixes(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	var called bool
	handler := mw(okHandler(&called, nil))

	req := httptest.NewRequest("POST", "/echo", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("unprotected mutation should pass anonymously")
	}
}

func TestMiddleware_SensitiveReadRequiresAuth(t *testing.T) {
	mw := auth.NewAuthenticator(
		auth.NewMemoryKeyStore(),
		auth.WithSensitivePrefixes("/v2/capabilities"),
	).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for anonymous sensitive read")
	}))

	req := httptest.NewRequest("GET", "/v2/capabilities/chitty-verify", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_HealthBypassesValidation(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	var called bool
	handler := mw(okHandler(&called, nil))

	// Stale credentials must not fail liveness probes.
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer ck_expired_garbage")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Errorf("expected health to pass, got %d", w.Code)
	}
}

func TestMiddleware_MalformedAuthorizationHeader(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for malformed header")
	}))

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_InvalidTokenRejectedOnRead(t *testing.T) {
	mw := auth.NewAuthenticator(auth.NewMemoryKeyStore()).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("bad credentials must not downgrade to anonymous")
	}))

	req := httptest.NewRequest("GET", "/documents/x", nil)
	req.Header.Set("X-API-Key", "ck_never_issued")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_NilKeyStoreFailsClosed(t *testing.T) {
	mw := auth.NewAuthenticator(nil).Middleware

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called when no key store is configured")
	}))

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set("X-API-Key", "ck_anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := context.Background()
	if auth.IsAdmin(ctx) {
		t.Error("anonymous context must not be admin")
	}

	ctx = auth.WithPrincipal(ctx, &auth.BasePrincipal{ID: "k1", Roles: []string{auth.RoleViewer}})
	if auth.IsAdmin(ctx) {
		t.Error("viewer must not be admin")
	}

	ctx = auth.WithPrincipal(ctx, &auth.BasePrincipal{ID: "k2", Roles: []string{auth.RoleAdmin}})
	if !auth.IsAdmin(ctx) {
		t.Error("admin role not detected")
	}
}

func TestGetRequestID_ExtractsFromContext(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/documents/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got == "" {
		t.Fatal("expected non-empty request id from context")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header to be set")
	}
}

func TestRequestID_ReusesPlausibleClientID(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/documents/x", nil)
	req.Header.Set("X-Request-ID", "client-trace-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "client-trace-42" {
		t.Errorf("expected client id reuse, got %q", got)
	}
}

func TestRequestID_RejectsGarbageClientID(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/documents/x", nil)
	req.Header.Set("X-Request-ID", "evil\x7f\x01id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == "" || got == "evil\x7f\x01id" {
		t.Errorf("expected minted id, got %q", got)
	}
}
