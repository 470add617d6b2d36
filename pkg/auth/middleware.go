package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// DefaultProtectedPrefixes are the route prefixes whose mutating methods
// require an authenticated principal.
var DefaultProtectedPrefixes = []string{
	"/documents",
	"/collect",
	"/search",
	"/gaps",
	"/duplicates",
	"/corrections",
	"/provenance",
	"/entities",
	"/sessions",
	"/projects",
	"/topics",
	"/conflicts",
	"/v2",
}

// defaultExemptPaths bypass credential validation entirely so that probes
// with stale headers cannot fail liveness.
var defaultExemptPaths = []string{"/health", "/readiness"}

// Authenticator turns bearer credentials into request principals.
//
// Resolution rules:
//   - GET, HEAD and OPTIONS pass anonymously unless the path is marked
//     sensitive.
//   - Mutating methods under a protected prefix require a principal.
//   - Presented credentials must validate even on public paths; a bad token
//     is never silently downgraded to anonymous.
type Authenticator struct {
	keys      KeyStore
	jwt       *JWTValidator
	protected []string
	sensitive []string
	exempt    []string
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithJWTValidator accepts signed service tokens in addition to opaque keys.
func WithJWTValidator(v *JWTValidator) AuthOption {
	return func(a *Authenticator) { a.jwt = v }
}

// WithProtectedPrefixes replaces the default protected prefix list.
func WithProtectedPrefixes(prefixes ...string) AuthOption {
	return func(a *Authenticator) { a.protected = prefixes }
}

// WithSensitivePrefixes marks prefixes whose reads also require auth.
func WithSensitivePrefixes(prefixes ...string) AuthOption {
	return func(a *Authenticator) { a.sensitive = prefixes }
}

// NewAuthenticator creates an Authenticator backed by the given key store.
// A nil key store rejects every opaque token (fail closed).
func NewAuthenticator(keys KeyStore, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		keys:      keys,
		protected: DefaultProtectedPrefixes,
		exempt:    defaultExemptPaths,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Middleware enforces the authentication rules and injects the resolved
// Principal into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if matchesPrefix(r.URL.Path, a.exempt) {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				unauthorized(w, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			token = strings.TrimSpace(parts[1])
		} else {
			token = r.Header.Get("X-API-Key")
		}

		if token == "" {
			if a.requiresAuth(r.Method, r.URL.Path) {
				unauthorized(w, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.resolve(r.Context(), token)
		if err != nil {
			unauthorized(w, "invalid or expired credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) requiresAuth(method, path string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return matchesPrefix(path, a.sensitive)
	default:
		return matchesPrefix(path, a.protected)
	}
}

func (a *Authenticator) resolve(ctx context.Context, token string) (Principal, error) {
	// Signed service tokens carry two dots; opaque keys never do.
	if a.jwt != nil && strings.Count(token, ".") == 2 {
		claims, err := a.jwt.Validate(token)
		if err != nil {
			return nil, err
		}
		return &BasePrincipal{ID: claims.Subject, Name: claims.Subject, Roles: claims.Roles}, nil
	}

	if a.keys == nil {
		return nil, ErrUnknownKey
	}
	key, err := a.keys.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return &BasePrincipal{ID: key.ID, Name: key.Name, Roles: key.Roles}, nil
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// unauthorized writes a 401 in the uniform response envelope.
func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(struct {
		Success   bool           `json:"success"`
		Error     string         `json:"error"`
		Code      contracts.Code `json:"code"`
		Timestamp time.Time      `json:"timestamp"`
	}{false, detail, contracts.CodeUnauthenticated, time.Now().UTC()})
}
