package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/chittyos/chittycore/pkg/audit"
	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/capability"
	"github.com/chittyos/chittycore/pkg/chittyid"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/corrections"
	"github.com/chittyos/chittycore/pkg/dedup"
	"github.com/chittyos/chittycore/pkg/entities"
	"github.com/chittyos/chittycore/pkg/gaps"
	"github.com/chittyos/chittycore/pkg/observability"
	"github.com/chittyos/chittycore/pkg/pipeline"
	"github.com/chittyos/chittycore/pkg/provenance"
	"github.com/chittyos/chittycore/pkg/ratelimit"
	"github.com/chittyos/chittycore/pkg/store"
	"github.com/chittyos/chittycore/pkg/syncengine"
)

// Deps carries every backend the router can expose. Nil members disable
// their routes, so partial deployments still serve what they have.
type Deps struct {
	Documents    store.Documents
	Pipeline     *pipeline.Runner
	Searcher     Searcher
	Gaps         *gaps.Service
	Dedup        *dedup.Engine
	Corrections  *corrections.Service
	Provenance   *provenance.Service
	Entities     *entities.Service
	Sync         *syncengine.Service
	Registry     *capability.Registry
	Invoker      *capability.Invoker
	Rollout      *capability.Engine
	Capabilities capability.Store
	Identity     *chittyid.Client
}

// Server is the HTTP boundary. Construct with NewServer, mount Handler().
type Server struct {
	deps        Deps
	auth        *auth.Authenticator
	limiter     ratelimit.Limiter
	global      *GlobalRateLimiter
	idem        IdempotencyStorer
	trail       audit.Logger
	tel         *observability.Provider
	corsOrigins []string
	logger      *slog.Logger
	version     string
	started     time.Time
}

// ServerOption configures optional server behavior.
type ServerOption func(*Server)

// WithAuthenticator installs credential resolution. Without it every route
// is anonymous, which is only acceptable in tests.
func WithAuthenticator(a *auth.Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithLimiter installs the class token buckets.
func WithLimiter(l ratelimit.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithGlobalLimiter installs the per-IP edge guard.
func WithGlobalLimiter(g *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.global = g }
}

// WithIdempotencyStore enables Idempotency-Key replay for mutating routes.
func WithIdempotencyStore(store IdempotencyStorer) ServerOption {
	return func(s *Server) { s.idem = store }
}

// WithAuditTrail records mutating requests to the audit log.
func WithAuditTrail(trail audit.Logger) ServerOption {
	return func(s *Server) { s.trail = trail }
}

// WithTelemetry records request metrics through the given provider.
func WithTelemetry(tel *observability.Provider) ServerOption {
	return func(s *Server) { s.tel = tel }
}

// WithVersion stamps /health with a build version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithCORSOrigins fixes the allowed origins instead of reading CORS_ORIGINS.
func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithServerLogger overrides the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer assembles the HTTP boundary around the given backends.
func NewServer(deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		deps:    deps,
		logger:  slog.Default(),
		version: "dev",
		started: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the route table. Handlers for nil backends are not
// registered; their paths fall through to the 404 envelope.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	s.registerDocumentRoutes(mux)
	if s.deps.Searcher != nil {
		mux.HandleFunc("POST /search", s.handleSearch)
	}
	if s.deps.Gaps != nil {
		s.registerGapRoutes(mux)
	}
	if s.deps.Dedup != nil {
		s.registerDuplicateRoutes(mux)
	}
	if s.deps.Corrections != nil {
		s.registerCorrectionRoutes(mux)
	}
	if s.deps.Provenance != nil {
		s.registerProvenanceRoutes(mux)
	}
	if s.deps.Entities != nil {
		s.registerEntityRoutes(mux)
	}
	if s.deps.Sync != nil {
		s.registerSyncRoutes(mux)
	}
	if s.deps.Registry != nil && s.deps.Invoker != nil {
		s.registerCapabilityRoutes(mux)
	}

	// Method patterns leave unmatched paths to the default NotFound
	// handler, which writes text. Keep the envelope uniform instead.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteFault(w, r, contracts.Faultf(contracts.CodeUnknownResource, "no route for %s %s", r.Method, r.URL.Path))
	})

	return mux
}

// Handler wraps the route table in the full middleware chain. Order
// matters: request ids must exist before logging, limits run before auth
// so floods never reach the key store, idempotency replays after auth so
// cached responses stay behind credentials.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()

	if s.idem != nil {
		h = IdempotencyMiddleware(s.idem)(h)
	}
	if s.trail != nil {
		h = AuditMiddleware(s.trail)(h)
	}
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	if s.limiter != nil {
		h = ClassLimitMiddleware(s.limiter)(h)
	}
	if s.global != nil {
		h = s.global.Middleware(h)
	}
	if s.tel != nil {
		h = TelemetryMiddleware(s.tel)(h)
	}
	h = auth.CORSMiddleware(s.corsOrigins)(h)
	h = LoggingMiddleware(s.logger)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

type healthDetail struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	UptimeS   int64            `json:"uptime_s"`
	Ecosystem *ecosystemDetail `json:"ecosystem,omitempty"`
}

type ecosystemDetail struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	detail := healthDetail{
		Status:  "ok",
		Version: s.version,
		UptimeS: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Identity != nil {
		if eco, err := s.deps.Identity.Status(r.Context()); err == nil {
			detail.Ecosystem = &ecosystemDetail{Status: eco.Status, CheckedAt: eco.CheckedAt}
		}
	}
	WriteData(w, http.StatusOK, detail)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	WriteData(w, http.StatusOK, map[string]string{"status": "ready"})
}
