package api

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chittyos/chittycore/pkg/audit"
	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/observability"
	"github.com/chittyos/chittycore/pkg/ratelimit"
)

// GlobalRateLimiter is a coarse per-IP guard that sits in front of the
// class-aware limiter. It exists to shed abusive clients cheaply before
// any classification or store round-trips happen.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// visitor tracks the limiter and last seen time for one address.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a per-IP limiter allowing rps requests per
// second with the given burst.
func NewGlobalRateLimiter(rps int, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to bound the map.
// Checks every minute, removes entries idle longer than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP guard. Health probes are never throttled.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ratelimit.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.getVisitor(ratelimit.ClientIP(r)).Allow() {
			writeRateLimited(w, 1*time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClassLimitMiddleware applies per-class token buckets keyed by credential
// or client address. Runs before authentication so unauthenticated floods
// are rejected without touching the key store. Limiter errors fail open:
// availability over strictness when the backing store is down.
func ClassLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || ratelimit.Exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			class := ratelimit.Classify(r)
			decision, err := limiter.Allow(r.Context(), class, ratelimit.Identifier(r))
			if err != nil {
				slog.Warn("rate limiter unavailable, admitting request",
					"class", string(class),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

			if !decision.Allowed {
				writeRateLimited(w, decision.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeEnvelope(w, http.StatusTooManyRequests, Envelope{
		Success: false,
		Error:   fmt.Sprintf("rate limit exceeded, retry in %ds", secs),
		Code:    contracts.CodeRateLimited,
	})
}

// AuditMiddleware records one trail event per mutating request, attributed
// to the resolved principal. It sits inside authentication, so requests
// rejected at the edge never reach the trail; the request log covers those.
// In-handler denials land as ACCESS events.
func AuditMiddleware(trail audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			eventType := audit.EventMutation
			if rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden {
				eventType = audit.EventAccess
			}
			if err := trail.Record(r.Context(), eventType, r.Method+" "+r.URL.Path, r.URL.Path, map[string]any{
				"status":     rec.status,
				"request_id": auth.GetRequestID(r.Context()),
			}); err != nil {
				slog.Warn("audit event dropped", "error", err)
			}
		})
	}
}

// TelemetryMiddleware records request rate, errors, and duration under a
// bounded route label. Health probes are not measured.
func TelemetryMiddleware(tel *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ratelimit.Exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := observability.HTTPOperation(r.Method, routeLabel(r.URL.Path), rec.status)
			tel.RecordRequest(r.Context(), attrs...)
			tel.RecordDuration(r.Context(), time.Since(start), attrs...)
			if rec.status >= http.StatusInternalServerError {
				tel.RecordError(r.Context(), fmt.Errorf("http %d", rec.status), attrs...)
			}
		})
	}
}

// routeLabel collapses a request path to its route family so metric
// cardinality stays bounded: "/documents/abc" becomes "/documents",
// "/v2/capabilities/x/invoke" becomes "/v2/capabilities".
func routeLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if parts[0] == "v2" && len(parts) > 1 {
		return "/v2/" + parts[1]
	}
	return "/" + parts[0]
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware emits one structured line per request after it
// completes. Health probes are logged at debug to keep noise down.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if ratelimit.Exempt(r.URL.Path) {
				level = slog.LevelDebug
			} else if rec.status >= 500 {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", auth.GetRequestID(r.Context())),
			)
		})
	}
}
