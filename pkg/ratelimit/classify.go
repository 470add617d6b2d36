package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// exemptPaths are liveness probes that must never be throttled.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/ready":   true,
}

// Exempt reports whether the path bypasses rate limiting entirely.
func Exempt(path string) bool {
	return exemptPaths[path]
}

// Classify maps a request onto its bucket class. Tool-call and mint routes
// keep their tight class regardless of authentication; for general traffic,
// authenticated callers draw from the larger override pool.
func Classify(r *http.Request) Class {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/mcp/") || strings.HasSuffix(path, "/tools/call"):
		return ClassMCPToolsCall
	case strings.Contains(path, "/chittyid/mint") || strings.HasPrefix(path, "/collect"):
		return ClassMint
	case hasCredential(r):
		return ClassAuthOverride
	case strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/v2/"):
		return ClassAPI
	default:
		return ClassDefault
	}
}

// Identifier names the bucket owner: the presented credential when there is
// one, else the client IP. Credentials are used verbatim as bucket keys;
// they are never logged by this package.
func Identifier(r *http.Request) string {
	if key := credential(r); key != "" {
		return "key:" + key
	}
	return "ip:" + ClientIP(r)
}

func hasCredential(r *http.Request) bool {
	return credential(r) != ""
}

func credential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
		return token
	}
	return ""
}

// ClientIP extracts the originating address, trusting the first entry of
// X-Forwarded-For when a proxy set it.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
