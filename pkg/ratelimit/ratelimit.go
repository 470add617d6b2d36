// Package ratelimit admits requests through per-(class, identifier) token
// buckets with lazy refill. Buckets live in Redis when shared across nodes
// or in process memory for single-node deployments; the middleware fails
// open when the backend is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Class groups routes that share a bucket policy.
type Class string

const (
	ClassMCPToolsCall Class = "mcp_tools_call"
	ClassMint         Class = "chittyid_mint"
	ClassAPI          Class = "api"
	ClassDefault      Class = "default"
	ClassAuthOverride Class = "authenticated_override"
)

// Policy is the bucket shape for one class: Capacity tokens refilled over
// WindowSeconds.
type Policy struct {
	Capacity      int
	WindowSeconds int
}

// ratePerSecond is the lazy refill rate.
func (p Policy) ratePerSecond() float64 {
	if p.WindowSeconds <= 0 {
		return float64(p.Capacity)
	}
	return float64(p.Capacity) / float64(p.WindowSeconds)
}

// DefaultPolicies is the shipped per-class configuration. The mint class is
// deliberately tight: identifier minting is the costliest upstream call.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassMCPToolsCall: {Capacity: 100, WindowSeconds: 60},
		ClassMint:         {Capacity: 10, WindowSeconds: 60},
		ClassAPI:          {Capacity: 300, WindowSeconds: 60},
		ClassDefault:      {Capacity: 60, WindowSeconds: 60},
		ClassAuthOverride: {Capacity: 1000, WindowSeconds: 60},
	}
}

// Decision is the outcome of one admission check, carrying everything the
// middleware needs for response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until one token is available; zero when allowed.
	RetryAfter time.Duration
	// Reset is when the bucket refills completely.
	Reset time.Time
}

// Limiter admits one request for an identifier under a class policy.
type Limiter interface {
	Allow(ctx context.Context, class Class, identifier string) (Decision, error)
}

// policyFor resolves a class against the configured set, falling back to the
// default class, then to a permissive guard policy.
func policyFor(policies map[Class]Policy, class Class) Policy {
	if p, ok := policies[class]; ok && p.Capacity > 0 {
		return p
	}
	if p, ok := policies[ClassDefault]; ok && p.Capacity > 0 {
		return p
	}
	return Policy{Capacity: 60, WindowSeconds: 60}
}
