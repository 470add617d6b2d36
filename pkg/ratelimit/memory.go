package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// MemoryLimiter is the in-process token bucket backend.
type MemoryLimiter struct {
	mu       sync.Mutex
	policies map[Class]Policy
	buckets  map[string]*bucket
	clock    contracts.Clock
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMemoryClock overrides the time source, mainly for tests.
func WithMemoryClock(clock contracts.Clock) MemoryOption {
	return func(m *MemoryLimiter) { m.clock = clock }
}

// NewMemoryLimiter builds a limiter over the given class policies. Nil
// policies fall back to the shipped defaults.
func NewMemoryLimiter(policies map[Class]Policy, opts ...MemoryOption) *MemoryLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	m := &MemoryLimiter{
		policies: policies,
		buckets:  make(map[string]*bucket),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow implements Limiter with lazy refill: tokens accrue at
// capacity/window per second, computed on each check.
func (m *MemoryLimiter) Allow(_ context.Context, class Class, identifier string) (Decision, error) {
	policy := policyFor(m.policies, class)
	rate := policy.ratePerSecond()
	now := m.clock()
	key := string(class) + ":" + identifier

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(policy.Capacity), lastRefill: now}
		m.buckets[key] = b
	} else if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(policy.Capacity), b.tokens+elapsed*rate)
		b.lastRefill = now
	}

	d := Decision{Limit: policy.Capacity}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = durationForTokens(1-b.tokens, rate)
	}
	d.Remaining = int(b.tokens)
	d.Reset = now.Add(durationForTokens(float64(policy.Capacity)-b.tokens, rate))
	return d, nil
}

// durationForTokens is the wall time needed to accrue the given tokens,
// rounded up to whole seconds so Retry-After is honest.
func durationForTokens(tokens, rate float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	if rate <= 0 {
		return time.Hour
	}
	return time.Duration(math.Ceil(tokens/rate)) * time.Second
}
