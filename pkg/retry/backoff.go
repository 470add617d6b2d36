// Package retry implements capped exponential backoff with deterministic
// jitter for calls against remote services.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultPolicy is the platform retry budget for remote authority calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Backoff returns the delay after a failed attempt (0-based).
// Jitter is a PRF of (key, attempt) so replays schedule identically.
func (p Policy) Backoff(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// cap exponent to avoid overflow
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(factor) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

// Do runs fn until it succeeds, the budget is exhausted, the error is a
// non-recoverable fault, or ctx is cancelled. Exhaustion surfaces as an
// upstream_unavailable fault wrapping the last error.
func Do(ctx context.Context, p Policy, key string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Backoff(key, attempt-1)); err != nil {
				return err
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		var f *contracts.Fault
		if errors.As(last, &f) && !f.Recoverable {
			return last
		}
	}
	return contracts.WrapFault(contracts.CodeUpstreamUnavailable,
		fmt.Sprintf("retry budget exhausted after %d attempts", attempts), last)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
