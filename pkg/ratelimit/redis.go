package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// tokenBucketScript runs the bucket atomically in Redis.
// KEYS[1] = bucket key ("rate:<class>:<identifier>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix time (fractional seconds)
// ARGV[4] = key ttl seconds
// Returns {allowed, remaining, retry_after_s, reset_after_s}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_after = math.ceil((1 - tokens) / rate)
end
local reset_after = math.ceil((capacity - tokens) / rate)

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens), retry_after, reset_after}
`)

// RedisLimiter is the shared token bucket backend for multi-node
// deployments.
type RedisLimiter struct {
	client   *redis.Client
	policies map[Class]Policy
	clock    contracts.Clock
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock overrides the time source, mainly for tests.
func WithRedisClock(clock contracts.Clock) RedisOption {
	return func(r *RedisLimiter) { r.clock = clock }
}

// NewRedisLimiter wraps an existing redis client. Nil policies fall back to
// the shipped defaults.
func NewRedisLimiter(client *redis.Client, policies map[Class]Policy, opts ...RedisOption) *RedisLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	r := &RedisLimiter{client: client, policies: policies, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, class Class, identifier string) (Decision, error) {
	policy := policyFor(r.policies, class)
	rate := policy.ratePerSecond()
	now := r.clock()
	key := fmt.Sprintf("rate:%s:%s", class, identifier)

	// Idle buckets self-clean once they would be full again anyway.
	ttl := 2 * policy.WindowSeconds
	if ttl < 60 {
		ttl = 60
	}

	res, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		rate, policy.Capacity, float64(now.UnixMicro())/1e6, ttl).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryAfter, _ := values[2].(int64)
	resetAfter, _ := values[3].(int64)

	return Decision{
		Allowed:    allowed == 1,
		Limit:      policy.Capacity,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryAfter) * time.Second,
		Reset:      now.Add(time.Duration(resetAfter) * time.Second),
	}, nil
}
