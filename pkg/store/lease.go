package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// releaseScript deletes a lease only when the caller still owns it, so a
// slow worker cannot release a lease that already expired and moved on.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates singleton work across instances through named
// redis leases. Acquire is first-writer-wins; the TTL bounds how long a
// crashed owner can block successors.
type RedisLocker struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocker wraps an existing redis client. Lease keys are namespaced
// under "lease:".
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lease:", tokens: make(map[string]string)}
}

// Acquire takes the named lease for at most ttl. It returns false without
// error when another owner holds it.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.tokens[name] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees the named lease if this locker still owns it. Releasing an
// expired or foreign lease is a no-op.
func (l *RedisLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.prefix + name}, token).Err()
}

// MemoryLocker is a process-local lease provider for tests and single-node
// deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	clock  contracts.Clock
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), clock: time.Now}
}

// WithLockerClock overrides the expiry clock, mainly for tests.
func (l *MemoryLocker) WithLockerClock(clock contracts.Clock) *MemoryLocker {
	l.clock = clock
	return l
}

// Acquire implements the lease contract.
func (l *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, held := l.leases[name]; held && now.Before(expiry) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

// Release implements the lease contract.
func (l *MemoryLocker) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}
