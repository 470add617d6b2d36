package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/audit"
	"github.com/chittyos/chittycore/pkg/store"
)

func quietRunner(locker Locker, opts ...Option) *Runner {
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	return NewRunner(locker, append(base, opts...)...)
}

func countingTask(name string, every time.Duration, n *atomic.Int64) Task {
	return Task{
		Name:  name,
		Every: every,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}
}

func TestRegisterValidates(t *testing.T) {
	r := quietRunner(nil)

	assert.Error(t, r.Register(Task{Every: time.Minute, Run: func(context.Context) error { return nil }}))
	assert.Error(t, r.Register(Task{Name: "no-run", Every: time.Minute}))
	assert.Error(t, r.Register(Task{Name: "no-interval", Run: func(context.Context) error { return nil }}))

	var n atomic.Int64
	require.NoError(t, r.Register(countingTask("sweep", time.Minute, &n)))
	assert.Error(t, r.Register(countingTask("sweep", time.Minute, &n)), "duplicate names rejected")

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	assert.Error(t, r.Register(countingTask("late", time.Minute, &n)), "task set is fixed after start")
	cancel()
	r.Wait()
}

func TestRunOnceRunsRegisteredTask(t *testing.T) {
	r := quietRunner(nil)
	var n atomic.Int64
	require.NoError(t, r.Register(countingTask("drain", time.Minute, &n)))

	require.NoError(t, r.RunOnce(context.Background(), "drain"))
	assert.Equal(t, int64(1), n.Load())

	assert.Error(t, r.RunOnce(context.Background(), "unknown"))
}

func TestSingletonSkipsWhenLeaseHeld(t *testing.T) {
	locker := store.NewMemoryLocker()
	r := quietRunner(locker)

	var n atomic.Int64
	task := countingTask("scan", time.Minute, &n)
	task.Singleton = true
	require.NoError(t, r.Register(task))

	ctx := context.Background()
	held, err := locker.Acquire(ctx, "task:scan", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	// Held elsewhere: the run is skipped, not failed.
	require.NoError(t, r.RunOnce(ctx, "scan"))
	assert.Equal(t, int64(0), n.Load())

	require.NoError(t, locker.Release(ctx, "task:scan"))
	require.NoError(t, r.RunOnce(ctx, "scan"))
	assert.Equal(t, int64(1), n.Load())
}

func TestSingletonReleasesLeaseAfterRun(t *testing.T) {
	r := quietRunner(store.NewMemoryLocker())

	var n atomic.Int64
	task := countingTask("scan", time.Minute, &n)
	task.Singleton = true
	require.NoError(t, r.Register(task))

	ctx := context.Background()
	require.NoError(t, r.RunOnce(ctx, "scan"))
	require.NoError(t, r.RunOnce(ctx, "scan"))
	assert.Equal(t, int64(2), n.Load(), "back-to-back runs must not deadlock on the lease")
}

func TestRunTaskContainsPanic(t *testing.T) {
	r := quietRunner(nil)
	require.NoError(t, r.Register(Task{
		Name:  "explode",
		Every: time.Minute,
		Run:   func(context.Context) error { panic("boom") },
	}))

	err := r.RunOnce(context.Background(), "explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

type trailStub struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *trailStub) Record(_ context.Context, eventType audit.EventType, action, resource string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, audit.Event{Type: eventType, Action: action, Resource: resource, Metadata: metadata})
	return nil
}

func (s *trailStub) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

func TestRunRecordsSystemEvent(t *testing.T) {
	trail := &trailStub{}
	r := quietRunner(nil, WithAuditTrail(trail))

	require.NoError(t, r.Register(Task{
		Name:  "expire",
		Every: time.Minute,
		Run:   func(context.Context) error { return nil },
	}))
	require.NoError(t, r.Register(Task{
		Name:  "broken",
		Every: time.Minute,
		Run:   func(context.Context) error { return errors.New("backend gone") },
	}))

	ctx := context.Background()
	require.NoError(t, r.RunOnce(ctx, "expire"))
	require.Error(t, r.RunOnce(ctx, "broken"))

	events := trail.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventSystem, events[0].Type)
	assert.Equal(t, "task expire", events[0].Action)
	assert.NotContains(t, events[0].Metadata, "error")
	assert.Equal(t, "backend gone", events[1].Metadata["error"])
}

func TestStartTicksUntilCancelled(t *testing.T) {
	r := quietRunner(nil)
	var n atomic.Int64
	require.NoError(t, r.Register(countingTask("fast", 5*time.Millisecond, &n)))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool { return n.Load() >= 2 },
		2*time.Second, time.Millisecond, "ticker never fired")

	cancel()
	r.Wait()

	settled := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, n.Load(), "loops must stop after cancel")
}
