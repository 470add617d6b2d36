// Package schedule runs the platform's recurring maintenance: duplicate
// scans, rollout ticks, export drains, correction batches, expiry sweeps.
// Each task loops on its own ticker; singleton tasks take a lease first so
// only one instance in the fleet runs them at a time.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/audit"
	"github.com/chittyos/chittycore/pkg/observability"
	"github.com/chittyos/chittycore/pkg/store"
)

// Locker serializes singleton tasks across instances. The redis-backed
// lease in pkg/store satisfies it; single nodes use the in-process one.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Task is one recurring job. Singleton tasks are lease-guarded; LeaseTTL
// bounds how long a crashed owner blocks the next run and defaults to the
// interval, capped at an hour.
type Task struct {
	Name      string
	Every     time.Duration
	Run       func(ctx context.Context) error
	Singleton bool
	LeaseTTL  time.Duration
}

const maxDefaultLeaseTTL = time.Hour

// Runner owns the task loops. Register everything before Start; the task
// set is fixed once loops are running.
type Runner struct {
	locker Locker
	trail  audit.Logger
	tel    *observability.Provider
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	started bool

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithAuditTrail records one SYSTEM event per task run.
func WithAuditTrail(trail audit.Logger) Option {
	return func(r *Runner) { r.trail = trail }
}

// WithTelemetry tracks task runs through the metrics provider.
func WithTelemetry(tel *observability.Provider) Option {
	return func(r *Runner) { r.tel = tel }
}

// NewRunner wires a scheduler to its lease provider. A nil locker degrades
// to the in-process lease, which is only correct on single nodes.
func NewRunner(locker Locker, opts ...Option) *Runner {
	r := &Runner{
		locker: locker,
		trail:  audit.Nop(),
		logger: slog.Default(),
		tasks:  make(map[string]Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locker == nil {
		r.locker = store.NewMemoryLocker()
	}
	return r
}

// Register adds a task. Names are unique; registration closes at Start.
func (r *Runner) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("schedule: task requires a name and a run func")
	}
	if t.Every <= 0 {
		return fmt.Errorf("schedule: task %s requires a positive interval", t.Name)
	}
	if t.LeaseTTL <= 0 {
		t.LeaseTTL = min(t.Every, maxDefaultLeaseTTL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("schedule: runner already started")
	}
	if _, dup := r.tasks[t.Name]; dup {
		return fmt.Errorf("schedule: duplicate task %s", t.Name)
	}
	r.tasks[t.Name] = t
	return nil
}

// Start launches one loop per registered task. Loops wake after a full
// interval, never immediately, and exit when ctx is cancelled. Wait blocks
// until every loop has exited.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	tasks := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.Info("scheduler started", "tasks", len(tasks))
}

// Wait blocks until all task loops have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.runTask(ctx, t)
		}
	}
}

// RunOnce executes a registered task immediately, honoring its lease. The
// composition root uses it for startup catch-up runs; tests drive tasks
// through it instead of waiting on tickers.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown task %s", name)
	}
	return r.runTask(ctx, t)
}

func (r *Runner) runTask(ctx context.Context, t Task) error {
	if t.Singleton {
		held, err := r.locker.Acquire(ctx, "task:"+t.Name, t.LeaseTTL)
		if err != nil {
			r.logger.Error("task lease unavailable", "task", t.Name, "error", err)
			return err
		}
		if !held {
			r.logger.Debug("task held elsewhere, skipping", "task", t.Name)
			return nil
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), "task:"+t.Name); err != nil {
				r.logger.Warn("task lease not released", "task", t.Name, "error", err)
			}
		}()
	}

	start := time.Now()
	runCtx := ctx
	var done func(error)
	if r.tel != nil {
		runCtx, done = r.tel.TrackOperation(ctx, "schedule."+t.Name, observability.ScheduledTask(t.Name)...)
	}
	err := r.contain(runCtx, t)
	if done != nil {
		done(err)
	}

	elapsed := time.Since(start)
	if err != nil {
		r.logger.Error("scheduled task failed",
			"task", t.Name, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		r.logger.Info("scheduled task completed",
			"task", t.Name, "duration_ms", elapsed.Milliseconds())
	}

	meta := map[string]any{"duration_ms": elapsed.Milliseconds()}
	if err != nil {
		meta["error"] = err.Error()
	}
	if aerr := r.trail.Record(ctx, audit.EventSystem, "task "+t.Name, t.Name, meta); aerr != nil {
		r.logger.Warn("audit event dropped", "task", t.Name, "error", aerr)
	}
	return err
}

// contain keeps one panicking task from taking down every loop in the
// process.
func (r *Runner) contain(ctx context.Context, t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("schedule: task %s panicked: %v", t.Name, rec)
		}
	}()
	return t.Run(ctx)
}
