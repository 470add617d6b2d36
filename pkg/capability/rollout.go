package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Rollout window and retention defaults.
const (
	DefaultWindowHours   = 168
	DefaultRetentionDays = 90
)

// statusRank orders the promotion ladder. Deprecated and quarantined sit
// outside it: promotion never reaches them, demotion may.
var statusRank = map[contracts.CapabilityStatus]int{
	contracts.StatusExperimental: 1,
	contracts.StatusLimited:      2,
	contracts.StatusGeneral:      3,
}

// Engine evaluates rollout rules on a schedule, transitions capability
// status, and prunes aged invocations.
type Engine struct {
	registry  *Registry
	store     Store
	clock     contracts.Clock
	logger    *slog.Logger
	window    int
	retention time.Duration

	mu    sync.Mutex
	cache map[string]Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source, mainly for tests.
func WithEngineClock(clock contracts.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithEngineLogger overrides the default logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithWindowHours overrides the default metrics window.
func WithWindowHours(hours int) EngineOption {
	return func(e *Engine) {
		if hours > 0 {
			e.window = hours
		}
	}
}

// WithRetention overrides how long invocations are kept before pruning.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// NewEngine wires the rollout engine to the registry and invocation store.
func NewEngine(registry *Registry, store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		clock:     time.Now,
		logger:    slog.Default(),
		window:    DefaultWindowHours,
		retention: DefaultRetentionDays * 24 * time.Hour,
		cache:     make(map[string]Metrics),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick evaluates every capability's rules once and prunes aged invocations.
// The scheduler calls it hourly; it is safe to call concurrently since rule
// application is idempotent per status.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock().UTC()
	for _, def := range e.registry.List() {
		if err := e.evaluate(ctx, def, now); err != nil {
			e.logger.Error("rollout evaluation failed", "capability_id", def.ID, "error", err)
		}
	}
	pruned, err := e.store.PruneInvocations(ctx, now.Add(-e.retention))
	if err != nil {
		return fmt.Errorf("capability: prune invocations: %w", err)
	}
	if pruned > 0 {
		e.logger.Info("capability invocations pruned", "count", pruned)
	}
	return nil
}

// evaluate applies the first satisfied, legal rule for one capability.
func (e *Engine) evaluate(ctx context.Context, def Definition, now time.Time) error {
	if len(def.RolloutRules) == 0 {
		return nil
	}
	for _, rule := range def.RolloutRules {
		window := rule.WindowHours
		if window <= 0 {
			window = e.window
		}
		metrics, err := e.metricsFor(ctx, def.ID, window, now)
		if err != nil {
			return err
		}
		if metrics.Count == 0 {
			continue
		}
		if !ruleSatisfied(rule, metrics) {
			continue
		}
		if !legalTransition(def.Status, rule.TargetStatus, rule.Direction) {
			continue
		}
		return e.transition(ctx, def, rule, now)
	}
	return nil
}

// Metrics returns the windowed aggregate for a capability, computing and
// caching it when the cached value is from an earlier tick.
func (e *Engine) Metrics(ctx context.Context, capabilityID string, windowHours int) (Metrics, error) {
	if windowHours <= 0 {
		windowHours = e.window
	}
	return e.metricsFor(ctx, capabilityID, windowHours, e.clock().UTC())
}

func (e *Engine) metricsFor(ctx context.Context, capabilityID string, windowHours int, now time.Time) (Metrics, error) {
	key := fmt.Sprintf("%s/%dh", capabilityID, windowHours)
	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok && cached.ComputedAt.Equal(now) {
		return cached, nil
	}

	metrics, err := computeMetrics(ctx, e.store, capabilityID, windowHours, now)
	if err != nil {
		return Metrics{}, err
	}
	e.mu.Lock()
	e.cache[key] = metrics
	e.mu.Unlock()
	return metrics, nil
}

// Restore lifts a quarantined or deprecated capability back to the given
// status by operator action, recorded in history like any rule transition.
func (e *Engine) Restore(ctx context.Context, capabilityID string, to contracts.CapabilityStatus, operator string) error {
	if _, ok := statusRank[to]; !ok {
		return contracts.Faultf(contracts.CodeInvalidInput, "cannot restore to %s", to)
	}
	prev, err := e.registry.SetStatus(capabilityID, to)
	if err != nil {
		return err
	}
	change := StatusChange{
		ID:           uuid.NewString(),
		CapabilityID: capabilityID,
		From:         prev,
		To:           to,
		Trigger:      "manual_restore by " + operator,
		ChangedAt:    e.clock().UTC(),
	}
	if err := e.store.RecordStatusChange(ctx, change); err != nil {
		return fmt.Errorf("capability: record restore: %w", err)
	}
	e.logger.Info("capability restored", "capability_id", capabilityID, "from", prev, "to", to, "operator", operator)
	return nil
}

func (e *Engine) transition(ctx context.Context, def Definition, rule RolloutRule, now time.Time) error {
	prev, err := e.registry.SetStatus(def.ID, rule.TargetStatus)
	if err != nil {
		return err
	}
	change := StatusChange{
		ID:           uuid.NewString(),
		CapabilityID: def.ID,
		From:         prev,
		To:           rule.TargetStatus,
		Trigger:      rule.String(),
		ChangedAt:    now,
	}
	if err := e.store.RecordStatusChange(ctx, change); err != nil {
		return fmt.Errorf("capability: record status change: %w", err)
	}
	e.logger.Info("capability status changed",
		"capability_id", def.ID, "from", prev, "to", rule.TargetStatus, "rule", rule.String())
	return nil
}

// ruleSatisfied reads the gate with the rule's direction: promote rules want
// the metric at least as good as the threshold, demote rules at least as
// bad. For failure_rate and duration_ms lower is better.
func ruleSatisfied(rule RolloutRule, m Metrics) bool {
	value := m.gateValue(rule.Gate)
	lowerIsBetter := rule.Gate == GateFailureRate || rule.Gate == GateDurationMS
	if rule.Direction == Promote {
		if lowerIsBetter {
			return value <= rule.Threshold
		}
		return value >= rule.Threshold
	}
	if lowerIsBetter {
		return value >= rule.Threshold
	}
	return value <= rule.Threshold
}

// legalTransition enforces the promotion ladder: promotion moves exactly one
// rung up; demotion moves to any lower rung or straight to quarantined.
// Deprecation is always reachable by demotion.
func legalTransition(from, to contracts.CapabilityStatus, direction Direction) bool {
	if from == to {
		return false
	}
	switch direction {
	case Promote:
		fromRank, okFrom := statusRank[from]
		toRank, okTo := statusRank[to]
		return okFrom && okTo && toRank == fromRank+1
	case Demote:
		if to == contracts.StatusQuarantined || to == contracts.StatusDeprecated {
			return true
		}
		fromRank, okFrom := statusRank[from]
		toRank, okTo := statusRank[to]
		return okFrom && okTo && toRank < fromRank
	}
	return false
}
