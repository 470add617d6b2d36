package capability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// seedInvocations writes count invocations for the capability, the first
// failures of them failed, spread one minute apart ending at end.
func seedInvocations(t *testing.T, store Store, capabilityID string, count, failures int, end time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		inv := Invocation{
			ID:           fmt.Sprintf("%s-inv-%d", capabilityID, i),
			CapabilityID: capabilityID,
			Version:      "1.0.0",
			CallerID:     "caller-1",
			CallerKind:   contracts.ContextSession,
			Grade:        contracts.GradeA,
			InputHash:    "hash",
			Success:      i >= failures,
			DurationMS:   int64(10 + i),
			StartedAt:    end.Add(-time.Duration(count-i) * time.Minute),
		}
		if !inv.Success {
			inv.ErrorCode = contracts.CodeUpstreamTimeout
		} else {
			inv.OutputHash = "outhash"
		}
		require.NoError(t, store.RecordInvocation(ctx, inv))
	}
}

func fixedClock(at time.Time) contracts.Clock {
	return func() time.Time { return at }
}

func TestQuarantineOnFailureRate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	def := echoDefinition("evidence.provenance.verify")
	def.Status = contracts.StatusLimited
	def.RolloutRules = []RolloutRule{{
		Gate: GateFailureRate, Threshold: 0.25, Direction: Demote,
		TargetStatus: contracts.StatusQuarantined, WindowHours: 6,
	}}
	require.NoError(t, registry.Register(def))

	store := NewMemoryStore()
	seedInvocations(t, store, def.ID, 100, 30, now)

	engine := NewEngine(registry, store, WithEngineClock(fixedClock(now)))
	require.NoError(t, engine.Tick(context.Background()))

	got, err := registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusQuarantined, got.Status)

	history, err := store.StatusHistory(context.Background(), def.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contracts.StatusLimited, history[0].From)
	assert.Equal(t, contracts.StatusQuarantined, history[0].To)
	assert.Contains(t, history[0].Trigger, "failure_rate")

	// Invocations after quarantine are denied with the quarantine code.
	inv := NewInvoker(registry, store, WithInvokerClock(fixedClock(now)))
	result := Invoke[any](context.Background(), inv, trustedCaller(), def.ID, map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeCapabilityQuarantined, result.Fault().Code)
}

func TestPromotionClimbsOneRung(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	def := echoDefinition("test.climber")
	def.Status = contracts.StatusExperimental
	def.RolloutRules = []RolloutRule{
		// Ambitious rule first: skipping straight to general is illegal, so
		// the engine must fall through to the next rule.
		{Gate: GateUsageCount, Threshold: 10, Direction: Promote, TargetStatus: contracts.StatusGeneral},
		{Gate: GateUsageCount, Threshold: 10, Direction: Promote, TargetStatus: contracts.StatusLimited},
	}
	require.NoError(t, registry.Register(def))

	store := NewMemoryStore()
	seedInvocations(t, store, def.ID, 20, 0, now)

	engine := NewEngine(registry, store, WithEngineClock(fixedClock(now)))
	require.NoError(t, engine.Tick(context.Background()))

	got, err := registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusLimited, got.Status)

	// Next tick climbs the second rung.
	require.NoError(t, engine.Tick(context.Background()))
	got, err = registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusGeneral, got.Status)

	history, err := store.StatusHistory(context.Background(), def.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, contracts.StatusLimited, history[0].To)
	assert.Equal(t, contracts.StatusGeneral, history[1].To)
}

func TestFirstSatisfiedRuleWins(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	def := echoDefinition("test.ordered")
	def.Status = contracts.StatusGeneral
	def.RolloutRules = []RolloutRule{
		{Gate: GateFailureRate, Threshold: 0.50, Direction: Demote, TargetStatus: contracts.StatusQuarantined},
		{Gate: GateFailureRate, Threshold: 0.10, Direction: Demote, TargetStatus: contracts.StatusLimited},
	}
	require.NoError(t, registry.Register(def))

	store := NewMemoryStore()
	// 20% failures: below the quarantine bar, above the demote bar.
	seedInvocations(t, store, def.ID, 50, 10, now)

	engine := NewEngine(registry, store, WithEngineClock(fixedClock(now)))
	require.NoError(t, engine.Tick(context.Background()))

	got, err := registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusLimited, got.Status)
}

func TestNoRuleFiresOnEmptyWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	def := echoDefinition("test.idle")
	def.Status = contracts.StatusExperimental
	def.RolloutRules = []RolloutRule{
		{Gate: GateFailureRate, Threshold: 0, Direction: Demote, TargetStatus: contracts.StatusQuarantined},
	}
	require.NoError(t, registry.Register(def))

	engine := NewEngine(registry, NewMemoryStore(), WithEngineClock(fixedClock(now)))
	require.NoError(t, engine.Tick(context.Background()))

	got, err := registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExperimental, got.Status)
}

func TestTickPrunesAgedInvocations(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	require.NoError(t, registry.Register(echoDefinition("test.pruned")))

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.RecordInvocation(ctx, Invocation{
		ID: "old", CapabilityID: "test.pruned", Version: "1.0.0",
		Success: true, StartedAt: now.Add(-91 * 24 * time.Hour),
	}))
	require.NoError(t, store.RecordInvocation(ctx, Invocation{
		ID: "recent", CapabilityID: "test.pruned", Version: "1.0.0",
		Success: true, StartedAt: now.Add(-time.Hour),
	}))

	engine := NewEngine(registry, store, WithEngineClock(fixedClock(now)))
	require.NoError(t, engine.Tick(ctx))

	_, err := store.Invocation(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Invocation(ctx, "recent")
	assert.NoError(t, err)
}

func TestManualRestore(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	def := echoDefinition("test.restored")
	def.Status = contracts.StatusQuarantined
	require.NoError(t, registry.Register(def))

	store := NewMemoryStore()
	engine := NewEngine(registry, store, WithEngineClock(fixedClock(now)))

	require.NoError(t, engine.Restore(context.Background(), def.ID, contracts.StatusLimited, "ops-team"))

	got, err := registry.Definition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusLimited, got.Status)

	history, err := store.StatusHistory(context.Background(), def.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Trigger, "manual_restore")

	// Quarantined is not a restore target.
	err = engine.Restore(context.Background(), def.ID, contracts.StatusQuarantined, "ops-team")
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))
}

func TestMetricsAggregation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	seedInvocations(t, store, "test.metrics", 10, 3, now)

	m, err := computeMetrics(context.Background(), store, "test.metrics", DefaultWindowHours, now)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Count)
	assert.Equal(t, 7, m.SuccessCount)
	assert.Equal(t, 3, m.FailureCount)
	assert.InDelta(t, 0.7, m.SuccessRate, 1e-9)
	assert.InDelta(t, 0.3, m.FailureRate, 1e-9)
	assert.Equal(t, 3, m.ErrorCodes[contracts.CodeUpstreamTimeout])

	// Durations are 10..19ms; nearest-rank p50 is the 5th value, p95 the 10th.
	assert.Equal(t, int64(14), m.P50Ms)
	assert.Equal(t, int64(19), m.P95Ms)
}

func TestMetricsWindowExcludesOldRuns(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RecordInvocation(ctx, Invocation{
		ID: "in-window", CapabilityID: "test.windowed", Version: "1.0.0",
		Success: true, StartedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.RecordInvocation(ctx, Invocation{
		ID: "out-of-window", CapabilityID: "test.windowed", Version: "1.0.0",
		Success: false, ErrorCode: contracts.CodeUnexpected, StartedAt: now.Add(-10 * time.Hour),
	}))

	m, err := computeMetrics(ctx, store, "test.windowed", 6, now)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)
	assert.Equal(t, 1.0, m.SuccessRate)
}
