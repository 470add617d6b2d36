package capability

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Metrics is the windowed aggregate a rollout rule inspects. It is always
// rederivable from the invocation store; the engine caches the latest
// computation per capability and window.
type Metrics struct {
	CapabilityID string                 `json:"capability_id"`
	WindowHours  int                    `json:"window_hours"`
	Count        int                    `json:"count"`
	SuccessCount int                    `json:"success_count"`
	FailureCount int                    `json:"failure_count"`
	SuccessRate  float64                `json:"success_rate"`
	FailureRate  float64                `json:"failure_rate"`
	P50Ms        int64                  `json:"p50_ms"`
	P95Ms        int64                  `json:"p95_ms"`
	ErrorCodes   map[contracts.Code]int `json:"error_codes,omitempty"`
	ComputedAt   time.Time              `json:"computed_at"`
}

// gateValue maps a rollout gate onto the metric it reads.
func (m Metrics) gateValue(gate Gate) float64 {
	switch gate {
	case GateUsageCount:
		return float64(m.Count)
	case GateSuccessRate:
		return m.SuccessRate
	case GateFailureRate:
		return m.FailureRate
	case GateDurationMS:
		return float64(m.P95Ms)
	default:
		return math.NaN()
	}
}

// computeMetrics derives the aggregate for one capability over the window
// ending at now.
func computeMetrics(ctx context.Context, store Store, capabilityID string, windowHours int, now time.Time) (Metrics, error) {
	since := now.Add(-time.Duration(windowHours) * time.Hour)
	invocations, err := store.InvocationsSince(ctx, capabilityID, since)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		CapabilityID: capabilityID,
		WindowHours:  windowHours,
		Count:        len(invocations),
		ComputedAt:   now,
	}
	if m.Count == 0 {
		return m, nil
	}

	durations := make([]int64, 0, len(invocations))
	for _, inv := range invocations {
		durations = append(durations, inv.DurationMS)
		if inv.Success {
			m.SuccessCount++
			continue
		}
		m.FailureCount++
		if inv.ErrorCode != "" {
			if m.ErrorCodes == nil {
				m.ErrorCodes = make(map[contracts.Code]int)
			}
			m.ErrorCodes[inv.ErrorCode]++
		}
	}
	m.SuccessRate = float64(m.SuccessCount) / float64(m.Count)
	m.FailureRate = float64(m.FailureCount) / float64(m.Count)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	m.P50Ms = percentile(durations, 0.50)
	m.P95Ms = percentile(durations, 0.95)
	return m, nil
}

// percentile computes the nearest-rank percentile of sorted durations.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
