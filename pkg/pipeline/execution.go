package pipeline

import (
	"sync"
	"time"
)

// Status tracks an execution through its lifecycle.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Pipeline stages in execution order.
const (
	StageValidation   = "validation"
	StageIngestion    = "ingestion"
	StageEnrichment   = "enrichment"
	StageAI           = "ai"
	StageMinting      = "minting"
	StageDistribution = "distribution"
	StageObservation  = "observation"
)

// StageTiming records one stage's outcome. Tolerated marks errors that did
// not abort the run.
type StageTiming struct {
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Tolerated  bool      `json:"tolerated,omitempty"`
}

// Execution is the mutable context threaded through one pipeline run.
// Results are read through Result and written through SetResult; Snapshot
// produces the serializable view dead letters persist. No method both reads
// and writes.
type Execution struct {
	mu         sync.Mutex
	id         string
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	stages     []StageTiming
	results    map[string]any
	tolerated  []string
	failure    string
}

func newExecution(id string, startedAt time.Time) *Execution {
	return &Execution{
		id:        id,
		status:    StatusStarting,
		startedAt: startedAt,
		results:   make(map[string]any),
	}
}

// ID returns the execution identifier.
func (e *Execution) ID() string { return e.id }

// Status returns the current lifecycle state.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Result returns the value a stage stored, if any.
func (e *Execution) Result(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.results[key]
	return v, ok
}

// SetResult stores a stage's output under key, replacing any prior value.
func (e *Execution) SetResult(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[key] = value
}

func (e *Execution) setRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusStarting {
		e.status = StatusRunning
	}
}

func (e *Execution) recordStage(t StageTiming) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, t)
	if t.Error != "" && t.Tolerated {
		e.tolerated = append(e.tolerated, t.Stage+": "+t.Error)
	}
}

func (e *Execution) complete(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusCompleted
	e.finishedAt = at
}

func (e *Execution) fail(at time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusFailed
	e.finishedAt = at
	e.failure = err.Error()
}

// Duration is the wall time of the run, zero until it finishes.
func (e *Execution) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finishedAt.IsZero() {
		return 0
	}
	return e.finishedAt.Sub(e.startedAt)
}

// Snapshot is the serializable view of an execution, persisted verbatim as
// the dead-letter body.
type Snapshot struct {
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Stages     []StageTiming  `json:"stages"`
	Results    map[string]any `json:"results"`
	Tolerated  []string       `json:"tolerated_errors,omitempty"`
	Failure    string         `json:"failure,omitempty"`
}

// Snapshot copies the execution state into its serializable view.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		ID:        e.id,
		Status:    e.status,
		StartedAt: e.startedAt,
		Stages:    append([]StageTiming(nil), e.stages...),
		Results:   make(map[string]any, len(e.results)),
		Tolerated: append([]string(nil), e.tolerated...),
		Failure:   e.failure,
	}
	if !e.finishedAt.IsZero() {
		snap.DurationMS = e.finishedAt.Sub(e.startedAt).Milliseconds()
	}
	for k, v := range e.results {
		snap.Results[k] = v
	}
	return snap
}
