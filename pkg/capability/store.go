package capability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ErrNotFound is returned for unknown invocation ids.
var ErrNotFound = errors.New("capability: not found")

// Invocation is the append-only record of one capability run. Denied
// invocations never reach the store; rollout metrics reflect handler runs
// only.
type Invocation struct {
	ID           string                `json:"id"`
	CapabilityID string                `json:"capability_id"`
	Version      string                `json:"version"`
	CallerID     string                `json:"caller_id"`
	CallerKind   contracts.ContextKind `json:"caller_kind"`
	Grade        contracts.Grade       `json:"grade"`
	InputHash    string                `json:"input_hash"`
	OutputHash   string                `json:"output_hash,omitempty"`
	Success      bool                  `json:"success"`
	ErrorCode    contracts.Code        `json:"error_code,omitempty"`
	DurationMS   int64                 `json:"duration_ms"`
	ParentIDs    []string              `json:"parent_ids,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
}

// StatusChange is one entry in a capability's status history, stamped with
// the rule (or manual action) that triggered it.
type StatusChange struct {
	ID           string                     `json:"id"`
	CapabilityID string                     `json:"capability_id"`
	From         contracts.CapabilityStatus `json:"from"`
	To           contracts.CapabilityStatus `json:"to"`
	Trigger      string                     `json:"trigger"`
	ChangedAt    time.Time                  `json:"changed_at"`
}

// Store persists invocations and status history. Both are append-only.
type Store interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
	Invocation(ctx context.Context, id string) (Invocation, error)
	InvocationsSince(ctx context.Context, capabilityID string, since time.Time) ([]Invocation, error)
	PruneInvocations(ctx context.Context, olderThan time.Time) (int64, error)

	RecordStatusChange(ctx context.Context, change StatusChange) error
	StatusHistory(ctx context.Context, capabilityID string) ([]StatusChange, error)
}

// MemoryStore is the in-memory Store used by tests and single-node setups.
type MemoryStore struct {
	mu          sync.RWMutex
	invocations map[string]Invocation
	history     []StatusChange
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invocations: make(map[string]Invocation)}
}

func (m *MemoryStore) RecordInvocation(_ context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations[inv.ID] = inv
	return nil
}

func (m *MemoryStore) Invocation(_ context.Context, id string) (Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invocations[id]
	if !ok {
		return Invocation{}, ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) InvocationsSince(_ context.Context, capabilityID string, since time.Time) ([]Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Invocation
	for _, inv := range m.invocations {
		if inv.CapabilityID == capabilityID && !inv.StartedAt.Before(since) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) PruneInvocations(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, inv := range m.invocations {
		if inv.StartedAt.Before(olderThan) {
			delete(m.invocations, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) RecordStatusChange(_ context.Context, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, change)
	return nil
}

func (m *MemoryStore) StatusHistory(_ context.Context, capabilityID string) ([]StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StatusChange
	for _, change := range m.history {
		if change.CapabilityID == capabilityID {
			out = append(out, change)
		}
	}
	return out, nil
}
