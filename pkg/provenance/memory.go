package provenance

import (
	"context"
	"sync"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// MemoryStore keeps chains in process memory. Used by tests and by
// single-node deployments without a relational store.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]contracts.ProvenanceRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]contracts.ProvenanceRecord)}
}

func chainKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, rec contracts.ProvenanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chainKey(rec.EntityType, rec.EntityID)
	chain := m.chains[key]
	if len(chain) > 0 {
		tail := chain[len(chain)-1]
		if rec.PreviousStateHash != tail.NewStateHash {
			return ErrChainDiverged
		}
	}
	m.chains[key] = append(chain, rec)
	return nil
}

// Chain implements Store.
func (m *MemoryStore) Chain(ctx context.Context, entityType, entityID string) ([]contracts.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[chainKey(entityType, entityID)]
	out := make([]contracts.ProvenanceRecord, len(chain))
	copy(out, chain)
	return out, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(ctx context.Context, entityType, entityID string) (*contracts.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[chainKey(entityType, entityID)]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	tail := chain[len(chain)-1]
	return &tail, nil
}

// Corrupt overwrites one stored record in place. Only tests use it to
// simulate tampering; the public API has no mutation path.
func (m *MemoryStore) Corrupt(entityType, entityID string, index int, mutate func(*contracts.ProvenanceRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[chainKey(entityType, entityID)]
	if index >= 0 && index < len(chain) {
		mutate(&chain[index])
	}
}
