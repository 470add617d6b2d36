package entities

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ErrNotFound is returned when an entity or grant does not exist.
var ErrNotFound = errors.New("entities: not found")

// Store persists entities and authority grants.
type Store interface {
	CreateEntity(ctx context.Context, entity contracts.Entity) error
	Entity(ctx context.Context, id string) (contracts.Entity, error)
	UpdateEntity(ctx context.Context, entity contracts.Entity) error

	CreateGrant(ctx context.Context, grant contracts.AuthorityGrant) error
	Grant(ctx context.Context, id string) (contracts.AuthorityGrant, error)
	UpdateGrant(ctx context.Context, grant contracts.AuthorityGrant) error
	GrantsByEntity(ctx context.Context, entityID string) ([]contracts.AuthorityGrant, error)
	ActiveGrantsExpiringBefore(ctx context.Context, cutoff time.Time) ([]contracts.AuthorityGrant, error)
}

// MemoryStore is the in-memory Store used by tests and single-node setups.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]contracts.Entity
	grants   map[string]contracts.AuthorityGrant
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]contracts.Entity),
		grants:   make(map[string]contracts.AuthorityGrant),
	}
}

func (m *MemoryStore) CreateEntity(_ context.Context, entity contracts.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.ID] = cloneEntity(entity)
	return nil
}

func (m *MemoryStore) Entity(_ context.Context, id string) (contracts.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entity, ok := m.entities[id]
	if !ok {
		return contracts.Entity{}, ErrNotFound
	}
	return cloneEntity(entity), nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, entity contracts.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entity.ID]; !ok {
		return ErrNotFound
	}
	m.entities[entity.ID] = cloneEntity(entity)
	return nil
}

func (m *MemoryStore) CreateGrant(_ context.Context, grant contracts.AuthorityGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grant.ID] = grant
	return nil
}

func (m *MemoryStore) Grant(_ context.Context, id string) (contracts.AuthorityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[id]
	if !ok {
		return contracts.AuthorityGrant{}, ErrNotFound
	}
	return grant, nil
}

func (m *MemoryStore) UpdateGrant(_ context.Context, grant contracts.AuthorityGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[grant.ID]; !ok {
		return ErrNotFound
	}
	m.grants[grant.ID] = grant
	return nil
}

func (m *MemoryStore) GrantsByEntity(_ context.Context, entityID string) ([]contracts.AuthorityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.AuthorityGrant
	for _, grant := range m.grants {
		if grant.GrantorEntityID == entityID || grant.GranteeEntityID == entityID {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveGrantsExpiringBefore(_ context.Context, cutoff time.Time) ([]contracts.AuthorityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.AuthorityGrant
	for _, grant := range m.grants {
		if grant.Active && grant.ExpiresAt != nil && cutoff.After(*grant.ExpiresAt) {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneEntity(e contracts.Entity) contracts.Entity {
	out := e
	if e.Identifiers != nil {
		out.Identifiers = make(map[string]string, len(e.Identifiers))
		for k, v := range e.Identifiers {
			out.Identifiers[k] = v
		}
	}
	return out
}
