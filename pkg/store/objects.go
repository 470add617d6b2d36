package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ObjectStore is the blob surface. Documents live under
// verified/{identifier}/{hash}; pipeline dead letters under
// errors/{epoch-ms}/{id}.json. Writes are idempotent per key, so concurrent
// ingests of the same content race harmlessly.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// VerifiedObjectKey is where a document's bytes live once ingested.
func VerifiedObjectKey(identifier, contentHash string) string {
	return fmt.Sprintf("verified/%s/%s", identifier, contentHash)
}

// DeadLetterKey is where a failed pipeline execution snapshot lands.
func DeadLetterKey(at time.Time, id string) string {
	return fmt.Sprintf("errors/%d/%s.json", at.UnixMilli(), id)
}

func validObjectKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("store: invalid object key %q", key)
	}
	return nil
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryObjectStore is an in-process ObjectStore for tests and single-node
// deployments.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryObjectStore returns an empty object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]memoryObject)}
}

// Put implements ObjectStore. An existing object under the same key is left
// untouched.
func (m *MemoryObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if err := validObjectKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return nil
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

// Get implements ObjectStore.
func (m *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

// Exists implements ObjectStore.
func (m *MemoryObjectStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Delete implements ObjectStore.
func (m *MemoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// List implements ObjectStore.
func (m *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Keys returns every stored key, for tests that assert on layout.
func (m *MemoryObjectStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
