package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ErrDuplicateHash is returned by Create when another live document already
// owns the content hash.
var ErrDuplicateHash = errors.New("store: duplicate content hash")

// Documents is the relational corpus surface. Get/Update satisfy the
// document slices the gap, correction, and dedup engines declare;
// PageDocuments feeds the dedup scanner.
type Documents interface {
	Create(ctx context.Context, doc contracts.Document) error
	Get(ctx context.Context, id string) (contracts.Document, error)
	GetByContentHash(ctx context.Context, hash string) (contracts.Document, error)
	Update(ctx context.Context, doc contracts.Document) error
	PageDocuments(ctx context.Context, createdAfter time.Time, afterID string, limit int) ([]contracts.Document, error)
}

// MemoryDocuments is an in-process corpus for tests and single-node
// deployments.
type MemoryDocuments struct {
	mu     sync.RWMutex
	byID   map[string]contracts.Document
	byHash map[string]string
}

// NewMemoryDocuments returns an empty corpus.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		byID:   make(map[string]contracts.Document),
		byHash: make(map[string]string),
	}
}

// Create implements Documents.
func (m *MemoryDocuments) Create(_ context.Context, doc contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[doc.ID]; ok {
		return errors.New("store: duplicate document id " + doc.ID)
	}
	if existing, ok := m.byHash[doc.ContentHash]; ok && existing != "" {
		return ErrDuplicateHash
	}
	m.byID[doc.ID] = cloneDocument(doc)
	m.byHash[doc.ContentHash] = doc.ID
	return nil
}

// Get implements Documents.
func (m *MemoryDocuments) Get(_ context.Context, id string) (contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.byID[id]
	if !ok {
		return contracts.Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// GetByContentHash implements Documents.
func (m *MemoryDocuments) GetByContentHash(_ context.Context, hash string) (contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return contracts.Document{}, ErrNotFound
	}
	return cloneDocument(m.byID[id]), nil
}

// Update implements Documents.
func (m *MemoryDocuments) Update(_ context.Context, doc contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.ContentHash != doc.ContentHash {
		if other, taken := m.byHash[doc.ContentHash]; taken && other != doc.ID {
			return ErrDuplicateHash
		}
		delete(m.byHash, prev.ContentHash)
		m.byHash[doc.ContentHash] = doc.ID
	}
	m.byID[doc.ID] = cloneDocument(doc)
	return nil
}

// PageDocuments implements Documents. Pages come back in ascending id order.
func (m *MemoryDocuments) PageDocuments(_ context.Context, createdAfter time.Time, afterID string, limit int) ([]contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []contracts.Document
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		doc := m.byID[id]
		if !createdAfter.IsZero() && !doc.CreatedAt.After(createdAfter) {
			continue
		}
		out = append(out, cloneDocument(doc))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneDocument(doc contracts.Document) contracts.Document {
	if doc.Metadata != nil {
		md := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}
		doc.Metadata = md
	}
	return doc
}
