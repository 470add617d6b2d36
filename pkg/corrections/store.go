package corrections

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a rule or queue item does not exist.
var ErrNotFound = errors.New("corrections: not found")

// ItemFilter narrows a queue listing.
type ItemFilter struct {
	Statuses   []ItemStatus
	RuleID     string
	DocumentID string
	Limit      int
}

func (f ItemFilter) matchStatus(status ItemStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Store persists correction rules and the proposal queue.
type Store interface {
	CreateRule(ctx context.Context, rule Rule) error
	UpdateRule(ctx context.Context, rule Rule) error
	Rule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context, status RuleStatus) ([]Rule, error)

	CreateItem(ctx context.Context, item QueueItem) error
	UpdateItem(ctx context.Context, item QueueItem) error
	Item(ctx context.Context, id string) (QueueItem, error)
	// OpenItemByProposal finds a pending, approved, or parked item for the
	// given (rule, document, field), if any.
	OpenItemByProposal(ctx context.Context, ruleID, documentID, field string) (QueueItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]QueueItem, error)
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	items   map[string]QueueItem
	ruleSeq []string
	itemSeq []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]Rule),
		items: make(map[string]QueueItem),
	}
}

// CreateRule implements Store.
func (m *MemoryStore) CreateRule(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; ok {
		return errors.New("corrections: duplicate rule id " + rule.ID)
	}
	m.rules[rule.ID] = rule
	m.ruleSeq = append(m.ruleSeq, rule.ID)
	return nil
}

// UpdateRule implements Store.
func (m *MemoryStore) UpdateRule(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	m.rules[rule.ID] = rule
	return nil
}

// Rule implements Store.
func (m *MemoryStore) Rule(_ context.Context, id string) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return rule, nil
}

// ListRules implements Store. Results are in creation order.
func (m *MemoryStore) ListRules(_ context.Context, status RuleStatus) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.ruleSeq))
	for _, id := range m.ruleSeq {
		rule := m.rules[id]
		if status != "" && rule.Status != status {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// CreateItem implements Store.
func (m *MemoryStore) CreateItem(_ context.Context, item QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return errors.New("corrections: duplicate item id " + item.ID)
	}
	m.items[item.ID] = item
	m.itemSeq = append(m.itemSeq, item.ID)
	return nil
}

// UpdateItem implements Store.
func (m *MemoryStore) UpdateItem(_ context.Context, item QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return ErrNotFound
	}
	m.items[item.ID] = item
	return nil
}

// Item implements Store.
func (m *MemoryStore) Item(_ context.Context, id string) (QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return QueueItem{}, ErrNotFound
	}
	return item, nil
}

// OpenItemByProposal implements Store.
func (m *MemoryStore) OpenItemByProposal(_ context.Context, ruleID, documentID, field string) (QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.itemSeq {
		item := m.items[id]
		if item.RuleID != ruleID || item.DocumentID != documentID || item.Field != field {
			continue
		}
		for _, open := range openItemStatuses {
			if item.Status == open {
				return item, nil
			}
		}
	}
	return QueueItem{}, ErrNotFound
}

// ListItems implements Store. Results are ordered oldest first so batch
// passes drain the queue fairly.
func (m *MemoryStore) ListItems(_ context.Context, filter ItemFilter) ([]QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueueItem, 0, len(m.itemSeq))
	for _, id := range m.itemSeq {
		item := m.items[id]
		if !filter.matchStatus(item.Status) {
			continue
		}
		if filter.RuleID != "" && item.RuleID != filter.RuleID {
			continue
		}
		if filter.DocumentID != "" && item.DocumentID != filter.DocumentID {
			continue
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
