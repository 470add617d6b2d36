package gaps

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a gap or candidate does not exist.
var ErrNotFound = errors.New("gaps: not found")

// Store persists gaps, their document occurrences, and candidate proposals.
type Store interface {
	CreateGap(ctx context.Context, gap Gap) error
	UpdateGap(ctx context.Context, gap Gap) error
	Gap(ctx context.Context, id string) (Gap, error)
	GapByFingerprint(ctx context.Context, fingerprint string) (Gap, error)
	ListGaps(ctx context.Context, status Status, limit int) ([]Gap, error)

	AddOccurrence(ctx context.Context, occ Occurrence) error
	Occurrences(ctx context.Context, gapID string) ([]Occurrence, error)

	UpsertCandidate(ctx context.Context, cand Candidate) error
	CandidateByProposal(ctx context.Context, gapID, value, source string) (Candidate, error)
	Candidates(ctx context.Context, gapID string) ([]Candidate, error)
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	gaps        map[string]Gap
	byPrint     map[string]string
	occurrences map[string][]Occurrence
	candidates  map[string][]Candidate
	creationSeq []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gaps:        make(map[string]Gap),
		byPrint:     make(map[string]string),
		occurrences: make(map[string][]Occurrence),
		candidates:  make(map[string][]Candidate),
	}
}

// CreateGap implements Store.
func (m *MemoryStore) CreateGap(_ context.Context, gap Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gaps[gap.ID]; ok {
		return errors.New("gaps: duplicate gap id " + gap.ID)
	}
	if _, ok := m.byPrint[gap.Fingerprint]; ok {
		return errors.New("gaps: duplicate fingerprint " + gap.Fingerprint)
	}
	m.gaps[gap.ID] = gap.Clone()
	m.byPrint[gap.Fingerprint] = gap.ID
	m.creationSeq = append(m.creationSeq, gap.ID)
	return nil
}

// UpdateGap implements Store.
func (m *MemoryStore) UpdateGap(_ context.Context, gap Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gaps[gap.ID]; !ok {
		return ErrNotFound
	}
	m.gaps[gap.ID] = gap.Clone()
	return nil
}

// Gap implements Store.
func (m *MemoryStore) Gap(_ context.Context, id string) (Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gap, ok := m.gaps[id]
	if !ok {
		return Gap{}, ErrNotFound
	}
	return gap.Clone(), nil
}

// GapByFingerprint implements Store.
func (m *MemoryStore) GapByFingerprint(_ context.Context, fingerprint string) (Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPrint[fingerprint]
	if !ok {
		return Gap{}, ErrNotFound
	}
	return m.gaps[id].Clone(), nil
}

// ListGaps implements Store. Results are ordered by most recent last-seen.
func (m *MemoryStore) ListGaps(_ context.Context, status Status, limit int) ([]Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Gap, 0, len(m.gaps))
	for _, id := range m.creationSeq {
		gap := m.gaps[id]
		if status != "" && gap.Status != status {
			continue
		}
		out = append(out, gap.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddOccurrence implements Store.
func (m *MemoryStore) AddOccurrence(_ context.Context, occ Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occurrences[occ.GapID] = append(m.occurrences[occ.GapID], occ)
	return nil
}

// Occurrences implements Store.
func (m *MemoryStore) Occurrences(_ context.Context, gapID string) ([]Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Occurrence(nil), m.occurrences[gapID]...), nil
}

// UpsertCandidate implements Store. Candidates are keyed by (gap, value,
// source); an existing key is overwritten in place.
func (m *MemoryStore) UpsertCandidate(_ context.Context, cand Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.candidates[cand.GapID]
	for i, existing := range list {
		if existing.Value == cand.Value && existing.Source == cand.Source {
			list[i] = cand
			return nil
		}
	}
	m.candidates[cand.GapID] = append(list, cand)
	return nil
}

// CandidateByProposal implements Store.
func (m *MemoryStore) CandidateByProposal(_ context.Context, gapID, value, source string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cand := range m.candidates[gapID] {
		if cand.Value == value && cand.Source == source {
			return cand, nil
		}
	}
	return Candidate{}, ErrNotFound
}

// Candidates implements Store.
func (m *MemoryStore) Candidates(_ context.Context, gapID string) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Candidate(nil), m.candidates[gapID]...), nil
}
