package dedup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a fingerprint, candidate, or scan state does
// not exist.
var ErrNotFound = errors.New("dedup: not found")

// Store persists fingerprints, duplicate candidates, and scan cursors.
type Store interface {
	PutFingerprint(ctx context.Context, fp Fingerprint) error
	FingerprintByDocument(ctx context.Context, documentID string) (Fingerprint, error)
	// ForEachFingerprint streams every indexed fingerprint in stable order.
	ForEachFingerprint(ctx context.Context, fn func(Fingerprint) error) error

	CreateCandidate(ctx context.Context, cand Candidate) error
	UpdateCandidate(ctx context.Context, cand Candidate) error
	Candidate(ctx context.Context, id string) (Candidate, error)
	CandidateByPair(ctx context.Context, documentID, candidateID string) (Candidate, error)
	// Pending lists unresolved candidates, highest similarity first.
	Pending(ctx context.Context, limit int) ([]Candidate, error)

	ScanState(ctx context.Context, mode ScanMode) (ScanState, error)
	PutScanState(ctx context.Context, st ScanState) error
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	fingerprints map[string]Fingerprint
	candidates   map[string]Candidate
	byPair       map[string]string
	scans        map[ScanMode]ScanState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[string]Fingerprint),
		candidates:   make(map[string]Candidate),
		byPair:       make(map[string]string),
		scans:        make(map[ScanMode]ScanState),
	}
}

func pairKey(documentID, candidateID string) string {
	return documentID + "\x00" + candidateID
}

// PutFingerprint implements Store.
func (m *MemoryStore) PutFingerprint(_ context.Context, fp Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp.Shingles = append([]uint64(nil), fp.Shingles...)
	m.fingerprints[fp.DocumentID] = fp
	return nil
}

// FingerprintByDocument implements Store.
func (m *MemoryStore) FingerprintByDocument(_ context.Context, documentID string) (Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.fingerprints[documentID]
	if !ok {
		return Fingerprint{}, ErrNotFound
	}
	return fp, nil
}

// ForEachFingerprint implements Store. Iteration is ordered by document id
// so scans behave deterministically.
func (m *MemoryStore) ForEachFingerprint(_ context.Context, fn func(Fingerprint) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.fingerprints))
	for id := range m.fingerprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fps := make([]Fingerprint, 0, len(ids))
	for _, id := range ids {
		fps = append(fps, m.fingerprints[id])
	}
	m.mu.RUnlock()

	for _, fp := range fps {
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

// CreateCandidate implements Store.
func (m *MemoryStore) CreateCandidate(_ context.Context, cand Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(cand.DocumentID, cand.CandidateID)
	if _, ok := m.byPair[key]; ok {
		return errors.New("dedup: pair already queued")
	}
	m.candidates[cand.ID] = cand
	m.byPair[key] = cand.ID
	return nil
}

// UpdateCandidate implements Store.
func (m *MemoryStore) UpdateCandidate(_ context.Context, cand Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[cand.ID]; !ok {
		return ErrNotFound
	}
	m.candidates[cand.ID] = cand
	return nil
}

// Candidate implements Store.
func (m *MemoryStore) Candidate(_ context.Context, id string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cand, ok := m.candidates[id]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return cand, nil
}

// CandidateByPair implements Store.
func (m *MemoryStore) CandidateByPair(_ context.Context, documentID, candidateID string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPair[pairKey(documentID, candidateID)]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return m.candidates[id], nil
}

// Pending implements Store.
func (m *MemoryStore) Pending(_ context.Context, limit int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for _, cand := range m.candidates {
		if cand.Status == StatusPending {
			out = append(out, cand)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SimilarityScore != out[j].SimilarityScore {
			return out[i].SimilarityScore > out[j].SimilarityScore
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ScanState implements Store.
func (m *MemoryStore) ScanState(_ context.Context, mode ScanMode) (ScanState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.scans[mode]
	if !ok {
		return ScanState{}, ErrNotFound
	}
	return st, nil
}

// PutScanState implements Store.
func (m *MemoryStore) PutScanState(_ context.Context, st ScanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[st.Mode] = st
	return nil
}

// MemoryLocker is a process-local Locker for tests and single-node
// deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	clock  func() time.Time
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), clock: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, held := l.leases[name]; held && now.Before(expiry) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}
