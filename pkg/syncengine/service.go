// Package syncengine coordinates concurrent writer sessions over shared
// project state. Tier one tracks session lifecycle, tier two folds every
// active session's todo set into one canonical sequence per project through
// three-way merges, and tier three classifies todos into topics for
// grouping queries.
package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// Recorder is the slice of the provenance service the engine writes
// consolidation records through.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// Locker serializes consolidation across instances. The redis-backed lease
// in pkg/store satisfies it; tests use a local one.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// CommitHook receives one commit message per consolidation that mutated
// canonical state. Implementations typically shell out to git inside the
// project working tree.
type CommitHook interface {
	Commit(ctx context.Context, project contracts.Project, message string) error
}

// ActionTodoConsolidate marks provenance records written for todos mutated
// by consolidation.
const ActionTodoConsolidate = "todo_consolidate"

// DefaultArchiveAfter is how long a session may stay idle before
// ArchiveInactive retires it.
const DefaultArchiveAfter = 7 * 24 * time.Hour

const consolidateLeaseTTL = 2 * time.Minute

// Service coordinates the three sync tiers.
type Service struct {
	store        Store
	prov         Recorder
	locker       Locker
	classifier   *Classifier
	hook         CommitHook
	archiveAfter time.Duration
	clock        contracts.Clock
	logger       *slog.Logger

	// inflight guards against overlapping consolidations inside one
	// process; the lease covers the cross-process case.
	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithCommitHook enables the git-commit step after consolidations that
// changed canonical state.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Service) { s.hook = hook }
}

// WithTopicRules replaces the built-in topic keyword table.
func WithTopicRules(rules []TopicRule) Option {
	return func(s *Service) { s.classifier = NewClassifier(rules) }
}

// WithArchiveAfter overrides the session idle window.
func WithArchiveAfter(d time.Duration) Option {
	return func(s *Service) { s.archiveAfter = d }
}

// NewService wires the engine to its store, provenance recorder, and lease
// provider.
func NewService(store Store, prov Recorder, locker Locker, opts ...Option) *Service {
	s := &Service{
		store:        store,
		prov:         prov,
		locker:       locker,
		classifier:   NewClassifier(nil),
		archiveAfter: DefaultArchiveAfter,
		clock:        time.Now,
		logger:       slog.Default(),
		inflight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) begin(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[projectID] {
		return false
	}
	s.inflight[projectID] = true
	return true
}

func (s *Service) end(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, projectID)
}
