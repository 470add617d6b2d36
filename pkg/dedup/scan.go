package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ScanMode selects the corpus slice a scan covers.
type ScanMode string

const (
	// ScanIncremental covers documents created after the mode's watermark.
	ScanIncremental ScanMode = "incremental"
	// ScanFull covers the entire corpus.
	ScanFull ScanMode = "full"
)

// ScanState is the resumable cursor for one scan mode. A crashed scan leaves
// Running true; the next run resumes from Cursor instead of starting over.
type ScanState struct {
	Mode            ScanMode  `json:"mode"`
	Cursor          string    `json:"cursor,omitempty"`
	Watermark       time.Time `json:"watermark,omitempty"`
	Processed       int       `json:"processed"`
	CandidatesFound int       `json:"candidates_found"`
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// DocumentSource pages the corpus in stable id order.
type DocumentSource interface {
	// PageDocuments returns up to limit documents with id greater than
	// afterID, created after createdAfter (zero means no lower bound),
	// ordered by id ascending.
	PageDocuments(ctx context.Context, createdAfter time.Time, afterID string, limit int) ([]contracts.Document, error)
}

// BlobFetcher retrieves a document's raw bytes so scans can compute
// perceptual hashes. Optional: a nil fetcher limits scans to content-hash
// and text detection.
type BlobFetcher interface {
	FetchContent(ctx context.Context, doc contracts.Document) ([]byte, error)
}

// Locker serializes singleton work across instances. The redis-backed lease
// in pkg/store satisfies it; tests use a local one.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

const (
	scanPageSize = 100
	scanLeaseTTL = 10 * time.Minute
)

// Scanner drives incremental and full dedup passes over the corpus.
type Scanner struct {
	engine  *Engine
	store   Store
	source  DocumentSource
	fetcher BlobFetcher
	locker  Locker
	clock   contracts.Clock
	logger  *slog.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithBlobFetcher enables perceptual hashing during scans.
func WithBlobFetcher(f BlobFetcher) ScannerOption {
	return func(s *Scanner) { s.fetcher = f }
}

// WithScannerClock overrides the time source, mainly for tests.
func WithScannerClock(clock contracts.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = clock }
}

// WithScannerLogger overrides the default logger.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = logger }
}

// NewScanner wires a scanner to the engine and its corpus source.
func NewScanner(engine *Engine, store Store, source DocumentSource, locker Locker, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		engine: engine, store: store, source: source, locker: locker,
		clock: time.Now, logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one scan pass of the given mode, resuming a previously
// interrupted pass if one exists. At most one scan per mode runs at a time;
// a second caller gets a stale-write fault immediately.
func (s *Scanner) Run(ctx context.Context, mode ScanMode) (ScanState, error) {
	if mode != ScanIncremental && mode != ScanFull {
		return ScanState{}, contracts.Faultf(contracts.CodeInvalidInput, "unknown scan mode %q", mode)
	}

	leaseName := "dedup_scan:" + string(mode)
	ok, err := s.locker.Acquire(ctx, leaseName, scanLeaseTTL)
	if err != nil {
		return ScanState{}, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "acquire scan lease", err)
	}
	if !ok {
		return ScanState{}, contracts.Faultf(contracts.CodeStaleWrite, "%s scan already running", mode)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), leaseName); err != nil {
			s.logger.Warn("scan lease not released", "lease", leaseName, "error", err)
		}
	}()

	st, err := s.store.ScanState(ctx, mode)
	if errors.Is(err, ErrNotFound) {
		st = ScanState{Mode: mode}
	} else if err != nil {
		return ScanState{}, err
	}

	now := s.clock().UTC()
	if !st.Running {
		st = ScanState{Mode: mode, Watermark: st.Watermark, Running: true, StartedAt: now}
	}
	st.UpdatedAt = now
	if err := s.store.PutScanState(ctx, st); err != nil {
		return ScanState{}, err
	}

	cutoff := time.Time{}
	if mode == ScanIncremental {
		cutoff = st.Watermark
	}
	passStart := st.StartedAt

	for {
		if err := ctx.Err(); err != nil {
			// State stays Running so the next run resumes from the cursor.
			return st, err
		}
		page, err := s.source.PageDocuments(ctx, cutoff, st.Cursor, scanPageSize)
		if err != nil {
			return st, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "page documents", err)
		}
		for _, doc := range page {
			cands, err := s.examine(ctx, doc)
			if err != nil {
				s.logger.Error("scan skipped document", "document_id", doc.ID, "error", err)
			} else {
				st.CandidatesFound += len(cands)
			}
			st.Processed++
			st.Cursor = doc.ID
		}
		st.UpdatedAt = s.clock().UTC()
		if err := s.store.PutScanState(ctx, st); err != nil {
			return st, err
		}
		if len(page) < scanPageSize {
			break
		}
	}

	st.Running = false
	st.Cursor = ""
	if mode == ScanIncremental {
		st.Watermark = passStart
	}
	st.UpdatedAt = s.clock().UTC()
	if err := s.store.PutScanState(ctx, st); err != nil {
		return st, err
	}
	s.logger.Info("dedup scan complete",
		"mode", mode, "processed", st.Processed, "candidates", st.CandidatesFound)
	return st, nil
}

// State reports the current cursor for a mode without running anything.
func (s *Scanner) State(ctx context.Context, mode ScanMode) (ScanState, error) {
	st, err := s.store.ScanState(ctx, mode)
	if errors.Is(err, ErrNotFound) {
		return ScanState{Mode: mode}, nil
	}
	return st, err
}

func (s *Scanner) examine(ctx context.Context, doc contracts.Document) ([]Candidate, error) {
	var content []byte
	if s.fetcher != nil {
		var err error
		content, err = s.fetcher.FetchContent(ctx, doc)
		if err != nil {
			s.logger.Warn("document content unavailable, scanning metadata only",
				"document_id", doc.ID, "error", err)
			content = nil
		}
	}
	return s.engine.Examine(ctx, doc, content)
}
