// Package provenance maintains append-only, hash-chained histories of
// entity state transitions. Every chain belongs to one (entityType,
// entityId) pair; each record links to its predecessor through state
// hashes so corruption is detectable by replay.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// ActionCertifyChain is the synthetic action appended by Certify.
const ActionCertifyChain = "certify_chain"

var (
	// ErrChainDiverged is returned by stores when an append does not link
	// to the current chain tail.
	ErrChainDiverged = errors.New("provenance: append diverges from chain tail")
	// ErrNotFound is returned when a chain has no records.
	ErrNotFound = errors.New("provenance: chain not found")
)

// Store persists provenance chains. Append must atomically reject records
// whose PreviousStateHash disagrees with the current tail.
type Store interface {
	Append(ctx context.Context, rec contracts.ProvenanceRecord) error
	Chain(ctx context.Context, entityType, entityID string) ([]contracts.ProvenanceRecord, error)
	Latest(ctx context.Context, entityType, entityID string) (*contracts.ProvenanceRecord, error)
}

// RecordInput collects the arguments for one chain append.
type RecordInput struct {
	EntityType    string
	EntityID      string
	Action        string
	PreviousState map[string]any
	NewState      map[string]any
	ActorID       string
	SessionID     string
	Attestations  []string
}

// Service builds, verifies, and certifies provenance chains.
type Service struct {
	store  Store
	clock  contracts.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time for testing.
func WithClock(clock contracts.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires a Service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record hashes the states deterministically, computes the top-level delta,
// and appends a new record to the entity's chain. A previous state that
// does not match the chain tail is rejected as a stale write.
func (s *Service) Record(ctx context.Context, in RecordInput) (contracts.ProvenanceRecord, error) {
	if in.EntityType == "" || in.EntityID == "" {
		return contracts.ProvenanceRecord{}, contracts.NewFault(contracts.CodeInvalidInput, "entity type and id are required")
	}
	if in.Action == "" {
		return contracts.ProvenanceRecord{}, contracts.NewFault(contracts.CodeInvalidInput, "action is required")
	}
	if in.NewState == nil {
		return contracts.ProvenanceRecord{}, contracts.NewFault(contracts.CodeInvalidInput, "new state is required")
	}

	newHash, err := canonical.Hash(in.NewState)
	if err != nil {
		return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: hash new state: %w", err)
	}

	prevHash := ""
	latest, err := s.store.Latest(ctx, in.EntityType, in.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: read chain tail: %w", err)
	}
	switch {
	case latest != nil:
		prevHash = latest.NewStateHash
		if in.PreviousState != nil {
			claimed, err := canonical.Hash(in.PreviousState)
			if err != nil {
				return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: hash previous state: %w", err)
			}
			if claimed != prevHash {
				return contracts.ProvenanceRecord{}, contracts.Faultf(contracts.CodeStaleWrite,
					"previous state hash %s does not match chain tail %s", claimed, prevHash)
			}
		}
	case in.PreviousState != nil:
		if prevHash, err = canonical.Hash(in.PreviousState); err != nil {
			return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: hash previous state: %w", err)
		}
	}

	delta, err := canonical.Delta(in.PreviousState, in.NewState)
	if err != nil {
		return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: compute delta: %w", err)
	}

	rec := contracts.ProvenanceRecord{
		ID:                uuid.NewString(),
		EntityType:        in.EntityType,
		EntityID:          in.EntityID,
		Action:            in.Action,
		ActorID:           in.ActorID,
		SessionID:         in.SessionID,
		PreviousStateHash: prevHash,
		NewStateHash:      newHash,
		Delta:             delta,
		Attestations:      in.Attestations,
		RecordedAt:        s.clock().UTC(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		if errors.Is(err, ErrChainDiverged) {
			return contracts.ProvenanceRecord{}, contracts.WrapFault(contracts.CodeStaleWrite, "chain tail moved during append", err)
		}
		return contracts.ProvenanceRecord{}, fmt.Errorf("provenance: append: %w", err)
	}
	return rec, nil
}

// Chain returns the chronological record sequence for an entity.
func (s *Service) Chain(ctx context.Context, entityType, entityID string) ([]contracts.ProvenanceRecord, error) {
	return s.store.Chain(ctx, entityType, entityID)
}

// Verify walks the chain and reports every linkage break. A break at index
// i means record i's previous hash disagrees with record i-1's new hash.
func (s *Service) Verify(ctx context.Context, entityType, entityID string) (contracts.ChainVerification, error) {
	records, err := s.store.Chain(ctx, entityType, entityID)
	if err != nil {
		return contracts.ChainVerification{}, fmt.Errorf("provenance: load chain: %w", err)
	}

	var breaks []contracts.ChainBreak
	for i := 1; i < len(records); i++ {
		if records[i].PreviousStateHash != records[i-1].NewStateHash {
			breaks = append(breaks, contracts.ChainBreak{
				Index:    i,
				Expected: records[i-1].NewStateHash,
				Actual:   records[i].PreviousStateHash,
				RecordID: records[i].ID,
			})
		}
	}

	verification := contracts.ChainVerification{
		Valid:       len(breaks) == 0,
		ChainLength: len(records),
		Breaks:      breaks,
		VerifiedAt:  s.clock().UTC(),
	}
	if !verification.Valid {
		s.logger.Error("provenance chain integrity break",
			"entity_type", entityType, "entity_id", entityID, "breaks", len(breaks))
	}
	return verification, nil
}

// Certify verifies the chain and, when clean, appends a synthetic
// certify_chain record back-referencing the verifying invocation. Invalid
// and empty chains are refused.
func (s *Service) Certify(ctx context.Context, entityType, entityID, actorID, invocationID, notes string) (contracts.Certification, error) {
	verification, err := s.Verify(ctx, entityType, entityID)
	if err != nil {
		return contracts.Certification{}, err
	}
	if verification.ChainLength == 0 {
		return contracts.Certification{}, contracts.Faultf(contracts.CodeUnknownResource,
			"no chain for %s/%s", entityType, entityID)
	}
	if !verification.Valid {
		return contracts.Certification{}, contracts.Faultf(contracts.CodeIntegrityBreak,
			"chain for %s/%s has %d breaks", entityType, entityID, len(verification.Breaks))
	}

	latest, err := s.store.Latest(ctx, entityType, entityID)
	if err != nil {
		return contracts.Certification{}, fmt.Errorf("provenance: read chain tail: %w", err)
	}

	cert := contracts.Certification{
		ID:             uuid.NewString(),
		EntityType:     entityType,
		EntityID:       entityID,
		ChainLength:    verification.ChainLength,
		HeadHash:       latest.NewStateHash,
		CertifierNotes: notes,
		CertifiedBy:    invocationID,
		CertifiedAt:    s.clock().UTC(),
	}

	// Certification does not change entity state, so the synthetic record
	// carries the tail hash on both sides and stays link-consistent.
	rec := contracts.ProvenanceRecord{
		ID:                uuid.NewString(),
		EntityType:        entityType,
		EntityID:          entityID,
		Action:            ActionCertifyChain,
		ActorID:           actorID,
		PreviousStateHash: latest.NewStateHash,
		NewStateHash:      latest.NewStateHash,
		Delta: map[string]any{
			"certification_id": canonical.FieldChange{Old: nil, New: cert.ID},
		},
		Attestations: []string{"invocation:" + invocationID},
		RecordedAt:   s.clock().UTC(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return contracts.Certification{}, fmt.Errorf("provenance: append certification record: %w", err)
	}
	return cert, nil
}
