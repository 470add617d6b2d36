// Package entities manages extracted parties and the authority grants
// between them. Entity merges leave a pointer trail instead of deleting
// rows; every read follows the trail to the canonical survivor.
package entities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// Provenance actions written by the service.
const (
	ActionEntityMerge     = "entity_merge"
	ActionAuthorityRevoke = "authority_revoke"
	ActionAuthorityExpire = "authority_expire"
)

// Recorder appends provenance records; *provenance.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, in provenance.RecordInput) (contracts.ProvenanceRecord, error)
}

// Service owns entity identity and authority grant lifecycle.
type Service struct {
	store  Store
	prov   Recorder
	clock  contracts.Clock
	logger *slog.Logger
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

// NewService wires the service to its store and provenance recorder.
func NewService(store Store, prov Recorder, opts ...Option) *Service {
	s := &Service{store: store, prov: prov, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new entity, deriving its normalized name.
func (s *Service) Create(ctx context.Context, entityType, name string, identifiers map[string]string) (contracts.Entity, error) {
	if entityType == "" || name == "" {
		return contracts.Entity{}, contracts.NewFault(contracts.CodeInvalidInput, "entity type and name are required")
	}
	now := s.clock().UTC()
	entity := contracts.Entity{
		ID:             uuid.NewString(),
		Type:           entityType,
		Name:           name,
		NormalizedName: canonical.NormalizeName(name),
		Identifiers:    identifiers,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return contracts.Entity{}, fmt.Errorf("entities: create: %w", err)
	}
	return entity, nil
}

// Resolve follows merge pointers to the canonical entity. Chains deeper
// than contracts.MaxMergeDepth, and any pointer cycle, surface as an
// integrity break rather than looping.
func (s *Service) Resolve(ctx context.Context, id string) (contracts.Entity, error) {
	seen := make(map[string]bool, contracts.MaxMergeDepth)
	current := id
	for depth := 0; depth <= contracts.MaxMergeDepth; depth++ {
		if seen[current] {
			return contracts.Entity{}, contracts.Faultf(contracts.CodeIntegrityBreak,
				"entity merge cycle through %s", current)
		}
		seen[current] = true

		entity, err := s.store.Entity(ctx, current)
		if errors.Is(err, ErrNotFound) {
			return contracts.Entity{}, contracts.WrapFault(contracts.CodeUnknownResource, "entity "+current, err)
		}
		if err != nil {
			return contracts.Entity{}, err
		}
		if entity.MergedInto == "" {
			return entity, nil
		}
		current = entity.MergedInto
	}
	return contracts.Entity{}, contracts.Faultf(contracts.CodeIntegrityBreak,
		"entity merge chain from %s exceeds depth %d", id, contracts.MaxMergeDepth)
}

// Merge folds the loser entity into the winner. Identifiers migrate to the
// winner where it has none; the loser keeps its row with a forwarding
// pointer so existing references stay readable.
func (s *Service) Merge(ctx context.Context, loserID, winnerID, actorID string) (contracts.Entity, error) {
	if loserID == winnerID {
		return contracts.Entity{}, contracts.NewFault(contracts.CodeInvalidInput, "entity cannot merge into itself")
	}
	winner, err := s.Resolve(ctx, winnerID)
	if err != nil {
		return contracts.Entity{}, err
	}
	if winner.ID == loserID {
		return contracts.Entity{}, contracts.Faultf(contracts.CodeInvalidInput,
			"merge of %s into %s would form a cycle", loserID, winnerID)
	}
	loser, err := s.store.Entity(ctx, loserID)
	if errors.Is(err, ErrNotFound) {
		return contracts.Entity{}, contracts.WrapFault(contracts.CodeUnknownResource, "entity "+loserID, err)
	}
	if err != nil {
		return contracts.Entity{}, err
	}
	if loser.MergedInto != "" {
		return contracts.Entity{}, contracts.Faultf(contracts.CodeStaleWrite,
			"entity %s is already merged into %s", loserID, loser.MergedInto)
	}

	now := s.clock().UTC()
	prevLoser := loser
	loser.MergedInto = winner.ID
	loser.UpdatedAt = now

	winnerChanged := false
	for scheme, value := range loser.Identifiers {
		if _, ok := winner.Identifiers[scheme]; !ok {
			if winner.Identifiers == nil {
				winner.Identifiers = make(map[string]string, len(loser.Identifiers))
			}
			winner.Identifiers[scheme] = value
			winnerChanged = true
		}
	}

	if err := s.store.UpdateEntity(ctx, loser); err != nil {
		return contracts.Entity{}, fmt.Errorf("entities: merge update: %w", err)
	}
	if winnerChanged {
		winner.UpdatedAt = now
		if err := s.store.UpdateEntity(ctx, winner); err != nil {
			return contracts.Entity{}, fmt.Errorf("entities: merge update winner: %w", err)
		}
	}

	s.record(ctx, "entity", loser.ID, ActionEntityMerge, actorID, prevLoser, loser)
	return winner, nil
}

// RegisterGrant validates and stores an authority grant evidenced by a
// document.
func (s *Service) RegisterGrant(ctx context.Context, grant contracts.AuthorityGrant) (contracts.AuthorityGrant, error) {
	if grant.DocumentID == "" || grant.GrantorEntityID == "" || grant.GranteeEntityID == "" {
		return contracts.AuthorityGrant{}, contracts.NewFault(contracts.CodeInvalidInput,
			"grant requires document, grantor, and grantee")
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if err := grant.Validate(); err != nil {
		return contracts.AuthorityGrant{}, err
	}
	grant.Active = !grant.ExpiredAt(s.clock().UTC())
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return contracts.AuthorityGrant{}, fmt.Errorf("entities: create grant: %w", err)
	}
	return grant, nil
}

// RevokeGrant deactivates a grant and stamps the revoking actor.
func (s *Service) RevokeGrant(ctx context.Context, grantID, revokedBy string) (contracts.AuthorityGrant, error) {
	grant, err := s.store.Grant(ctx, grantID)
	if errors.Is(err, ErrNotFound) {
		return contracts.AuthorityGrant{}, contracts.WrapFault(contracts.CodeUnknownResource, "grant "+grantID, err)
	}
	if err != nil {
		return contracts.AuthorityGrant{}, err
	}
	if !grant.Active {
		return contracts.AuthorityGrant{}, contracts.Faultf(contracts.CodeStaleWrite, "grant %s is not active", grantID)
	}

	now := s.clock().UTC()
	prev := grant
	grant.Active = false
	grant.RevokedBy = revokedBy
	grant.RevokedAt = &now
	if err := s.store.UpdateGrant(ctx, grant); err != nil {
		return contracts.AuthorityGrant{}, fmt.Errorf("entities: revoke grant: %w", err)
	}
	s.record(ctx, "authority_grant", grant.ID, ActionAuthorityRevoke, revokedBy, prev, grant)
	return grant, nil
}

// ExpireGrants deactivates every active grant whose window has lapsed. The
// daily scheduled task drives it; each expiry gets a provenance record.
func (s *Service) ExpireGrants(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	expired, err := s.store.ActiveGrantsExpiringBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("entities: list expiring grants: %w", err)
	}

	count := 0
	for _, grant := range expired {
		prev := grant
		grant.Active = false
		if err := s.store.UpdateGrant(ctx, grant); err != nil {
			s.logger.Error("grant expiry not persisted", "grant_id", grant.ID, "error", err)
			continue
		}
		s.record(ctx, "authority_grant", grant.ID, ActionAuthorityExpire, "scheduler", prev, grant)
		count++
	}
	if count > 0 {
		s.logger.Info("authority grants expired", "count", count)
	}
	return count, nil
}

// Grants lists grants touching the entity, following its merge pointer
// first so callers see the canonical party's authority picture.
func (s *Service) Grants(ctx context.Context, entityID string) ([]contracts.AuthorityGrant, error) {
	entity, err := s.Resolve(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return s.store.GrantsByEntity(ctx, entity.ID)
}

// record writes a provenance entry; failures are logged, not fatal, since
// the state mutation already committed.
func (s *Service) record(ctx context.Context, entityType, entityID, action, actorID string, prev, next any) {
	in := provenance.RecordInput{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
	}
	var err error
	if in.PreviousState, err = canonical.StateMap(prev); err != nil {
		s.logger.Error("provenance skipped", "entity_id", entityID, "error", err)
		return
	}
	if in.NewState, err = canonical.StateMap(next); err != nil {
		s.logger.Error("provenance skipped", "entity_id", entityID, "error", err)
		return
	}
	if _, err := s.prov.Record(ctx, in); err != nil {
		s.logger.Error("provenance not recorded", "entity_id", entityID, "error", err)
	}
}
