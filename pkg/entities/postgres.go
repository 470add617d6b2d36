package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// PostgresStore is the durable entity and grant backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entitiesSchema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	identifiers JSONB,
	merged_into TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_normalized
	ON entities (type, normalized_name);

CREATE TABLE IF NOT EXISTS authority_grants (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	grantor_entity_id TEXT NOT NULL REFERENCES entities (id),
	grantee_entity_id TEXT NOT NULL REFERENCES entities (id),
	authority_type TEXT NOT NULL,
	scope TEXT,
	effective_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL,
	revoked_by TEXT,
	revoked_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_authority_grants_entity
	ON authority_grants (grantor_entity_id, grantee_entity_id);

CREATE INDEX IF NOT EXISTS idx_authority_grants_expiry
	ON authority_grants (expires_at) WHERE active;
`

// Init creates the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, entitiesSchema)
	return err
}

const entityColumns = `id, type, name, normalized_name, identifiers, merged_into, created_at, updated_at`

// CreateEntity implements Store.
func (p *PostgresStore) CreateEntity(ctx context.Context, entity contracts.Entity) error {
	identifiersJSON, err := json.Marshal(entity.Identifiers)
	if err != nil {
		return fmt.Errorf("marshal identifiers: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entity.ID, entity.Type, entity.Name, entity.NormalizedName,
		identifiersJSON, nullableText(entity.MergedInto), entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// Entity implements Store.
func (p *PostgresStore) Entity(ctx context.Context, id string) (contracts.Entity, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	return scanEntity(row)
}

// UpdateEntity implements Store.
func (p *PostgresStore) UpdateEntity(ctx context.Context, entity contracts.Entity) error {
	identifiersJSON, err := json.Marshal(entity.Identifiers)
	if err != nil {
		return fmt.Errorf("marshal identifiers: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE entities SET
			type = $2, name = $3, normalized_name = $4, identifiers = $5,
			merged_into = $6, updated_at = $7
		 WHERE id = $1`,
		entity.ID, entity.Type, entity.Name, entity.NormalizedName,
		identifiersJSON, nullableText(entity.MergedInto), entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const grantColumns = `id, document_id, grantor_entity_id, grantee_entity_id,
	authority_type, scope, effective_at, expires_at, active, revoked_by, revoked_at`

// CreateGrant implements Store.
func (p *PostgresStore) CreateGrant(ctx context.Context, grant contracts.AuthorityGrant) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO authority_grants (`+grantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		grant.ID, grant.DocumentID, grant.GrantorEntityID, grant.GranteeEntityID,
		grant.AuthorityType, nullableText(grant.Scope), grant.EffectiveAt, grant.ExpiresAt,
		grant.Active, nullableText(grant.RevokedBy), grant.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// Grant implements Store.
func (p *PostgresStore) Grant(ctx context.Context, id string) (contracts.AuthorityGrant, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM authority_grants WHERE id = $1`, id)
	return scanGrant(row)
}

// UpdateGrant implements Store.
func (p *PostgresStore) UpdateGrant(ctx context.Context, grant contracts.AuthorityGrant) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE authority_grants SET
			active = $2, revoked_by = $3, revoked_at = $4
		 WHERE id = $1`,
		grant.ID, grant.Active, nullableText(grant.RevokedBy), grant.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantsByEntity implements Store.
func (p *PostgresStore) GrantsByEntity(ctx context.Context, entityID string) ([]contracts.AuthorityGrant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM authority_grants
		 WHERE grantor_entity_id = $1 OR grantee_entity_id = $1
		 ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuthorityGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

// ActiveGrantsExpiringBefore implements Store.
func (p *PostgresStore) ActiveGrantsExpiringBefore(ctx context.Context, cutoff time.Time) ([]contracts.AuthorityGrant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM authority_grants
		 WHERE active AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expiring grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuthorityGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (contracts.Entity, error) {
	var entity contracts.Entity
	var identifiersJSON []byte
	var mergedInto sql.NullString

	err := row.Scan(&entity.ID, &entity.Type, &entity.Name, &entity.NormalizedName,
		&identifiersJSON, &mergedInto, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Entity{}, ErrNotFound
		}
		return contracts.Entity{}, err
	}
	entity.MergedInto = mergedInto.String
	if len(identifiersJSON) > 0 {
		if err := json.Unmarshal(identifiersJSON, &entity.Identifiers); err != nil {
			return contracts.Entity{}, fmt.Errorf("corrupt identifiers on %s: %w", entity.ID, err)
		}
	}
	return entity, nil
}

func scanGrant(row rowScanner) (contracts.AuthorityGrant, error) {
	var grant contracts.AuthorityGrant
	var scope, revokedBy sql.NullString
	var effectiveAt, expiresAt, revokedAt sql.NullTime

	err := row.Scan(&grant.ID, &grant.DocumentID, &grant.GrantorEntityID, &grant.GranteeEntityID,
		&grant.AuthorityType, &scope, &effectiveAt, &expiresAt, &grant.Active, &revokedBy, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.AuthorityGrant{}, ErrNotFound
		}
		return contracts.AuthorityGrant{}, err
	}
	grant.Scope = scope.String
	grant.RevokedBy = revokedBy.String
	if effectiveAt.Valid {
		t := effectiveAt.Time
		grant.EffectiveAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		grant.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		grant.RevokedAt = &t
	}
	return grant, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
