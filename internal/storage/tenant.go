package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/episteme-ai/episteme/internal/types"
)

// tenantSchemaDDL is the fixed template every tenant namespace is created
// from. %d is the embedding dimensionality. Table names here are the
// vocabulary the rest of the system speaks; changing one is a migration.
const tenantSchemaDDL = `
CREATE TABLE IF NOT EXISTS memory_meta (
    id UUID PRIMARY KEY,
    source_type TEXT NOT NULL,
    source_ref TEXT NOT NULL,
    origin TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    status TEXT NOT NULL DEFAULT 'unvetted',
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed TIMESTAMPTZ,
    last_reinforced TIMESTAMPTZ,
    contradictions JSONB NOT NULL DEFAULT '[]',
    promote_history JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_memory_meta_source ON memory_meta (source_type, source_ref);
CREATE INDEX IF NOT EXISTS idx_memory_meta_status ON memory_meta (status);

CREATE TABLE IF NOT EXISTS profile_versions (
    version BIGINT PRIMARY KEY,
    profile JSONB NOT NULL DEFAULT '{}',
    changed_fields JSONB NOT NULL DEFAULT '[]',
    changed_by TEXT NOT NULL DEFAULT '',
    meta_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vectors (
    id UUID PRIMARY KEY,
    collection TEXT NOT NULL,
    content TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB NOT NULL DEFAULT '{}',
    meta_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    _deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors (collection) WHERE _deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_vectors_embedding ON vectors USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS _vector_collections (
    name TEXT PRIMARY KEY,
    dimensions INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
    id BIGSERIAL PRIMARY KEY,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    properties JSONB NOT NULL DEFAULT '{}',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    mention_count INTEGER NOT NULL DEFAULT 1,
    first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    meta_id UUID,
    _deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_identity
    ON entities (entity_type, normalized_name) WHERE _deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entities_name_trgm
    ON entities USING gin (normalized_name gin_trgm_ops);

CREATE TABLE IF NOT EXISTS edges (
    id BIGSERIAL PRIMARY KEY,
    source_id BIGINT NOT NULL REFERENCES entities(id),
    target_id BIGINT NOT NULL REFERENCES entities(id),
    relation TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    is_current BOOLEAN NOT NULL DEFAULT true,
    evidence JSONB NOT NULL DEFAULT '[]',
    properties JSONB NOT NULL DEFAULT '{}',
    meta_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    _deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_identity
    ON edges (source_id, target_id, relation) WHERE _deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_id) WHERE _deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_id) WHERE _deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS edge_quarantine (
    id BIGSERIAL PRIMARY KEY,
    source_name TEXT NOT NULL,
    source_type TEXT NOT NULL,
    target_name TEXT NOT NULL,
    target_type TEXT NOT NULL,
    relation TEXT NOT NULL,
    reason TEXT NOT NULL,
    evidence TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
    id BIGSERIAL PRIMARY KEY,
    write_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    resource TEXT NOT NULL DEFAULT '',
    latency_ms BIGINT NOT NULL DEFAULT 0,
    detail JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_write ON audit_log (write_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log (created_at);

CREATE TABLE IF NOT EXISTS consent_rules (
    id BIGSERIAL PRIMARY KEY,
    agent_id TEXT NOT NULL,
    resource TEXT NOT NULL,
    permission TEXT NOT NULL,
    granted_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_consent_rules_agent ON consent_rules (agent_id) WHERE revoked_at IS NULL;

CREATE TABLE IF NOT EXISTS knowledge_claims (
    id UUID PRIMARY KEY,
    claim_type TEXT NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_ref TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    status TEXT NOT NULL DEFAULT 'active',
    method TEXT NOT NULL DEFAULT 'direct',
    origin TEXT NOT NULL,
    source_ref TEXT NOT NULL DEFAULT '',
    write_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    evidence JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_claims_subject ON knowledge_claims (subject_kind, subject_ref);
CREATE INDEX IF NOT EXISTS idx_claims_write ON knowledge_claims (write_id);

CREATE TABLE IF NOT EXISTS knowledge_claim_events (
    id BIGSERIAL PRIMARY KEY,
    claim_id UUID NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS _table_registry (
    table_name TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    columns JSONB NOT NULL DEFAULT '[]',
    record_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// CreateTenant provisions the namespace for a tenant: a dedicated schema
// plus the standard table set. It is idempotent; re-provisioning an
// existing tenant only fills in whatever is missing.
func (s *Store) CreateTenant(ctx context.Context, tenantID string, tier types.Tier) (*types.Tenant, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, types.NewError(types.KindValidation, "tenant id must not be empty")
	}
	if !tier.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown tier %q", tier)
	}
	schema := SchemaName(tenantID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "failed to acquire connection")
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdent(schema))); err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path = %s, shared", QuoteIdent(schema))); err != nil {
		return nil, fmt.Errorf("failed to set search path: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(tenantSchemaDDL, s.embeddingDims)); err != nil {
		return nil, fmt.Errorf("failed to create tenant tables: %w", err)
	}

	tenant := &types.Tenant{ID: tenantID, Schema: schema, Tier: tier}
	err = tx.QueryRow(ctx, `
		INSERT INTO shared.tenants (id, schema_name, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET schema_name = EXCLUDED.schema_name
		RETURNING tier, created_at`,
		tenantID, schema, string(tier)).Scan(&tenant.Tier, &tenant.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register tenant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tenant provisioning: %w", err)
	}
	s.schemaCache.Store(tenantID, schema)
	return tenant, nil
}

// GetTenant returns the tenant record, or NOT_FOUND.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	t := &types.Tenant{ID: tenantID}
	err := s.pool.QueryRow(ctx, `
		SELECT schema_name, tier, created_at FROM shared.tenants WHERE id = $1`,
		tenantID).Scan(&t.Schema, &t.Tier, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewReasonError(types.KindNotFound, "TENANT_NOT_FOUND", "tenant %s does not exist", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	return t, nil
}

// ListTenantIDs returns every tenant id, ordered by creation time. The
// background sweepers iterate this.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM shared.tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetTenantTier updates the tenant's tier (billing transitions).
func (s *Store) SetTenantTier(ctx context.Context, tenantID string, tier types.Tier) error {
	if !tier.IsValid() {
		return types.NewError(types.KindValidation, "unknown tier %q", tier)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE shared.tenants SET tier = $2 WHERE id = $1`, tenantID, string(tier))
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewReasonError(types.KindNotFound, "TENANT_NOT_FOUND", "tenant %s does not exist", tenantID)
	}
	return nil
}

// SchemaName derives the schema name for a tenant id: lowercased, non
// [a-z0-9_] runs collapsed to a single underscore, prefixed t_ and clamped
// to Postgres's 63-byte identifier limit.
func SchemaName(tenantID string) string {
	var b strings.Builder
	b.WriteString("t_")
	lastUnderscore := false
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// QuoteIdent double-quotes a SQL identifier, escaping embedded quotes. Used
// wherever an identifier cannot be a bind parameter (DDL, SET).
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
