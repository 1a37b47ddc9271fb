package storage

import (
	"context"
	"fmt"
)

// sharedSchemaDDL creates the global namespace: tenant registry, auth
// records, queue tables, config, and usage counters. Everything here is
// cross-tenant; tenant data never lands in shared.
const sharedSchemaDDL = `
CREATE SCHEMA IF NOT EXISTS shared;

CREATE TABLE IF NOT EXISTS shared.tenants (
    id TEXT PRIMARY KEY,
    schema_name TEXT NOT NULL UNIQUE,
    tier TEXT NOT NULL DEFAULT 'free',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared.api_keys (
    id UUID PRIMARY KEY,
    key_hash TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    scopes JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL,
    revoked_at TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON shared.api_keys (tenant_id) WHERE revoked_at IS NULL;

CREATE TABLE IF NOT EXISTS shared.oauth_clients (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    redirect_uris JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared.oauth_codes (
    code_hash TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL DEFAULT '',
    resource TEXT NOT NULL DEFAULT '',
    redirect_uri TEXT NOT NULL,
    code_challenge TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL,
    used_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS shared.system_config (
    key TEXT PRIMARY KEY,
    value JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared.enrichment_jobs (
    id BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_ref TEXT NOT NULL,
    write_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    origin TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    next_run_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_claim
    ON shared.enrichment_jobs (next_run_at) WHERE status IN ('pending', 'retry');

CREATE TABLE IF NOT EXISTS shared.pending_vectors (
    id BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    write_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    origin TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    next_run_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pending_vectors_claim
    ON shared.pending_vectors (next_run_at) WHERE status IN ('pending', 'retry');

CREATE TABLE IF NOT EXISTS shared.usage_counters (
    tenant_id TEXT NOT NULL,
    resource TEXT NOT NULL,
    day DATE NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    count BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, resource, day, agent_id)
);

CREATE TABLE IF NOT EXISTS shared.usage_daily (
    tenant_id TEXT NOT NULL,
    day DATE NOT NULL,
    tables INTEGER NOT NULL DEFAULT 0,
    graph_entities INTEGER NOT NULL DEFAULT 0,
    graph_edges INTEGER NOT NULL DEFAULT 0,
    vectors INTEGER NOT NULL DEFAULT 0,
    profile_version BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, day)
);
`

// MigrateShared creates the shared schema and required extensions. All
// statements are idempotent, in the manner of CREATE IF NOT EXISTS
// migrations: safe to run on every startup.
func (s *Store) MigrateShared(ctx context.Context) error {
	// vector and pg_trgm must exist before any tenant DDL references them.
	for _, ext := range []string{"vector", "pg_trgm"} {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", QuoteIdent(ext))); err != nil {
			return fmt.Errorf("failed to create extension %s: %w", ext, err)
		}
	}
	if _, err := s.pool.Exec(ctx, sharedSchemaDDL); err != nil {
		return fmt.Errorf("failed to migrate shared schema: %w", err)
	}
	return nil
}

// QueueTablesExist probes for the queue tables. The worker refuses to start
// without them, and the pipeline downgrades to degraded mode when enqueue
// hits a missing table.
func (s *Store) QueueTablesExist(ctx context.Context) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = 'shared'
		  AND table_name IN ('enrichment_jobs', 'pending_vectors')`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe queue tables: %w", err)
	}
	return n == 2, nil
}
