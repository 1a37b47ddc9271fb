// Package storage owns the PostgreSQL substrate: the connection pool, the
// shared schema, per-tenant schema provisioning, and the WithTenant
// transaction primitive every other component builds on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/types"
)

const (
	// maxTxRetries bounds automatic retry of serialization conflicts.
	maxTxRetries = 4
	// initialRetryDelay seeds the exponential backoff between attempts.
	initialRetryDelay = 50 * time.Millisecond
)

// Store wraps the pgx pool and the tenant registry. One Store serves the
// whole process; it is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	// embeddingDims shapes the vector column in newly provisioned tenant
	// schemas. Existing schemas are untouched by a config change.
	embeddingDims int

	// schemaCache maps tenant id to schema name; entries are only ever
	// added (tenants are never destroyed by normal flow).
	schemaCache sync.Map
}

// Options configure a Store.
type Options struct {
	// EmbeddingDims is the dimensionality of vector columns in tenant
	// schemas. Required; there is no useful default at this layer.
	EmbeddingDims int
}

// Open connects the pool and pings the database. The caller owns Close.
func Open(ctx context.Context, databaseURL string, opts Options, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.EmbeddingDims <= 0 {
		pool.Close()
		return nil, fmt.Errorf("storage: embedding dimensions must be positive, got %d", opts.EmbeddingDims)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log.Named("storage"), embeddingDims: opts.EmbeddingDims}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for shared-schema operations that do not
// run under a tenant search path (queue claims, key lookups, metering).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Tx is a transaction pinned to one tenant's namespace. The search path is
// <tenant schema>, shared, so unqualified table names resolve to the tenant
// first. Components accept *Tx so nested calls share one transaction.
type Tx struct {
	pgx.Tx
	TenantID string
	Schema   string
}

// Savepoint runs fn inside a nested transaction. Postgres aborts the whole
// transaction after any SQL error; a savepoint confines the damage, so a
// failed best-effort step (ledger claim, queue insert) rolls back alone and
// the outer write survives.
func (t *Tx) Savepoint(ctx context.Context, fn func(tx *Tx) error) error {
	sp, err := t.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(&Tx{Tx: sp, TenantID: t.TenantID, Schema: t.Schema}); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// WithTenant runs fn inside a read-write transaction scoped to the tenant's
// schema. Serialization conflicts are retried with exponential backoff; any
// other error from fn rolls back and is returned as-is.
func (s *Store) WithTenant(ctx context.Context, tenantID string, fn func(tx *Tx) error) error {
	return s.withTenant(ctx, tenantID, pgx.TxOptions{}, fn)
}

// WithTenantRO is WithTenant with a read-only transaction. The sandbox uses
// it so agent SQL cannot write even if validation misses something.
func (s *Store) WithTenantRO(ctx context.Context, tenantID string, fn func(tx *Tx) error) error {
	return s.withTenant(ctx, tenantID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) withTenant(ctx context.Context, tenantID string, txOpts pgx.TxOptions, fn func(tx *Tx) error) error {
	schema, err := s.SchemaFor(ctx, tenantID)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.runOnce(ctx, tenantID, schema, txOpts, fn)
		if err == nil {
			return nil
		}
		if IsSerializationError(err) && attempt <= maxTxRetries {
			s.log.Debug("retrying transaction after serialization conflict",
				zap.String("tenant", tenantID), zap.Int("attempt", attempt))
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

func (s *Store) runOnce(ctx context.Context, tenantID, schema string, txOpts pgx.TxOptions, fn func(tx *Tx) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return types.WrapError(types.KindTransient, err, "failed to acquire connection")
	}
	defer conn.Release()

	pgtx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return types.WrapError(types.KindTransient, err, "failed to begin transaction")
	}

	tx := &Tx{Tx: pgtx, TenantID: tenantID, Schema: schema}

	defer func() {
		if r := recover(); r != nil {
			_ = pgtx.Rollback(ctx)
			panic(r)
		}
	}()

	// SET LOCAL scopes the search path to this transaction only, so the
	// pooled connection carries nothing across to its next user.
	if _, err := pgtx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path = %s, shared", QuoteIdent(schema))); err != nil {
		_ = pgtx.Rollback(ctx)
		return fmt.Errorf("failed to set search path: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SchemaFor resolves a tenant id to its schema name, consulting the
// in-process cache first. Unknown tenants fail with NOT_FOUND.
func (s *Store) SchemaFor(ctx context.Context, tenantID string) (string, error) {
	if v, ok := s.schemaCache.Load(tenantID); ok {
		return v.(string), nil
	}
	var schema string
	err := s.pool.QueryRow(ctx,
		`SELECT schema_name FROM shared.tenants WHERE id = $1`, tenantID).Scan(&schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", types.NewReasonError(types.KindNotFound, "TENANT_NOT_FOUND", "tenant %s does not exist", tenantID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up tenant %s: %w", tenantID, err)
	}
	s.schemaCache.Store(tenantID, schema)
	return schema, nil
}
