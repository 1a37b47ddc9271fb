// Package teststore provides Postgres-backed helpers for integration
// tests. Each test gets its own tenant schema inside the database that
// EPISTEME_TEST_DATABASE_URL points at; schema and shared rows are torn
// down when the test completes, so parallel packages can share one
// database.
//
// Tests using this package require a reachable Postgres with the vector
// and pg_trgm extensions available. When EPISTEME_TEST_DATABASE_URL is
// unset, tests skip automatically via t.Skip.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    env.With(func(tx *storage.Tx) error { ... })
//	}
package teststore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// EnvVar names the connection string integration tests read.
const EnvVar = "EPISTEME_TEST_DATABASE_URL"

// Dims is the embedding dimensionality test stores are provisioned with.
// Small on purpose; the fake Embedder below produces vectors of this
// size.
const Dims = 8

// migrateMu serializes the shared-schema migration. CREATE EXTENSION IF
// NOT EXISTS still conflicts with itself when two packages race it on a
// fresh database.
var migrateMu sync.Mutex

// New opens a store against the test database and ensures the shared
// schema exists. The store closes automatically when the test completes.
// Skips when EPISTEME_TEST_DATABASE_URL is unset.
func New(t testing.TB) *storage.Store {
	t.Helper()

	url := os.Getenv(EnvVar)
	if url == "" {
		t.Skipf("%s not set, skipping integration test", EnvVar)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, url, storage.Options{EmbeddingDims: Dims}, nil)
	if err != nil {
		t.Fatalf("teststore: failed to open %s: %v", EnvVar, err)
	}

	migrateMu.Lock()
	err = store.MigrateShared(ctx)
	migrateMu.Unlock()
	if err != nil {
		store.Close()
		t.Fatalf("teststore: shared migration failed: %v", err)
	}

	t.Cleanup(store.Close)
	return store
}

// NewTenant provisions a throwaway tenant on the store and returns its
// id. The schema and every shared-namespace row referencing the tenant
// are dropped when the test completes. Pro tier, so tier caps stay out of
// the way unless a test switches tiers itself.
func NewTenant(t testing.TB, store *storage.Store) string {
	t.Helper()

	tenantID := "test_" + uuid.NewString()
	ctx := context.Background()
	tenant, err := store.CreateTenant(ctx, tenantID, types.TierPro)
	if err != nil {
		t.Fatalf("teststore: failed to provision tenant: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		drop := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", storage.QuoteIdent(tenant.Schema))
		if _, err := store.Pool().Exec(ctx, drop); err != nil {
			t.Logf("teststore: schema drop failed: %v", err)
		}
		for _, table := range []string{
			"shared.enrichment_jobs", "shared.pending_vectors",
			"shared.api_keys", "shared.oauth_codes",
			"shared.usage_counters", "shared.usage_daily",
		} {
			stmt := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = $1", table)
			if _, err := store.Pool().Exec(ctx, stmt, tenantID); err != nil {
				t.Logf("teststore: cleanup of %s failed: %v", table, err)
			}
		}
		if _, err := store.Pool().Exec(ctx, "DELETE FROM shared.tenants WHERE id = $1", tenantID); err != nil {
			t.Logf("teststore: tenant row cleanup failed: %v", err)
		}
	})
	return tenantID
}

// queueLockKey is an arbitrary advisory-lock key claimed by tests that
// drain the shared job queues.
const queueLockKey = 828212

// LockQueues serializes tests that claim rows from the shared job
// queues. Claims are tenant-blind, so two test binaries draining at once
// would steal each other's rows. The lock is session-scoped and held on
// a dedicated connection until the test completes.
func LockQueues(t testing.TB, store *storage.Store) {
	t.Helper()
	ctx := context.Background()
	conn, err := store.Pool().Acquire(ctx)
	if err != nil {
		t.Fatalf("teststore: acquire connection for queue lock: %v", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", queueLockKey); err != nil {
		conn.Release()
		t.Fatalf("teststore: take queue lock: %v", err)
	}
	t.Cleanup(func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", queueLockKey); err != nil {
			t.Logf("teststore: release queue lock: %v", err)
		}
		conn.Release()
	})
}

// Env bundles a store and one provisioned tenant.
type Env struct {
	t        testing.TB
	Store    *storage.Store
	Ctx      context.Context
	TenantID string
}

// NewEnv creates a store plus a throwaway tenant. Both are cleaned up
// when the test completes.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	store := New(t)
	return &Env{
		t:        t,
		Store:    store,
		Ctx:      context.Background(),
		TenantID: NewTenant(t, store),
	}
}

// With runs fn in a read-write transaction on the env's tenant and fails
// the test on error.
func (e *Env) With(fn func(tx *storage.Tx) error) {
	e.t.Helper()
	if err := e.Store.WithTenant(e.Ctx, e.TenantID, fn); err != nil {
		e.t.Fatalf("tenant transaction failed: %v", err)
	}
}

// WithErr runs fn in a read-write transaction and returns the error for
// tests that expect one.
func (e *Env) WithErr(fn func(tx *storage.Tx) error) error {
	e.t.Helper()
	return e.Store.WithTenant(e.Ctx, e.TenantID, fn)
}

// Embedder is a deterministic in-process embedding provider. The same
// text always embeds to the same unit vector, different texts almost
// always differ, and no network is involved. Err forces every call to
// fail, for exercising the deferred-vector path.
type Embedder struct {
	Err   error
	mu    sync.Mutex
	Calls int
}

// Embed hashes the text into a unit vector of Dims components.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.Calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	vec := make([]float32, Dims)
	var norm float64
	for i := range vec {
		// xorshift64 walk from the hash seed.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state%2001)-1000) / 1000
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Dimensions reports the fixed test dimensionality.
func (e *Embedder) Dimensions() int {
	return Dims
}
