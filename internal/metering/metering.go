// Package metering counts what a tenant holds and enforces tier caps.
// Enforcement counts live rows under an advisory lock so concurrent
// creates cannot both squeeze under the cap; the buffered usage counters
// feed dashboards and are never authoritative.
package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// limitsCacheTTL bounds how stale a system_config tier override can be.
const limitsCacheTTL = time.Minute

// Meter resolves tier limits and enforces them.
type Meter struct {
	store     *storage.Store
	log       *zap.Logger
	overrides *Overrides

	limitsMu    sync.Mutex
	limitsCache map[types.Tier]cachedLimits

	usageMu sync.Mutex
	usage   map[usageKey]int64

	flushInterval time.Duration
	shutdownChan  chan struct{}
	doneChan      chan struct{}
	started       bool
}

type cachedLimits struct {
	limits    types.TierLimits
	fetchedAt time.Time
}

// New builds a Meter. flushInterval governs the usage-counter flusher;
// zero selects the 10s default.
func New(store *storage.Store, flushInterval time.Duration, log *zap.Logger) *Meter {
	if log == nil {
		log = zap.NewNop()
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Meter{
		store:         store,
		log:           log.Named("metering"),
		limitsCache:   make(map[types.Tier]cachedLimits),
		usage:         make(map[usageKey]int64),
		flushInterval: flushInterval,
		shutdownChan:  make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// UseOverrides attaches a hot-reloaded override file. Its patches apply
// on top of whatever LimitsFor resolves.
func (m *Meter) UseOverrides(o *Overrides) {
	m.overrides = o
}

// LimitsFor returns the effective limits for a tier: the system_config
// override `tier_limits_<tier>` when present, the built-in defaults
// otherwise, with the operator override file patched on top. Lookups are
// cached briefly; a config read failure falls back to the defaults rather
// than blocking the caller.
func (m *Meter) LimitsFor(ctx context.Context, tier types.Tier) types.TierLimits {
	m.limitsMu.Lock()
	if cached, ok := m.limitsCache[tier]; ok && time.Since(cached.fetchedAt) < limitsCacheTTL {
		m.limitsMu.Unlock()
		return m.patched(tier, cached.limits)
	}
	m.limitsMu.Unlock()

	limits := types.DefaultLimits(tier)
	var raw []byte
	err := m.store.Pool().QueryRow(ctx,
		`SELECT value FROM shared.system_config WHERE key = $1`,
		fmt.Sprintf("tier_limits_%s", tier)).Scan(&raw)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, &limits); jsonErr != nil {
			m.log.Warn("malformed tier limits override, using defaults",
				zap.String("tier", string(tier)), zap.Error(jsonErr))
			limits = types.DefaultLimits(tier)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// No override configured.
	default:
		m.log.Warn("tier limits lookup failed, using defaults",
			zap.String("tier", string(tier)), zap.Error(err))
	}

	m.limitsMu.Lock()
	m.limitsCache[tier] = cachedLimits{limits: limits, fetchedAt: time.Now()}
	m.limitsMu.Unlock()
	return m.patched(tier, limits)
}

// patched applies the override file outside the cache, so a file edit
// takes effect on the next call rather than the next cache expiry.
func (m *Meter) patched(tier types.Tier, limits types.TierLimits) types.TierLimits {
	if m.overrides == nil {
		return limits
	}
	return m.overrides.Apply(tier, limits)
}

// Count returns the live count of a metered resource for the tenant the
// transaction is scoped to.
func (m *Meter) Count(ctx context.Context, tx *storage.Tx, resource string) (int, error) {
	var query string
	switch resource {
	case types.ResourceTables:
		query = `SELECT count(*) FROM _table_registry`
	case types.ResourceAgents:
		query = `SELECT count(DISTINCT agent_id) FROM consent_rules WHERE revoked_at IS NULL`
	case types.ResourceGraphEntities:
		query = `SELECT count(*) FROM entities WHERE _deleted_at IS NULL`
	default:
		return 0, types.NewError(types.KindValidation, "unknown metered resource %q", resource)
	}
	var n int
	if err := tx.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", resource, err)
	}
	return n, nil
}

// EnforceLimit takes the tenant+resource advisory lock, recounts, and
// fails with TierLimitError when the tenant is at cap. The lock is
// transactional: it holds until the caller's transaction ends, so the
// create the caller performs next is covered by the same recount.
func (m *Meter) EnforceLimit(ctx context.Context, tx *storage.Tx, tier types.Tier, resource string) error {
	limit := m.LimitsFor(ctx, tier).Limit(resource)
	if limit < 0 {
		return nil
	}
	key := storage.AdvisoryKey(tx.TenantID, resource)
	if err := storage.AdvisoryXactLock(ctx, tx, key); err != nil {
		return fmt.Errorf("failed to take tier lock for %s: %w", resource, err)
	}
	current, err := m.Count(ctx, tx, resource)
	if err != nil {
		return err
	}
	if current >= limit {
		return &types.TierLimitError{Resource: resource, Current: current, Limit: limit}
	}
	return nil
}

// WithTierLimitLock opens a tenant transaction, enforces the cap under
// the advisory lock, and runs fn inside the same transaction. Rollback
// releases the lock, so a failed create never burns quota.
func (m *Meter) WithTierLimitLock(ctx context.Context, tenantID string, tier types.Tier, resource string, fn func(tx *storage.Tx) error) error {
	return m.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
		if err := m.EnforceLimit(ctx, tx, tier, resource); err != nil {
			return err
		}
		return fn(tx)
	})
}

// SoftCheck reports whether the tenant is under the cap without taking
// the lock. Background tasks use it to skip work early; it is advisory
// only and can race with concurrent creates.
func (m *Meter) SoftCheck(ctx context.Context, tx *storage.Tx, tier types.Tier, resource string) (ok bool, current, limit int, err error) {
	limit = m.LimitsFor(ctx, tier).Limit(resource)
	if limit < 0 {
		return true, 0, limit, nil
	}
	current, err = m.Count(ctx, tx, resource)
	if err != nil {
		return false, 0, limit, err
	}
	return current < limit, current, limit, nil
}
