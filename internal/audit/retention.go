package audit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// TierLimitsSource supplies the effective limits for a tier, including
// the audit retention window.
type TierLimitsSource interface {
	LimitsFor(ctx context.Context, tier types.Tier) types.TierLimits
}

// RetentionSweeper deletes audit rows older than each tenant's
// tier-derived retention window. One instance per process.
type RetentionSweeper struct {
	store  *storage.Store
	logger *Logger
	limits TierLimitsSource
	log    *zap.Logger

	interval     time.Duration
	running      atomic.Bool
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// NewRetentionSweeper builds the sweeper. It does not start it.
func NewRetentionSweeper(store *storage.Store, logger *Logger, limits TierLimitsSource, interval time.Duration, log *zap.Logger) *RetentionSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionSweeper{
		store:        store,
		logger:       logger,
		limits:       limits,
		log:          log.Named("audit-retention"),
		interval:     interval,
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *RetentionSweeper) Start() {
	go func() {
		defer close(r.doneChan)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.shutdownChan:
				return
			case <-ticker.C:
				r.SweepOnce(context.Background())
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (r *RetentionSweeper) Stop() {
	close(r.shutdownChan)
	<-r.doneChan
}

// SweepOnce runs a single retention pass over every tenant. Returns the
// total rows purged; 0 with no error when a sweep is already running.
func (r *RetentionSweeper) SweepOnce(ctx context.Context) int64 {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("retention sweep still running, skipping tick")
		return 0
	}
	defer r.running.Store(false)

	tenants, err := r.store.ListTenantIDs(ctx)
	if err != nil {
		r.log.Warn("retention sweep could not list tenants", zap.Error(err))
		return 0
	}

	var total int64
	for _, tenantID := range tenants {
		select {
		case <-r.shutdownChan:
			return total
		default:
		}
		tenant, err := r.store.GetTenant(ctx, tenantID)
		if err != nil {
			r.log.Warn("retention sweep could not load tenant", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		days := r.limits.LimitsFor(ctx, tenant.Tier).RetentionDays
		if days < 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		var purged int64
		err = r.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
			var err error
			purged, err = r.logger.PurgeOlderThan(ctx, tx, cutoff)
			return err
		})
		if err != nil {
			r.log.Warn("retention sweep failed for tenant", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		total += purged
	}
	if total > 0 {
		r.log.Info("audit retention sweep complete", zap.Int64("purged", total), zap.Int("tenants", len(tenants)))
	}
	return total
}
