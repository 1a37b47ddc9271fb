package quality

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
)

// DecaySweeper periodically ages stale memories across all tenants. One
// instance runs per process; an in-process guard keeps a slow sweep from
// overlapping the next tick.
type DecaySweeper struct {
	store     *storage.Store
	engine    *Engine
	log       *zap.Logger
	interval  time.Duration
	staleDays int
	delta     float64

	running      atomic.Bool
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// NewDecaySweeper builds the sweeper. It does not start it.
func NewDecaySweeper(store *storage.Store, engine *Engine, interval time.Duration, staleDays int, delta float64, log *zap.Logger) *DecaySweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &DecaySweeper{
		store:        store,
		engine:       engine,
		log:          log.Named("decay"),
		interval:     interval,
		staleDays:    staleDays,
		delta:        delta,
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (d *DecaySweeper) Start() {
	go func() {
		defer close(d.doneChan)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.shutdownChan:
				return
			case <-ticker.C:
				d.SweepOnce(context.Background())
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (d *DecaySweeper) Stop() {
	close(d.shutdownChan)
	<-d.doneChan
}

// SweepOnce runs a single decay pass over every tenant. Returns the total
// number of rows decayed; 0 with no error when a sweep is already running.
func (d *DecaySweeper) SweepOnce(ctx context.Context) int {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Debug("decay sweep still running, skipping tick")
		return 0
	}
	defer d.running.Store(false)

	tenants, err := d.store.ListTenantIDs(ctx)
	if err != nil {
		d.log.Warn("decay sweep could not list tenants", zap.Error(err))
		return 0
	}

	total := 0
	for _, tenantID := range tenants {
		select {
		case <-d.shutdownChan:
			return total
		default:
		}
		var n int
		err := d.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
			var err error
			n, err = d.engine.DecayTenant(ctx, tx, d.staleDays, d.delta)
			return err
		})
		if err != nil {
			d.log.Warn("decay sweep failed for tenant", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		d.log.Info("decay sweep complete", zap.Int("decayed", total), zap.Int("tenants", len(tenants)))
	}
	return total
}
