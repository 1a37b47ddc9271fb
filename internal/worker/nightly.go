package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/extract"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/tables"
	"github.com/episteme-ai/episteme/internal/types"
)

const (
	defaultNightlyBatch    = 100
	defaultNightlyInterval = 24 * time.Hour
	// Window the sweep looks back over. Slightly wider than the interval
	// so rows written while a sweep was skipped are still picked up.
	nightlyWindow = 25 * time.Hour
)

// Nightly re-mines recent table rows in batch. The real-time path sees
// one write at a time; this pass sees a day of rows per table together,
// which is what the goal-pairing and co-mention heuristics need. One
// instance per process.
type Nightly struct {
	store   *storage.Store
	tables  *tables.Store
	extract *extract.Engine
	log     *zap.Logger

	batch        int
	interval     time.Duration
	running      atomic.Bool
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// NewNightly builds the sweeper. It does not start it.
func NewNightly(store *storage.Store, ts *tables.Store, eng *extract.Engine, cfg config.NightlyConfig, interval time.Duration, log *zap.Logger) *Nightly {
	if log == nil {
		log = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultNightlyBatch
	}
	if batch > 1000 {
		batch = 1000
	}
	if interval <= 0 {
		interval = defaultNightlyInterval
	}
	return &Nightly{
		store:        store,
		tables:       ts,
		extract:      eng,
		log:          log.Named("nightly"),
		batch:        batch,
		interval:     interval,
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (n *Nightly) Start() {
	go func() {
		defer close(n.doneChan)
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		for {
			select {
			case <-n.shutdownChan:
				return
			case <-ticker.C:
				n.SweepOnce(context.Background())
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (n *Nightly) Stop() {
	close(n.shutdownChan)
	<-n.doneChan
}

// SweepOnce runs a single extraction pass over every tenant. Returns the
// number of rows mined; 0 with no error when a sweep is already running.
func (n *Nightly) SweepOnce(ctx context.Context) int {
	if !n.running.CompareAndSwap(false, true) {
		n.log.Debug("nightly sweep still running, skipping tick")
		return 0
	}
	defer n.running.Store(false)

	tenants, err := n.store.ListTenantIDs(ctx)
	if err != nil {
		n.log.Warn("nightly sweep could not list tenants", zap.Error(err))
		return 0
	}

	since := time.Now().Add(-nightlyWindow)
	var total int
	for _, tenantID := range tenants {
		select {
		case <-n.shutdownChan:
			return total
		default:
		}
		mined, err := n.sweepTenant(ctx, tenantID, since)
		if err != nil {
			n.log.Warn("nightly sweep failed for tenant", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		total += mined
	}
	if total > 0 {
		n.log.Info("nightly extraction sweep complete", zap.Int("rows", total), zap.Int("tenants", len(tenants)))
	}
	return total
}

func (n *Nightly) sweepTenant(ctx context.Context, tenantID string, since time.Time) (int, error) {
	tenant, err := n.store.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	// Collect first, mine after: extraction opens its own transactions,
	// so rows must not be streamed out of a held one.
	type minedRow struct {
		table string
		row   *tables.Row
	}
	var rows []minedRow
	err = n.store.WithTenantRO(ctx, tenantID, func(tx *storage.Tx) error {
		infos, err := n.tables.List(ctx, tx)
		if err != nil {
			return err
		}
		budget := n.batch
		for _, info := range infos {
			if budget <= 0 {
				break
			}
			recent, err := n.tables.ListRecent(ctx, tx, info.Name, since, budget)
			if err != nil {
				n.log.Warn("nightly sweep could not list rows",
					zap.String("tenant", tenantID),
					zap.String("table", info.Name),
					zap.Error(err))
				continue
			}
			for _, r := range recent {
				rows = append(rows, minedRow{table: info.Name, row: r})
			}
			budget -= len(recent)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	writeID := uuid.NewString()
	mined := 0
	for _, mr := range rows {
		select {
		case <-n.shutdownChan:
			return mined, nil
		default:
		}
		_, err := n.extract.Run(ctx, extract.Input{
			TenantID:   tenantID,
			Method:     extract.MethodBatch,
			SourceType: types.SourceTable,
			SourceRef:  fmt.Sprintf("table:%s:%s", mr.table, mr.row.ID),
			Table:      mr.table,
			Payload:    mr.row.Data,
			WriteID:    writeID,
			Origin:     types.OriginAIPattern,
			Tier:       tenant.Tier,
		})
		if err != nil {
			n.log.Warn("nightly extraction failed for row",
				zap.String("tenant", tenantID),
				zap.String("table", mr.table),
				zap.String("row", mr.row.ID),
				zap.Error(err))
			continue
		}
		mined++
	}
	return mined, nil
}
