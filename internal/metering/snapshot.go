package metering

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
)

// Snapshotter writes one shared.usage_daily row per tenant per day:
// table, entity, edge, and vector counts plus the current profile
// version. Dashboards read these instead of counting tenant schemas.
type Snapshotter struct {
	store *storage.Store
	log   *zap.Logger

	interval     time.Duration
	running      atomic.Bool
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// NewSnapshotter builds the snapshotter. It does not start it.
func NewSnapshotter(store *storage.Store, interval time.Duration, log *zap.Logger) *Snapshotter {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Snapshotter{
		store:        store,
		log:          log.Named("usage-snapshot"),
		interval:     interval,
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the snapshot loop.
func (s *Snapshotter) Start() {
	go func() {
		defer close(s.doneChan)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.shutdownChan:
				return
			case <-ticker.C:
				s.SnapshotOnce(context.Background())
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (s *Snapshotter) Stop() {
	close(s.shutdownChan)
	<-s.doneChan
}

// SnapshotOnce captures today's counts for every tenant. Returns how many
// tenants were snapshotted; 0 with no error when a pass is already
// running.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("usage snapshot still running, skipping tick")
		return 0
	}
	defer s.running.Store(false)

	tenants, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.log.Warn("usage snapshot could not list tenants", zap.Error(err))
		return 0
	}

	done := 0
	for _, tenantID := range tenants {
		select {
		case <-s.shutdownChan:
			return done
		default:
		}
		if err := s.snapshotTenant(ctx, tenantID); err != nil {
			s.log.Warn("usage snapshot failed for tenant", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		done++
	}
	if done > 0 {
		s.log.Debug("usage snapshot complete", zap.Int("tenants", done))
	}
	return done
}

func (s *Snapshotter) snapshotTenant(ctx context.Context, tenantID string) error {
	return s.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
		var tables, entities, edges, vectors int
		var profileVersion int64
		err := tx.QueryRow(ctx, `
			SELECT
			    (SELECT count(*) FROM _table_registry),
			    (SELECT count(*) FROM entities WHERE _deleted_at IS NULL),
			    (SELECT count(*) FROM edges WHERE _deleted_at IS NULL),
			    (SELECT count(*) FROM vectors WHERE _deleted_at IS NULL),
			    (SELECT COALESCE(max(version), 0) FROM profile_versions)`).
			Scan(&tables, &entities, &edges, &vectors, &profileVersion)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO shared.usage_daily (tenant_id, day, tables, graph_entities, graph_edges, vectors, profile_version)
			VALUES ($1, CURRENT_DATE, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, day) DO UPDATE SET
			    tables = EXCLUDED.tables,
			    graph_entities = EXCLUDED.graph_entities,
			    graph_edges = EXCLUDED.graph_edges,
			    vectors = EXCLUDED.vectors,
			    profile_version = EXCLUDED.profile_version`,
			tenantID, tables, entities, edges, vectors, profileVersion)
		return err
	})
}
