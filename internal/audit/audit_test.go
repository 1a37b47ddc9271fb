package audit_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

func TestRecordAndListByWrite(t *testing.T) {
	env := teststore.NewEnv(t)
	log := audit.New(zap.NewNop())

	env.With(func(tx *storage.Tx) error {
		start := time.Now()
		log.Record(env.Ctx, tx, &types.AuditEvent{
			WriteID:  "w-1",
			AgentID:  "agent-1",
			Stage:    types.StageProfileWritten,
			Resource: "profile",
			Detail:   map[string]any{"version": float64(3)},
		})
		log.Stage(env.Ctx, tx, "w-1", "agent-1", types.StageEnrichmentQueued, "profile", start)
		log.Stage(env.Ctx, tx, "w-2", "agent-1", types.StageTableWritten, "tables/meals", start)
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		events, err := log.ListByWrite(env.Ctx, tx, "w-1")
		if err != nil {
			return err
		}
		if len(events) != 2 {
			t.Fatalf("events for w-1 = %d, want 2", len(events))
		}
		if events[0].Stage != types.StageProfileWritten || events[1].Stage != types.StageEnrichmentQueued {
			t.Errorf("stage order = %s, %s", events[0].Stage, events[1].Stage)
		}
		if events[0].Detail["version"] != float64(3) {
			t.Errorf("detail = %v, want version 3", events[0].Detail)
		}
		if events[1].LatencyMS < 0 {
			t.Errorf("latency = %d, want non-negative", events[1].LatencyMS)
		}
		return nil
	})
}

func TestRecordSwallowsBadDetail(t *testing.T) {
	env := teststore.NewEnv(t)
	log := audit.New(zap.NewNop())

	// A channel cannot marshal; the event must still land, with empty
	// detail, and Record must not error out of the transaction.
	env.With(func(tx *storage.Tx) error {
		log.Record(env.Ctx, tx, &types.AuditEvent{
			WriteID: "w-bad",
			Stage:   types.StageVectorWritten,
			Detail:  map[string]any{"ch": make(chan int)},
		})
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		events, err := log.ListByWrite(env.Ctx, tx, "w-bad")
		if err != nil {
			return err
		}
		if len(events) != 1 {
			t.Fatalf("events = %d, want 1", len(events))
		}
		if len(events[0].Detail) != 0 {
			t.Errorf("detail = %v, want empty", events[0].Detail)
		}
		return nil
	})
}

func TestListRecentNewestFirst(t *testing.T) {
	env := teststore.NewEnv(t)
	log := audit.New(zap.NewNop())

	env.With(func(tx *storage.Tx) error {
		for i := 0; i < 5; i++ {
			log.Record(env.Ctx, tx, &types.AuditEvent{
				WriteID: "w-seq",
				Stage:   types.StageTableWritten,
				Detail:  map[string]any{"seq": float64(i)},
			})
		}
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		events, err := log.ListRecent(env.Ctx, tx, 3)
		if err != nil {
			return err
		}
		if len(events) != 3 {
			t.Fatalf("events = %d, want 3", len(events))
		}
		for i, want := range []float64{4, 3, 2} {
			if events[i].Detail["seq"] != want {
				t.Errorf("events[%d] seq = %v, want %v", i, events[i].Detail["seq"], want)
			}
		}
		return nil
	})
}

func TestPurgeOlderThan(t *testing.T) {
	env := teststore.NewEnv(t)
	log := audit.New(zap.NewNop())

	env.With(func(tx *storage.Tx) error {
		log.Record(env.Ctx, tx, &types.AuditEvent{WriteID: "w-old", Stage: types.StageTableWritten})
		log.Record(env.Ctx, tx, &types.AuditEvent{WriteID: "w-new", Stage: types.StageTableWritten})
		_, err := tx.Exec(env.Ctx, `
			UPDATE audit_log SET created_at = now() - interval '100 days' WHERE write_id = 'w-old'`)
		return err
	})

	env.With(func(tx *storage.Tx) error {
		purged, err := log.PurgeOlderThan(env.Ctx, tx, time.Now().AddDate(0, 0, -30))
		if err != nil {
			return err
		}
		if purged != 1 {
			t.Errorf("purged = %d, want 1", purged)
		}
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		old, err := log.ListByWrite(env.Ctx, tx, "w-old")
		if err != nil {
			return err
		}
		if len(old) != 0 {
			t.Errorf("old events remain: %d", len(old))
		}
		kept, err := log.ListByWrite(env.Ctx, tx, "w-new")
		if err != nil {
			return err
		}
		if len(kept) != 1 {
			t.Errorf("new events = %d, want 1", len(kept))
		}
		return nil
	})
}
