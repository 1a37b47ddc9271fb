// Package audit appends pipeline events to the per-tenant audit log.
// Every write-id leaves a trail of stage events; the log is append-only
// and an audit failure never fails the operation that emitted it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Logger writes audit events.
type Logger struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("audit")}
}

// Record appends an event to the tenant audit log. Failures are logged
// and swallowed: the primary operation has already succeeded or failed on
// its own merits and an unwritable audit row must not change that.
func (l *Logger) Record(ctx context.Context, tx *storage.Tx, ev *types.AuditEvent) {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		l.log.Warn("audit detail not serializable",
			zap.String("tenant_id", tx.TenantID),
			zap.String("stage", string(ev.Stage)),
			zap.Error(err))
		detailJSON = []byte("{}")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (write_id, agent_id, stage, resource, latency_ms, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.WriteID, ev.AgentID, string(ev.Stage), ev.Resource, ev.LatencyMS, detailJSON)
	if err != nil {
		l.log.Warn("audit write failed",
			zap.String("tenant_id", tx.TenantID),
			zap.String("write_id", ev.WriteID),
			zap.String("stage", string(ev.Stage)),
			zap.Error(err))
	}
}

// Stage is the common-case Record: a stage event for a write with its
// latency measured from start.
func (l *Logger) Stage(ctx context.Context, tx *storage.Tx, writeID, agentID string, stage types.AuditStage, resource string, start time.Time) {
	l.Record(ctx, tx, &types.AuditEvent{
		WriteID:   writeID,
		AgentID:   agentID,
		Stage:     stage,
		Resource:  resource,
		LatencyMS: time.Since(start).Milliseconds(),
	})
}

const eventColumns = `id, write_id, agent_id, stage, resource, latency_ms, detail, created_at`

// ListByWrite returns every event for one write, oldest first: the
// write's timeline.
func (l *Logger) ListByWrite(ctx context.Context, tx *storage.Tx, writeID string) ([]*types.AuditEvent, error) {
	return l.list(ctx, tx, `
		SELECT `+eventColumns+` FROM audit_log
		WHERE write_id = $1 ORDER BY id`, writeID)
}

// ListRecent returns the newest events, capped at limit.
func (l *Logger) ListRecent(ctx context.Context, tx *storage.Tx, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.list(ctx, tx, `
		SELECT `+eventColumns+` FROM audit_log
		ORDER BY id DESC LIMIT $1`, limit)
}

func (l *Logger) list(ctx context.Context, tx *storage.Tx, query string, args ...any) ([]*types.AuditEvent, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	var events []*types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		var stage string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.WriteID, &ev.AgentID, &stage,
			&ev.Resource, &ev.LatencyMS, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Stage = types.AuditStage(stage)
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return nil, fmt.Errorf("corrupt audit detail on event %d: %w", ev.ID, err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PurgeOlderThan deletes events created before cutoff and reports how
// many went. The retention sweeper calls this with the tenant's
// tier-derived window.
func (l *Logger) PurgeOlderThan(ctx context.Context, tx *storage.Tx, cutoff time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}
