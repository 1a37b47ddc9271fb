package metering

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// usageKey identifies one dashboard counter bucket.
type usageKey struct {
	tenantID string
	resource string
	day      string
	agentID  string
}

// RecordUsage bumps an in-memory counter. No I/O, no error: usage
// counters are analytics, and losing one under crash is acceptable.
func (m *Meter) RecordUsage(tenantID, resource, agentID string) {
	key := usageKey{
		tenantID: tenantID,
		resource: resource,
		day:      time.Now().UTC().Format("2006-01-02"),
		agentID:  agentID,
	}
	m.usageMu.Lock()
	m.usage[key]++
	m.usageMu.Unlock()
}

// StartFlusher launches the background flush loop.
func (m *Meter) StartFlusher() {
	m.started = true
	go func() {
		defer close(m.doneChan)
		ticker := time.NewTicker(m.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.shutdownChan:
				// Final drain so counts recorded since the last tick
				// survive shutdown.
				m.FlushOnce(context.Background())
				return
			case <-ticker.C:
				m.FlushOnce(context.Background())
			}
		}
	}()
}

// StopFlusher stops the loop and waits for the final drain.
func (m *Meter) StopFlusher() {
	if !m.started {
		return
	}
	close(m.shutdownChan)
	<-m.doneChan
}

// FlushOnce drains the buffer into shared.usage_counters with
// upsert-and-add. On failure the drained counts merge back into the
// buffer for the next attempt.
func (m *Meter) FlushOnce(ctx context.Context) int {
	m.usageMu.Lock()
	if len(m.usage) == 0 {
		m.usageMu.Unlock()
		return 0
	}
	batch := m.usage
	m.usage = make(map[usageKey]int64)
	m.usageMu.Unlock()

	flushed := 0
	for key, count := range batch {
		_, err := m.store.Pool().Exec(ctx, `
			INSERT INTO shared.usage_counters (tenant_id, resource, day, agent_id, count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, resource, day, agent_id)
			DO UPDATE SET count = usage_counters.count + EXCLUDED.count`,
			key.tenantID, key.resource, key.day, key.agentID, count)
		if err != nil {
			m.log.Warn("usage flush failed, re-buffering",
				zap.String("tenant_id", key.tenantID),
				zap.String("resource", key.resource),
				zap.Error(err))
			m.usageMu.Lock()
			m.usage[key] += count
			m.usageMu.Unlock()
			continue
		}
		flushed++
	}
	return flushed
}
