// Package queue is the durable hand-off between the synchronous write path
// and the background worker. Both queues live in the shared schema so one
// worker pool drains every tenant; rows are claimed with SKIP LOCKED so
// concurrent workers never double-process.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// maxErrorLen bounds last_error so a pathological message cannot bloat the
// queue row.
const maxErrorLen = 2000

// execer is satisfied by both *storage.Tx and the bare pool; queue tables
// are schema-qualified so either connection works.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue reads and writes the shared job tables.
type Queue struct {
	store *storage.Store
	log   *zap.Logger
}

// New builds a Queue over the store's pool.
func New(store *storage.Store, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, log: log.Named("queue")}
}

// EnrichmentInput describes a write awaiting extraction.
type EnrichmentInput struct {
	TenantID   string
	SourceType types.SourceType
	SourceRef  string
	WriteID    string
	AgentID    string
	Origin     types.Origin
	Payload    map[string]any
}

// EnqueueEnrichment inserts a pending extraction job. When db is a tenant
// transaction the row commits atomically with the write it describes.
func (q *Queue) EnqueueEnrichment(ctx context.Context, db execer, in EnrichmentInput) (int64, error) {
	if db == nil {
		db = q.store.Pool()
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return 0, types.WrapError(types.KindValidation, err, "encode job payload")
	}
	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO shared.enrichment_jobs
		    (tenant_id, source_type, source_ref, write_id, agent_id, origin, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		in.TenantID, string(in.SourceType), in.SourceRef, in.WriteID, in.AgentID, string(in.Origin), payload).Scan(&id)
	if err != nil {
		return 0, types.WrapError(types.KindTransient, err, "enqueue enrichment job")
	}
	return id, nil
}

// PendingVectorInput parks text whose embedding call failed.
type PendingVectorInput struct {
	TenantID   string
	Collection string
	DocID      string
	Content    string
	Metadata   map[string]any
	WriteID    string
	AgentID    string
	Origin     types.Origin
}

// EnqueuePendingVector inserts a deferred vector write.
func (q *Queue) EnqueuePendingVector(ctx context.Context, db execer, in PendingVectorInput) (int64, error) {
	if db == nil {
		db = q.store.Pool()
	}
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return 0, types.WrapError(types.KindValidation, err, "encode vector metadata")
	}
	if in.Metadata == nil {
		metadata = []byte("{}")
	}
	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO shared.pending_vectors
		    (tenant_id, collection, doc_id, content, metadata, write_id, agent_id, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		in.TenantID, in.Collection, in.DocID, in.Content, metadata, in.WriteID, in.AgentID, string(in.Origin)).Scan(&id)
	if err != nil {
		return 0, types.WrapError(types.KindTransient, err, "enqueue pending vector")
	}
	return id, nil
}

const enrichmentColumns = `id, tenant_id, source_type, source_ref, write_id, agent_id,
	origin, payload, status, attempt_count, next_run_at, last_error, created_at, updated_at`

// ClaimEnrichment atomically claims up to limit runnable jobs, flipping them
// to processing and bumping attempt_count. Rows locked by another worker are
// skipped, not waited on.
func (q *Queue) ClaimEnrichment(ctx context.Context, limit int) ([]*types.EnrichmentJob, error) {
	rows, err := q.store.Pool().Query(ctx, `
		UPDATE shared.enrichment_jobs j
		SET status = $2, attempt_count = j.attempt_count + 1, updated_at = now()
		WHERE j.id IN (
			SELECT id FROM shared.enrichment_jobs
			WHERE status IN ($3, $4) AND next_run_at <= now()
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrichmentColumns,
		limit, string(types.JobProcessing), string(types.JobPending), string(types.JobRetry))
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "claim enrichment jobs")
	}
	defer rows.Close()

	var jobs []*types.EnrichmentJob
	for rows.Next() {
		job, err := scanEnrichment(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanEnrichment(row pgx.Row) (*types.EnrichmentJob, error) {
	var (
		j       types.EnrichmentJob
		payload []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.SourceType, &j.SourceRef, &j.WriteID, &j.AgentID,
		&j.Origin, &payload, &j.Status, &j.AttemptCount, &j.NextRunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "scan enrichment job")
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, types.WrapError(types.KindIntegrity, err, "decode payload of job %d", j.ID)
		}
	}
	return &j, nil
}

// CompleteEnrichment marks a job done.
func (q *Queue) CompleteEnrichment(ctx context.Context, id int64) error {
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.enrichment_jobs
		SET status = $2, last_error = '', updated_at = now()
		WHERE id = $1`, id, string(types.JobDone))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "complete enrichment job %d", id)
	}
	return nil
}

// RetryEnrichment reschedules a failed attempt with exponential backoff, or
// fails the job permanently once attempts are exhausted.
func (q *Queue) RetryEnrichment(ctx context.Context, job *types.EnrichmentJob, cause error) error {
	if job.AttemptCount >= types.MaxJobAttempts {
		q.log.Warn("enrichment job exhausted retries",
			zap.Int64("job", job.ID),
			zap.String("tenant", job.TenantID),
			zap.Int("attempts", job.AttemptCount),
			zap.Error(cause))
		return q.FailEnrichment(ctx, job.ID, cause)
	}
	delay := types.JobBackoff(job.AttemptCount)
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.enrichment_jobs
		SET status = $2, next_run_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1`,
		job.ID, string(types.JobRetry), time.Now().Add(delay), truncateError(cause))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "retry enrichment job %d", job.ID)
	}
	return nil
}

// FailEnrichment marks a job permanently failed, preserving the cause.
func (q *Queue) FailEnrichment(ctx context.Context, id int64, cause error) error {
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.enrichment_jobs
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, string(types.JobFailed), truncateError(cause))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "fail enrichment job %d", id)
	}
	return nil
}

const pendingVectorColumns = `id, tenant_id, collection, doc_id, content, metadata,
	write_id, agent_id, origin, status, attempt_count, next_run_at, last_error, created_at`

// ClaimPendingVectors claims up to limit deferred vector writes.
func (q *Queue) ClaimPendingVectors(ctx context.Context, limit int) ([]*types.PendingVector, error) {
	rows, err := q.store.Pool().Query(ctx, `
		UPDATE shared.pending_vectors v
		SET status = $2, attempt_count = v.attempt_count + 1
		WHERE v.id IN (
			SELECT id FROM shared.pending_vectors
			WHERE status IN ($3, $4) AND next_run_at <= now()
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pendingVectorColumns,
		limit, string(types.JobProcessing), string(types.JobPending), string(types.JobRetry))
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "claim pending vectors")
	}
	defer rows.Close()

	var pvs []*types.PendingVector
	for rows.Next() {
		var (
			pv       types.PendingVector
			metadata []byte
		)
		err := rows.Scan(&pv.ID, &pv.TenantID, &pv.Collection, &pv.DocID, &pv.Content, &metadata,
			&pv.WriteID, &pv.AgentID, &pv.Origin, &pv.Status, &pv.AttemptCount, &pv.NextRunAt, &pv.LastError, &pv.CreatedAt)
		if err != nil {
			return nil, types.WrapError(types.KindTransient, err, "scan pending vector")
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &pv.Metadata); err != nil {
				return nil, types.WrapError(types.KindIntegrity, err, "decode metadata of pending vector %d", pv.ID)
			}
		}
		pvs = append(pvs, &pv)
	}
	return pvs, rows.Err()
}

// CompletePendingVector marks a deferred write done.
func (q *Queue) CompletePendingVector(ctx context.Context, id int64) error {
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.pending_vectors SET status = $2, last_error = '' WHERE id = $1`,
		id, string(types.JobDone))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "complete pending vector %d", id)
	}
	return nil
}

// RetryPendingVector reschedules or permanently fails a deferred write.
func (q *Queue) RetryPendingVector(ctx context.Context, pv *types.PendingVector, cause error) error {
	if pv.AttemptCount >= types.MaxJobAttempts {
		q.log.Warn("pending vector exhausted retries",
			zap.Int64("row", pv.ID),
			zap.String("tenant", pv.TenantID),
			zap.Int("attempts", pv.AttemptCount),
			zap.Error(cause))
		return q.FailPendingVector(ctx, pv.ID, cause)
	}
	delay := types.JobBackoff(pv.AttemptCount)
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.pending_vectors
		SET status = $2, next_run_at = $3, last_error = $4
		WHERE id = $1`,
		pv.ID, string(types.JobRetry), time.Now().Add(delay), truncateError(cause))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "retry pending vector %d", pv.ID)
	}
	return nil
}

// FailPendingVector marks a deferred write permanently failed.
func (q *Queue) FailPendingVector(ctx context.Context, id int64, cause error) error {
	_, err := q.store.Pool().Exec(ctx, `
		UPDATE shared.pending_vectors SET status = $2, last_error = $3 WHERE id = $1`,
		id, string(types.JobFailed), truncateError(cause))
	if err != nil {
		return types.WrapError(types.KindTransient, err, "fail pending vector %d", id)
	}
	return nil
}

// Depth is a point-in-time census of both queues, for diagnostics.
type Depth struct {
	EnrichmentRunnable  int `json:"enrichmentRunnable"`
	EnrichmentFailed    int `json:"enrichmentFailed"`
	PendingVectors      int `json:"pendingVectors"`
	PendingVectorFailed int `json:"pendingVectorFailed"`
}

// QueueDepth counts runnable and dead rows in both queues.
func (q *Queue) QueueDepth(ctx context.Context) (*Depth, error) {
	var d Depth
	err := q.store.Pool().QueryRow(ctx, `
		SELECT
		  (SELECT count(*) FROM shared.enrichment_jobs WHERE status IN ($1, $2)),
		  (SELECT count(*) FROM shared.enrichment_jobs WHERE status = $3),
		  (SELECT count(*) FROM shared.pending_vectors WHERE status IN ($1, $2)),
		  (SELECT count(*) FROM shared.pending_vectors WHERE status = $3)`,
		string(types.JobPending), string(types.JobRetry), string(types.JobFailed)).
		Scan(&d.EnrichmentRunnable, &d.EnrichmentFailed, &d.PendingVectors, &d.PendingVectorFailed)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "measure queue depth")
	}
	return &d, nil
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}
