// Package worker drains the background queues. Deferred vector writes go
// first on every tick: they are user data parked during a provider outage,
// while enrichment jobs are derived work that can always wait another
// poll. One worker pool serves every tenant.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/extract"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
	"github.com/episteme-ai/episteme/internal/vectors"
)

// Defaults for unset enrichment config.
const (
	defaultWorkers = 4
	defaultBatch   = 20
	defaultPoll    = 5 * time.Second
)

// Config wires a Worker.
type Config struct {
	Store   *storage.Store
	Queue   *queue.Queue
	Vectors *vectors.Store
	Extract *extract.Engine
	Audit   *audit.Logger
	// Method selects the extraction strategy for queued jobs; empty means
	// model-first with rule fallback.
	Method     extract.Method
	Enrichment config.EnrichmentConfig
}

// Worker polls both queues and processes claimed rows.
type Worker struct {
	store   *storage.Store
	queue   *queue.Queue
	vectors *vectors.Store
	extract *extract.Engine
	audit   *audit.Logger
	log     *zap.Logger

	workers int
	batch   int
	poll    time.Duration
	method  extract.Method

	started      bool
	draining     atomic.Bool
	shutdownChan chan struct{}
	doneChan     chan struct{}
}

// New builds a worker. It does not start it.
func New(cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	workerMetricsOnce.Do(initWorkerMetrics)
	workers := cfg.Enrichment.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	batch := cfg.Enrichment.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	poll := cfg.Enrichment.Poll
	if poll <= 0 && cfg.Enrichment.PollMS > 0 {
		poll = time.Duration(cfg.Enrichment.PollMS) * time.Millisecond
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{
		store:        cfg.Store,
		queue:        cfg.Queue,
		vectors:      cfg.Vectors,
		extract:      cfg.Extract,
		audit:        cfg.Audit,
		log:          log.Named("worker"),
		workers:      workers,
		batch:        batch,
		poll:         poll,
		method:       cfg.Method,
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start probes for the queue tables and launches the poll loop. A store
// migrated without them is legal; the worker then stays off and the write
// path runs in degraded mode.
func (w *Worker) Start(ctx context.Context) error {
	ok, err := w.store.QueueTablesExist(ctx)
	if err != nil {
		return err
	}
	if !ok {
		w.log.Warn("queue tables missing, background worker disabled")
		return nil
	}
	w.started = true
	go w.run()
	return nil
}

func (w *Worker) run() {
	defer close(w.doneChan)
	w.log.Info("background worker started",
		zap.Int("workers", w.workers),
		zap.Int("batch", w.batch),
		zap.Duration("poll", w.poll))
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.shutdownChan:
			return
		case <-ticker.C:
			w.DrainOnce(context.Background())
		}
	}
}

// Stop signals the loop and waits for the in-flight drain to finish.
func (w *Worker) Stop() {
	if !w.started {
		return
	}
	close(w.shutdownChan)
	<-w.doneChan
}

// DrainOnce claims and processes one batch from each queue. Returns
// without doing anything when the previous drain is still running.
func (w *Worker) DrainOnce(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		w.log.Debug("previous drain still running, skipping tick")
		return
	}
	defer w.draining.Store(false)
	w.drainPendingVectors(ctx)
	w.drainEnrichment(ctx)
}

func (w *Worker) drainPendingVectors(ctx context.Context) {
	pvs, err := w.queue.ClaimPendingVectors(ctx, w.batch)
	if err != nil {
		w.log.Warn("claim pending vectors failed", zap.Error(err))
		return
	}
	for _, pv := range pvs {
		select {
		case <-w.shutdownChan:
			// Unfinished claims go back to retry on their own schedule.
			return
		default:
		}
		w.processPendingVector(ctx, pv)
	}
}

// processPendingVector retries the embed-and-store that failed at write
// time. Once the memory lands it gets the enrichment pass the original
// write skipped.
func (w *Worker) processPendingVector(ctx context.Context, pv *types.PendingVector) {
	start := time.Now()
	origin := pv.Origin
	if !origin.IsValid() {
		origin = types.OriginUserStated
	}
	var rec *vectors.Record
	err := w.store.WithTenant(ctx, pv.TenantID, func(tx *storage.Tx) error {
		var err error
		rec, err = w.vectors.Insert(ctx, tx, vectors.InsertInput{
			Collection: pv.Collection,
			Content:    pv.Content,
			Metadata:   pv.Metadata,
			AgentID:    pv.AgentID,
			Origin:     origin,
		})
		if err != nil {
			return err
		}
		w.audit.Stage(ctx, tx, pv.WriteID, pv.AgentID, types.StageVectorWritten,
			fmt.Sprintf("vector:%s:%s", rec.Collection, rec.ID), start)
		return nil
	})
	if err != nil {
		w.log.Warn("pending vector still failing",
			zap.Int64("row", pv.ID),
			zap.String("tenant", pv.TenantID),
			zap.Int("attempt", pv.AttemptCount),
			zap.Error(err))
		if retryable(err) {
			countJob(ctx, "pending_vectors", "retry")
			if rerr := w.queue.RetryPendingVector(ctx, pv, err); rerr != nil {
				w.log.Warn("reschedule pending vector failed", zap.Int64("row", pv.ID), zap.Error(rerr))
			}
		} else {
			countJob(ctx, "pending_vectors", "failed")
			if ferr := w.queue.FailPendingVector(ctx, pv.ID, err); ferr != nil {
				w.log.Warn("fail pending vector failed", zap.Int64("row", pv.ID), zap.Error(ferr))
			}
		}
		return
	}
	countJob(ctx, "pending_vectors", "done")
	if err := w.queue.CompletePendingVector(ctx, pv.ID); err != nil {
		w.log.Warn("complete pending vector failed", zap.Int64("row", pv.ID), zap.Error(err))
	}
	w.log.Info("deferred vector landed",
		zap.String("tenant", pv.TenantID),
		zap.String("collection", rec.Collection),
		zap.String("id", rec.ID))
	if rec.Duplicate {
		return
	}
	_, err = w.queue.EnqueueEnrichment(ctx, nil, queue.EnrichmentInput{
		TenantID:   pv.TenantID,
		SourceType: types.SourceVector,
		SourceRef:  fmt.Sprintf("vector:%s:%s", rec.Collection, rec.ID),
		WriteID:    pv.WriteID,
		AgentID:    pv.AgentID,
		Origin:     origin,
		Payload: map[string]any{
			"collection": rec.Collection,
			"doc_id":     rec.ID,
			"content":    rec.Content,
		},
	})
	if err != nil {
		w.log.Warn("follow-up enrichment enqueue failed", zap.Int64("row", pv.ID), zap.Error(err))
	}
}

func (w *Worker) drainEnrichment(ctx context.Context) {
	jobs, err := w.queue.ClaimEnrichment(ctx, w.batch)
	if err != nil {
		w.log.Warn("claim enrichment jobs failed", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(w.workers)
	for _, job := range jobs {
		g.Go(func() error {
			w.processEnrichment(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) processEnrichment(ctx context.Context, job *types.EnrichmentJob) {
	start := time.Now()
	in, err := w.extractInput(ctx, job)
	if err != nil {
		w.finish(ctx, job, nil, err, start)
		return
	}
	sum, err := w.extract.Run(ctx, in)
	w.finish(ctx, job, sum, err, start)
}

func (w *Worker) extractInput(ctx context.Context, job *types.EnrichmentJob) (extract.Input, error) {
	in := extract.Input{
		TenantID:   job.TenantID,
		Method:     w.method,
		SourceType: job.SourceType,
		SourceRef:  job.SourceRef,
		WriteID:    job.WriteID,
		AgentID:    job.AgentID,
		Origin:     job.Origin,
	}
	if err := decodePayload(&in, job); err != nil {
		return in, err
	}
	if tenant, err := w.store.GetTenant(ctx, job.TenantID); err == nil {
		in.Tier = tenant.Tier
	} else {
		// Extraction still runs; only the tier cap is skipped.
		w.log.Warn("tenant lookup failed, extracting uncapped",
			zap.String("tenant", job.TenantID), zap.Error(err))
	}
	return in, nil
}

// decodePayload maps a queue row's payload onto the extraction input.
// The layout is owned by the enqueuing side; a payload this cannot
// decode is a permanent failure, not a retry.
func decodePayload(in *extract.Input, job *types.EnrichmentJob) error {
	switch job.SourceType {
	case types.SourceTable:
		table, _ := job.Payload["table"].(string)
		data, _ := job.Payload["data"].(map[string]any)
		if table == "" || data == nil {
			return types.NewError(types.KindValidation, "job %d has no table payload", job.ID)
		}
		in.Table = table
		in.Payload = data
	case types.SourceProfile:
		patch, _ := job.Payload["patch"].(map[string]any)
		if patch == nil {
			return types.NewError(types.KindValidation, "job %d has no patch payload", job.ID)
		}
		in.Payload = patch
	case types.SourceVector:
		content, _ := job.Payload["content"].(string)
		if content == "" {
			return types.NewError(types.KindValidation, "job %d has no content payload", job.ID)
		}
		in.Content = content
	default:
		return types.NewError(types.KindValidation, "job %d has source type %q", job.ID, job.SourceType)
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, job *types.EnrichmentJob, sum *extract.Summary, cause error, start time.Time) {
	if cause == nil {
		countJob(ctx, "enrichment", "done")
		w.auditStage(ctx, job, types.StageEnrichmentDone, sum, start)
		if err := w.queue.CompleteEnrichment(ctx, job.ID); err != nil {
			w.log.Warn("complete enrichment failed", zap.Int64("job", job.ID), zap.Error(err))
		}
		if sum != nil && (sum.Created > 0 || sum.Edges > 0) {
			w.log.Info("enrichment done",
				zap.Int64("job", job.ID),
				zap.String("tenant", job.TenantID),
				zap.String("method", string(sum.Method)),
				zap.Int("created", sum.Created),
				zap.Int("reinforced", sum.Reinforced),
				zap.Int("edges", sum.Edges))
		}
		return
	}

	w.log.Warn("enrichment job failed",
		zap.Int64("job", job.ID),
		zap.String("tenant", job.TenantID),
		zap.Int("attempt", job.AttemptCount),
		zap.Error(cause))
	terminal := !retryable(cause) || job.AttemptCount >= types.MaxJobAttempts
	if terminal {
		countJob(ctx, "enrichment", "failed")
		w.auditStage(ctx, job, types.StageEnrichmentFailed, nil, start)
	} else {
		countJob(ctx, "enrichment", "retry")
	}
	if retryable(cause) {
		if err := w.queue.RetryEnrichment(ctx, job, cause); err != nil {
			w.log.Warn("reschedule enrichment failed", zap.Int64("job", job.ID), zap.Error(err))
		}
		return
	}
	if err := w.queue.FailEnrichment(ctx, job.ID, cause); err != nil {
		w.log.Warn("fail enrichment failed", zap.Int64("job", job.ID), zap.Error(err))
	}
}

func (w *Worker) auditStage(ctx context.Context, job *types.EnrichmentJob, stage types.AuditStage, sum *extract.Summary, start time.Time) {
	err := w.store.WithTenant(ctx, job.TenantID, func(tx *storage.Tx) error {
		ev := &types.AuditEvent{
			WriteID:   job.WriteID,
			AgentID:   job.AgentID,
			Stage:     stage,
			Resource:  job.SourceRef,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if sum != nil {
			ev.Detail = map[string]any{
				"method":     string(sum.Method),
				"candidates": sum.Candidates,
				"created":    sum.Created,
				"reinforced": sum.Reinforced,
				"edges":      sum.Edges,
			}
			if sum.Skipped != "" {
				ev.Detail["skipped"] = sum.Skipped
			}
		}
		w.audit.Record(ctx, tx, ev)
		return nil
	})
	if err != nil {
		w.log.Warn("audit stage failed", zap.Int64("job", job.ID), zap.Error(err))
	}
}

// retryable reports whether another attempt could succeed. Validation,
// sandbox, identity, and integrity failures are deterministic; retrying
// replays the same rejection until the attempt cap fails the job anyway.
func retryable(err error) bool {
	switch types.KindOf(err) {
	case types.KindValidation, types.KindSandbox, types.KindIdentity, types.KindIntegrity:
		return false
	}
	return true
}
