package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

func TestTruncateError(t *testing.T) {
	if got := truncateError(nil); got != "" {
		t.Errorf("truncateError(nil) = %q, want empty", got)
	}
	if got := truncateError(errors.New("boom")); got != "boom" {
		t.Errorf("truncateError = %q, want boom", got)
	}
	long := errors.New(strings.Repeat("x", maxErrorLen+500))
	got := truncateError(long)
	if len(got) != maxErrorLen+3 {
		t.Errorf("truncated length = %d, want %d", len(got), maxErrorLen+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated error must end with ellipsis")
	}
}

// claimMine drains runnable jobs and returns only the ones belonging to
// the test tenant. The queue tables are shared; rows enqueued by another
// test can ride along in a claim batch and are put back untouched.
func claimMine(t *testing.T, q *Queue, tenantID string) []*types.EnrichmentJob {
	t.Helper()
	ctx := context.Background()
	jobs, err := q.ClaimEnrichment(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimEnrichment: %v", err)
	}
	var mine []*types.EnrichmentJob
	for _, j := range jobs {
		if j.TenantID == tenantID {
			mine = append(mine, j)
			continue
		}
		_, err := q.store.Pool().Exec(ctx, `
			UPDATE shared.enrichment_jobs
			SET status = $2, attempt_count = attempt_count - 1
			WHERE id = $1`, j.ID, string(types.JobPending))
		if err != nil {
			t.Logf("put back foreign job %d: %v", j.ID, err)
		}
	}
	return mine
}

func TestEnrichmentLifecycle(t *testing.T) {
	env := teststore.NewEnv(t)
	teststore.LockQueues(t, env.Store)
	q := New(env.Store, nil)

	id, err := q.EnqueueEnrichment(env.Ctx, nil, EnrichmentInput{
		TenantID:   env.TenantID,
		SourceType: types.SourceTable,
		SourceRef:  "table:meals:abc",
		WriteID:    "w-1",
		AgentID:    "agent-1",
		Origin:     types.OriginUserStated,
		Payload:    map[string]any{"table": "meals", "data": map[string]any{"food": "ramen"}},
	})
	if err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}
	if id == 0 {
		t.Fatal("enqueue returned zero id")
	}

	mine := claimMine(t, q, env.TenantID)
	if len(mine) != 1 {
		t.Fatalf("claimed %d jobs for tenant, want 1", len(mine))
	}
	job := mine[0]
	if job.ID != id {
		t.Errorf("claimed job %d, want %d", job.ID, id)
	}
	if job.Status != types.JobProcessing {
		t.Errorf("status = %q, want processing", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", job.AttemptCount)
	}
	if job.Origin != types.OriginUserStated {
		t.Errorf("origin = %q, want user_stated", job.Origin)
	}
	if job.Payload["table"] != "meals" {
		t.Errorf("payload table = %v", job.Payload["table"])
	}

	// A processing job is invisible to the next claim.
	if again := claimMine(t, q, env.TenantID); len(again) != 0 {
		t.Fatalf("claimed a processing job again: %+v", again)
	}

	if err := q.CompleteEnrichment(env.Ctx, job.ID); err != nil {
		t.Fatalf("CompleteEnrichment: %v", err)
	}
	if again := claimMine(t, q, env.TenantID); len(again) != 0 {
		t.Fatalf("claimed a done job: %+v", again)
	}
}

func TestEnrichmentRetrySchedule(t *testing.T) {
	env := teststore.NewEnv(t)
	teststore.LockQueues(t, env.Store)
	q := New(env.Store, nil)

	_, err := q.EnqueueEnrichment(env.Ctx, nil, EnrichmentInput{
		TenantID:   env.TenantID,
		SourceType: types.SourceVector,
		SourceRef:  "vector:memories:doc-1",
		Origin:     types.OriginUserTyped,
		Payload:    map[string]any{"content": "note"},
	})
	if err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}
	mine := claimMine(t, q, env.TenantID)
	if len(mine) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(mine))
	}
	job := mine[0]

	if err := q.RetryEnrichment(env.Ctx, job, errors.New("model timeout")); err != nil {
		t.Fatalf("RetryEnrichment: %v", err)
	}

	// The retry is scheduled in the future, so it is not runnable yet.
	if again := claimMine(t, q, env.TenantID); len(again) != 0 {
		t.Fatalf("claimed a backed-off job: %+v", again)
	}

	var status, lastError string
	var nextRunAt time.Time
	err = env.Store.Pool().QueryRow(env.Ctx, `
		SELECT status, last_error, next_run_at FROM shared.enrichment_jobs WHERE id = $1`,
		job.ID).Scan(&status, &lastError, &nextRunAt)
	if err != nil {
		t.Fatalf("read back job: %v", err)
	}
	if status != string(types.JobRetry) {
		t.Errorf("status = %q, want retry", status)
	}
	if lastError != "model timeout" {
		t.Errorf("last_error = %q", lastError)
	}
	if !nextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want in the future", nextRunAt)
	}
}

func TestEnrichmentExhaustedRetriesFail(t *testing.T) {
	env := teststore.NewEnv(t)
	q := New(env.Store, nil)

	id, err := q.EnqueueEnrichment(env.Ctx, nil, EnrichmentInput{
		TenantID:   env.TenantID,
		SourceType: types.SourceVector,
		Origin:     types.OriginUserStated,
		Payload:    map[string]any{"content": "note"},
	})
	if err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}

	job := &types.EnrichmentJob{ID: id, TenantID: env.TenantID, AttemptCount: types.MaxJobAttempts}
	if err := q.RetryEnrichment(env.Ctx, job, errors.New("still broken")); err != nil {
		t.Fatalf("RetryEnrichment at cap: %v", err)
	}

	var status string
	if err := env.Store.Pool().QueryRow(env.Ctx,
		`SELECT status FROM shared.enrichment_jobs WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("read back job: %v", err)
	}
	if status != string(types.JobFailed) {
		t.Errorf("status = %q, want failed after exhausted retries", status)
	}
}

func TestPendingVectorLifecycle(t *testing.T) {
	env := teststore.NewEnv(t)
	teststore.LockQueues(t, env.Store)
	q := New(env.Store, nil)

	id, err := q.EnqueuePendingVector(env.Ctx, nil, PendingVectorInput{
		TenantID:   env.TenantID,
		Collection: "memories",
		DocID:      "doc-1",
		Content:    "visited the dentist",
		Metadata:   map[string]any{"mood": "resigned"},
		WriteID:    "w-2",
		AgentID:    "agent-1",
		Origin:     types.OriginUserTyped,
	})
	if err != nil {
		t.Fatalf("EnqueuePendingVector: %v", err)
	}

	pvs, err := q.ClaimPendingVectors(env.Ctx, 100)
	if err != nil {
		t.Fatalf("ClaimPendingVectors: %v", err)
	}
	var mine *types.PendingVector
	for _, pv := range pvs {
		if pv.TenantID == env.TenantID {
			mine = pv
			continue
		}
		if _, err := q.store.Pool().Exec(env.Ctx, `
			UPDATE shared.pending_vectors
			SET status = $2, attempt_count = attempt_count - 1
			WHERE id = $1`, pv.ID, string(types.JobPending)); err != nil {
			t.Logf("put back foreign pending vector %d: %v", pv.ID, err)
		}
	}
	if mine == nil {
		t.Fatalf("claim did not return the tenant's pending vector (got %d rows)", len(pvs))
	}
	if mine.ID != id || mine.Content != "visited the dentist" {
		t.Errorf("claimed %+v", mine)
	}
	if mine.Origin != types.OriginUserTyped {
		t.Errorf("origin = %q, want user_typed", mine.Origin)
	}
	if mine.Metadata["mood"] != "resigned" {
		t.Errorf("metadata = %v", mine.Metadata)
	}
	if mine.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", mine.AttemptCount)
	}

	if err := q.CompletePendingVector(env.Ctx, mine.ID); err != nil {
		t.Fatalf("CompletePendingVector: %v", err)
	}
	var status string
	if err := env.Store.Pool().QueryRow(env.Ctx,
		`SELECT status FROM shared.pending_vectors WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("read back row: %v", err)
	}
	if status != string(types.JobDone) {
		t.Errorf("status = %q, want done", status)
	}
}

func TestEnqueueRollsBackWithTransaction(t *testing.T) {
	env := teststore.NewEnv(t)
	q := New(env.Store, nil)

	// A queue row enqueued inside a tenant transaction must vanish when
	// the transaction rolls back, or the worker would process writes that
	// never happened.
	sentinel := errors.New("abort")
	var id int64
	err := env.WithErr(func(tx *storage.Tx) error {
		var enqErr error
		id, enqErr = q.EnqueueEnrichment(env.Ctx, tx, EnrichmentInput{
			TenantID:   env.TenantID,
			SourceType: types.SourceProfile,
			Origin:     types.OriginUserStated,
			Payload:    map[string]any{"patch": map[string]any{"name": "x"}},
		})
		if enqErr != nil {
			return enqErr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithErr returned %v, want sentinel", err)
	}
	if id == 0 {
		t.Fatal("enqueue inside tx returned zero id")
	}

	var n int
	if err := env.Store.Pool().QueryRow(env.Ctx,
		`SELECT count(*) FROM shared.enrichment_jobs WHERE id = $1`, id).Scan(&n); err != nil {
		t.Fatalf("count rolled-back job: %v", err)
	}
	if n != 0 {
		t.Errorf("found %d rows for rolled-back enqueue, want 0", n)
	}
}

func TestQueueDepth(t *testing.T) {
	env := teststore.NewEnv(t)
	q := New(env.Store, nil)

	before, err := q.QueueDepth(env.Ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueEnrichment(env.Ctx, nil, EnrichmentInput{
			TenantID:   env.TenantID,
			SourceType: types.SourceVector,
			Origin:     types.OriginUserStated,
			Payload:    map[string]any{"content": "x"},
		}); err != nil {
			t.Fatalf("EnqueueEnrichment: %v", err)
		}
	}
	if _, err := q.EnqueuePendingVector(env.Ctx, nil, PendingVectorInput{
		TenantID:   env.TenantID,
		Collection: "memories",
		DocID:      "d",
		Content:    "c",
		Origin:     types.OriginUserStated,
	}); err != nil {
		t.Fatalf("EnqueuePendingVector: %v", err)
	}

	after, err := q.QueueDepth(env.Ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	// Other tests share the queue, so only relative growth is checkable.
	if after.EnrichmentRunnable < before.EnrichmentRunnable+3 {
		t.Errorf("enrichment runnable grew %d, want at least 3",
			after.EnrichmentRunnable-before.EnrichmentRunnable)
	}
	if after.PendingVectors < before.PendingVectors+1 {
		t.Errorf("pending vectors grew %d, want at least 1",
			after.PendingVectors-before.PendingVectors)
	}
}
