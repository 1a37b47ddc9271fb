package worker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/episteme-ai/episteme/internal/telemetry"
)

// workerMetrics holds lazily-initialized OTel instruments for queue
// processing.
var workerMetrics struct {
	jobs metric.Int64Counter
}

var workerMetricsOnce sync.Once

func initWorkerMetrics() {
	m := telemetry.Meter("github.com/episteme-ai/episteme/worker")
	workerMetrics.jobs, _ = m.Int64Counter("episteme.worker.jobs",
		metric.WithDescription("Queue rows processed, by queue and outcome"),
		metric.WithUnit("{job}"),
	)
}

func countJob(ctx context.Context, queue, outcome string) {
	if workerMetrics.jobs == nil {
		return
	}
	workerMetrics.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("episteme.queue", queue),
		attribute.String("episteme.outcome", outcome),
	))
}
