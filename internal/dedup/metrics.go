package dedup

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/episteme-ai/episteme/internal/telemetry"
)

// dedupMetrics holds lazily-initialized OTel instruments for stage hits.
var dedupMetrics struct {
	hits metric.Int64Counter
}

var dedupMetricsOnce sync.Once

func initDedupMetrics() {
	m := telemetry.Meter("github.com/episteme-ai/episteme/dedup")
	dedupMetrics.hits, _ = m.Int64Counter("episteme.dedup.hits",
		metric.WithDescription("Dedup matches, by the stage that caught them"),
		metric.WithUnit("{match}"),
	)
}

func countStageHit(ctx context.Context, stage Stage) {
	if dedupMetrics.hits == nil {
		return
	}
	dedupMetrics.hits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("episteme.dedup.stage", string(stage)),
	))
}
