package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/episteme-ai/episteme/internal/telemetry"
	"github.com/episteme-ai/episteme/internal/types"
)

// pipelineMetrics holds lazily-initialized OTel instruments for writes.
var pipelineMetrics struct {
	writes metric.Int64Counter
}

var pipelineMetricsOnce sync.Once

func initPipelineMetrics() {
	m := telemetry.Meter("github.com/episteme-ai/episteme/pipeline")
	pipelineMetrics.writes, _ = m.Int64Counter("episteme.pipeline.writes",
		metric.WithDescription("Writes processed, by kind and outcome"),
		metric.WithUnit("{write}"),
	)
}

func (p *Pipeline) countWrite(ctx context.Context, kind, outcome string) {
	if pipelineMetrics.writes == nil {
		return
	}
	pipelineMetrics.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("episteme.write.kind", kind),
		attribute.String("episteme.write.outcome", outcome),
	))
}

// writeOutcome collapses a write error to a counter label.
func writeOutcome(err error) string {
	switch {
	case types.IsKind(err, types.KindConsentDenied):
		return "denied"
	case types.IsKind(err, types.KindValidation):
		return "rejected"
	default:
		return "error"
	}
}
