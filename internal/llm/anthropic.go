package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/telemetry"
	"github.com/episteme-ai/episteme/internal/types"
)

const (
	extractMaxRetries     = 3
	extractInitialBackoff = 1 * time.Second

	// extractToolName is the tool the model is forced to call; its input
	// is the extraction payload.
	extractToolName = "record_extraction"
)

// anthropicExtractor forces Claude through a single-tool call so the
// response is schema-shaped JSON rather than prose.
type anthropicExtractor struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	maxRetries     int
	initialBackoff time.Duration
	log            *zap.Logger
}

func newAnthropicExtractor(cfg config.LLMConfig, log *zap.Logger) (*anthropicExtractor, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, types.NewError(types.KindFatal, "anthropic api key required: set ANTHROPIC_API_KEY")
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	llmMetricsOnce.Do(initLLMMetrics)
	return &anthropicExtractor{
		client:         anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:          anthropic.Model(cfg.AnthropicModel),
		maxTokens:      maxTokens,
		maxRetries:     extractMaxRetries,
		initialBackoff: extractInitialBackoff,
		log:            log.Named("llm.anthropic"),
	}, nil
}

func (a *anthropicExtractor) Extract(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) (*Result, error) {
	tracer := telemetry.Tracer("github.com/episteme-ai/episteme/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("episteme.llm.model", string(a.model)),
		attribute.String("episteme.llm.operation", "extract"),
	)

	tool := anthropic.ToolParam{
		Name:        extractToolName,
		Description: anthropic.String("Record the structured extraction result."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: schemaProperties(schema),
			Required:   schemaRequired(schema),
		},
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{OfTool: &tool},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: extractToolName},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("episteme.llm.model", string(a.model))
			if llmMetrics.inputTokens != nil {
				llmMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("episteme.llm.input_tokens", message.Usage.InputTokens),
				attribute.Int64("episteme.llm.output_tokens", message.Usage.OutputTokens),
				attribute.Int("episteme.llm.attempts", attempt+1),
			)

			for _, block := range message.Content {
				if block.Type == "tool_use" {
					return &Result{
						JSON:         []byte(block.Input),
						Model:        string(a.model),
						InputTokens:  message.Usage.InputTokens,
						OutputTokens: message.Usage.OutputTokens,
					}, nil
				}
			}
			return nil, fmt.Errorf("unexpected response format: no tool_use block")
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !anthropicRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("extraction failed: %w", err)
		}
		a.log.Debug("anthropic call failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return nil, types.WrapError(types.KindTransient, lastErr,
		"extraction failed after %d attempts", a.maxRetries+1)
}

func anthropicRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// llmMetrics holds lazily-initialized OTel instruments for provider calls.
var llmMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var llmMetricsOnce sync.Once

func initLLMMetrics() {
	m := telemetry.Meter("github.com/episteme-ai/episteme/llm")
	llmMetrics.inputTokens, _ = m.Int64Counter("episteme.llm.input_tokens",
		metric.WithDescription("LLM provider input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.outputTokens, _ = m.Int64Counter("episteme.llm.output_tokens",
		metric.WithDescription("LLM provider output tokens generated"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.duration, _ = m.Float64Histogram("episteme.llm.request.duration",
		metric.WithDescription("LLM provider request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}
