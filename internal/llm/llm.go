// Package llm talks to the extraction and embedding providers. Extraction
// providers are forced into schema-shaped JSON and return it raw; callers
// own parsing. Failure messages from the embedder deliberately carry the
// "embedding" and "api key" markers the ingestion pipeline sniffs when
// deciding between failing a write and parking it as pending.
package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/types"
)

// Result is one extraction response.
type Result struct {
	// JSON is the model's output, a single JSON object matching the
	// requested schema.
	JSON         []byte
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Extractor runs a schema-constrained extraction call.
type Extractor interface {
	Extract(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) (*Result, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewExtractor builds the configured extraction provider.
func NewExtractor(cfg config.LLMConfig, log *zap.Logger) (Extractor, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicExtractor(cfg, log)
	case "openai":
		return newOpenAIExtractor(cfg, log)
	default:
		return nil, types.NewError(types.KindFatal, "unknown llm provider %q", cfg.Provider)
	}
}

// NewEmbedder builds the embedding provider.
func NewEmbedder(cfg config.EmbeddingConfig, log *zap.Logger) (Embedder, error) {
	return newOpenAIEmbedder(cfg, log)
}

// schemaProperties pulls the properties map out of a JSON schema.
func schemaProperties(schema map[string]any) any {
	if props, ok := schema["properties"]; ok {
		return props
	}
	return map[string]any{}
}

// schemaRequired pulls the required list out of a JSON schema.
func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
