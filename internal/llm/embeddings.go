package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/types"
)

// openAIEmbedder calls an OpenAI-compatible /embeddings endpoint behind a
// circuit breaker. When the provider is down the breaker opens and calls
// fail immediately, which lets the write path fall back to the async
// vector queue instead of stalling every request on a dead upstream.
type openAIEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func newOpenAIEmbedder(cfg config.EmbeddingConfig, log *zap.Logger) (*openAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, types.NewError(types.KindFatal, "embedding api key not configured: set OPENAI_API_KEY")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	named := log.Named("llm.embeddings")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embeddings",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a provider failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			named.Warn("embedding circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &openAIEmbedder{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.Model,
		dimensions: dims,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		log:        named,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *openAIError `json:"error,omitempty"`
}

// Embed returns the embedding vector for text.
func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.WrapError(types.KindTransient, err, "embedding provider unavailable")
		}
		return nil, err
	}
	return out.([]float32), nil
}

// Dimensions returns the configured vector width.
func (e *openAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *openAIEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{
		Model: e.model,
		Input: []string{text},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "embedding request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, err, "failed to read embedding response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, types.NewError(types.KindFatal, "embedding api key rejected with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, types.NewError(types.KindTransient, "embedding request failed with status %d: %s",
			resp.StatusCode, truncateBody(body))
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewError(types.KindFatal, "embedding request failed with status %d: %s",
			resp.StatusCode, truncateBody(body))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	vec := parsed.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, types.NewError(types.KindIntegrity,
			"embedding dimension mismatch: got %d, expected %d", len(vec), e.dimensions)
	}
	return vec, nil
}
