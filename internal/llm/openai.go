package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/types"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIExtractor speaks the chat-completions protocol with
// response_format json_schema, which works against OpenAI and any
// compatible gateway.
type openAIExtractor struct {
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	maxRetries     int
	initialBackoff time.Duration
	httpClient     *http.Client
	log            *zap.Logger
}

func newOpenAIExtractor(cfg config.LLMConfig, log *zap.Logger) (*openAIExtractor, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, types.NewError(types.KindFatal, "openai api key required: set OPENAI_API_KEY")
	}
	baseURL := cfg.OpenAIBaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	llmMetricsOnce.Do(initLLMMetrics)
	return &openAIExtractor{
		apiKey:         cfg.OpenAIAPIKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          cfg.OpenAIModel,
		maxTokens:      maxTokens,
		maxRetries:     extractMaxRetries,
		initialBackoff: extractInitialBackoff,
		httpClient:     &http.Client{Timeout: timeout},
		log:            log.Named("llm.openai"),
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_completion_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (o *openAIExtractor) Extract(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) (*Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.httpClient.Timeout)
		defer cancel()
	}

	reqBody := openAIChatRequest{
		Model: o.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens: o.maxTokens,
		ResponseFormat: &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   extractToolName,
				Strict: true,
				Schema: schema,
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.initialBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		status, body, err := o.post(ctx, "/chat/completions", reqBody)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("llm request failed with status %d: %s", status, truncateBody(body))
			continue
		}
		if status != http.StatusOK {
			// Some gateways reject structured output; retry once bare and
			// trust the prompt to keep the model on schema.
			if reqBody.ResponseFormat != nil && status == http.StatusBadRequest &&
				(strings.Contains(string(body), "response_format") || strings.Contains(string(body), "json_schema")) {
				o.log.Warn("provider rejected response_format, retrying without it")
				reqBody.ResponseFormat = nil
				lastErr = fmt.Errorf("structured output rejected: %s", truncateBody(body))
				continue
			}
			return nil, fmt.Errorf("llm request failed with status %d: %s", status, truncateBody(body))
		}

		var parsed openAIChatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse llm response: %w", err)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("llm error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("llm returned no choices")
		}
		content := strings.TrimSpace(parsed.Choices[0].Message.Content)
		return &Result{
			JSON:         []byte(content),
			Model:        o.model,
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}, nil
	}
	return nil, types.WrapError(types.KindTransient, lastErr,
		"extraction failed after %d attempts", o.maxRetries+1)
}

func (o *openAIExtractor) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read llm response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncateBody(body []byte) string {
	const max = 500
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
