package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bbiangul/hybrideval/retry"
)

// Waits applied to throttled and failing requests before the next attempt.
const (
	RateLimitWait   = 5 * time.Second
	ServerErrorWait = 10 * time.Second
)

// DefaultRetry is used when Config.Retry has no attempts configured.
var DefaultRetry = retry.Policy{
	MaxAttempts: 5,
	InitialWait: time.Second,
	MaxWait:     60 * time.Second,
	Jitter:      true,
}

// APIError is a non-200 response from an LLM endpoint.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API error %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps context-window overflows onto ErrContextTooLong.
func (e *APIError) Unwrap() error {
	if isContextTooLong(e.Body) {
		return ErrContextTooLong
	}
	return nil
}

func isContextTooLong(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "maximum context length") ||
		strings.Contains(b, "context_length_exceeded") ||
		strings.Contains(b, "too many tokens")
}

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// OpenAICompat talks to any OpenAI-compatible chat and embeddings API.
type OpenAICompat struct {
	cfg        Config
	client     *http.Client
	pathPrefix string
	limiter    *rate.Limiter
	policy     retry.Policy
}

// NewOpenAICompat creates a generic OpenAI-compatible provider rooted at
// cfg.BaseURL + "/v1".
func NewOpenAICompat(cfg Config) *OpenAICompat {
	return newOpenAICompat(cfg, "/v1")
}

func newOpenAICompat(cfg Config, prefix string) *OpenAICompat {
	c := &OpenAICompat{
		cfg:        cfg,
		pathPrefix: prefix,
		// Generous for local providers that load models on first request.
		client: &http.Client{Timeout: 120 * time.Second},
		policy: cfg.Retry,
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = DefaultRetry
	}
	if c.policy.Name == "" {
		c.policy.Name = "llm:" + cfg.Provider
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Chat sends a chat completion request. A System prompt becomes the first
// message.
func (c *OpenAICompat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := req.Messages
	if req.System != "" {
		msgs = append([]Message{{Role: "system", Content: req.System}}, msgs...)
	}
	return c.complete(ctx, req.Model, msgs, req.Temperature, req.MaxTokens)
}

// ChatWithImages sends a chat request with image parts.
func (c *OpenAICompat) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return c.complete(ctx, req.Model, req.Messages, req.Temperature, req.MaxTokens)
}

func (c *OpenAICompat) complete(ctx context.Context, model string, messages any, temperature float64, maxTokens int) (*ChatResponse, error) {
	msgs, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = c.cfg.Model
	}
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	respBody, err := c.post(ctx, "/chat/completions", chatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// Embed returns one embedding per text, in input order.
func (c *OpenAICompat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	respBody, err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}

	// Sort by index to ensure correct ordering
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return embeddings, nil
}

func (c *OpenAICompat) post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + c.pathPrefix + path

	return retry.Do(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		out, err := c.doPost(ctx, url, data)
		if err != nil {
			slog.Warn("llm: request failed", "url", url, "error", err)
		}
		return out, err
	})
}

// doPost performs one attempt and classifies the failure for retry.Do.
func (c *OpenAICompat) doPost(ctx context.Context, url string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return respBody, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return nil, classify(apiErr)
}

// classify decides how retry.Do treats an API error: context overflows and
// client errors are permanent, 429 waits at least RateLimitWait (or the
// Retry-After header), 500 waits ServerErrorWait.
func classify(e *APIError) error {
	switch {
	case errors.Is(e, ErrContextTooLong):
		return retry.Permanent(e)
	case !retryableStatusCode(e.StatusCode):
		return retry.Permanent(e)
	case e.StatusCode == http.StatusTooManyRequests:
		return retry.After(e, max(e.RetryAfter, RateLimitWait))
	case e.StatusCode == http.StatusInternalServerError:
		return retry.After(e, ServerErrorWait)
	default:
		return e
	}
}
