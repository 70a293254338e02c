package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/bbiangul/hybrideval/retry"
)

// statusOverloaded is Anthropic's "overloaded" status code.
const statusOverloaded = 529

// Anthropic implements VisionProvider on the Messages API. It has no
// embeddings endpoint.
type Anthropic struct {
	cfg     Config
	client  anthropic.Client
	limiter *rate.Limiter
	policy  retry.Policy
}

// NewAnthropic creates a provider for Anthropic. Retries are handled here,
// not by the SDK, so they follow Config.Retry.
func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}

	a := &Anthropic{cfg: cfg, client: anthropic.NewClient(opts...), policy: cfg.Retry}
	if a.policy.MaxAttempts == 0 {
		a.policy = DefaultRetry
	}
	if a.policy.Name == "" {
		a.policy.Name = "llm:anthropic"
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return a
}

// Chat sends a text-only conversation.
func (a *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	system := req.System
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "system":
			system = strings.TrimSpace(system + "\n" + m.Content)
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return a.send(ctx, req.Model, system, msgs, req.Temperature, req.MaxTokens)
}

// ChatWithImages sends messages whose parts may be base64 PNG data URLs.
// Part order is preserved.
func (a *Anthropic) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, p := range m.Content {
			switch p.Type {
			case "image_url":
				if p.ImageURL == nil {
					continue
				}
				mediaType, data, err := splitDataURL(p.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			default:
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	return a.send(ctx, req.Model, "", msgs, req.Temperature, req.MaxTokens)
}

// Embed is not supported by Anthropic.
func (a *Anthropic) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic does not provide embeddings")
}

func (a *Anthropic) send(ctx context.Context, model, system string, msgs []anthropic.MessageParam, temperature float64, maxTokens int) (*ChatResponse, error) {
	if model == "" {
		model = a.cfg.Model
	}
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	msg, err := retry.Do(ctx, a.policy, func(ctx context.Context) (*anthropic.Message, error) {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		m, err := a.client.Messages.New(ctx, params)
		if err != nil {
			slog.Warn("llm: anthropic request failed", "model", model, "error", err)
			return nil, classifyAnthropic(err)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Content:          text.String(),
		Model:            string(msg.Model),
		FinishReason:     string(msg.StopReason),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err // network failure, retry on the backoff schedule
	}
	msg := strings.ToLower(apiErr.Error())
	switch {
	case strings.Contains(msg, "prompt is too long"):
		return retry.Permanent(fmt.Errorf("%w: %w", ErrContextTooLong, err))
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After(err, RateLimitWait)
	case apiErr.StatusCode == http.StatusInternalServerError, apiErr.StatusCode == statusOverloaded:
		return retry.After(err, ServerErrorWait)
	case apiErr.StatusCode >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}

// splitDataURL parses "data:<media>;base64,<data>".
func splitDataURL(u string) (mediaType, data string, err error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", "", fmt.Errorf("anthropic: only base64 data URLs are supported")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("anthropic: malformed data URL")
	}
	mediaType, _ = strings.CutSuffix(meta, ";base64")
	return mediaType, data, nil
}
