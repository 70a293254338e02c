package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/bbiangul/hybrideval/retry"
)

// ErrContextTooLong is returned when the input exceeds the model's context
// window. It is never retried; callers split the input instead.
var ErrContextTooLong = errors.New("llm: input exceeds maximum context length")

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VisionProvider extends Provider with image understanding.
type VisionProvider interface {
	Provider
	// ChatWithImages sends a chat request that includes images.
	ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// VisionChatRequest is a chat request with image content.
type VisionChatRequest struct {
	Model       string          `json:"model"`
	Messages    []VisionMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// VisionMessage represents a chat message that may contain images.
type VisionMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is either text or an image in a vision message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL contains a base64 data URL or a remote URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart {
	return ContentPart{Type: "text", Text: s}
}

// PNGPart builds an image content part from base64-encoded PNG data.
func PNGPart(b64 string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + b64}}
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider  string `json:"provider"` // anthropic, openai, ollama, gemini, openrouter, groq, xai, lmstudio, custom
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`

	// Retry governs transient failures. Zero MaxAttempts uses DefaultRetry.
	Retry retry.Policy `json:"-"`
	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	}
	if p, ok := presets[cfg.Provider]; ok {
		return newPreset(cfg, p), nil
	}
	return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
}

// NewVisionProvider is NewProvider restricted to providers that accept
// images.
func NewVisionProvider(cfg Config) (VisionProvider, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	vp, ok := p.(VisionProvider)
	if !ok {
		return nil, fmt.Errorf("llm provider %s does not support images", cfg.Provider)
	}
	return vp, nil
}
