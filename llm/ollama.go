package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bbiangul/hybrideval/retry"
)

// Ollama chats through the OpenAI-compatible endpoint and embeds through
// the native /api/embed endpoint, which batches inputs.
type Ollama struct {
	*OpenAICompat
}

// NewOllama creates a provider for Ollama.
func NewOllama(cfg Config) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &Ollama{OpenAICompat: newOpenAICompat(cfg, "/v1")}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed uses the native batch endpoint.
func (p *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	data, err := json.Marshal(ollamaEmbedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	url := p.cfg.BaseURL + "/api/embed"
	respBody, err := retry.Do(ctx, p.policy, func(ctx context.Context) ([]byte, error) {
		return p.doPost(ctx, url, data)
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, fmt.Errorf("decoding ollama embed response: %w", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(embedResp.Embeddings), len(texts))
	}

	result := make([][]float32, len(embedResp.Embeddings))
	for i, emb := range embedResp.Embeddings {
		result[i] = float64sToFloat32s(emb)
	}
	return result, nil
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
