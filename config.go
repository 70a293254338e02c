package hybrideval

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an experiment run. It is passed
// explicitly to every collaborator constructor.
type Config struct {
	// Backend selects the hybrid index: "sqlite" (default), "qdrant" or
	// "postgres". Keyword search for the qdrant backend still runs on SQLite.
	Backend string `json:"backend" yaml:"backend"`

	// DBPath is the SQLite database file. Defaults to ./hybrideval.db.
	DBPath string `json:"db_path" yaml:"db_path"`

	QdrantAddr  string `json:"qdrant_addr" yaml:"qdrant_addr"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	// RedisAddr enables the embedding cache when non-empty.
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `json:"redis_db" yaml:"redis_db"`

	// NATSURL enables publishing of per-variant results when non-empty.
	NATSURL string `json:"nats_url" yaml:"nats_url"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Vision    LLMConfig `json:"vision" yaml:"vision"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Evaluation
	Variants       []string      `json:"variants" yaml:"variants"`
	Alphas         []float64     `json:"alphas" yaml:"alphas"`
	FusionMethod   string        `json:"fusion_method" yaml:"fusion_method"` // linear or rrf
	CandidateLimit int           `json:"candidate_limit" yaml:"candidate_limit"`
	VariantWorkers int           `json:"variant_workers" yaml:"variant_workers"`
	QueryWorkers   int           `json:"query_workers" yaml:"query_workers"`
	SearchTimeout  time.Duration `json:"search_timeout" yaml:"search_timeout"`

	// Collaborator retries and rate limits
	Retry        RetryConfig `json:"retry" yaml:"retry"`
	RequestsPerS float64     `json:"requests_per_second" yaml:"requests_per_second"`

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Data locations
	QuestionsPath   string `json:"questions_path" yaml:"questions_path"`
	GroundTruthPath string `json:"ground_truth_path" yaml:"ground_truth_path"`
	PDFDir          string `json:"pdf_dir" yaml:"pdf_dir"`
	ImageDir        string `json:"image_dir" yaml:"image_dir"`
	ResultDir       string `json:"result_dir" yaml:"result_dir"`

	// Page preparation
	OCRLanguage string `json:"ocr_language" yaml:"ocr_language"`
	DPI         int    `json:"dpi" yaml:"dpi"`
	PageWorkers int    `json:"page_workers" yaml:"page_workers"`
	KeepErrors  bool   `json:"keep_errors" yaml:"keep_errors"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider  string `json:"provider" yaml:"provider"` // openai, anthropic, ollama, gemini, openrouter, custom
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

// RetryConfig mirrors retry.Policy in configuration form.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	InitialWait time.Duration `json:"initial_wait" yaml:"initial_wait"`
	MaxWait     time.Duration `json:"max_wait" yaml:"max_wait"`
}

// DefaultVariants are the five text-preparation strategies under comparison.
var DefaultVariants = []string{"Tess", "Ourswoocr", "Ourswomllm", "Oursworewrite", "Ours"}

// DefaultAlphas is the interpolation sweep run by the eval driver.
var DefaultAlphas = []float64{1.0, 0.5, 0.0}

// DefaultConfig returns a Config matching the financial-PDF experiment.
func DefaultConfig() Config {
	return Config{
		Backend: "sqlite",
		DBPath:  "hybrideval.db",
		Chat: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-3-7-sonnet-20250219",
			MaxTokens: 8192,
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-large",
		},
		Vision: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-3-7-sonnet-20250219",
			MaxTokens: 8192,
		},
		EmbeddingDim:   3072,
		Variants:       append([]string(nil), DefaultVariants...),
		Alphas:         append([]float64(nil), DefaultAlphas...),
		FusionMethod:   "linear",
		CandidateLimit: 50,
		VariantWorkers: 5,
		QueryWorkers:   4,
		SearchTimeout:  30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 5,
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
		},
		RequestsPerS:    5,
		ChunkSize:       8000,
		ChunkOverlap:    500,
		QuestionsPath:   "data/dataset/question_finance_augmented.json",
		GroundTruthPath: "data/dataset/ground_truths_finance.json",
		PDFDir:          "data/reference/finance_source",
		ImageDir:        "data/reference/finance_source_img",
		ResultDir:       "result",
		OCRLanguage:     "chi_tra",
		DPI:             200,
		PageWorkers:     4,
	}
}

// LoadConfig returns DefaultConfig overlaid with the YAML file at path (if
// any), a .env file in the working directory (if present), and HYBRIDEVAL_*
// environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: could not load .env", "error", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from environment variables. getenv is injected
// so tests do not touch the process environment.
func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("HYBRIDEVAL_BACKEND", &c.Backend)
	str("HYBRIDEVAL_DB_PATH", &c.DBPath)
	str("HYBRIDEVAL_QDRANT_ADDR", &c.QdrantAddr)
	str("HYBRIDEVAL_POSTGRES_DSN", &c.PostgresDSN)
	str("HYBRIDEVAL_REDIS_ADDR", &c.RedisAddr)
	str("HYBRIDEVAL_NATS_URL", &c.NATSURL)
	str("HYBRIDEVAL_CHAT_PROVIDER", &c.Chat.Provider)
	str("HYBRIDEVAL_CHAT_MODEL", &c.Chat.Model)
	str("HYBRIDEVAL_CHAT_API_KEY", &c.Chat.APIKey)
	str("HYBRIDEVAL_EMBED_PROVIDER", &c.Embedding.Provider)
	str("HYBRIDEVAL_EMBED_MODEL", &c.Embedding.Model)
	str("HYBRIDEVAL_EMBED_BASE_URL", &c.Embedding.BaseURL)
	str("HYBRIDEVAL_EMBED_API_KEY", &c.Embedding.APIKey)
	str("HYBRIDEVAL_VISION_PROVIDER", &c.Vision.Provider)
	str("HYBRIDEVAL_VISION_MODEL", &c.Vision.Model)
	str("HYBRIDEVAL_VISION_API_KEY", &c.Vision.APIKey)

	if v := getenv("HYBRIDEVAL_VARIANTS"); v != "" {
		c.Variants = splitList(v)
	}
	if v := getenv("HYBRIDEVAL_SEARCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SearchTimeout = d
		} else {
			slog.Warn("config: ignoring HYBRIDEVAL_SEARCH_TIMEOUT", "value", v, "error", err)
		}
	}
	if v := getenv("HYBRIDEVAL_EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbeddingDim = n
		}
	}

	// Fallback: well-known provider env vars for API keys.
	for _, l := range []*LLMConfig{&c.Chat, &c.Embedding, &c.Vision} {
		if l.APIKey != "" {
			continue
		}
		switch l.Provider {
		case "openai":
			l.APIKey = getenv("OPENAI_API_KEY")
		case "anthropic":
			l.APIKey = getenv("ANTHROPIC_API_KEY")
		case "gemini":
			l.APIKey = getenv("GEMINI_API_KEY")
		case "openrouter":
			l.APIKey = getenv("OPENROUTER_API_KEY")
		}
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch c.Backend {
	case "sqlite", "":
	case "qdrant":
		if c.QdrantAddr == "" {
			return fmt.Errorf("%w: qdrant backend needs qdrant_addr", ErrInvalidConfig)
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres backend needs postgres_dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	if len(c.Variants) == 0 {
		return fmt.Errorf("%w: no variants configured", ErrInvalidConfig)
	}
	for _, a := range c.Alphas {
		if math.IsNaN(a) || a < 0 || a > 1 {
			return fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidConfig, a)
		}
	}
	switch c.FusionMethod {
	case "", "linear", "rrf":
	default:
		return fmt.Errorf("%w: fusion_method %q", ErrInvalidConfig, c.FusionMethod)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be smaller than chunk_size", ErrInvalidConfig)
	}
	if c.VariantWorkers < 0 || c.QueryWorkers < 0 {
		return fmt.Errorf("%w: worker counts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// HasVariant reports whether name is one of the configured variants.
func (c Config) HasVariant(name string) bool {
	for _, v := range c.Variants {
		if v == name {
			return true
		}
	}
	return false
}

// ParseAlphas parses a comma-separated alpha list such as "1.0,0.5,0.0".
func ParseAlphas(s string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(s) {
		a, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: alpha %q: %v", ErrInvalidConfig, part, err)
		}
		if math.IsNaN(a) || a < 0 || a > 1 {
			return nil, fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidConfig, a)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty alpha list", ErrInvalidConfig)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
