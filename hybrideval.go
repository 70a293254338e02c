// Package hybrideval measures how text-preparation strategies for scanned
// financial PDFs affect hybrid (vector + BM25) retrieval. It wires the
// index backends, embedder, retrieval channels and evaluator behind one
// Engine.
package hybrideval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bbiangul/hybrideval/chunker"
	"github.com/bbiangul/hybrideval/embedcache"
	"github.com/bbiangul/hybrideval/eval"
	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/index"
	"github.com/bbiangul/hybrideval/ingest"
	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/pgstore"
	"github.com/bbiangul/hybrideval/retrieval"
	"github.com/bbiangul/hybrideval/retry"
	"github.com/bbiangul/hybrideval/semantic"
	"github.com/bbiangul/hybrideval/store"
)

// Engine is the main entry point for running the experiment.
type Engine interface {
	// Search runs both channels for query over variant's index and
	// returns the fused top-3.
	Search(ctx context.Context, variant, query string, opts ...SearchOption) (*SearchResult, error)

	// Evaluate scores every configured variant at each alpha.
	Evaluate(ctx context.Context, alphas []float64, opts ...EvalOption) ([]eval.AlphaResult, error)

	// Ingest chunks, embeds and indexes every text file in dir as variant.
	Ingest(ctx context.Context, variant, dir string) (ingest.Result, error)

	// Reset drops all indexed data of variant.
	Reset(ctx context.Context, variant string) error

	// Retriever returns the hybrid retriever of variant.
	Retriever(variant string) (*retrieval.Hybrid, error)

	// Close releases every backend connection.
	Close() error
}

// SearchResult is the answer to a Search call.
type SearchResult struct {
	Variant string                 `json:"variant"`
	Query   string                 `json:"query"`
	Results []Hit                  `json:"results"`
	Trace   *retrieval.SearchTrace `json:"trace,omitempty"`
}

// Hit is a fused result with the passage that best matches the query.
type Hit struct {
	fusion.FusedResult
	Snippet string `json:"snippet,omitempty"`
}

// SearchOption configures a Search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	sources []string
	alpha   float64
}

// WithSources restricts the search to the given source document ids.
func WithSources(pids ...string) SearchOption {
	return func(o *searchOptions) { o.sources = pids }
}

// WithAlpha sets the interpolation weight. The default is 0.5.
func WithAlpha(alpha float64) SearchOption {
	return func(o *searchOptions) { o.alpha = alpha }
}

// EvalOption configures an Evaluate call.
type EvalOption func(*evalOptions)

type evalOptions struct {
	queries     []eval.Query
	gt          eval.GroundTruth
	publisher   eval.Publisher
	keepQueries bool
	variants    []string
}

// WithDataset evaluates the given queries instead of loading the
// configured question and ground-truth files.
func WithDataset(queries []eval.Query, gt eval.GroundTruth) EvalOption {
	return func(o *evalOptions) {
		o.queries = queries
		o.gt = gt
	}
}

// WithPublisher streams each variant result to p as soon as it is known.
func WithPublisher(p eval.Publisher) EvalOption {
	return func(o *evalOptions) { o.publisher = p }
}

// WithQueryResults keeps per-query records in the returned metrics.
func WithQueryResults() EvalOption {
	return func(o *evalOptions) { o.keepQueries = true }
}

// WithVariants restricts the evaluation to a subset of variants.
func WithVariants(variants ...string) EvalOption {
	return func(o *evalOptions) { o.variants = variants }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg      Config
	vector   index.VectorIndex
	keyword  index.KeywordIndex
	embedder index.Embedder
	ingester *ingest.Ingester
	fuse     fusion.Func
	limiter  *rate.Limiter
	closers  []io.Closer

	mu      sync.Mutex
	closed  bool
	hybrids map[string]*retrieval.Hybrid
}

// New creates an Engine from cfg, connecting to the configured backends.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	var closers []io.Closer
	fail := func(err error) (Engine, error) {
		closeAll(closers)
		return nil, err
	}

	var (
		vector   index.VectorIndex
		keyword  index.KeywordIndex
		recorder ingest.Recorder
	)
	switch cfg.Backend {
	case "sqlite", "":
		s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
		if err != nil {
			return fail(fmt.Errorf("opening store: %w", err))
		}
		closers = append(closers, s)
		vector, keyword, recorder = s, s, s
	case "qdrant":
		s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
		if err != nil {
			return fail(fmt.Errorf("opening keyword store: %w", err))
		}
		closers = append(closers, s)
		vs, err := semantic.New(cfg.QdrantAddr, semantic.DefaultCollection, cfg.EmbeddingDim)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, vs)
		if err := vs.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("preparing qdrant collection: %w", err))
		}
		vector, keyword, recorder = vs, s, s
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.PostgresDSN, cfg.EmbeddingDim)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg)
		vector, keyword = pg, pg
	default:
		return fail(fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend))
	}

	provider, err := llm.NewProvider(cfg.ProviderConfig(cfg.Embedding))
	if err != nil {
		return fail(fmt.Errorf("creating embedding provider: %w", err))
	}
	var embedder index.Embedder = provider
	if cfg.RedisAddr != "" {
		client, err := embedcache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client)
		embedder = embedcache.New(provider, embedcache.RedisKV{Client: client}, cfg.Embedding.Model, 0)
		slog.Info("embedding cache enabled", "addr", cfg.RedisAddr)
	}

	e, err := newEngine(cfg, vector, keyword, embedder, recorder)
	if err != nil {
		return fail(err)
	}
	e.closers = closers
	return e, nil
}

// newEngine assembles an engine over already opened components.
func newEngine(cfg Config, vector index.VectorIndex, keyword index.KeywordIndex, embedder index.Embedder, recorder ingest.Recorder) (*engine, error) {
	fuse, err := fusion.ByName(cfg.FusionMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerS), 1)
	}
	ing := ingest.New(vector, keyword, embedder, ingest.Options{
		Chunker:  chunker.New(chunker.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}),
		Recorder: recorder,
	})
	return &engine{
		cfg:      cfg,
		vector:   vector,
		keyword:  keyword,
		embedder: embedder,
		ingester: ing,
		fuse:     fuse,
		limiter:  limiter,
		hybrids:  make(map[string]*retrieval.Hybrid),
	}, nil
}

// ProviderConfig converts a provider section to an llm.Config carrying the
// shared retry and rate settings.
func (c Config) ProviderConfig(l LLMConfig) llm.Config {
	return llm.Config{
		Provider:          l.Provider,
		Model:             l.Model,
		BaseURL:           l.BaseURL,
		APIKey:            l.APIKey,
		MaxTokens:         l.MaxTokens,
		Retry:             c.retryPolicy("llm"),
		RequestsPerSecond: c.RequestsPerS,
	}
}

func (c Config) retryPolicy(name string) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		InitialWait: c.Retry.InitialWait,
		MaxWait:     c.Retry.MaxWait,
		Jitter:      true,
		Name:        name,
	}
}

// Retriever returns the hybrid retriever of variant, building it on first
// use.
func (e *engine) Retriever(variant string) (*retrieval.Hybrid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if !e.cfg.HasVariant(variant) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if h, ok := e.hybrids[variant]; ok {
		return h, nil
	}

	k := e.cfg.CandidateLimit
	vec := index.VectorSearcher(e.vector, e.embedder, variant, k)
	if e.limiter != nil {
		vec = retrieval.WithRateLimit(vec, e.limiter)
	}
	vec = retrieval.Limit(retrieval.WithRetry(vec, e.cfg.retryPolicy("vector")), k)
	kw := retrieval.Limit(retrieval.WithRetry(index.KeywordSearcher(e.keyword, variant, k), e.cfg.retryPolicy("keyword")), k)

	h := retrieval.NewHybrid(vec, kw, retrieval.Config{Timeout: e.cfg.SearchTimeout, Fuse: e.fuse})
	e.hybrids[variant] = h
	return h, nil
}

func (e *engine) Search(ctx context.Context, variant, query string, opts ...SearchOption) (*SearchResult, error) {
	o := searchOptions{alpha: 0.5}
	for _, opt := range opts {
		opt(&o)
	}
	h, err := e.Retriever(variant)
	if err != nil {
		return nil, err
	}
	fused, trace, err := h.Search(ctx, query, retrieval.Filter{AllowedIDs: o.sources}, o.alpha)
	if err != nil {
		return nil, err
	}
	res := &SearchResult{Variant: variant, Query: query, Trace: trace, Results: make([]Hit, len(fused))}
	terms := queryTerms(query)
	for i, f := range fused {
		res.Results[i] = Hit{FusedResult: f, Snippet: extractSnippet(f.Content, terms)}
	}
	return res, nil
}

func (e *engine) Evaluate(ctx context.Context, alphas []float64, opts ...EvalOption) ([]eval.AlphaResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	var o evalOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(alphas) == 0 {
		alphas = e.cfg.Alphas
	}
	if o.queries == nil {
		qs, err := eval.LoadQueries(e.cfg.QuestionsPath)
		if err != nil {
			return nil, err
		}
		gt, err := eval.LoadGroundTruth(e.cfg.GroundTruthPath)
		if err != nil {
			return nil, err
		}
		o.queries, o.gt = qs, gt
	}
	variants := o.variants
	if len(variants) == 0 {
		variants = e.cfg.Variants
	}

	r := &eval.Runner{
		Variants:    variants,
		Queries:     o.queries,
		GroundTruth: o.gt,
		Retriever: func(variant string) (eval.Retriever, error) {
			return e.Retriever(variant)
		},
		Workers: e.cfg.VariantWorkers,
		Options: eval.Options{
			Fuse:        e.fuse,
			Workers:     e.cfg.QueryWorkers,
			KeepQueries: o.keepQueries,
		},
		Publisher: o.publisher,
	}
	return r.Run(ctx, alphas)
}

func (e *engine) Ingest(ctx context.Context, variant, dir string) (ingest.Result, error) {
	if e.isClosed() {
		return ingest.Result{}, ErrEngineClosed
	}
	if !e.cfg.HasVariant(variant) {
		return ingest.Result{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return e.ingester.Variant(ctx, variant, dir)
}

func (e *engine) Reset(ctx context.Context, variant string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if !e.cfg.HasVariant(variant) {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return e.ingester.Reset(ctx, variant)
}

// Close shuts down the engine. Closing twice is a no-op.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return closeAll(e.closers)
}

func (e *engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// closeAll closes in reverse opening order.
func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
