// Package retrieval runs the vector and keyword channels for a query and
// fuses their hits.
package retrieval

//go:generate mockgen -source=retrieval.go -destination=mocks/mock_searcher.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bbiangul/hybrideval/fusion"
)

// ErrRetrievalUnavailable marks a channel that failed or timed out. It is
// never fatal: the channel contributes no hits.
var ErrRetrievalUnavailable = errors.New("retrieval: channel unavailable")

// Filter restricts a search to a candidate document set.
type Filter struct {
	// AllowedIDs lists the source document ids (pids) a hit may come from.
	// Empty means unrestricted.
	AllowedIDs []string
}

// Searcher is the capability both channels expose. Any backend (vector
// store, text index) can sit behind it.
type Searcher interface {
	Search(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error) {
	return f(ctx, query, filter)
}

// Config holds hybrid retrieval configuration.
type Config struct {
	// Timeout bounds each channel call. Zero disables the bound.
	Timeout time.Duration
	// Fuse selects the fusion method. Nil means fusion.Fuse.
	Fuse fusion.Func
}

// Channels holds the raw hits of one query from both channels. A failed
// channel has nil hits and a non-nil error. The error wraps
// ErrRetrievalUnavailable, unless the backend reported a malformed score, in
// which case it wraps fusion.ErrMalformedScore instead.
type Channels struct {
	Vector     []fusion.SearchHit
	Keyword    []fusion.SearchHit
	VectorErr  error
	KeywordErr error
	Elapsed    time.Duration
}

// TimedOut reports whether either channel hit its deadline.
func (c Channels) TimedOut() bool {
	return errors.Is(c.VectorErr, context.DeadlineExceeded) || errors.Is(c.KeywordErr, context.DeadlineExceeded)
}

// Malformed returns the first channel error caused by a malformed score, or
// nil.
func (c Channels) Malformed() error {
	for _, err := range []error{c.VectorErr, c.KeywordErr} {
		if errors.Is(err, fusion.ErrMalformedScore) {
			return err
		}
	}
	return nil
}

// SearchTrace records the breakdown of a hybrid search.
type SearchTrace struct {
	VecResults     int     `json:"vec_results"`
	KeywordResults int     `json:"keyword_results"`
	FusedResults   int     `json:"fused_results"`
	Alpha          float64 `json:"alpha"`
	VecError       string  `json:"vec_error,omitempty"`
	KeywordError   string  `json:"keyword_error,omitempty"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

// Hybrid runs a vector and a keyword searcher side by side.
type Hybrid struct {
	vector  Searcher
	keyword Searcher
	cfg     Config
}

// NewHybrid creates a hybrid retriever over the two channels.
func NewHybrid(vector, keyword Searcher, cfg Config) *Hybrid {
	if cfg.Fuse == nil {
		cfg.Fuse = fusion.Fuse
	}
	return &Hybrid{vector: vector, keyword: keyword, cfg: cfg}
}

// Retrieve queries both channels concurrently. Channel failures are logged
// and reported on the returned Channels; they never fail the call.
func (h *Hybrid) Retrieve(ctx context.Context, query string, filter Filter) Channels {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "retrieval.Retrieve")
	defer span.End()

	start := time.Now()

	type result struct {
		hits []fusion.SearchHit
		err  error
	}

	vecCh := make(chan result, 1)
	kwCh := make(chan result, 1)

	go func() {
		hits, err := h.call(ctx, h.vector, query, filter)
		vecCh <- result{hits, err}
	}()
	go func() {
		hits, err := h.call(ctx, h.keyword, query, filter)
		kwCh <- result{hits, err}
	}()

	vecRes := <-vecCh
	kwRes := <-kwCh

	out := Channels{Elapsed: time.Since(start)}
	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "query", query, "error", vecRes.err)
		out.VectorErr = channelError("vector", vecRes.err)
	} else {
		out.Vector = vecRes.hits
	}
	if kwRes.err != nil {
		slog.Warn("retrieval: keyword search failed", "query", query, "error", kwRes.err)
		out.KeywordErr = channelError("keyword", kwRes.err)
	} else {
		out.Keyword = kwRes.hits
	}

	span.SetAttributes(
		attribute.Int("retrieval.vector_hits", len(out.Vector)),
		attribute.Int("retrieval.keyword_hits", len(out.Keyword)),
	)
	slog.Debug("retrieval: searches complete",
		"vec_results", len(out.Vector), "keyword_results", len(out.Keyword),
		"elapsed", out.Elapsed.Round(time.Millisecond))
	return out
}

// Search retrieves both channels and fuses them with alpha. Errors are
// malformed scores (from a backend or from fusion) and invalid alpha;
// unavailable channels only show up in the trace.
func (h *Hybrid) Search(ctx context.Context, query string, filter Filter, alpha float64) ([]fusion.FusedResult, *SearchTrace, error) {
	ch := h.Retrieve(ctx, query, filter)

	trace := &SearchTrace{
		VecResults:     len(ch.Vector),
		KeywordResults: len(ch.Keyword),
		Alpha:          alpha,
		ElapsedMs:      ch.Elapsed.Milliseconds(),
	}
	if ch.VectorErr != nil {
		trace.VecError = ch.VectorErr.Error()
	}
	if ch.KeywordErr != nil {
		trace.KeywordError = ch.KeywordErr.Error()
	}

	if err := ch.Malformed(); err != nil {
		return nil, trace, err
	}
	fused, err := h.cfg.Fuse(ch.Vector, ch.Keyword, alpha)
	if err != nil {
		return nil, trace, err
	}
	trace.FusedResults = len(fused)
	return fused, trace, nil
}

// Fuse exposes the configured fusion method.
func (h *Hybrid) Fuse(vec, kw []fusion.SearchHit, alpha float64) ([]fusion.FusedResult, error) {
	return h.cfg.Fuse(vec, kw, alpha)
}

func channelError(channel string, err error) error {
	if errors.Is(err, fusion.ErrMalformedScore) {
		return fmt.Errorf("%s: %w", channel, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRetrievalUnavailable, channel, err)
}

func (h *Hybrid) call(ctx context.Context, s Searcher, query string, filter Filter) ([]fusion.SearchHit, error) {
	if s == nil {
		return nil, errors.New("no searcher configured")
	}
	if h.cfg.Timeout <= 0 {
		return s.Search(ctx, query, filter)
	}
	return WithTimeout(s, h.cfg.Timeout).Search(ctx, query, filter)
}
