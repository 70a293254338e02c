// Package eval measures hybrid retrieval quality: it runs a query set
// through a retriever, fuses both channels and scores the fused top-3
// against ground truth with AP@1 and MRR.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/retrieval"
)

// Retriever fetches the raw channel hits of a query. *retrieval.Hybrid
// implements it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter retrieval.Filter) retrieval.Channels
}

// FuseFunc fuses the two channels of one query.
type FuseFunc func(vectorHits, bm25Hits []fusion.SearchHit) ([]fusion.FusedResult, error)

// AtAlpha binds alpha to a fusion method.
func AtAlpha(f fusion.Func, alpha float64) FuseFunc {
	return func(vec, kw []fusion.SearchHit) ([]fusion.FusedResult, error) {
		return f(vec, kw, alpha)
	}
}

// Options configure an Evaluator.
type Options struct {
	// Fuse is the fusion method. Nil means fusion.Fuse.
	Fuse fusion.Func
	// Workers bounds concurrent queries. Zero means 4.
	Workers int
	// KeepQueries attaches per-query records to the returned Metrics.
	KeepQueries bool
}

// Evaluator scores a retriever against a query set.
type Evaluator struct {
	retriever Retriever
	opts      Options
}

// NewEvaluator creates an evaluator over r.
func NewEvaluator(r Retriever, opts Options) *Evaluator {
	if opts.Fuse == nil {
		opts.Fuse = fusion.Fuse
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Evaluator{retriever: r, opts: opts}
}

// Evaluate scores queries at one alpha.
func (e *Evaluator) Evaluate(ctx context.Context, queries []Query, gt GroundTruth, alpha float64) (*Metrics, error) {
	ms, err := e.Sweep(ctx, queries, gt, []float64{alpha})
	if err != nil {
		return nil, err
	}
	return ms[0], nil
}

// EvaluateFunc scores queries with an explicit fusion function.
func (e *Evaluator) EvaluateFunc(ctx context.Context, queries []Query, gt GroundTruth, fuse FuseFunc) (*Metrics, error) {
	ms, err := e.run(ctx, queries, gt, []FuseFunc{fuse}, []float64{0})
	if err != nil {
		return nil, err
	}
	return ms[0], nil
}

// Sweep retrieves every query once and scores the fused results at each
// alpha. The returned metrics are in alphas order.
func (e *Evaluator) Sweep(ctx context.Context, queries []Query, gt GroundTruth, alphas []float64) ([]*Metrics, error) {
	if len(alphas) == 0 {
		return nil, errors.New("eval: no alphas given")
	}
	fusers := make([]FuseFunc, len(alphas))
	for i, a := range alphas {
		if math.IsNaN(a) || a < 0 || a > 1 {
			return nil, fmt.Errorf("%w: %v", fusion.ErrInvalidAlpha, a)
		}
		fusers[i] = AtAlpha(e.opts.Fuse, a)
	}
	return e.run(ctx, queries, gt, fusers, alphas)
}

func (e *Evaluator) run(ctx context.Context, queries []Query, gt GroundTruth, fusers []FuseFunc, alphas []float64) ([]*Metrics, error) {
	if err := Validate(queries, gt); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("eval").Start(ctx, "eval.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.Int("eval.queries", len(queries)), attribute.Int("eval.alphas", len(alphas)))

	start := time.Now()
	accs := make([]*accumulator, len(fusers))
	records := make([][]QueryResult, len(fusers))
	for i := range fusers {
		accs[i] = newAccumulator()
		records[i] = make([]QueryResult, len(queries))
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for qi, q := range queries {
		expected, _ := gt.Expected(q.ID)
		g.Go(func() error {
			results, err := e.query(gctx, q, expected, fusers)
			if err != nil {
				return err
			}
			mu.Lock()
			for i, r := range results {
				accs[i].add(r)
				records[i][qi] = r
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]*Metrics, len(fusers))
	for i := range fusers {
		m := accs[i].metrics(alphas[i])
		if e.opts.KeepQueries {
			m.Queries = records[i]
		}
		out[i] = m
		slog.Info("eval: evaluation complete", "alpha", alphas[i],
			"ap@1", m.APAt1, "mrr", m.MRR, "scored", m.Scored, "total", m.Total,
			"failed", m.Failed, "timed_out", m.TimedOut)
	}
	slog.Debug("eval: sweep finished", "queries", len(queries), "elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// query retrieves q once and scores it with every fuser. The error is
// non-nil only when the variant has to stop: cancellation or an error that
// is not a per-query data problem.
func (e *Evaluator) query(ctx context.Context, q Query, expected string, fusers []FuseFunc) ([]QueryResult, error) {
	ctx, span := otel.Tracer("eval").Start(ctx, "eval.query")
	defer span.End()
	span.SetAttributes(attribute.String("eval.qid", q.ID))

	start := time.Now()
	ch := e.retriever.Retrieve(ctx, q.Text, retrieval.Filter{AllowedIDs: q.Sources})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := QueryResult{
		QID:       q.ID,
		Category:  q.Category,
		Expected:  expected,
		VecHits:   len(ch.Vector),
		KwHits:    len(ch.Keyword),
		ElapsedMs: time.Since(start).Milliseconds(),
	}

	out := make([]QueryResult, len(fusers))
	if err := ch.Malformed(); err != nil {
		slog.Warn("eval: query failed", "qid", q.ID, "error", err)
		for i := range fusers {
			r := base
			r.Status = StatusFailed
			r.Error = err.Error()
			out[i] = r
		}
		span.SetAttributes(attribute.String("eval.status", StatusFailed))
		return out, nil
	}
	if ch.TimedOut() {
		slog.Warn("eval: query timed out", "qid", q.ID)
		for i := range fusers {
			r := base
			r.Status = StatusTimedOut
			r.Error = "retrieval timed out"
			out[i] = r
		}
		span.SetAttributes(attribute.String("eval.status", StatusTimedOut))
		return out, nil
	}

	for i, fuse := range fusers {
		r := base
		fused, err := fuse(ch.Vector, ch.Keyword)
		switch {
		case errors.Is(err, fusion.ErrMalformedScore):
			slog.Warn("eval: query failed", "qid", q.ID, "error", err)
			r.Status = StatusFailed
			r.Error = err.Error()
		case err != nil:
			return nil, fmt.Errorf("query %s: %w", q.ID, err)
		default:
			r.Status = StatusScored
			r.APAt1 = APAt1(fused, expected)
			r.RR = ReciprocalRank(fused, expected)
			r.Retrieved = make([]string, len(fused))
			for j, f := range fused {
				r.Retrieved[j] = f.ChunkID
			}
		}
		out[i] = r
	}
	span.SetAttributes(attribute.String("eval.status", out[0].Status))
	slog.Debug("eval: query scored", "qid", q.ID, "status", out[0].Status,
		"vec_hits", base.VecHits, "keyword_hits", base.KwHits)
	return out, nil
}
