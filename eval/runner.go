package eval

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultVariantWorkers is the number of variants evaluated at once.
const DefaultVariantWorkers = 5

// VariantResult is the outcome of one variant at one alpha. Exactly one of
// Metrics and Error is set.
type VariantResult struct {
	Variant string        `json:"variant"`
	Alpha   float64       `json:"alpha"`
	Metrics *Metrics      `json:"metrics,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// AlphaResult groups the variant results of one alpha.
type AlphaResult struct {
	Alpha    float64         `json:"alpha"`
	Variants []VariantResult `json:"variants"`
}

// Publisher receives every variant result as soon as it is known.
type Publisher interface {
	Publish(ctx context.Context, r VariantResult) error
}

// Runner evaluates several variants over a sweep of alphas.
type Runner struct {
	Variants    []string
	Queries     []Query
	GroundTruth GroundTruth

	// Retriever returns the retriever of a variant.
	Retriever func(variant string) (Retriever, error)

	// Workers bounds concurrent variants. Zero means DefaultVariantWorkers.
	Workers int
	Options Options

	// Publisher is optional. Publish failures are logged.
	Publisher Publisher
}

// Run evaluates every variant at every alpha. Each variant runs under its
// own context, so a variant that fails (bad configuration, unreachable
// backend) is reported in its VariantResult while the others continue.
// The error is non-nil only when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, alphas []float64) ([]AlphaResult, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultVariantWorkers
	}

	perVariant := make([][]VariantResult, len(r.Variants))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, variant := range r.Variants {
		g.Go(func() error {
			perVariant[i] = r.variant(ctx, variant, alphas)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]AlphaResult, len(alphas))
	for a, alpha := range alphas {
		out[a] = AlphaResult{Alpha: alpha, Variants: make([]VariantResult, len(r.Variants))}
		for v := range r.Variants {
			out[a].Variants[v] = perVariant[v][a]
		}
	}
	return out, nil
}

func (r *Runner) variant(parent context.Context, variant string, alphas []float64) []VariantResult {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ctx, span := otel.Tracer("eval").Start(ctx, "eval.variant")
	defer span.End()
	span.SetAttributes(attribute.String("eval.variant", variant))

	start := time.Now()
	results := make([]VariantResult, len(alphas))
	for i, a := range alphas {
		results[i] = VariantResult{Variant: variant, Alpha: a}
	}
	fail := func(err error) []VariantResult {
		slog.Error("eval: variant failed", "variant", variant, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for i := range results {
			results[i].Error = err.Error()
			results[i].Elapsed = time.Since(start)
			r.publish(parent, results[i])
		}
		return results
	}

	slog.Info("eval: variant started", "variant", variant, "queries", len(r.Queries))
	retriever, err := r.Retriever(variant)
	if err != nil {
		return fail(err)
	}
	ms, err := NewEvaluator(retriever, r.Options).Sweep(ctx, r.Queries, r.GroundTruth, alphas)
	if err != nil {
		return fail(err)
	}

	elapsed := time.Since(start)
	for i := range results {
		results[i].Metrics = ms[i]
		results[i].Elapsed = elapsed
		r.publish(parent, results[i])
	}
	slog.Info("eval: variant complete", "variant", variant, "elapsed", elapsed.Round(time.Millisecond))
	return results
}

func (r *Runner) publish(ctx context.Context, res VariantResult) {
	if r.Publisher == nil {
		return
	}
	if err := r.Publisher.Publish(ctx, res); err != nil {
		slog.Warn("eval: publishing result failed", "variant", res.Variant, "alpha", res.Alpha, "error", err)
	}
}
