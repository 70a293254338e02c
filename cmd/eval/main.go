// Command eval scores every preparation variant over a sweep of fusion
// weights and writes the run artifacts.
//
//	go run ./cmd/eval --alphas 1.0,0.5,0.0
//	go run ./cmd/eval --alpha 0.3 --variants Tess,Ours --with-queries
//
// Each run gets evals/runs/<timestamp>/ holding eval.log, metadata.json,
// results.json and results.xlsx. With nats_url configured every variant
// result is also published on eval.results.<variant>.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/eval"
	"github.com/bbiangul/hybrideval/publish"
	"github.com/bbiangul/hybrideval/report"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (YAML)")
		alpha       = flag.String("alpha", "", "Single alpha to evaluate (overrides --alphas)")
		alphaList   = flag.String("alphas", "", "Comma-separated alpha sweep (default: config alphas)")
		variants    = flag.String("variants", "", "Comma-separated variants (default: config variants)")
		questions   = flag.String("questions", "", "Question file (default: config questions_path)")
		groundTruth = flag.String("ground-truth", "", "Ground-truth file (default: config ground_truth_path)")
		fusionName  = flag.String("fusion", "", "Fusion method: linear or rrf (default: config fusion_method)")
		runsDir     = flag.String("runs-dir", "evals/runs", "Parent folder of run directories")
		withQueries = flag.Bool("with-queries", false, "Include per-query records in results.json")
		noPublish   = flag.Bool("no-publish", false, "Do not publish results even if nats_url is set")
		verbose     = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()
	totalStart := time.Now()

	// --- Run artifact directory ---
	run, err := report.NewRun(*runsDir)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Run directory: %s\n", run.Dir)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logFile, err := run.TeeLog(level)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()

	cfg, err := hybrideval.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *questions != "" {
		cfg.QuestionsPath = *questions
	}
	if *groundTruth != "" {
		cfg.GroundTruthPath = *groundTruth
	}
	if *fusionName != "" {
		cfg.FusionMethod = *fusionName
	}
	if *variants != "" {
		cfg.Variants = strings.Split(*variants, ",")
	}
	alphas, err := resolveAlphas(*alpha, *alphaList, cfg.Alphas)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Alphas = alphas
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	queries, err := eval.LoadQueries(cfg.QuestionsPath)
	if err != nil {
		log.Fatalf("loading questions: %v", err)
	}
	gt, err := eval.LoadGroundTruth(cfg.GroundTruthPath)
	if err != nil {
		log.Fatalf("loading ground truth: %v", err)
	}

	run.Set("config", redacted(cfg))
	run.Set("queries", len(queries))
	run.Set("categories", eval.Categories(queries))
	if err := run.WriteMetadata(); err != nil {
		log.Fatal(err)
	}

	engine, err := hybrideval.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	defer engine.Close()

	opts := []hybrideval.EvalOption{
		hybrideval.WithDataset(queries, gt),
		hybrideval.WithVariants(cfg.Variants...),
	}
	if *withQueries {
		opts = append(opts, hybrideval.WithQueryResults())
	}
	if cfg.NATSURL != "" && !*noPublish {
		p, err := publish.Connect(cfg.NATSURL, "")
		if err != nil {
			log.Fatalf("connecting to nats: %v", err)
		}
		defer p.Close()
		opts = append(opts, hybrideval.WithPublisher(p))
		run.Set("nats_url", cfg.NATSURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("evaluation starting", "variants", cfg.Variants, "alphas", alphas,
		"queries", len(queries), "fusion", cfg.FusionMethod, "backend", cfg.Backend)
	evalStart := time.Now()
	results, err := engine.Evaluate(ctx, alphas, opts...)
	if err != nil {
		log.Fatalf("evaluation: %v", err)
	}

	// Update metadata with timing
	run.Set("eval_elapsed", time.Since(evalStart).Round(time.Millisecond).String())
	run.Set("total_elapsed", time.Since(totalStart).Round(time.Millisecond).String())
	if best := report.Best(results); len(best) > 0 {
		summary := make(map[string]float64, len(best))
		for _, b := range best {
			summary[b.Variant] = b.Alpha
		}
		run.Set("best_alpha", summary)
	}
	if err := run.WriteMetadata(); err != nil {
		log.Fatal(err)
	}
	if err := run.WriteResults(results); err != nil {
		log.Fatal(err)
	}
	if err := report.WriteWorkbook(run.Path(report.WorkbookFile), results); err != nil {
		slog.Error("writing workbook", "error", err)
	}

	report.PrintTable(os.Stdout, results)
	fmt.Fprintf(os.Stderr, "\nRun directory: %s\n", run.Dir)
}

// resolveAlphas picks --alpha, then --alphas, then the configured sweep.
func resolveAlphas(single, list string, fallback []float64) ([]float64, error) {
	switch {
	case single != "":
		a, err := strconv.ParseFloat(single, 64)
		if err != nil || math.IsNaN(a) || a < 0 || a > 1 {
			return nil, fmt.Errorf("invalid --alpha %q: must be a number in [0,1]", single)
		}
		return []float64{a}, nil
	case list != "":
		return hybrideval.ParseAlphas(list)
	default:
		return fallback, nil
	}
}

// redacted returns cfg without credentials, for metadata.json.
func redacted(cfg hybrideval.Config) hybrideval.Config {
	for _, l := range []*hybrideval.LLMConfig{&cfg.Chat, &cfg.Embedding, &cfg.Vision} {
		if l.APIKey != "" {
			l.APIKey = "***"
		}
	}
	if cfg.PostgresDSN != "" {
		cfg.PostgresDSN = "***"
	}
	return cfg
}
