// Command augment asks the chat model for nine rewrites of every question
// and writes the augmented question set.
//
//	go run ./cmd/augment --in data/dataset/question_finance.json \
//	  --out data/dataset/question_finance_augmented.json
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/eval"
	"github.com/bbiangul/hybrideval/llm"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (YAML)")
		in         = flag.String("in", "data/dataset/question_finance.json", "Question file to augment")
		out        = flag.String("out", "", "Output file (default: config questions_path)")
		limit      = flag.Int("limit", 0, "Only augment the first N questions (0 = all)")
		verbose    = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := hybrideval.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *out == "" {
		*out = cfg.QuestionsPath
	}

	queries, err := eval.LoadQueries(*in)
	if err != nil {
		log.Fatalf("loading questions: %v", err)
	}
	if *limit > 0 && len(queries) > *limit {
		queries = queries[:*limit]
	}

	chat, err := llm.NewProvider(cfg.ProviderConfig(cfg.Chat))
	if err != nil {
		log.Fatalf("creating chat provider: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	aug := eval.NewAugmenter(chat, cfg.Chat.Model, cfg.Chat.MaxTokens, eval.DefaultAugmentRetry)
	augmented, sum, err := aug.Augment(ctx, queries)
	if err != nil {
		slog.Error("augment interrupted, writing partial output", "error", err)
	}
	if err := eval.SaveQueries(*out, augmented); err != nil {
		log.Fatalf("writing %s: %v", *out, err)
	}
	slog.Info("augment complete", "questions", sum.Questions, "augmented", sum.Augmented,
		"skipped", len(sum.Skipped), "written", len(augmented), "out", *out,
		"elapsed", time.Since(start).Round(time.Second))
	for _, qid := range sum.Skipped {
		slog.Warn("question not augmented", "qid", qid)
	}
}
