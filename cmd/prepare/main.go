// Command prepare turns page images into the per-document text of each
// preparation variant.
//
//	go run ./cmd/prepare --variants Tess,Ours
//
// Tess runs first when selected, since the OCR-based variants read its
// output.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/ocr"
	"github.com/bbiangul/hybrideval/prepare"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (YAML)")
		variants   = flag.String("variants", strings.Join(prepare.Variants, ","), "Comma-separated variants to prepare")
		imgDir     = flag.String("img-dir", "", "Page image folder (default: config image_dir)")
		resultDir  = flag.String("result-dir", "", "Output folder (default: config result_dir)")
		keepErrors = flag.Bool("keep-errors", false, "Write ERROR for failed pages instead of failing the document")
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
	if *imgDir == "" {
		*imgDir = cfg.ImageDir
	}
	if *resultDir == "" {
		*resultDir = cfg.ResultDir
	}

	deps := prepare.Deps{
		OCR:       ocr.Tesseract{Language: cfg.OCRLanguage},
		MaxTokens: cfg.Vision.MaxTokens,
	}
	if cfg.Chat.Provider != "" {
		if deps.Chat, err = llm.NewProvider(cfg.ProviderConfig(cfg.Chat)); err != nil {
			log.Fatalf("creating chat provider: %v", err)
		}
	}
	if cfg.Vision.Provider != "" {
		if deps.Vision, err = llm.NewVisionProvider(cfg.ProviderConfig(cfg.Vision)); err != nil {
			log.Fatalf("creating vision provider: %v", err)
		}
	}

	p := &prepare.Pipeline{
		ImageDir:   *imgDir,
		ResultDir:  *resultDir,
		Workers:    cfg.PageWorkers,
		KeepErrors: *keepErrors || cfg.KeepErrors,
		Deps:       deps,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, v := range ordered(strings.Split(*variants, ",")) {
		sum, err := p.Run(ctx, v)
		switch {
		case errors.Is(err, prepare.ErrProviderRequired):
			slog.Error("skipping variant", "variant", v, "error", err)
			continue
		case err != nil:
			log.Fatalf("preparing %s: %v", v, err)
		}
		slog.Info("variant prepared", "variant", v, "documents", sum.Documents, "pages", sum.Pages,
			"page_errors", sum.PageErrors, "failed", len(sum.Failed), "elapsed", sum.Elapsed)
	}
}

// ordered returns the requested variants in pipeline order.
func ordered(requested []string) []string {
	want := make(map[string]bool)
	for _, r := range requested {
		if r = strings.TrimSpace(r); r != "" {
			want[r] = true
		}
	}
	var out []string
	for _, v := range prepare.Variants {
		if want[v] {
			out = append(out, v)
			delete(want, v)
		}
	}
	for v := range want {
		log.Fatalf("%v: %q", prepare.ErrUnknownVariant, v)
	}
	return out
}
