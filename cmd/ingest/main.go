// Command ingest chunks, embeds and indexes the prepared text of each
// variant.
//
//	go run ./cmd/ingest --variants Tess,Ours --reset
//
// Documents are read from <result-dir>/<variant>/*.txt; each file stem is
// the document's source id.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bbiangul/hybrideval"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (YAML)")
		variants   = flag.String("variants", "", "Comma-separated variants (default: config variants)")
		resultDir  = flag.String("result-dir", "", "Prepared text folder (default: config result_dir)")
		reset      = flag.Bool("reset", false, "Drop each variant's indexed data before ingesting")
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
	if *resultDir == "" {
		*resultDir = cfg.ResultDir
	}
	list := cfg.Variants
	if *variants != "" {
		list = strings.Split(*variants, ",")
	}

	engine, err := hybrideval.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, v := range list {
		v = strings.TrimSpace(v)
		if *reset {
			if err := engine.Reset(ctx, v); err != nil {
				log.Fatalf("resetting %s: %v", v, err)
			}
		}
		res, err := engine.Ingest(ctx, v, filepath.Join(*resultDir, v))
		if err != nil {
			if ctx.Err() != nil {
				log.Fatalf("interrupted: %v", ctx.Err())
			}
			slog.Error("ingest failed", "variant", v, "error", err)
			failed++
			continue
		}
		slog.Info("variant ingested", "variant", v, "files", res.Files, "chunks", res.Chunks,
			"split", res.Split, "failed_chunks", res.Failed, "elapsed", res.Elapsed)
	}
	if failed > 0 {
		engine.Close()
		log.Fatalf("%d of %d variants failed", failed, len(list))
	}
}
