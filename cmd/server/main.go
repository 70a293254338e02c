package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/eval"
	"github.com/bbiangul/hybrideval/publish"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := hybrideval.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	apiKey := os.Getenv("HYBRIDEVAL_API_KEY")
	corsOrigins := os.Getenv("HYBRIDEVAL_CORS_ORIGINS")

	engine, err := hybrideval.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	var publisher eval.Publisher
	if cfg.NATSURL != "" {
		p, err := publish.Connect(cfg.NATSURL, "")
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
		slog.Info("publishing results", "nats", cfg.NATSURL, "subject", p.Subject("<variant>"))
	}

	h := newHandler(engine, publisher)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("POST /evaluate", h.handleEvaluate)
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("DELETE /variants/{variant}", h.handleReset)
	mux.HandleFunc("GET /health", h.handleHealth)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      chain(mux, apiKey, corsOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // evaluation runs synchronously and can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "backend", cfg.Backend, "variants", cfg.Variants)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
