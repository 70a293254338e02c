package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bbiangul/hybrideval"
	"github.com/bbiangul/hybrideval/eval"
	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/ingest"
)

type handler struct {
	engine    hybrideval.Engine
	publisher eval.Publisher
}

func newHandler(e hybrideval.Engine, p eval.Publisher) *handler {
	return &handler{engine: e, publisher: p}
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Variant string   `json:"variant"`
		Query   string   `json:"query"`
		Sources []string `json:"sources,omitempty"`
		Alpha   *float64 `json:"alpha,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Variant == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "variant and query are required")
		return
	}

	opts := []hybrideval.SearchOption{hybrideval.WithSources(req.Sources...)}
	if req.Alpha != nil {
		opts = append(opts, hybrideval.WithAlpha(*req.Alpha))
	}
	res, err := h.engine.Search(ctx, req.Variant, req.Query, opts...)
	if err != nil {
		writeEngineError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /evaluate
// Runs synchronously; the response carries every variant at every alpha.
func (h *handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Alpha       *float64  `json:"alpha,omitempty"`
		Alphas      []float64 `json:"alphas,omitempty"`
		Variants    []string  `json:"variants,omitempty"`
		WithQueries bool      `json:"with_queries,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	alphas := req.Alphas
	if req.Alpha != nil {
		alphas = append([]float64{*req.Alpha}, alphas...)
	}

	var opts []hybrideval.EvalOption
	if len(req.Variants) > 0 {
		opts = append(opts, hybrideval.WithVariants(req.Variants...))
	}
	if req.WithQueries {
		opts = append(opts, hybrideval.WithQueryResults())
	}
	if h.publisher != nil {
		opts = append(opts, hybrideval.WithPublisher(h.publisher))
	}

	start := time.Now()
	results, err := h.engine.Evaluate(ctx, alphas, opts...)
	if err != nil {
		writeEngineError(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":    results,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

// POST /ingest
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Variant string `json:"variant"`
		Dir     string `json:"dir"`
		Reset   bool   `json:"reset,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Variant == "" || req.Dir == "" {
		writeError(w, http.StatusBadRequest, "variant and dir are required")
		return
	}
	if req.Reset {
		if err := h.engine.Reset(ctx, req.Variant); err != nil {
			writeEngineError(w, "reset", err)
			return
		}
	}
	res, err := h.engine.Ingest(ctx, req.Variant, req.Dir)
	if err != nil {
		writeEngineError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /variants/{variant}
func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	variant := r.PathValue("variant")
	if err := h.engine.Reset(r.Context(), variant); err != nil {
		writeEngineError(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "variant": variant})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps engine errors to status codes. Unexpected errors
// are logged and reported without detail.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, hybrideval.ErrUnknownVariant):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fusion.ErrInvalidAlpha),
		errors.Is(err, hybrideval.ErrInvalidConfig),
		errors.Is(err, eval.ErrNoQueries),
		errors.Is(err, eval.ErrMissingGroundTruth),
		errors.Is(err, ingest.ErrNoDocuments):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fusion.ErrMalformedScore):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, hybrideval.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		slog.Error(op+" error", "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
