//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/index"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("schema_version rows: got %d, want %d", n, len(migrations))
	}
}

// ---------------------------------------------------------------------------
// Write path
// ---------------------------------------------------------------------------

func sampleChunks() []index.Chunk {
	return []index.Chunk{
		{ID: "u1", PID: "101", Content: "2023年 營業收入 成長", Embedding: []float32{1, 0, 0, 0}},
		{ID: "u2", PID: "102", Content: "現金股利 每股 3.5 元", Embedding: []float32{0, 1, 0, 0}},
		{ID: "u3", PID: "103", Content: "董事會 決議 dividend policy", Embedding: []float32{0.7, 0.7, 0, 0}},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 variant, got %d", len(stats))
	}
	if stats[0].Chunks != 3 || stats[0].Documents != 3 || stats[0].Embeddings != 3 {
		t.Errorf("stats: %+v", stats[0])
	}
}

func TestUpsertDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), "Ours", []index.Chunk{
		{ID: "bad", PID: "1", Content: "x", Embedding: []float32{1, 2}},
	})
	if !errors.Is(err, index.ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestUpsertWithoutEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Tess", []index.Chunk{{ID: "k1", PID: "9", Content: "keyword only"}}); err != nil {
		t.Fatal(err)
	}
	hits, err := s.SearchKeywords(ctx, "Tess", "keyword", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "9" {
		t.Errorf("hits: %+v", hits)
	}
}

func TestDropVariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "Tess", sampleChunks()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := s.DropVariant(ctx, "Ours"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	hits, err := s.SearchVectors(ctx, "Ours", []float32{1, 0, 0, 0}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits after drop, got %d", len(hits))
	}
	stats, _ := s.Stats(ctx)
	if len(stats) != 1 || stats[0].Variant != "Tess" {
		t.Errorf("stats after drop: %+v", stats)
	}
}

func TestRecordIngest(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordIngest(context.Background(), "Ours", 3, 12, 1); err != nil {
		t.Fatal(err)
	}
	var chunks int
	if err := s.DB().QueryRow("SELECT chunks FROM ingest_runs WHERE variant = 'Ours'").Scan(&chunks); err != nil {
		t.Fatal(err)
	}
	if chunks != 12 {
		t.Errorf("chunks: got %d, want 12", chunks)
	}
}

// ---------------------------------------------------------------------------
// Read path
// ---------------------------------------------------------------------------

func TestSearchVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchVectors(ctx, "Ours", []float32{1, 0, 0, 0}, nil, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ChunkID != "101" {
		t.Errorf("top hit: got %s, want 101", hits[0].ChunkID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("exact match score: got %v", hits[0].Score)
	}
	if hits[1].ChunkID != "103" {
		t.Errorf("second hit: got %s, want 103", hits[1].ChunkID)
	}
	if hits[0].Content == "" {
		t.Error("expected content on hit")
	}
}

func TestSearchVectorsPIDFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchVectors(ctx, "Ours", []float32{1, 0, 0, 0}, []string{"102", "103"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.ChunkID == "101" {
			t.Error("pid 101 should have been filtered out")
		}
	}
}

func TestSearchVectorsIsolatesVariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}
	hits, err := s.SearchVectors(ctx, "Tess", []float32{1, 0, 0, 0}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("other variant leaked %d hits", len(hits))
	}
}

func TestSearchVectorsDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SearchVectors(context.Background(), "Ours", []float32{1}, nil, 3)
	if !errors.Is(err, index.ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestSearchKeywords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchKeywords(ctx, "Ours", "現金股利是多少", nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].ChunkID != "102" {
		t.Errorf("top hit: got %s, want 102", hits[0].ChunkID)
	}
	if hits[0].Score <= 0 {
		t.Errorf("expected positive BM25 score, got %v", hits[0].Score)
	}
	if hits[0].Content != "現金股利 每股 3.5 元" {
		t.Errorf("expected original content, got %q", hits[0].Content)
	}
}

func TestSearchKeywordsNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchKeywords(ctx, "Ours", "xyzzy", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}

	// Only stop words and punctuation: no query is issued.
	hits, err = s.SearchKeywords(ctx, "Ours", "the ?!", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hits != nil {
		t.Errorf("expected nil, got %v", hits)
	}
}

func TestSearchKeywordsPIDFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, "Ours", sampleChunks()); err != nil {
		t.Fatal(err)
	}
	hits, err := s.SearchKeywords(ctx, "Ours", "dividend 現金股利", []string{"103"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "103" {
		t.Errorf("hits: %+v", hits)
	}
}

func TestScanScore(t *testing.T) {
	negate := func(r float64) float64 { return -r }

	got, err := scanScore("101", sql.NullFloat64{Float64: -2.5, Valid: true}, negate)
	if err != nil || got != 2.5 {
		t.Fatalf("got %v, %v; want 2.5", got, err)
	}

	tests := []struct {
		name string
		v    sql.NullFloat64
	}{
		{"null", sql.NullFloat64{}},
		{"nan", sql.NullFloat64{Float64: math.NaN(), Valid: true}},
		{"inf", sql.NullFloat64{Float64: math.Inf(-1), Valid: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := scanScore("101", tt.v, negate); !errors.Is(err, fusion.ErrMalformedScore) {
				t.Errorf("got %v, want ErrMalformedScore", err)
			}
		})
	}
}
