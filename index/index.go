// Package index defines the storage side of the hybrid index: the chunk
// record written at ingest, the vector and keyword index capabilities each
// backend implements, and adapters that expose a backend as a
// retrieval.Searcher for one variant.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/retrieval"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// Chunk is one indexed text segment of a source document.
type Chunk struct {
	ID        string    `json:"id"` // uuid, stable across re-ingest of the same text
	Variant   string    `json:"variant"`
	PID       string    `json:"pid"` // source document id, the retrieval unit
	Content   string    `json:"content"`
	Keywords  string    `json:"keywords"` // segmented form for BM25
	Embedding []float32 `json:"-"`
}

// Writer stores and removes chunks of a variant.
type Writer interface {
	Upsert(ctx context.Context, variant string, chunks []Chunk) error
	DropVariant(ctx context.Context, variant string) error
}

// VectorIndex answers dense-vector similarity queries. Hits are ordered by
// descending score and capped at k; a non-positive k returns every chunk of
// variant that passes the pid filter. A NULL or non-finite score is
// reported as fusion.ErrMalformedScore.
type VectorIndex interface {
	Writer
	SearchVectors(ctx context.Context, variant string, embedding []float32, pids []string, k int) ([]fusion.SearchHit, error)
}

// KeywordIndex answers BM25-style keyword queries. query is raw text; the
// backend segments it. k and score errors follow VectorIndex.
type KeywordIndex interface {
	Writer
	SearchKeywords(ctx context.Context, variant string, query string, pids []string, k int) ([]fusion.SearchHit, error)
}

// Embedder turns texts into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher exposes idx as the vector channel of variant. The query is
// embedded with emb before searching.
func VectorSearcher(idx VectorIndex, emb Embedder, variant string, k int) retrieval.Searcher {
	return retrieval.SearcherFunc(func(ctx context.Context, query string, filter retrieval.Filter) ([]fusion.SearchHit, error) {
		vecs, err := emb.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("empty embedding returned")
		}
		return idx.SearchVectors(ctx, variant, vecs[0], filter.AllowedIDs, k)
	})
}

// KeywordSearcher exposes idx as the keyword channel of variant.
func KeywordSearcher(idx KeywordIndex, variant string, k int) retrieval.Searcher {
	return retrieval.SearcherFunc(func(ctx context.Context, query string, filter retrieval.Filter) ([]fusion.SearchHit, error) {
		return idx.SearchKeywords(ctx, variant, query, filter.AllowedIDs, k)
	})
}

// SameBackend reports whether v and k are the same object, in which case a
// single Upsert covers both channels.
func SameBackend(v VectorIndex, k KeywordIndex) bool {
	vw, ok1 := v.(Writer)
	kw, ok2 := k.(Writer)
	return ok1 && ok2 && vw == kw
}
