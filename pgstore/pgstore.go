// Package pgstore is the Postgres hybrid index: pgvector for dense vectors
// and a generated tsvector column ranked with ts_rank_cd for keywords.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/index"
	"github.com/bbiangul/hybrideval/segment"
)

// maxHNSWDim is the largest dimension pgvector can build an HNSW index for.
const maxHNSWDim = 2000

// Store is a Postgres-backed index implementing both index.VectorIndex and
// index.KeywordIndex.
type Store struct {
	db  *sql.DB
	dim int
}

var (
	_ index.VectorIndex  = (*Store)(nil)
	_ index.KeywordIndex = (*Store)(nil)
)

// New connects to dsn and creates the schema if needed.
func New(ctx context.Context, dsn string, dim int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: db, dim: dim}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			variant TEXT NOT NULL,
			pid TEXT NOT NULL,
			content TEXT NOT NULL,
			keyword_content TEXT NOT NULL DEFAULT '',
			embedding vector(%d),
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', keyword_content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_chunks_variant_pid ON chunks (variant, pid)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks USING gin (tsv)`,
	}
	if s.dim <= maxHNSWDim {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops)`)
	} else {
		slog.Info("pgstore: dimension above hnsw limit, using exact scan", "dim", s.dim)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes chunks of variant, replacing rows with the same id.
func (s *Store) Upsert(ctx context.Context, variant string, chunks []index.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, variant, pid, content, keyword_content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			variant = EXCLUDED.variant,
			pid = EXCLUDED.pid,
			content = EXCLUDED.content,
			keyword_content = EXCLUDED.keyword_content,
			embedding = EXCLUDED.embedding`)
	if err != nil {
		return fmt.Errorf("pgstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var emb any
		if len(c.Embedding) > 0 {
			if len(c.Embedding) != s.dim {
				return fmt.Errorf("%w: chunk %s has %d, want %d", index.ErrDimensionMismatch, c.ID, len(c.Embedding), s.dim)
			}
			emb = pgvector.NewVector(c.Embedding)
		}
		keywords := c.Keywords
		if keywords == "" {
			keywords = segment.Segment(c.Content)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, variant, c.PID, c.Content, keywords, emb); err != nil {
			return fmt.Errorf("pgstore: upsert %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// DropVariant deletes all rows of variant.
func (s *Store) DropVariant(ctx context.Context, variant string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE variant = $1`, variant)
	return err
}

// SearchVectors ranks rows of variant by cosine similarity (1 - distance).
func (s *Store) SearchVectors(ctx context.Context, variant string, embedding []float32, pids []string, k int) ([]fusion.SearchHit, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", index.ErrDimensionMismatch, len(embedding), s.dim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, content, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE variant = $2
		  AND embedding IS NOT NULL
		  AND ($3::text[] IS NULL OR pid = ANY($3))
		ORDER BY embedding <=> $1, id
		LIMIT $4`,
		pgvector.NewVector(embedding), variant, pidsParam(pids), limitParam(k))
	if err != nil {
		return nil, fmt.Errorf("pgstore: vector search: %w", err)
	}
	return scanHits(rows)
}

// SearchKeywords ranks rows of variant by ts_rank_cd against the segmented
// query terms, any of which may match.
func (s *Store) SearchKeywords(ctx context.Context, variant string, query string, pids []string, k int) ([]fusion.SearchHit, error) {
	q := segment.WebSearchQuery(query)
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, content, ts_rank_cd(tsv, q) AS score
		FROM chunks, websearch_to_tsquery('simple', $1) q
		WHERE variant = $2
		  AND tsv @@ q
		  AND ($3::text[] IS NULL OR pid = ANY($3))
		ORDER BY score DESC, id
		LIMIT $4`,
		q, variant, pidsParam(pids), limitParam(k))
	if err != nil {
		return nil, fmt.Errorf("pgstore: keyword search: %w", err)
	}
	return scanHits(rows)
}

func scanHits(rows *sql.Rows) ([]fusion.SearchHit, error) {
	defer rows.Close()
	var hits []fusion.SearchHit
	for rows.Next() {
		var h fusion.SearchHit
		var score sql.NullFloat64
		if err := rows.Scan(&h.ChunkID, &h.Content, &score); err != nil {
			return nil, err
		}
		var err error
		if h.Score, err = hitScore(h.ChunkID, score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// hitScore validates a scanned score. NULL, NaN and infinities are
// fusion.ErrMalformedScore.
func hitScore(pid string, score sql.NullFloat64) (float64, error) {
	var raw any
	if score.Valid {
		raw = score.Float64
	}
	f, err := fusion.ParseScore(raw)
	if err != nil {
		return 0, fmt.Errorf("pgstore: pid %s: %w", pid, err)
	}
	return f, nil
}

func pidsParam(pids []string) any {
	if len(pids) == 0 {
		return nil
	}
	return pq.Array(pids)
}

// limitParam maps a non-positive k to LIMIT NULL, which Postgres treats as
// no limit.
func limitParam(k int) any {
	if k <= 0 {
		return nil
	}
	return k
}
