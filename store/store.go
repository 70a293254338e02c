// Package store is the SQLite hybrid index: sqlite-vec for dense vectors
// and FTS5 BM25 over segmented keyword text, one row set per variant.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/index"
	"github.com/bbiangul/hybrideval/segment"
)

func init() {
	sqlite_vec.Auto()
}

// VariantStats summarises the indexed content of one variant.
type VariantStats struct {
	Variant    string `json:"variant"`
	Chunks     int    `json:"chunks"`
	Documents  int    `json:"documents"`
	Embeddings int    `json:"embeddings"`
}

// Store wraps the SQLite database for all index persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Write path ---

// Upsert stores chunks for variant. Rows are keyed by chunk uuid so
// re-ingesting the same chunk replaces it. Chunks without an embedding
// are indexed for keyword search only.
func (s *Store) Upsert(ctx context.Context, variant string, chunks []index.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) > 0 && len(c.Embedding) != s.embeddingDim {
			return fmt.Errorf("%w: chunk %s has %d, want %d",
				index.ErrDimensionMismatch, c.ID, len(c.Embedding), s.embeddingDim)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chunks {
			keywords := c.Keywords
			if keywords == "" {
				keywords = segment.Segment(c.Content)
			}

			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO chunks (uuid, variant, pid, content, keyword_content, content_hash)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(uuid) DO UPDATE SET
					variant = excluded.variant,
					pid = excluded.pid,
					content = excluded.content,
					keyword_content = excluded.keyword_content,
					content_hash = excluded.content_hash
				RETURNING id
			`, c.ID, variant, c.PID, c.Content, keywords, contentHash(c.Content)).Scan(&id)
			if err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
			}

			if len(c.Embedding) == 0 {
				continue
			}
			blob, err := sqlite_vec.SerializeFloat32(c.Embedding)
			if err != nil {
				return fmt.Errorf("serializing embedding: %w", err)
			}
			// vec0 has no upsert; delete then insert.
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id = ?", id); err != nil {
				return fmt.Errorf("clearing embedding %d: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)", id, blob); err != nil {
				return fmt.Errorf("inserting embedding %d: %w", id, err)
			}
		}
		return nil
	})
}

// DropVariant removes every chunk and embedding of variant.
func (s *Store) DropVariant(ctx context.Context, variant string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE variant = ?)", variant); err != nil {
			return fmt.Errorf("deleting embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE variant = ?", variant); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		return nil
	})
}

// RecordIngest stores a summary row for a finished ingest of variant.
func (s *Store) RecordIngest(ctx context.Context, variant string, files, chunks, failed int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ingest_runs (variant, files, chunks, failed) VALUES (?, ?, ?, ?)",
		variant, files, chunks, failed)
	return err
}

// --- Read path ---

// SearchVectors ranks the chunks of variant by cosine similarity to
// embedding. When pids is non-empty only chunks of those documents are
// considered. Score is 1 - cosine distance.
func (s *Store) SearchVectors(ctx context.Context, variant string, embedding []float32, pids []string, k int) ([]fusion.SearchHit, error) {
	if len(embedding) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query has %d, want %d", index.ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serializing query embedding: %w", err)
	}

	// The candidate set is restricted by pid before ranking, so an exact
	// scan replaces the vec0 KNN operator (which cannot pre-filter).
	q := `
		SELECT c.pid, c.content, vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE c.variant = ?`
	args := []any{blob, variant}
	q, args = withPIDFilter(q, args, pids)
	q += `
		ORDER BY distance, c.id
		LIMIT ?`
	args = append(args, limitOrAll(k))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []fusion.SearchHit
	for rows.Next() {
		var h fusion.SearchHit
		var distance sql.NullFloat64
		if err := rows.Scan(&h.ChunkID, &h.Content, &distance); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		h.Score, err = scanScore(h.ChunkID, distance, func(d float64) float64 { return 1 - d })
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchKeywords runs an FTS5 BM25 query over the segmented keyword text of
// variant. query is raw text and is segmented here.
func (s *Store) SearchKeywords(ctx context.Context, variant string, query string, pids []string, k int) ([]fusion.SearchHit, error) {
	match := segment.FTSQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `
		SELECT c.pid, c.content, f.rank
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		WHERE chunks_fts MATCH ? AND c.variant = ?`
	args := []any{match, variant}
	q, args = withPIDFilter(q, args, pids)
	q += `
		ORDER BY f.rank, c.id
		LIMIT ?`
	args = append(args, limitOrAll(k))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []fusion.SearchHit
	for rows.Next() {
		var h fusion.SearchHit
		var rank sql.NullFloat64
		if err := rows.Scan(&h.ChunkID, &h.Content, &rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		h.Score, err = scanScore(h.ChunkID, rank, func(r float64) float64 { return -r })
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Stats returns per-variant counts, ordered by variant name.
func (s *Store) Stats(ctx context.Context) ([]VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.variant, COUNT(*), COUNT(DISTINCT c.pid), COUNT(v.chunk_id)
		FROM chunks c
		LEFT JOIN vec_chunks v ON v.chunk_id = c.id
		GROUP BY c.variant
		ORDER BY c.variant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VariantStats
	for rows.Next() {
		var st VariantStats
		if err := rows.Scan(&st.Variant, &st.Chunks, &st.Documents, &st.Embeddings); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func withPIDFilter(q string, args []any, pids []string) (string, []any) {
	if len(pids) == 0 {
		return q, args
	}
	q += " AND c.pid IN (?" + strings.Repeat(", ?", len(pids)-1) + ")"
	for _, p := range pids {
		args = append(args, p)
	}
	return q, args
}

// limitOrAll maps a non-positive k to SQLite's "no limit".
func limitOrAll(k int) int {
	if k <= 0 {
		return -1
	}
	return k
}

// scanScore converts a scanned distance or rank to a higher-is-better
// score. NULL and non-finite values are fusion.ErrMalformedScore.
func scanScore(pid string, v sql.NullFloat64, convert func(float64) float64) (float64, error) {
	if !v.Valid {
		return 0, fmt.Errorf("%w: null score for %s", fusion.ErrMalformedScore, pid)
	}
	score, err := fusion.ParseScore(convert(v.Float64))
	if err != nil {
		return 0, fmt.Errorf("pid %s: %w", pid, err)
	}
	return score, nil
}

func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
