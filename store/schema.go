package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Chunks of every variant; pid is the source document id
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    variant TEXT NOT NULL,
    pid TEXT NOT NULL,
    content TEXT NOT NULL,
    keyword_content TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- BM25 over the segmented keyword text via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    keyword_content,
    content='chunks',
    content_rowid='id',
    tokenize='unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, keyword_content) VALUES (new.id, new.keyword_content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, keyword_content) VALUES ('delete', old.id, old.keyword_content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, keyword_content) VALUES ('delete', old.id, old.keyword_content);
    INSERT INTO chunks_fts(rowid, keyword_content) VALUES (new.id, new.keyword_content);
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_variant_pid ON chunks(variant, pid);
`, embeddingDim)
}
