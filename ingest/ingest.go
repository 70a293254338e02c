// Package ingest loads prepared variant text into the hybrid index: every
// document is chunked, embedded and written to the vector and keyword
// indexes of its variant.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bbiangul/hybrideval/chunker"
	"github.com/bbiangul/hybrideval/index"
	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/segment"
)

// DefaultMinChunkSize is the length below which a too-long chunk is no
// longer halved.
const DefaultMinChunkSize = 200

const batchSize = 32

// chunkNamespace scopes chunk uuids to this tool.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hybrideval/chunk"))

// ErrNoDocuments is returned when a variant directory holds no text files.
var ErrNoDocuments = errors.New("ingest: no documents found")

// Recorder persists a summary of each ingest.
type Recorder interface {
	RecordIngest(ctx context.Context, variant string, files, chunks, failed int) error
}

// Options tune an Ingester. Zero values select defaults.
type Options struct {
	Chunker      *chunker.Chunker
	MinChunkSize int
	Recorder     Recorder
}

// Ingester writes variant documents into a vector and a keyword index.
// When both are the same backend each chunk is written once.
type Ingester struct {
	vector   index.VectorIndex
	keyword  index.KeywordIndex
	embedder index.Embedder
	chunker  *chunker.Chunker
	minSize  int
	recorder Recorder
}

// New returns an Ingester.
func New(vector index.VectorIndex, keyword index.KeywordIndex, embedder index.Embedder, opts Options) *Ingester {
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(chunker.Config{})
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	return &Ingester{
		vector:   vector,
		keyword:  keyword,
		embedder: embedder,
		chunker:  opts.Chunker,
		minSize:  opts.MinChunkSize,
		recorder: opts.Recorder,
	}
}

// Result summarises one Variant call.
type Result struct {
	Variant string        `json:"variant"`
	Files   int           `json:"files"`
	Chunks  int           `json:"chunks"`
	Split   int           `json:"split"`  // chunks halved for being too long
	Failed  int           `json:"failed"` // chunks that could not be embedded
	Skipped []string      `json:"skipped,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Variant ingests every *.txt file in dir as a document of variant; the
// file stem is the document's pid. Unreadable files are logged and
// skipped. Index write errors abort the run.
func (in *Ingester) Variant(ctx context.Context, variant, dir string) (Result, error) {
	start := time.Now()
	res := Result{Variant: variant}

	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		return res, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}
	sort.Strings(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pid := strings.TrimSuffix(filepath.Base(path), ".txt")
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("ingest: skipping unreadable file", "file", path, "error", err)
			res.Skipped = append(res.Skipped, pid)
			continue
		}

		chunks, stats, err := in.document(ctx, variant, pid, string(data))
		if err != nil {
			return res, fmt.Errorf("ingesting %s: %w", pid, err)
		}
		res.Files++
		res.Chunks += len(chunks)
		res.Split += stats.split
		res.Failed += stats.failed
		slog.Info("ingest: document ready", "variant", variant, "pid", pid,
			"chunks", len(chunks), "split", stats.split, "failed", stats.failed)
	}

	if in.recorder != nil {
		if err := in.recorder.RecordIngest(ctx, variant, res.Files, res.Chunks, res.Failed); err != nil {
			slog.Warn("ingest: recording run failed", "variant", variant, "error", err)
		}
	}
	res.Elapsed = time.Since(start)
	slog.Info("ingest: variant complete", "variant", variant, "files", res.Files,
		"chunks", res.Chunks, "failed", res.Failed, "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

type docStats struct {
	split  int
	failed int
}

// document chunks, embeds and writes one document. It returns the chunks
// that were written.
func (in *Ingester) document(ctx context.Context, variant, pid, text string) ([]index.Chunk, docStats, error) {
	var pending []index.Chunk
	for i, piece := range in.chunker.Split(text) {
		pending = append(pending, in.newChunk(variant, pid, strconv.Itoa(i), piece))
	}
	if len(pending) == 0 {
		return nil, docStats{}, nil
	}

	chunks, stats, err := in.embedAll(ctx, pending)
	if err != nil {
		return nil, stats, err
	}
	if len(chunks) == 0 {
		return nil, stats, nil
	}
	if err := in.write(ctx, variant, chunks); err != nil {
		return nil, stats, err
	}
	return chunks, stats, nil
}

// Reset removes all indexed data of variant.
func (in *Ingester) Reset(ctx context.Context, variant string) error {
	if err := in.vector.DropVariant(ctx, variant); err != nil {
		return fmt.Errorf("dropping vector index: %w", err)
	}
	if !index.SameBackend(in.vector, in.keyword) {
		if err := in.keyword.DropVariant(ctx, variant); err != nil {
			return fmt.Errorf("dropping keyword index: %w", err)
		}
	}
	slog.Info("ingest: variant reset", "variant", variant)
	return nil
}

// newChunk builds a chunk whose id is derived from its position and text,
// so re-ingesting unchanged text replaces rows instead of duplicating them.
func (in *Ingester) newChunk(variant, pid, seq, content string) index.Chunk {
	name := variant + "\x00" + pid + "\x00" + seq + "\x00" + content
	return index.Chunk{
		ID:       uuid.NewSHA1(chunkNamespace, []byte(name)).String(),
		Variant:  variant,
		PID:      pid,
		Content:  content,
		Keywords: segment.Segment(content),
	}
}

// embedAll embeds chunks in batches. A batch that fails falls back to
// embedding each chunk individually so one oversized text does not lose
// the batch.
func (in *Ingester) embedAll(ctx context.Context, chunks []index.Chunk) ([]index.Chunk, docStats, error) {
	var out []index.Chunk
	var stats docStats

	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		batch := chunks[i:end]
		if len(batch) == 1 {
			embedded, err := in.embedOne(ctx, batch[0], 0, &stats)
			if err != nil {
				return nil, stats, err
			}
			out = append(out, embedded...)
			continue
		}

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}
		vecs, err := in.embedder.Embed(ctx, texts)
		if err == nil && len(vecs) == len(batch) {
			for j := range batch {
				batch[j].Embedding = vecs[j]
			}
			out = append(out, batch...)
			continue
		}
		if ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		if err != nil {
			slog.Warn("ingest: embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
		}
		for _, c := range batch {
			embedded, err := in.embedOne(ctx, c, 0, &stats)
			if err != nil {
				return nil, stats, err
			}
			out = append(out, embedded...)
		}
	}
	return out, stats, nil
}

// embedOne embeds c, halving it recursively while the model rejects it as
// too long. Other failures drop the chunk. Only context cancellation is
// returned as an error.
func (in *Ingester) embedOne(ctx context.Context, c index.Chunk, depth int, stats *docStats) ([]index.Chunk, error) {
	vecs, err := in.embedder.Embed(ctx, []string{c.Content})
	switch {
	case err == nil && len(vecs) == 1 && len(vecs[0]) > 0:
		c.Embedding = vecs[0]
		return []index.Chunk{c}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, llm.ErrContextTooLong) && utf8.RuneCountInString(c.Content) > in.minSize:
		stats.split++
		slog.Warn("ingest: chunk too long, splitting", "pid", c.PID, "chunk", c.ID,
			"chars", utf8.RuneCountInString(c.Content), "depth", depth)
		var out []index.Chunk
		for i, half := range in.chunker.Halve(c.Content) {
			part := in.newChunk(c.Variant, c.PID, c.ID+"."+strconv.Itoa(i), half)
			embedded, err := in.embedOne(ctx, part, depth+1, stats)
			if err != nil {
				return nil, err
			}
			out = append(out, embedded...)
		}
		return out, nil
	}
	if err == nil {
		err = errors.New("empty embedding returned")
	}
	stats.failed++
	slog.Warn("ingest: embedding chunk failed", "pid", c.PID, "chunk", c.ID, "error", err)
	return nil, nil
}

// write stores chunks in the vector index and, for a separate keyword
// backend, in the keyword index without their embeddings.
func (in *Ingester) write(ctx context.Context, variant string, chunks []index.Chunk) error {
	if err := in.vector.Upsert(ctx, variant, chunks); err != nil {
		return fmt.Errorf("writing vector index: %w", err)
	}
	if index.SameBackend(in.vector, in.keyword) {
		return nil
	}
	plain := make([]index.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = nil
		plain[i] = c
	}
	if err := in.keyword.Upsert(ctx, variant, plain); err != nil {
		return fmt.Errorf("writing keyword index: %w", err)
	}
	return nil
}
