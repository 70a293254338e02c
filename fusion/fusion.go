// Package fusion merges the dense-vector and keyword retrieval channels
// into a single ranked list.
package fusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// TopK is the number of fused results returned per query.
const TopK = 3

var (
	// ErrMalformedScore is returned when a channel score is missing,
	// non-numeric, NaN or infinite. The query that produced it is failed.
	ErrMalformedScore = errors.New("fusion: malformed score")

	// ErrInvalidAlpha is returned for an interpolation weight outside [0,1].
	ErrInvalidAlpha = errors.New("fusion: alpha outside [0,1]")
)

// SearchHit is one result from a single retrieval channel.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// FusedResult is a chunk scored by both channels.
type FusedResult struct {
	ChunkID     string  `json:"chunk_id"`
	Content     string  `json:"content"`
	VectorScore float64 `json:"vector_score"`
	BM25Score   float64 `json:"bm25_score"`
	FinalScore  float64 `json:"final_score"`
}

// Func is the signature shared by the fusion methods, so the evaluator can
// be run with either.
type Func func(vectorHits, bm25Hits []SearchHit, alpha float64) ([]FusedResult, error)

// Fuse combines vector and keyword hits with a linear interpolation:
//
//	final = alpha*vector + (1-alpha)*bm25
//
// A chunk present in only one channel scores 0 in the other. When a channel
// lists the same chunk more than once the highest score is kept. Results are
// ordered by final score descending, then chunk id ascending, and truncated
// to TopK. Two empty inputs yield an empty, non-nil slice.
func Fuse(vectorHits, bm25Hits []SearchHit, alpha float64) ([]FusedResult, error) {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, alpha)
	}

	merged := make(map[string]*FusedResult, len(vectorHits)+len(bm25Hits))

	for _, h := range vectorHits {
		if err := checkScore(h, "vector"); err != nil {
			return nil, err
		}
		e, ok := merged[h.ChunkID]
		if !ok {
			merged[h.ChunkID] = &FusedResult{ChunkID: h.ChunkID, Content: h.Content, VectorScore: h.Score}
			continue
		}
		if h.Score > e.VectorScore {
			e.VectorScore = h.Score
			e.Content = h.Content
		}
	}

	seenBM25 := make(map[string]bool, len(bm25Hits))
	for _, h := range bm25Hits {
		if err := checkScore(h, "bm25"); err != nil {
			return nil, err
		}
		e, ok := merged[h.ChunkID]
		if !ok {
			merged[h.ChunkID] = &FusedResult{ChunkID: h.ChunkID, Content: h.Content, BM25Score: h.Score}
			seenBM25[h.ChunkID] = true
			continue
		}
		if !seenBM25[h.ChunkID] || h.Score > e.BM25Score {
			e.BM25Score = h.Score
			seenBM25[h.ChunkID] = true
		}
	}

	out := make([]FusedResult, 0, len(merged))
	for _, e := range merged {
		e.FinalScore = alpha*e.VectorScore + (1-alpha)*e.BM25Score
		out = append(out, *e)
	}
	return rank(out), nil
}

// rank sorts by final score descending with chunk id as the secondary key
// and truncates to TopK.
func rank(results []FusedResult) []FusedResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > TopK {
		results = results[:TopK]
	}
	return results
}

func checkScore(h SearchHit, channel string) error {
	if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
		return fmt.Errorf("%w: %s hit %q has score %v", ErrMalformedScore, channel, h.ChunkID, h.Score)
	}
	return nil
}

// ParseScore converts a raw score reported by a search backend into a
// float64. Backends that return scores as strings or untyped JSON values go
// through here so missing and non-numeric scores surface as
// ErrMalformedScore instead of silently becoming zero.
func ParseScore(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrMalformedScore)
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		p, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedScore, v.String())
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedScore, v)
		}
		f = p
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformedScore, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrMalformedScore, f)
	}
	return f, nil
}
