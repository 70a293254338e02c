package fusion

import (
	"fmt"
	"math"
)

// RRFK is the reciprocal rank fusion constant (standard value from literature).
const RRFK = 60

// FuseRRF implements Reciprocal Rank Fusion over the two channels. Each list
// is ranked independently and scores are combined as
//
//	score = alpha/(k + rank_vec) + (1-alpha)/(k + rank_bm25)
//
// so alpha keeps the same meaning as in Fuse. The raw channel scores are
// still reported on each result. Duplicate chunk ids within a channel keep
// their best (first) rank.
func FuseRRF(vectorHits, bm25Hits []SearchHit, alpha float64) ([]FusedResult, error) {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, alpha)
	}

	fused := make(map[string]*FusedResult)

	add := func(hits []SearchHit, weight float64, channel string, setScore func(*FusedResult, float64)) error {
		seen := make(map[string]bool, len(hits))
		pos := 0
		for _, h := range hits {
			if err := checkScore(h, channel); err != nil {
				return err
			}
			if seen[h.ChunkID] {
				continue
			}
			seen[h.ChunkID] = true
			pos++

			e, ok := fused[h.ChunkID]
			if !ok {
				e = &FusedResult{ChunkID: h.ChunkID, Content: h.Content}
				fused[h.ChunkID] = e
			}
			setScore(e, h.Score)
			e.FinalScore += weight / float64(RRFK+pos)
		}
		return nil
	}

	if err := add(vectorHits, alpha, "vector", func(e *FusedResult, s float64) { e.VectorScore = s }); err != nil {
		return nil, err
	}
	if err := add(bm25Hits, 1-alpha, "bm25", func(e *FusedResult, s float64) { e.BM25Score = s }); err != nil {
		return nil, err
	}

	out := make([]FusedResult, 0, len(fused))
	for _, e := range fused {
		out = append(out, *e)
	}
	return rank(out), nil
}

// ByName returns the fusion method registered under name ("linear" or "rrf").
// An empty name selects linear fusion.
func ByName(name string) (Func, error) {
	switch name {
	case "", "linear":
		return Fuse, nil
	case "rrf":
		return FuseRRF, nil
	default:
		return nil, fmt.Errorf("fusion: unknown method %q", name)
	}
}
