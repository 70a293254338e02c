package eval

import (
	"sort"

	"github.com/bbiangul/hybrideval/fusion"
)

// Query outcomes.
const (
	StatusScored   = "scored"
	StatusTimedOut = "timed_out" // counted as a non-match
	StatusFailed   = "failed"    // malformed scores; excluded from the denominator
)

// APAt1 is 1 when the first fused result is the expected pid, else 0.
func APAt1(results []fusion.FusedResult, expected string) float64 {
	if len(results) > 0 && results[0].ChunkID == expected {
		return 1
	}
	return 0
}

// ReciprocalRank is 1/rank of the first result matching expected, or 0
// when none of results matches.
func ReciprocalRank(results []fusion.FusedResult, expected string) float64 {
	for i, r := range results {
		if r.ChunkID == expected {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// Metrics are the retrieval metrics of one variant at one alpha.
type Metrics struct {
	Alpha float64 `json:"alpha"`
	APAt1 float64 `json:"ap_at_1"`
	MRR   float64 `json:"mrr"`

	Total    int `json:"total"`     // queries in the set
	Scored   int `json:"scored"`    // effective denominator
	Failed   int `json:"failed"`    // excluded from the denominator
	TimedOut int `json:"timed_out"` // included in Scored as non-matches

	Categories map[string]CategoryMetrics `json:"categories,omitempty"`
	Queries    []QueryResult              `json:"queries,omitempty"`
}

// CategoryMetrics break Metrics down by query category.
type CategoryMetrics struct {
	APAt1  float64 `json:"ap_at_1"`
	MRR    float64 `json:"mrr"`
	Scored int     `json:"scored"`
	Total  int     `json:"total"`
}

// QueryResult records the outcome of a single query.
type QueryResult struct {
	QID       string   `json:"qid"`
	Category  string   `json:"category,omitempty"`
	Expected  string   `json:"expected"`
	Retrieved []string `json:"retrieved"`
	Status    string   `json:"status"`
	APAt1     float64  `json:"ap_at_1"`
	RR        float64  `json:"rr"`
	VecHits   int      `json:"vec_hits"`
	KwHits    int      `json:"keyword_hits"`
	Error     string   `json:"error,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// accumulator sums per-query outcomes. It is not safe for concurrent use;
// the evaluator guards it.
type accumulator struct {
	total, scored, failed, timedOut int
	ap, rr                          float64
	cats                            map[string]*catSums
}

type catSums struct {
	total, scored int
	ap, rr        float64
}

func newAccumulator() *accumulator {
	return &accumulator{cats: make(map[string]*catSums)}
}

func (a *accumulator) add(r QueryResult) {
	a.total++
	var c *catSums
	if r.Category != "" {
		c = a.cats[r.Category]
		if c == nil {
			c = &catSums{}
			a.cats[r.Category] = c
		}
		c.total++
	}

	switch r.Status {
	case StatusFailed:
		a.failed++
		return
	case StatusTimedOut:
		a.timedOut++
	}
	a.scored++
	a.ap += r.APAt1
	a.rr += r.RR
	if c != nil {
		c.scored++
		c.ap += r.APAt1
		c.rr += r.RR
	}
}

func (a *accumulator) metrics(alpha float64) *Metrics {
	m := &Metrics{
		Alpha:    alpha,
		Total:    a.total,
		Scored:   a.scored,
		Failed:   a.failed,
		TimedOut: a.timedOut,
		APAt1:    mean(a.ap, a.scored),
		MRR:      mean(a.rr, a.scored),
	}
	if len(a.cats) > 0 {
		m.Categories = make(map[string]CategoryMetrics, len(a.cats))
		for name, c := range a.cats {
			m.Categories[name] = CategoryMetrics{
				APAt1:  mean(c.ap, c.scored),
				MRR:    mean(c.rr, c.scored),
				Scored: c.scored,
				Total:  c.total,
			}
		}
	}
	return m
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CategoryNames returns the categories of m, sorted.
func (m *Metrics) CategoryNames() []string {
	out := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
