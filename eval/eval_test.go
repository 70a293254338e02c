package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/llm"
	"github.com/bbiangul/hybrideval/retrieval"
	"github.com/bbiangul/hybrideval/retrieval/mocks"
	"github.com/bbiangul/hybrideval/retry"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func TestParseQueriesNormalisesIDs(t *testing.T) {
	data := []byte(`{"questions": [
		{"qid": 1, "source": [442, 115, "36"], "query": "現金股利是多少？", "category": "finance"},
		{"qid": "2_3", "source": 7, "query": "營收", "category": "finance"}
	]}`)
	qs, err := ParseQueries(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 2 {
		t.Fatalf("got %d queries", len(qs))
	}
	if qs[0].ID != "1" || strings.Join(qs[0].Sources, ",") != "442,115,36" || qs[0].Category != "finance" {
		t.Errorf("query 0 = %+v", qs[0])
	}
	if qs[1].ID != "2_3" || len(qs[1].Sources) != 1 || qs[1].Sources[0] != "7" {
		t.Errorf("query 1 = %+v", qs[1])
	}
}

func TestParseQueriesBareList(t *testing.T) {
	qs, err := ParseQueries([]byte(`[{"qid": "a", "source": [], "query": "q"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].ID != "a" || len(qs[0].Sources) != 0 {
		t.Errorf("got %+v", qs)
	}
}

func TestParseQueriesErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no questions field", `{"items": []}`},
		{"missing qid", `{"questions": [{"query": "q"}]}`},
		{"bad qid type", `{"questions": [{"qid": true}]}`},
		{"not json", `questions`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQueries([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseGroundTruth(t *testing.T) {
	for _, data := range []string{
		`{"ground_truths": [{"qid": 1, "retrieve": 392}, {"qid": "2", "retrieve": "17"}]}`,
		`[{"qid": 1, "retrieve": 392.0}, {"qid": 2, "retrieve": "17"}]`,
	} {
		gt, err := ParseGroundTruth([]byte(data))
		if err != nil {
			t.Fatal(err)
		}
		if gt["1"] != "392" || gt["2"] != "17" {
			t.Errorf("gt = %v", gt)
		}
	}
}

func TestGroundTruthAugmentedFallback(t *testing.T) {
	gt := GroundTruth{"1": "392", "snake_case": "5"}
	tests := []struct {
		qid  string
		want string
		ok   bool
	}{
		{"1", "392", true},
		{"1_9", "392", true},
		{"2_1", "", false},
		{"snake_case", "5", true},
		{"snake_x", "", false},
		{"1_", "", false},
	}
	for _, tt := range tests {
		got, ok := gt.Expected(tt.qid)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Expected(%q) = %q, %v; want %q, %v", tt.qid, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	gt := GroundTruth{"1": "A"}
	if err := Validate(nil, gt); !errors.Is(err, ErrNoQueries) {
		t.Errorf("empty: got %v", err)
	}
	err := Validate([]Query{{ID: "1"}, {ID: "1_2"}, {ID: "7"}}, gt)
	if !errors.Is(err, ErrMissingGroundTruth) || !strings.Contains(err.Error(), "7") {
		t.Errorf("missing: got %v", err)
	}
	if err := Validate([]Query{{ID: "1"}, {ID: "1_2"}}, gt); err != nil {
		t.Errorf("valid: got %v", err)
	}
}

func TestSaveAndLoadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	in := []Query{{ID: "1", Text: "股利", Sources: []string{"3"}, Category: "finance"}}
	if err := SaveQueries(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadQueries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Text != "股利" || out[0].Sources[0] != "3" {
		t.Errorf("got %+v", out)
	}
}

func TestRankMetrics(t *testing.T) {
	fused := []fusion.FusedResult{{ChunkID: "B"}, {ChunkID: "A"}, {ChunkID: "C"}}
	tests := []struct {
		expected string
		ap, rr   float64
	}{
		{"B", 1, 1},
		{"A", 0, 0.5},
		{"C", 0, 1.0 / 3},
		{"Z", 0, 0},
	}
	for _, tt := range tests {
		if got := APAt1(fused, tt.expected); got != tt.ap {
			t.Errorf("APAt1(%s) = %v, want %v", tt.expected, got, tt.ap)
		}
		if got := ReciprocalRank(fused, tt.expected); !near(got, tt.rr) {
			t.Errorf("ReciprocalRank(%s) = %v, want %v", tt.expected, got, tt.rr)
		}
	}
	if APAt1(nil, "A") != 0 || ReciprocalRank(nil, "A") != 0 {
		t.Error("empty results must score 0")
	}
}

// staticRetriever returns fixed channels per query text.
type staticRetriever map[string]retrieval.Channels

func (s staticRetriever) Retrieve(_ context.Context, query string, _ retrieval.Filter) retrieval.Channels {
	return s[query]
}

func hits(pairs ...any) []fusion.SearchHit {
	var out []fusion.SearchHit
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, fusion.SearchHit{ChunkID: pairs[i].(string), Score: pairs[i+1].(float64)})
	}
	return out
}

func TestEvaluateWorkedExample(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)
	filter := retrieval.Filter{AllowedIDs: []string{"A", "B", "C"}}

	vec.EXPECT().Search(gomock.Any(), "q1", filter).Return(hits("A", 0.9, "B", 0.4), nil)
	kw.EXPECT().Search(gomock.Any(), "q1", filter).Return(hits("B", 0.8, "C", 0.3), nil)

	e := NewEvaluator(retrieval.NewHybrid(vec, kw, retrieval.Config{}), Options{KeepQueries: true})
	m, err := e.Evaluate(context.Background(),
		[]Query{{ID: "q1", Text: "q1", Sources: []string{"A", "B", "C"}}},
		GroundTruth{"q1": "B"}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if m.APAt1 != 1 || m.MRR != 1 || m.Scored != 1 || m.Total != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if got := strings.Join(m.Queries[0].Retrieved, ","); got != "B,A,C" {
		t.Errorf("retrieved = %s", got)
	}
}

func TestEvaluatePerfectAndNeverRetrieved(t *testing.T) {
	r := staticRetriever{
		"hit":  {Vector: hits("A", 0.9, "B", 0.1)},
		"miss": {Vector: hits("X", 0.9, "Y", 0.8, "Z", 0.7), Keyword: hits("W", 0.1)},
	}
	e := NewEvaluator(r, Options{})

	perfect, err := e.Evaluate(context.Background(),
		[]Query{{ID: "1", Text: "hit"}, {ID: "2", Text: "hit"}}, GroundTruth{"1": "A", "2": "A"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if perfect.APAt1 != 1 || perfect.MRR != 1 {
		t.Errorf("perfect = %+v", perfect)
	}

	never, err := e.Evaluate(context.Background(),
		[]Query{{ID: "1", Text: "miss"}}, GroundTruth{"1": "A"}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if never.APAt1 != 0 || never.MRR != 0 || never.Scored != 1 {
		t.Errorf("never = %+v", never)
	}
}

func TestEvaluateDenominator(t *testing.T) {
	r := staticRetriever{
		"good":    {Vector: hits("A", 0.9)},
		"second":  {Vector: hits("B", 0.9, "A", 0.5)},
		"nan":     {Vector: hits("A", math.NaN())},
		"slow":    {Keyword: hits("A", 5.0), VectorErr: context.DeadlineExceeded},
		"empty":   {},
		"failing": {VectorErr: retrieval.ErrRetrievalUnavailable, Keyword: hits("A", 1.0)},
	}
	qs := []Query{
		{ID: "1", Text: "good", Category: "x"},
		{ID: "2", Text: "second", Category: "x"},
		{ID: "3", Text: "nan", Category: "y"},
		{ID: "4", Text: "slow", Category: "y"},
		{ID: "5", Text: "empty"},
		{ID: "6", Text: "failing"},
	}
	gt := GroundTruth{"1": "A", "2": "A", "3": "A", "4": "A", "5": "A", "6": "A"}

	m, err := NewEvaluator(r, Options{Workers: 3, KeepQueries: true}).Evaluate(context.Background(), qs, gt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Total != 6 || m.Scored != 5 || m.Failed != 1 || m.TimedOut != 1 {
		t.Fatalf("counts = %+v", m)
	}
	// good=1, second=0.5, slow=0 (timeout), empty=0, failing: keyword-only A but alpha=1 gives it score 0, still rank 1.
	if !near(m.APAt1, 2.0/5) || !near(m.MRR, 2.5/5) {
		t.Errorf("ap=%v mrr=%v", m.APAt1, m.MRR)
	}
	if c := m.Categories["x"]; c.Scored != 2 || !near(c.MRR, 0.75) || !near(c.APAt1, 0.5) {
		t.Errorf("category x = %+v", c)
	}
	if c := m.Categories["y"]; c.Scored != 1 || c.Total != 2 || c.MRR != 0 {
		t.Errorf("category y = %+v", c)
	}
	if got := m.CategoryNames(); strings.Join(got, ",") != "x,y" {
		t.Errorf("category names = %v", got)
	}
	if m.Queries[2].Status != StatusFailed || m.Queries[3].Status != StatusTimedOut {
		t.Errorf("statuses = %s %s", m.Queries[2].Status, m.Queries[3].Status)
	}
}

func TestEvaluateBackendMalformedScoreFailsQuery(t *testing.T) {
	vec := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return nil, fmt.Errorf("%w: null distance for A", fusion.ErrMalformedScore)
	})
	kw := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return hits("B", 1.0), nil
	})
	e := NewEvaluator(retrieval.NewHybrid(vec, kw, retrieval.Config{}), Options{KeepQueries: true})

	ms, err := e.Sweep(context.Background(),
		[]Query{{ID: "1", Text: "q"}, {ID: "2", Text: "q"}}, GroundTruth{"1": "B", "2": "B"}, []float64{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range ms {
		if m.Total != 2 || m.Scored != 0 || m.Failed != 2 {
			t.Errorf("alpha %v: counts = total %d scored %d failed %d", m.Alpha, m.Total, m.Scored, m.Failed)
		}
		if m.Queries[0].Status != StatusFailed || !strings.Contains(m.Queries[0].Error, "null distance") {
			t.Errorf("alpha %v: query = %+v", m.Alpha, m.Queries[0])
		}
	}
}

func TestSweepRetrievesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)
	vec.EXPECT().Search(gomock.Any(), "q", gomock.Any()).Return(hits("A", 0.9, "B", 0.2), nil).Times(1)
	kw.EXPECT().Search(gomock.Any(), "q", gomock.Any()).Return(hits("B", 0.9, "A", 0.1), nil).Times(1)

	e := NewEvaluator(retrieval.NewHybrid(vec, kw, retrieval.Config{}), Options{})
	ms, err := e.Sweep(context.Background(), []Query{{ID: "1", Text: "q"}}, GroundTruth{"1": "A"}, []float64{1, 0.5, 0})
	if err != nil {
		t.Fatal(err)
	}
	// alpha 0.5: A=0.5, B=0.55, so B ranks first.
	want := []float64{1, 0.5, 0.5}
	for i, m := range ms {
		if !near(m.MRR, want[i]) {
			t.Errorf("alpha %v: mrr = %v, want %v", m.Alpha, m.MRR, want[i])
		}
	}
}

func TestSweepRejectsInvalidAlpha(t *testing.T) {
	e := NewEvaluator(staticRetriever{}, Options{})
	for _, bad := range []float64{1.5, -0.1, math.NaN()} {
		_, err := e.Sweep(context.Background(), []Query{{ID: "1"}}, GroundTruth{"1": "A"}, []float64{1, bad})
		if !errors.Is(err, fusion.ErrInvalidAlpha) {
			t.Errorf("alpha %v: got %v, want ErrInvalidAlpha", bad, err)
		}
	}
}

func TestEvaluateConfigurationErrors(t *testing.T) {
	e := NewEvaluator(staticRetriever{}, Options{})
	if _, err := e.Evaluate(context.Background(), nil, GroundTruth{}, 0.5); !errors.Is(err, ErrNoQueries) {
		t.Errorf("got %v, want ErrNoQueries", err)
	}
	_, err := e.Evaluate(context.Background(), []Query{{ID: "1"}}, GroundTruth{}, 0.5)
	if !errors.Is(err, ErrMissingGroundTruth) {
		t.Errorf("got %v, want ErrMissingGroundTruth", err)
	}
}

func TestEvaluateFuncUsesGivenFusion(t *testing.T) {
	r := staticRetriever{"q": {Vector: hits("A", 0.9, "B", 0.8)}}
	reverse := func(vec, _ []fusion.SearchHit) ([]fusion.FusedResult, error) {
		var out []fusion.FusedResult
		for i := len(vec) - 1; i >= 0; i-- {
			out = append(out, fusion.FusedResult{ChunkID: vec[i].ChunkID})
		}
		return out, nil
	}
	m, err := NewEvaluator(r, Options{}).EvaluateFunc(context.Background(),
		[]Query{{ID: "1", Text: "q"}}, GroundTruth{"1": "B"}, reverse)
	if err != nil {
		t.Fatal(err)
	}
	if m.APAt1 != 1 {
		t.Errorf("ap = %v", m.APAt1)
	}
}

func TestEvaluateManyQueriesConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)
	vec.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, q string, _ retrieval.Filter) ([]fusion.SearchHit, error) {
			return hits(q, 0.9, "other", 0.5), nil
		}).AnyTimes()
	kw.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	var qs []Query
	gt := GroundTruth{}
	for i := 0; i < 200; i++ {
		id := string(rune('a'+i%26)) + strings.Repeat("x", i/26)
		qs = append(qs, Query{ID: id, Text: id})
		gt[id] = id
	}
	m, err := NewEvaluator(retrieval.NewHybrid(vec, kw, retrieval.Config{}), Options{Workers: 8}).
		Evaluate(context.Background(), qs, gt, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if m.Scored != 200 || m.APAt1 != 1 || m.MRR != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(staticRetriever{}, Options{}).
		Evaluate(ctx, []Query{{ID: "1"}}, GroundTruth{"1": "A"}, 0.5)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []VariantResult
}

func (p *recordingPublisher) Publish(_ context.Context, r VariantResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
	return nil
}

func TestRunnerIsolatesVariantFailures(t *testing.T) {
	good := staticRetriever{"q": {Vector: hits("A", 0.9), Keyword: hits("B", 0.9)}}
	pub := &recordingPublisher{}
	r := &Runner{
		Variants:    []string{"Tess", "Broken", "Ours"},
		Queries:     []Query{{ID: "1", Text: "q"}},
		GroundTruth: GroundTruth{"1": "A"},
		Retriever: func(variant string) (Retriever, error) {
			if variant == "Broken" {
				return nil, errors.New("no such collection")
			}
			return good, nil
		},
		Publisher: pub,
	}
	res, err := r.Run(context.Background(), []float64{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Alpha != 1 || res[1].Alpha != 0 {
		t.Fatalf("alphas = %+v", res)
	}
	for _, ar := range res {
		if len(ar.Variants) != 3 {
			t.Fatalf("variants = %d", len(ar.Variants))
		}
		if ar.Variants[1].Variant != "Broken" || ar.Variants[1].Error == "" || ar.Variants[1].Metrics != nil {
			t.Errorf("broken = %+v", ar.Variants[1])
		}
		for _, i := range []int{0, 2} {
			if ar.Variants[i].Metrics == nil || ar.Variants[i].Error != "" {
				t.Errorf("variant %s = %+v", ar.Variants[i].Variant, ar.Variants[i])
			}
		}
	}
	if res[0].Variants[0].Metrics.APAt1 != 1 || res[1].Variants[0].Metrics.APAt1 != 0 {
		t.Errorf("alpha sweep not applied")
	}
	if len(pub.results) != 6 {
		t.Errorf("published %d results, want 6", len(pub.results))
	}
}

func TestRunnerConfigurationErrorIsPerVariant(t *testing.T) {
	r := &Runner{
		Variants:    []string{"Tess"},
		Queries:     []Query{{ID: "1", Text: "q"}},
		GroundTruth: GroundTruth{},
		Retriever:   func(string) (Retriever, error) { return staticRetriever{}, nil },
	}
	res, err := r.Run(context.Background(), []float64{0.5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res[0].Variants[0].Error, "missing ground truth") {
		t.Errorf("error = %q", res[0].Variants[0].Error)
	}
}

// scriptedChat returns its responses in order, then repeats the last.
type scriptedChat struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.responses)-1)
	s.calls++
	return &llm.ChatResponse{Content: s.responses[i]}, nil
}

func (s *scriptedChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

var fastAugmentRetry = retry.Policy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString(strings.Repeat(" ", i%2))
		b.WriteString(string(rune('0' + i)))
		b.WriteString(". 改寫")
		b.WriteString(string(rune('0' + i)))
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestParseRewrites(t *testing.T) {
	got := ParseRewrites(numbered(9))
	if len(got) != 9 || got[0] != "改寫1" || got[8] != "改寫9" {
		t.Errorf("got %q", got)
	}
}

func TestAugment(t *testing.T) {
	chat := &scriptedChat{responses: []string{numbered(7), numbered(9)}}
	a := NewAugmenter(chat, "", 0, fastAugmentRetry)
	out, sum, err := a.Augment(context.Background(), []Query{{ID: "5", Text: "原問題", Sources: []string{"1", "2"}, Category: "finance"}})
	if err != nil {
		t.Fatal(err)
	}
	if chat.calls != 2 {
		t.Errorf("calls = %d, want 2", chat.calls)
	}
	if sum.Augmented != 1 || len(out) != 10 {
		t.Fatalf("summary = %+v, out = %d", sum, len(out))
	}
	if out[0].ID != "5" || out[0].Text != "原問題" {
		t.Errorf("first = %+v", out[0])
	}
	if out[9].ID != "5_9" || out[9].Text != "改寫9" || out[9].Category != "finance" || len(out[9].Sources) != 2 {
		t.Errorf("last = %+v", out[9])
	}
}

func TestAugmentSkipsAfterRetries(t *testing.T) {
	chat := &scriptedChat{responses: []string{numbered(3)}}
	a := NewAugmenter(chat, "", 0, fastAugmentRetry)
	out, sum, err := a.Augment(context.Background(), []Query{{ID: "1", Text: "q"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 || len(sum.Skipped) != 1 || chat.calls != 3 {
		t.Errorf("out=%d summary=%+v calls=%d", len(out), sum, chat.calls)
	}
}
