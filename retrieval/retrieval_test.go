package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/retrieval"
	"github.com/bbiangul/hybrideval/retrieval/mocks"
	"github.com/bbiangul/hybrideval/retry"
)

var filter = retrieval.Filter{AllowedIDs: []string{"A", "B", "C"}}

func TestHybridSearchFusesBothChannels(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)

	vec.EXPECT().Search(gomock.Any(), "dividend", filter).
		Return([]fusion.SearchHit{{ChunkID: "A", Score: 0.9}, {ChunkID: "B", Score: 0.4}}, nil)
	kw.EXPECT().Search(gomock.Any(), "dividend", filter).
		Return([]fusion.SearchHit{{ChunkID: "B", Score: 0.8}, {ChunkID: "C", Score: 0.3}}, nil)

	h := retrieval.NewHybrid(vec, kw, retrieval.Config{})
	got, trace, err := h.Search(context.Background(), "dividend", filter, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 || got[0].ChunkID != "B" || got[1].ChunkID != "A" || got[2].ChunkID != "C" {
		t.Fatalf("got %+v, want [B A C]", got)
	}
	if trace.VecResults != 2 || trace.KeywordResults != 2 || trace.FusedResults != 3 {
		t.Errorf("trace: %+v", trace)
	}
}

func TestHybridChannelFailureIsEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)

	vec.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))
	kw.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]fusion.SearchHit{{ChunkID: "C", Score: 2}}, nil)

	h := retrieval.NewHybrid(vec, kw, retrieval.Config{})
	ch := h.Retrieve(context.Background(), "q", filter)
	if !errors.Is(ch.VectorErr, retrieval.ErrRetrievalUnavailable) {
		t.Fatalf("VectorErr: got %v, want ErrRetrievalUnavailable", ch.VectorErr)
	}
	if ch.Vector != nil {
		t.Errorf("Vector: got %v, want nil", ch.Vector)
	}
	if len(ch.Keyword) != 1 {
		t.Errorf("Keyword: got %d hits, want 1", len(ch.Keyword))
	}
	if ch.TimedOut() {
		t.Error("TimedOut: got true for a plain failure")
	}
}

func TestHybridBothChannelsFailReturnsEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	vec := mocks.NewMockSearcher(ctrl)
	kw := mocks.NewMockSearcher(ctrl)
	vec.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))
	kw.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))

	h := retrieval.NewHybrid(vec, kw, retrieval.Config{})
	got, _, err := h.Search(context.Background(), "q", filter, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results, want 0", len(got))
	}
}

func TestHybridTimeout(t *testing.T) {
	slow := retrieval.SearcherFunc(func(ctx context.Context, _ string, _ retrieval.Filter) ([]fusion.SearchHit, error) {
		// Ignores ctx on purpose: the timeout must still fire.
		time.Sleep(500 * time.Millisecond)
		return []fusion.SearchHit{{ChunkID: "late", Score: 1}}, nil
	})
	fast := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return []fusion.SearchHit{{ChunkID: "B", Score: 1}}, nil
	})

	h := retrieval.NewHybrid(slow, fast, retrieval.Config{Timeout: 20 * time.Millisecond})
	start := time.Now()
	ch := h.Retrieve(context.Background(), "q", retrieval.Filter{})
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Retrieve took %v, timeout not enforced", elapsed)
	}
	if !ch.TimedOut() {
		t.Errorf("TimedOut: got false, VectorErr=%v", ch.VectorErr)
	}
	if len(ch.Keyword) != 1 {
		t.Errorf("keyword hits: got %d, want 1", len(ch.Keyword))
	}
}

func TestHybridMalformedScore(t *testing.T) {
	nan := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return []fusion.SearchHit{{ChunkID: "A", Score: math.NaN()}}, nil
	})
	empty := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return nil, nil
	})
	h := retrieval.NewHybrid(nan, empty, retrieval.Config{})
	_, _, err := h.Search(context.Background(), "q", retrieval.Filter{}, 0.5)
	if !errors.Is(err, fusion.ErrMalformedScore) {
		t.Fatalf("got %v, want ErrMalformedScore", err)
	}
}

func TestHybridBackendMalformedScore(t *testing.T) {
	bad := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return nil, fmt.Errorf("%w: null distance for A", fusion.ErrMalformedScore)
	})
	kw := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return []fusion.SearchHit{{ChunkID: "B", Score: 1}}, nil
	})
	h := retrieval.NewHybrid(bad, kw, retrieval.Config{})

	ch := h.Retrieve(context.Background(), "q", retrieval.Filter{})
	if !errors.Is(ch.Malformed(), fusion.ErrMalformedScore) {
		t.Fatalf("Malformed: got %v, want ErrMalformedScore", ch.Malformed())
	}
	if errors.Is(ch.VectorErr, retrieval.ErrRetrievalUnavailable) {
		t.Errorf("VectorErr %v must not read as unavailable", ch.VectorErr)
	}
	if ch.KeywordErr != nil || len(ch.Keyword) != 1 {
		t.Errorf("keyword channel: %v %v", ch.Keyword, ch.KeywordErr)
	}

	_, trace, err := h.Search(context.Background(), "q", retrieval.Filter{}, 0.5)
	if !errors.Is(err, fusion.ErrMalformedScore) {
		t.Fatalf("Search: got %v, want ErrMalformedScore", err)
	}
	if trace.VecError == "" {
		t.Error("trace should record the vector error")
	}
}

func TestChannelsMalformedIgnoresUnavailable(t *testing.T) {
	ch := retrieval.Channels{VectorErr: retrieval.ErrRetrievalUnavailable, KeywordErr: context.DeadlineExceeded}
	if err := ch.Malformed(); err != nil {
		t.Errorf("Malformed: got %v, want nil", err)
	}
}

func TestHybridUsesConfiguredFusion(t *testing.T) {
	one := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return []fusion.SearchHit{{ChunkID: "A", Score: 100}}, nil
	})
	h := retrieval.NewHybrid(one, one, retrieval.Config{Fuse: fusion.FuseRRF})
	got, _, err := h.Search(context.Background(), "q", retrieval.Filter{}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.5/float64(fusion.RRFK+1) + 0.5/float64(fusion.RRFK+1)
	if got[0].FinalScore != want {
		t.Errorf("rrf score: got %v, want %v", got[0].FinalScore, want)
	}
}

// ---------------------------------------------------------------------------
// Decorators
// ---------------------------------------------------------------------------

func TestWithRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockSearcher(ctrl)
	gomock.InOrder(
		m.EXPECT().Search(gomock.Any(), "q", gomock.Any()).Return(nil, errors.New("429 too many requests")),
		m.EXPECT().Search(gomock.Any(), "q", gomock.Any()).Return([]fusion.SearchHit{{ChunkID: "A", Score: 1}}, nil),
	)

	s := retrieval.WithRetry(m, retry.Policy{MaxAttempts: 3, InitialWait: time.Millisecond})
	hits, err := s.Search(context.Background(), "q", retrieval.Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits: got %d, want 1", len(hits))
	}
}

func TestWithRetryStopsOnMalformedScore(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockSearcher(ctrl)
	m.EXPECT().Search(gomock.Any(), "q", gomock.Any()).
		Return(nil, fmt.Errorf("%w: score \"n/a\"", fusion.ErrMalformedScore)).Times(1)

	s := retrieval.WithRetry(m, retry.Policy{MaxAttempts: 5, InitialWait: time.Millisecond})
	_, err := s.Search(context.Background(), "q", retrieval.Filter{})
	if !errors.Is(err, fusion.ErrMalformedScore) {
		t.Fatalf("got %v, want ErrMalformedScore", err)
	}
}

func TestWithRateLimit(t *testing.T) {
	var calls atomic.Int32
	base := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		calls.Add(1)
		return nil, nil
	})
	// Burst of one and a refill far in the future: the second call must
	// block until the context gives up.
	s := retrieval.WithRateLimit(base, rate.NewLimiter(rate.Every(time.Hour), 1))

	if _, err := s.Search(context.Background(), "q", retrieval.Filter{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Search(ctx, "q", retrieval.Filter{}); err == nil {
		t.Fatal("second call: expected rate limit error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}

func TestLimit(t *testing.T) {
	base := retrieval.SearcherFunc(func(context.Context, string, retrieval.Filter) ([]fusion.SearchHit, error) {
		return []fusion.SearchHit{{ChunkID: "1"}, {ChunkID: "2"}, {ChunkID: "3"}}, nil
	})
	hits, _ := retrieval.Limit(base, 2).Search(context.Background(), "q", retrieval.Filter{})
	if len(hits) != 2 {
		t.Errorf("hits: got %d, want 2", len(hits))
	}
}
