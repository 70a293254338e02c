package retrieval

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/retry"
)

// WithTimeout bounds every call to s by d. The caller gets
// context.DeadlineExceeded after d even if s ignores its context.
func WithTimeout(s Searcher, d time.Duration) Searcher {
	return SearcherFunc(func(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			hits []fusion.SearchHit
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			hits, err := s.Search(ctx, query, filter)
			ch <- result{hits, err}
		}()

		select {
		case r := <-ch:
			return r.hits, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// WithRetry retries failed calls to s according to p. A malformed score is
// a data error and is returned without retrying.
func WithRetry(s Searcher, p retry.Policy) Searcher {
	return SearcherFunc(func(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error) {
		return retry.Do(ctx, p, func(ctx context.Context) ([]fusion.SearchHit, error) {
			hits, err := s.Search(ctx, query, filter)
			if errors.Is(err, fusion.ErrMalformedScore) {
				return nil, retry.Permanent(err)
			}
			return hits, err
		})
	})
}

// WithRateLimit makes every call to s wait for a token from l.
func WithRateLimit(s Searcher, l *rate.Limiter) Searcher {
	return SearcherFunc(func(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error) {
		if err := l.Wait(ctx); err != nil {
			return nil, err
		}
		return s.Search(ctx, query, filter)
	})
}

// Limit truncates the hits returned by s to n. Non-positive n is a no-op.
func Limit(s Searcher, n int) Searcher {
	if n <= 0 {
		return s
	}
	return SearcherFunc(func(ctx context.Context, query string, filter Filter) ([]fusion.SearchHit, error) {
		hits, err := s.Search(ctx, query, filter)
		if len(hits) > n {
			hits = hits[:n]
		}
		return hits, err
	})
}
