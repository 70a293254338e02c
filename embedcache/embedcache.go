// Package embedcache memoises embeddings in Redis so repeated ingest and
// evaluation runs do not re-embed identical text.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bbiangul/hybrideval/index"
)

// DefaultTTL is how long a cached embedding lives.
const DefaultTTL = 30 * 24 * time.Hour

// KV is the subset of a Redis client the cache needs. A miss is reported
// as redis.Nil.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		DB:              db,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("embedcache: ping %s: %w", addr, err)
	}
	return client, nil
}

// RedisKV adapts a *redis.Client to KV.
type RedisKV struct {
	Client *redis.Client
}

func (r RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	return r.Client.Get(ctx, key).Bytes()
}

func (r RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

// Embedder wraps an index.Embedder with a read-through cache. Cache
// failures are logged and fall through to the wrapped embedder.
type Embedder struct {
	next  index.Embedder
	kv    KV
	model string
	ttl   time.Duration
}

// New wraps next. model namespaces the keys so switching embedding models
// never returns stale vectors.
func New(next index.Embedder, kv KV, model string, ttl time.Duration) *Embedder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Embedder{next: next, kv: kv, model: model, ttl: ttl}
}

// Embed returns one vector per text, embedding only the cache misses.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		raw, err := e.kv.Get(ctx, e.key(t))
		switch {
		case err == nil:
			if v, ok := decode(raw); ok {
				out[i] = v
				continue
			}
		case !errors.Is(err, redis.Nil):
			slog.Warn("embedcache: get failed", "error", err)
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedcache: got %d embeddings for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if err := e.kv.Set(ctx, e.key(texts[i]), encode(vecs[j]), e.ttl); err != nil {
			slog.Warn("embedcache: set failed", "error", err)
		}
	}
	return out, nil
}

func (e *Embedder) key(text string) string {
	h := sha256.Sum256([]byte(text))
	return "emb:" + e.model + ":" + hex.EncodeToString(h[:])
}

func encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decode(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, true
}
