package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
)

var _ core.EmbeddingProvider = (*CachedEmbedder)(nil)

const embedCachePrefix = "mediawhisperer:embed:"

// CachedEmbedder keeps vectors in Redis keyed by model and text hash. The
// cache is best effort: Redis failures are logged and the inner provider is
// used instead.
type CachedEmbedder struct {
	inner core.EmbeddingProvider
	rdb   redis.UniversalClient
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(inner core.EmbeddingProvider, rdb redis.UniversalClient, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, rdb: rdb, model: model, ttl: ttl}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embedCachePrefix + c.model + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		zap.S().Warnw("EmbedCache: lookup failed", "error", err)
		cached = nil
	}

	out := make([][]float32, len(texts))
	var misses []int
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				if v, err := core.DecodeVector([]byte(s)); err == nil {
					out[i] = v
					continue
				}
			}
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	missTexts := make([]string, len(misses))
	for j, i := range misses {
		missTexts[j] = texts[i]
	}
	vecs, err := c.inner.EmbedTexts(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(misses) {
		return nil, core.Errorf(core.KindInternal, "embed texts", "provider returned %d vectors for %d texts", len(vecs), len(misses))
	}

	pipe := c.rdb.Pipeline()
	for j, i := range misses {
		out[i] = vecs[j]
		pipe.Set(ctx, keys[i], core.EncodeVector(vecs[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		zap.S().Warnw("EmbedCache: store failed", "error", err, "count", len(misses))
	}
	return out, nil
}
