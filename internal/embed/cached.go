package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache configuration constants.
const (
	// DefaultEmbeddingCacheSize is the default number of embeddings to
	// cache. At 768 dimensions * 4 bytes * 50000 entries ~ 150MB.
	DefaultEmbeddingCacheSize = 50000

	// DefaultEmbeddingCacheTTL is how long a cached vector stays valid.
	DefaultEmbeddingCacheTTL = 24 * time.Hour
)

// CachedEmbedder wraps an Embedder with a TTL-bounded LRU cache keyed by
// (text, model), so repeated queries and re-ingested chunks skip the
// embedding round-trip.
type CachedEmbedder struct {
	inner Embedder
	cache *expirable.LRU[string, []float32]
}

// NewCachedEmbedder creates a cached embedder wrapping the given embedder.
func NewCachedEmbedder(inner Embedder, cacheSize int, ttl time.Duration) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingCacheTTL
	}
	return &CachedEmbedder{
		inner: inner,
		cache: expirable.NewLRU[string, []float32](cacheSize, nil, ttl),
	}
}

// cacheKey generates a unique key for the cache based on text and model.
// SHA256 keeps key length constant for arbitrary text.
func (c *CachedEmbedder) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.ModelName()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding if present, otherwise computes and
// caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts, serving cache hits individually and batching
// only the misses. Result order matches the input order.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missIndices := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			missIndices = append(missIndices, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range missIndices {
		results[idx] = vecs[j]
		c.cache.Add(c.cacheKey(texts[idx]), vecs[j])
	}

	return results, nil
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Available checks if the embedder is ready (passthrough to inner).
func (c *CachedEmbedder) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close releases resources and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Verify interface implementation
var _ Embedder = (*CachedEmbedder)(nil)
