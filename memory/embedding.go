package memory

import (
	"context"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder produces dense vectors for semantic scoring. The memory
// package never embeds text itself; callers supply an implementation
// backed by whatever model they run. A nil Embedder disables the
// semantic factor entirely.
type Embedder interface {
	// Embed returns a vector for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CachingEmbedder wraps an Embedder with an LRU cache keyed by the
// exact input text. Retrieval embeds the same query once per
// conversation turn sequence, so a small cache removes most repeat
// calls.
type CachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float64]
}

// NewCachingEmbedder caches up to size embeddings from inner.
// A size below 1 defaults to 256.
func NewCachingEmbedder(inner Embedder, size int) *CachingEmbedder {
	if size < 1 {
		size = 256
	}
	cache, _ := lru.New[string, []float64](size)
	return &CachingEmbedder{inner: inner, cache: cache}
}

// Embed returns the cached vector for text, calling the wrapped
// embedder on a miss. Errors are not cached.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// cosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either vector is empty, zero, or the lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
