package index

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes embeddings of repeated texts, typically queries.
type CachedEmbedder struct {
	Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxEntries vectors.
func NewCachedEmbedder(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{Embedder: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and caches it.
// Callers get their own copy.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.Embedder.Model() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache's goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }
