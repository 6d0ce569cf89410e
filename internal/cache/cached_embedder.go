package cache

import (
	"context"

	"github.com/weekijie/sturgeon/internal/service"
)

// CachedEmbedder decorates a service.QueryEmbedder with the query-embedding
// cache, so repeated or near-identical retrieval queries skip the embedding
// model entirely. It implements service.QueryEmbedder itself, so it drops
// straight into NewRetrieverService in place of the bare embedder.
type CachedEmbedder struct {
	inner service.QueryEmbedder
	cache *EmbeddingCache
}

// NewCachedEmbedder creates a CachedEmbedder.
func NewCachedEmbedder(inner service.QueryEmbedder, cache *EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Embed caches single-query calls (the retriever's only call shape) keyed by
// a normalized query hash; batch calls of more than one text pass through
// uncached, since the indexer's bulk-embedding path has no reuse to exploit.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	key := EmbeddingQueryHash(texts[0])
	if vec, ok := c.cache.Get(key); ok {
		return [][]float32{vec}, nil
	}

	vecs, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) > 0 {
		c.cache.Set(key, vecs[0])
	}
	return vecs, nil
}
