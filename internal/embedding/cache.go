package embedding

import (
	"context"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is an LRU cache for embeddings keyed by the hash of their text.
type EmbeddingCache struct {
	lru *lru.Cache[uint64, []float32]
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) (*EmbeddingCache, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	l, err := lru.New[uint64, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &EmbeddingCache{lru: l}, nil
}

// Get returns a copy of the cached embedding for text if present.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	v, ok := c.lru.Get(xxhash.Sum64String(text))
	if !ok {
		return nil, false
	}
	return slices.Clone(v), true
}

// Set stores the embedding for text, evicting the least recently used entry if at capacity.
func (c *EmbeddingCache) Set(text string, value []float32) {
	c.lru.Add(xxhash.Sum64String(text), slices.Clone(value))
}

// Len returns the number of cached embeddings.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}

// CachedEmbedder memoizes another embedder.
type CachedEmbedder struct {
	inner Embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder wraps inner with an LRU of size entries.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	c, err := NewEmbeddingCache(size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

// Embed returns the cached embedding or computes and stores it.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, v)
	return v, nil
}

// EmbedBatch calls Embed for each text.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close closes the wrapped embedder.
func (e *CachedEmbedder) Close() error {
	return e.inner.Close()
}
