// Package embedding turns text into vectors: deterministic feature hashing by default, ONNX
// Runtime models when built with cgo.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/agentdb/internal/config"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New returns the embedder selected by cfg producing vectors of dim dimensions.
func New(cfg config.EmbeddingConfig, dim int) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewCachedEmbedder(NewHashEmbedder(dim), cfg.CacheSize)
	case "onnx":
		return NewONNXEmbedder(cfg.ModelPath, dim, cfg.MaxTokens, cfg.CacheSize)
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}
