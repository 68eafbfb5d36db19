package embedding

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/agentdb/pkg/utils"
)

const emptyToken = "<empty>"

// HashEmbedder maps text to a unit vector by signed feature hashing of its words and word
// bigrams. Equal texts always map to equal vectors and texts sharing words land close together.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a feature-hashing embedder of the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed hashes every word and bigram of text into the vector and L2-normalizes it.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := Words(text)
	if len(words) == 0 {
		words = []string{emptyToken}
	}
	emb := make([]float32, e.dimensions)
	for i, w := range words {
		e.add(emb, w, 1)
		if i > 0 {
			e.add(emb, words[i-1]+" "+w, 0.5)
		}
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

func (e *HashEmbedder) add(emb []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	slot := h % uint64(e.dimensions)
	if h>>63 == 1 {
		weight = -weight
	}
	emb[slot] += weight
}

// EmbedBatch calls Embed for each text.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for HashEmbedder.
func (e *HashEmbedder) Close() error {
	return nil
}
