package vector

import (
	"fmt"

	"go.uber.org/zap"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeFlat uses exact brute-force search. Good for small stores (<10k vectors) and ground truth.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeHNSW uses the layered graph for sub-linear approximate search.
	IndexTypeHNSW IndexType = "hnsw"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "hnsw" (default), "flat".
func NewVectorIndex(indexType string, cfg HNSWConfig, logger *zap.Logger) (VectorIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch IndexType(indexType) {
	case IndexTypeHNSW, "":
		return NewHNSWIndex(cfg, WithLogger(logger))
	case IndexTypeFlat, "memory":
		return NewFlatIndex(cfg.Dimensions, cfg.Metric)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: hnsw, flat)", indexType)
	}
}
