// Package vector provides vector indexes (exact flat scan and HNSW graph) and distance metrics.
package vector

import "context"

// VectorIndex defines vector storage and nearest-neighbour search. Results are ordered by
// ascending distance.
type VectorIndex interface {
	Type() string
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	// Exact scans every live vector; accept (optional) restricts candidates by id.
	Exact(ctx context.Context, query []float32, k int, accept func(id string) bool) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	// Vector returns the stored copy of id's vector.
	Vector(id string) ([]float32, bool)
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}

// VectorResult is a single search hit.
type VectorResult struct {
	ID       string
	Distance float64
}
