package policy

import (
	"math/rand"

	"github.com/hyperjump/agentdb/internal/dberr"
)

// Hasher buckets continuous states by the signs of their projections on random hyperplanes.
// Nearby states (small angle) share most bits, so they usually land in the same bucket.
type Hasher struct {
	dim    int
	planes [][]float32
}

// NewHasher draws bits hyperplanes of dimension dim from a gaussian seeded with seed.
func NewHasher(dim, bits int, seed int64) *Hasher {
	rng := rand.New(rand.NewSource(seed))
	planes := make([][]float32, bits)
	for i := range planes {
		p := make([]float32, dim)
		for d := range p {
			p[d] = float32(rng.NormFloat64())
		}
		planes[i] = p
	}
	return &Hasher{dim: dim, planes: planes}
}

// Bucket returns the state bucket of v.
func (h *Hasher) Bucket(v []float32) (uint64, error) {
	if len(v) != h.dim {
		return 0, dberr.Dimension("policy.bucket", h.dim, len(v))
	}
	var b uint64
	for i, p := range h.planes {
		var dot float32
		for d, x := range v {
			dot += p[d] * x
		}
		if dot >= 0 {
			b |= 1 << uint(i)
		}
	}
	return b, nil
}

// Bits returns the number of hyperplanes.
func (h *Hasher) Bits() int {
	return len(h.planes)
}
