package vector

import (
	"fmt"
	"math"
)

// Metric is a distance function; lower is closer for every metric.
type Metric uint8

const (
	// MetricCosine is 1 − cos(a, b), in [0, 2].
	MetricCosine Metric = iota
	// MetricEuclidean is the L2 distance.
	MetricEuclidean
	// MetricDot is the negated inner product.
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	case MetricDot:
		return "dot"
	}
	return fmt.Sprintf("metric(%d)", uint8(m))
}

// ParseMetric maps a config name to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "cosine":
		return MetricCosine, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	case "dot", "inner_product":
		return MetricDot, nil
	}
	return 0, fmt.Errorf("unknown metric %q (supported: cosine, euclidean, dot)", s)
}

// Distance returns the distance between a and b. Lengths must match.
func (m Metric) Distance(a, b []float32) float64 {
	switch m {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case MetricDot:
		return -InnerProduct(a, b)
	default:
		var dot, na, nb float64
		for i := range a {
			x, y := float64(a[i]), float64(b[i])
			dot += x * y
			na += x * x
			nb += y * y
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return math.Max(0, 1-dot/math.Sqrt(na*nb))
	}
}

// selfDistance is the distance of a vector to an identical copy of itself.
func (m Metric) selfDistance(v []float32) float64 {
	if m == MetricDot {
		return -InnerProduct(v, v)
	}
	return 0
}

// Score converts a distance into a similarity where higher is better.
func (m Metric) Score(distance float64) float64 {
	switch m {
	case MetricEuclidean:
		return 1 / (1 + distance)
	case MetricDot:
		return -distance
	default:
		return 1 - distance
	}
}

// InnerProduct returns the inner product of two vectors.
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
