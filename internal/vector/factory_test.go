package vector

import (
	"context"
	"testing"
)

func TestNewVectorIndex_Types(t *testing.T) {
	for _, typ := range []string{"hnsw", "", "flat", "memory"} {
		idx, err := NewVectorIndex(typ, DefaultHNSWConfig(3), nil)
		if err != nil {
			t.Fatalf("NewVectorIndex(%q): %v", typ, err)
		}
		ctx := context.Background()
		if err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if idx.Size() != 1 {
			t.Errorf("%q: Size=%d, want 1", typ, idx.Size())
		}
		_ = idx.Close()
	}
}

func TestNewVectorIndex_Unknown(t *testing.T) {
	_, err := NewVectorIndex("faiss", DefaultHNSWConfig(3), nil)
	if err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNewVectorIndex_InvalidDimension(t *testing.T) {
	for _, typ := range []string{"hnsw", "flat"} {
		if _, err := NewVectorIndex(typ, HNSWConfig{}, nil); err == nil {
			t.Errorf("%s: expected error for zero dimension", typ)
		}
	}
}

func TestParseMetric(t *testing.T) {
	tests := map[string]Metric{"": MetricCosine, "cosine": MetricCosine, "l2": MetricEuclidean, "dot": MetricDot}
	for in, want := range tests {
		got, err := ParseMetric(in)
		if err != nil || got != want {
			t.Errorf("ParseMetric(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMetric("hamming"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestMetricDistance(t *testing.T) {
	a := []float32{1, 0, 0}
	c := []float32{0.9, 0.1, 0}
	b := []float32{0, 1, 0}
	if d := MetricCosine.Distance(a, a); d != 0 {
		t.Errorf("cosine self distance = %v", d)
	}
	if MetricCosine.Distance(a, c) >= MetricCosine.Distance(a, b) {
		t.Error("c must be closer to a than b")
	}
	if d := MetricEuclidean.Distance([]float32{0, 0}, []float32{3, 4}); d != 5 {
		t.Errorf("euclidean = %v", d)
	}
	if d := MetricDot.Distance([]float32{1, 2}, []float32{3, 4}); d != -11 {
		t.Errorf("dot = %v", d)
	}
	if d := MetricCosine.Distance([]float32{0, 0}, []float32{1, 0}); d != 1 {
		t.Errorf("cosine with zero vector = %v", d)
	}
}
