package embedding

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / math.Sqrt(na*nb)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "tool=read_file path=main.go")
	b, _ := e.Embed(ctx, "tool=read_file path=main.go")
	if len(a) != 64 {
		t.Fatalf("len = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding is not deterministic")
		}
	}
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm^2 = %v", norm)
	}
}

func TestHashEmbedder_Similarity(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	base, _ := e.Embed(ctx, "run unit tests for the storage package")
	near, _ := e.Embed(ctx, "run unit tests for the search package")
	far, _ := e.Embed(ctx, "deploy kubernetes cluster upgrade")
	if cosine(base, near) <= cosine(base, far) {
		t.Errorf("overlapping texts should be closer: near=%.3f far=%.3f", cosine(base, near), cosine(base, far))
	}
}

func TestHashEmbedder_Empty(t *testing.T) {
	e := NewHashEmbedder(8)
	v, err := e.Embed(context.Background(), "   ")
	if err != nil {
		t.Fatal(err)
	}
	var nonzero bool
	for _, x := range v {
		nonzero = nonzero || x != 0
	}
	if !nonzero {
		t.Error("empty text should still map to a unit vector")
	}
}
