package embedding

import (
	"context"
	"testing"

	"github.com/hyperjump/agentdb/internal/config"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c, err := NewEmbeddingCache(2)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	v[0] = 99
	if again, _ := c.Get("a"); again[0] != 1 {
		t.Error("cached value was mutated through a returned slice")
	}
	c.Set("b", []float32{4, 5})
	c.Get("a")
	c.Set("c", []float32{6}) // evicts b, a was used more recently
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to remain")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}

type countingEmbedder struct {
	*HashEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.HashEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(16)}
	e, err := NewCachedEmbedder(inner, 10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, _ := e.Embed(ctx, "read file")
	b, _ := e.Embed(ctx, "read file")
	if inner.calls != 1 {
		t.Errorf("inner called %d times", inner.calls)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("cached embedding differs")
		}
	}
	batch, err := e.EmbedBatch(ctx, []string{"read file", "write file"})
	if err != nil || len(batch) != 2 {
		t.Fatalf("EmbedBatch = %v, %v", batch, err)
	}
	if inner.calls != 2 {
		t.Errorf("inner called %d times", inner.calls)
	}
	if e.Dimensions() != 16 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}
}

func TestNew(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "hash", CacheSize: 4}, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if e.Dimensions() != 32 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}
	if _, err := New(config.EmbeddingConfig{Provider: "word2vec"}, 32); err == nil {
		t.Error("expected error for unknown provider")
	}
}
