package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/models"
)

func response(ids ...string) *models.SearchResponse {
	resp := &models.SearchResponse{Mode: models.SearchModeANN}
	for i, id := range ids {
		resp.Results = append(resp.Results, &models.SearchResult{ID: id, Rank: i + 1})
	}
	return resp
}

func TestKeyFor(t *testing.T) {
	a := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Mode: models.SearchModeANN}
	b := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Mode: models.SearchModeANN}
	assert.Equal(t, KeyFor(a), KeyFor(b))

	b.K = 6
	assert.NotEqual(t, KeyFor(a), KeyFor(b))

	f1 := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Filter: map[string]any{"x": 1, "y": "z"}}
	f2 := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Filter: map[string]any{"y": "z", "x": 1}}
	assert.Equal(t, KeyFor(f1), KeyFor(f2))
	assert.NotZero(t, KeyFor(f1).Filter)
	assert.Zero(t, KeyFor(a).Filter)

	// the same pair as a filter and as an exclusion are different queries
	inc := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Filter: map[string]any{"kind": "experience"}}
	exc := &models.SearchRequest{Vector: []float32{1, 2}, K: 5, Exclude: map[string]any{"kind": "experience"}}
	assert.NotEqual(t, KeyFor(inc), KeyFor(exc))
	assert.NotZero(t, KeyFor(exc).Filter)
}

func TestQueryCache_ResultsAreCopies(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)
	key := Key{Query: 1}
	resp := response("a")
	resp.Results[0].Metadata = map[string]any{"group": "x"}
	require.True(t, c.Put(key, c.Generation(), resp))

	// the caller's response is not aliased by the cache
	resp.Results[0].Metadata["group"] = "changed"
	resp.Results[0].ID = "changed"

	got, ok := c.Get(key)
	require.True(t, ok)
	got.Results[0].Metadata["group"] = "mutated"
	got.Results[0].Distance = 42

	again, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "a", again.Results[0].ID)
	assert.Equal(t, "x", again.Results[0].Metadata["group"])
	assert.Zero(t, again.Results[0].Distance)
}

func TestQueryCache_GetPut(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	k1, k2, k3 := Key{Query: 1}, Key{Query: 2}, Key{Query: 3}

	_, ok := c.Get(k1)
	assert.False(t, ok)

	require.True(t, c.Put(k1, c.Generation(), response("a", "b")))
	got, ok := c.Get(k1)
	require.True(t, ok)
	assert.True(t, got.Cached)
	assert.Equal(t, []string{"a", "b"}, got.IDs())

	c.Put(k2, c.Generation(), response("c"))
	c.Put(k3, c.Generation(), response("d"))
	assert.Equal(t, 2, c.Len())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestQueryCache_StalePutDropped(t *testing.T) {
	c, _ := New(10)
	gen := c.Generation()
	c.InvalidateAll()
	assert.False(t, c.Put(Key{Query: 1}, gen, response("a")))
	assert.Equal(t, 0, c.Len())
}

func TestQueryCache_InvalidateID(t *testing.T) {
	c, _ := New(10)
	plain := Key{Query: 1}
	other := Key{Query: 2}
	filtered := Key{Query: 3, Filter: 42}
	c.Put(plain, c.Generation(), response("a", "b"))
	c.Put(other, c.Generation(), response("c"))
	c.Put(filtered, c.Generation(), response("c"))

	assert.Equal(t, 1, c.InvalidateID("b", false))
	_, ok := c.Get(plain)
	assert.False(t, ok)
	_, ok = c.Get(filtered)
	assert.True(t, ok)

	// a metadata update also drops filtered queries
	assert.Equal(t, 1, c.InvalidateID("zzz", true))
	_, ok = c.Get(filtered)
	assert.False(t, ok)
	_, ok = c.Get(other)
	assert.True(t, ok)
}

func TestQueryCache_ResultsNotShared(t *testing.T) {
	c, _ := New(10)
	resp := response("a", "b")
	c.Put(Key{Query: 1}, c.Generation(), resp)
	resp.Results[0] = &models.SearchResult{ID: "mutated"}

	got, _ := c.Get(Key{Query: 1})
	assert.Equal(t, "a", got.Results[0].ID)
	got.Results = got.Results[:1]
	again, _ := c.Get(Key{Query: 1})
	assert.Len(t, again.Results, 2)
}
