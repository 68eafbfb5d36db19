package search

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
)

func testConfig(t *testing.T, dim int, mutate func(*config.Config)) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "agentdb.sqlite")
	cfg.Storage.IndexPath = filepath.Join(dir, "indices", "hnsw.bin")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "indices", "experiences.bleve")
	cfg.Vector.Dimensions = dim
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func insertABC(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range []*models.VectorRecord{
		{ID: "a", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"group": "x"}},
		{ID: "b", Embedding: []float32{0, 1, 0}, Metadata: map[string]any{"group": "y"}},
		{ID: "c", Embedding: []float32{0.9, 0.1, 0}, Metadata: map[string]any{"group": "y"}},
	} {
		require.NoError(t, e.InsertWithID(ctx, rec))
	}
}

func TestEngine_SmallExample(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	insertABC(t, e)

	for _, mode := range []models.SearchMode{models.SearchModeExact, models.SearchModeANN} {
		resp, err := e.Search(context.Background(), &models.SearchRequest{Vector: []float32{1, 0, 0}, K: 2, Mode: mode})
		require.NoError(t, err, mode)
		assert.Equal(t, []string{"a", "c"}, resp.IDs(), mode)
		assert.Equal(t, 0.0, resp.Results[0].Distance, mode)
		assert.Equal(t, 1, resp.Results[0].Rank)
		assert.Equal(t, "x", resp.Results[0].Metadata["group"])
	}
}

func TestEngine_Dimension(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	ctx := context.Background()
	_, err := e.Insert(ctx, []float32{1, 2}, nil)
	assert.ErrorIs(t, err, dberr.ErrInvalidDimension)
	_, err = e.Search(ctx, &models.SearchRequest{Vector: []float32{1, 2, 3, 4}})
	assert.ErrorIs(t, err, dberr.ErrInvalidDimension)
	_, err = e.Search(ctx, &models.SearchRequest{})
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestEngine_FilterAndUpdate(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	insertABC(t, e)
	ctx := context.Background()

	req := func() *models.SearchRequest {
		return &models.SearchRequest{Vector: []float32{1, 0, 0}, K: 2, Filter: map[string]any{"group": "y"}}
	}
	resp, err := e.Search(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, resp.IDs())

	require.NoError(t, e.Update(ctx, "a", map[string]any{"group": "y"}))
	resp, err = e.Search(ctx, req())
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, []string{"a", "c"}, resp.IDs())

	assert.ErrorIs(t, e.Update(ctx, "missing", nil), dberr.ErrNotFound)
}

func TestEngine_CacheInvalidation(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	insertABC(t, e)
	ctx := context.Background()
	req := func() *models.SearchRequest { return &models.SearchRequest{Vector: []float32{0, 0, 1}, K: 1} }

	first, err := e.Search(ctx, req())
	require.NoError(t, err)
	assert.False(t, first.Cached)
	second, err := e.Search(ctx, req())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.IDs(), second.IDs())

	require.NoError(t, e.InsertWithID(ctx, &models.VectorRecord{ID: "d", Embedding: []float32{0, 0, 1}}))
	third, err := e.Search(ctx, req())
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, []string{"d"}, third.IDs())

	require.NoError(t, e.Delete(ctx, "d"))
	fourth, err := e.Search(ctx, req())
	require.NoError(t, err)
	assert.NotContains(t, fourth.IDs(), "d")
	_, err = e.Get(ctx, "d")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.ErrorIs(t, e.Delete(ctx, "d"), dberr.ErrNotFound)
}

func TestEngine_QuantizerErrors(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	insertABC(t, e)
	ctx := context.Background()

	_, err := e.Search(ctx, &models.SearchRequest{Vector: []float32{1, 0, 0}, Mode: models.SearchModeTwoStage})
	assert.ErrorIs(t, err, dberr.ErrQuantizationUntrained)
	assert.ErrorIs(t, e.TrainQuantizer(ctx), dberr.ErrInsufficientData)

	off := openEngine(t, testConfig(t, 3, func(c *config.Config) { c.Quantization.Method = "none" }))
	_, err = off.Search(ctx, &models.SearchRequest{Vector: []float32{1, 0, 0}, Mode: models.SearchModeQuantized})
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestEngine_Capacity(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, func(c *config.Config) { c.HNSW.MaxElements = 2 }))
	ctx := context.Background()
	_, err := e.Insert(ctx, []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, err = e.Insert(ctx, []float32{0, 1, 0}, nil)
	require.NoError(t, err)
	_, err = e.Insert(ctx, []float32{0, 0, 1}, nil)
	assert.ErrorIs(t, err, dberr.ErrCapacityExceeded)

	n, err := e.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEngine_ReopenAndCorruptIndex(t *testing.T) {
	cfg := testConfig(t, 3, nil)
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	insertABC(t, e)
	require.NoError(t, e.Close())

	reopened, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	st, err := reopened.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Vectors)
	assert.Equal(t, 3, st.Indexed)
	require.NoError(t, reopened.Close())

	require.NoError(t, os.WriteFile(cfg.Storage.IndexPath, []byte("garbage"), 0644))
	rebuilt := openEngine(t, cfg)
	resp, err := rebuilt.Search(context.Background(), &models.SearchRequest{Vector: []float32{1, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, resp.IDs())
}

func TestEngine_ConcurrentRebuild(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	insertABC(t, e)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Rebuild(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Indexed)
}

func TestEngine_Clear(t *testing.T) {
	cfg := testConfig(t, 3, nil)
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	insertABC(t, e)
	ctx := context.Background()
	_, err = e.Search(ctx, &models.SearchRequest{Vector: []float32{1, 0, 0}, K: 2})
	require.NoError(t, err)

	n, err := e.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	resp, err := e.Search(ctx, &models.SearchRequest{Vector: []float32{1, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Empty(t, resp.Results)
	_, err = e.Get(ctx, "a")
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	// ids are free again and the cleared state survives a reopen
	require.NoError(t, e.InsertWithID(ctx, &models.VectorRecord{ID: "a", Embedding: []float32{0, 0, 1}}))
	require.NoError(t, e.Close())
	reopened := openEngine(t, cfg)
	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Vectors)
	assert.Equal(t, 1, st.Indexed)
}

func TestEngine_FilteredANNWidensBeam(t *testing.T) {
	e := openEngine(t, testConfig(t, 8, nil))
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 400; i++ {
		v := make([]float32, 8)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		meta := map[string]any{"group": "common"}
		if i%100 == 0 {
			meta["group"] = "rare"
		}
		require.NoError(t, e.InsertWithID(ctx, &models.VectorRecord{ID: fmt.Sprintf("v%03d", i), Embedding: v, Metadata: meta}))
	}
	q := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	filter := map[string]any{"group": "rare"}
	truth, err := e.Search(ctx, &models.SearchRequest{Vector: q, K: 3, Filter: filter, Mode: models.SearchModeExact})
	require.NoError(t, err)
	require.Len(t, truth.IDs(), 3)

	got, err := e.Search(ctx, &models.SearchRequest{Vector: q, K: 3, Filter: filter, Mode: models.SearchModeANN})
	require.NoError(t, err)
	assert.Equal(t, truth.IDs(), got.IDs())

	// exclusions drop matching records on every path
	for _, mode := range []models.SearchMode{models.SearchModeExact, models.SearchModeANN} {
		resp, err := e.Search(ctx, &models.SearchRequest{Vector: q, K: 10, Exclude: map[string]any{"group": "common"}, Mode: mode})
		require.NoError(t, err, mode)
		assert.ElementsMatch(t, []string{"v000", "v100", "v200", "v300"}, resp.IDs(), mode)
	}
}

func TestEngine_SetEfSearch(t *testing.T) {
	e := openEngine(t, testConfig(t, 3, nil))
	e.SetEfSearch(128)
	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Graph)
	assert.Equal(t, 128, st.Graph.EfSearch)
}

// clustered returns n points around nClusters gaussian centres.
func clustered(rng *rand.Rand, n, nClusters, dim int) [][]float32 {
	centres := make([][]float64, nClusters)
	for i := range centres {
		centres[i] = make([]float64, dim)
		for d := range centres[i] {
			centres[i][d] = rng.NormFloat64()
		}
	}
	out := make([][]float32, n)
	for i := range out {
		c := centres[i%nClusters]
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(c[d] + 0.1*rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func twoStageRecall(t *testing.T, method string, data [][]float32, queries [][]float32) float64 {
	t.Helper()
	dim := len(data[0])
	e := openEngine(t, testConfig(t, dim, func(c *config.Config) { c.Quantization.Method = method }))
	ctx := context.Background()
	for i, v := range data {
		require.NoError(t, e.InsertWithID(ctx, &models.VectorRecord{ID: fmt.Sprintf("v%04d", i), Embedding: v}))
	}
	require.NoError(t, e.TrainQuantizer(ctx))

	const k = 10
	hits := 0
	for _, q := range queries {
		truth, err := e.Search(ctx, &models.SearchRequest{Vector: q, K: k, Mode: models.SearchModeExact})
		require.NoError(t, err)
		got, err := e.Search(ctx, &models.SearchRequest{Vector: q, K: k, Mode: models.SearchModeTwoStage})
		require.NoError(t, err)
		want := make(map[string]bool, k)
		for _, id := range truth.IDs() {
			want[id] = true
		}
		for _, id := range got.IDs() {
			if want[id] {
				hits++
			}
		}
	}
	return float64(hits) / float64(len(queries)*k)
}

func TestEngine_TwoStageRecallScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := clustered(rng, 1200, 1200, 32)
	queries := clustered(rng, 20, 20, 32)
	recall := twoStageRecall(t, "scalar", data, queries)
	assert.GreaterOrEqual(t, recall, 0.85, "recall@10 = %.3f", recall)
}

func TestEngine_TwoStageRecallBinary(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	data := clustered(rng, 1200, 40, 64)
	queries := make([][]float32, 20)
	for i := range queries {
		src := data[rng.Intn(len(data))]
		q := make([]float32, len(src))
		for d := range q {
			q[d] = src[d] + float32(0.05*rng.NormFloat64())
		}
		queries[i] = q
	}
	recall := twoStageRecall(t, "binary", data, queries)
	assert.GreaterOrEqual(t, recall, 0.85, "recall@10 = %.3f", recall)
}
