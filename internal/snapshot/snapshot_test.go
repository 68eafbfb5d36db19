package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/storage"
)

func openEngine(t *testing.T, dim int) *search.Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "agentdb.sqlite")
	cfg.Storage.IndexPath = filepath.Join(dir, "indices", "hnsw.bin")
	cfg.Vector.Dimensions = dim
	cfg.Quantization.Method = "scalar"
	cfg.Quantization.MinTrainingSamples = 16
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	e, err := search.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seed(t *testing.T, e *search.Engine) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 64; i++ {
		v := make([]float32, e.Dimension())
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		require.NoError(t, e.InsertWithID(ctx, &models.VectorRecord{
			ID:        fmt.Sprintf("v%02d", i),
			Embedding: v,
			Metadata:  map[string]any{"n": float64(i)},
		}))
	}
	require.NoError(t, e.TrainQuantizer(ctx))

	store := e.Store()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SaveSession(ctx, &models.Session{
		ID: "s1", UserID: "u1", SessionType: "build", Status: models.SessionEnded,
		Algorithm: "q_learning", PolicyRef: "policy-s1", StartedAt: now,
	}))
	require.NoError(t, store.SaveExperience(ctx, &models.Experience{
		ID: "x1", SessionID: "s1", TaskType: "build", ToolName: "compile", Action: "compile",
		Reward: 0.8, Timestamp: now,
	}))
	require.NoError(t, store.SavePolicy(ctx, &storage.PolicyBlob{
		Ref: "policy-s1", SessionID: "s1", Algorithm: "q_learning", Data: []byte(`{"version":1}`),
	}))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openEngine(t, 8)
	seed(t, src)

	var buf bytes.Buffer
	out, err := Export(ctx, src, &buf)
	require.NoError(t, err)
	assert.Equal(t, &Summary{Vectors: 64, Sessions: 1, Experiences: 1, Policies: 1, Quantizer: true}, out)

	dst := openEngine(t, 8)
	in, err := Import(ctx, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, out, in)

	st, err := dst.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(64), st.Vectors)
	assert.True(t, st.QuantizerTrained)
	assert.Equal(t, 64, st.Codes)

	sess, err := dst.Store().GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, sess.Status)
	exp, err := dst.Store().GetExperience(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, exp.Reward)
	pol, err := dst.Store().LoadPolicy(ctx, "policy-s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(pol.Data))

	rec, err := src.Get(ctx, "v07")
	require.NoError(t, err)
	req := func() *models.SearchRequest {
		return &models.SearchRequest{Vector: rec.Embedding, K: 5, Mode: models.SearchModeTwoStage}
	}
	want, err := src.Search(ctx, req())
	require.NoError(t, err)
	got, err := dst.Search(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, want.IDs(), got.IDs())
	assert.Equal(t, "v07", got.IDs()[0])
}

func TestImport_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	src := openEngine(t, 8)
	seed(t, src)
	var buf bytes.Buffer
	_, err := Export(ctx, src, &buf)
	require.NoError(t, err)

	_, err = Import(ctx, openEngine(t, 4), &buf)
	assert.ErrorIs(t, err, dberr.ErrInvalidDimension)
}

func TestImport_Garbage(t *testing.T) {
	_, err := Import(context.Background(), openEngine(t, 4), bytes.NewReader([]byte("not a snapshot")))
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)
}
