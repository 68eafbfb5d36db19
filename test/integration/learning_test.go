// Package integration exercises the store, the learning layer and snapshots together.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/keyword"
	"github.com/hyperjump/agentdb/internal/learning"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/session"
	"github.com/hyperjump/agentdb/internal/snapshot"
)

type stack struct {
	cfg     *config.Config
	engine  *search.Engine
	manager *learning.Manager
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "agentdb.sqlite")
	cfg.Storage.IndexPath = filepath.Join(dir, "indices", "hnsw.bin")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "indices", "experiences.bleve")
	cfg.Vector.Dimensions = 64
	cfg.Quantization.Method = "binary"
	cfg.Quantization.MinTrainingSamples = 32
	cfg.Learning.EpsilonStart = 1e-9
	cfg.Learning.EpsilonMin = 1e-9
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func openStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()
	ctx := context.Background()
	engine, err := search.Open(ctx, cfg)
	require.NoError(t, err)
	kw, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	require.NoError(t, err)
	m, err := learning.New(engine, cfg.Learning, learning.WithKeywordIndex(kw))
	require.NoError(t, err)
	_, err = m.Restore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = kw.Close()
		_ = engine.Close()
	})
	return &stack{cfg: cfg, engine: engine, manager: m}
}

var (
	buildState = map[string]any{"task_type": "build", "file": "main.go"}
	testState  = map[string]any{"task_type": "test", "package": "./internal/..."}
)

func record(t *testing.T, m *learning.Manager, id, tool string, state map[string]any, ok bool) {
	t.Helper()
	out := models.Outcome{Success: ok, ExecutionTimeMs: 200}
	if !ok {
		out.Error = "exit status 2"
	}
	_, err := m.RecordExperience(context.Background(), &learning.RecordRequest{
		SessionID: id, ToolName: tool, Context: state, Result: "done", Outcome: out,
	})
	require.NoError(t, err)
}

func TestAgentWorkflow_SurvivesSnapshot(t *testing.T) {
	ctx := context.Background()
	src := openStack(t, newConfig(t))

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 64; i++ {
		v := make([]float32, 64)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		_, err := src.engine.Insert(ctx, v, map[string]any{"doc": fmt.Sprint(i)})
		require.NoError(t, err)
	}
	require.NoError(t, src.engine.TrainQuantizer(ctx))

	sess, err := src.manager.StartSession(ctx, session.StartRequest{UserID: "agent", SessionType: "build"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		record(t, src.manager, sess.ID, "go_build", buildState, true)
		record(t, src.manager, sess.ID, "make", buildState, false)
	}
	res, err := src.manager.Train(ctx, sess.ID, models.TrainOptions{Epochs: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Epochs)

	pred, err := src.manager.PredictAction(ctx, sess.ID, buildState, []string{"make", "go_build"})
	require.NoError(t, err)
	assert.Equal(t, "go_build", pred.Action)
	assert.Greater(t, pred.Confidence, 0.5)

	hits, err := src.manager.SearchExperiences(ctx, learning.ExperienceQuery{Query: "go_build", SessionID: sess.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	require.NoError(t, src.manager.Sessions().CheckpointAll(ctx))
	var buf bytes.Buffer
	sum, err := snapshot.Export(ctx, src.engine, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sessions)
	assert.Equal(t, 10, sum.Experiences)
	assert.Equal(t, 74, sum.Vectors)

	dstCfg := newConfig(t)
	dstEngine, err := search.Open(ctx, dstCfg)
	require.NoError(t, err)
	_, err = snapshot.Import(ctx, dstEngine, &buf)
	require.NoError(t, err)
	require.NoError(t, dstEngine.Close())

	dst := openStack(t, dstCfg)
	assert.Equal(t, 1, dst.manager.Sessions().Len())
	again, err := dst.manager.PredictAction(ctx, sess.ID, buildState, []string{"make", "go_build"})
	require.NoError(t, err)
	assert.Equal(t, pred.Action, again.Action)
	assert.InDelta(t, pred.QValue, again.QValue, 1e-12)

	recalled, err := dst.manager.SearchExperiences(ctx, learning.ExperienceQuery{Query: "make", SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, recalled, 5)
	for _, m := range recalled {
		assert.Equal(t, "make", m.Experience.ToolName)
	}

	st, err := dst.engine.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.QuantizerTrained)
	assert.Equal(t, int64(74), st.Vectors)
}

func TestAgentWorkflow_TransferBetweenTaskTypes(t *testing.T) {
	ctx := context.Background()
	s := openStack(t, newConfig(t))

	src, err := s.manager.StartSession(ctx, session.StartRequest{UserID: "agent", SessionType: "test"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		record(t, s.manager, src.ID, "go_test", testState, true)
	}
	_, err = s.manager.Train(ctx, src.ID, models.TrainOptions{Epochs: 3})
	require.NoError(t, err)

	dst, err := s.manager.StartSession(ctx, session.StartRequest{UserID: "agent", SessionType: "test"})
	require.NoError(t, err)
	out, err := s.manager.TransferLearning(ctx, src.ID, dst.ID, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExperiencesTransferred)
	assert.Positive(t, out.StatesMerged)

	pred, err := s.manager.PredictAction(ctx, dst.ID, testState, []string{"go_vet", "go_test"})
	require.NoError(t, err)
	assert.Equal(t, "go_test", pred.Action)

	_, err = s.manager.EndSession(ctx, src.ID)
	require.NoError(t, err)
	m, err := s.manager.GetMetrics(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalExperiences)
	assert.Equal(t, 1.0, m.SuccessRate)
}
