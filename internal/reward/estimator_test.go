package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyperjump/agentdb/internal/models"
)

func TestEstimate_Success(t *testing.T) {
	e := NewEstimator()
	b := e.Estimate(models.Outcome{Success: true, ExecutionTimeMs: 500, TokensUsed: 1000}, "ok")

	assert.Equal(t, 1.0, b.Success)
	assert.Equal(t, 1.0, b.Efficiency)
	assert.Equal(t, 0.9, b.Quality)
	assert.InDelta(t, 0.5, b.Cost, 1e-12)
	assert.InDelta(t, 0.4+0.3+0.18+0.05, b.Automatic, 1e-12)
	assert.Equal(t, b.Automatic, b.Combined)
	assert.Nil(t, b.Objective)
	assert.Greater(t, b.Scalar(), 0.0)
}

func TestEstimate_Failure(t *testing.T) {
	e := NewEstimator()
	b := e.Estimate(models.Outcome{Success: false, ExecutionTimeMs: 4000, Error: "boom"}, nil)

	assert.Equal(t, 0.0, b.Success)
	assert.InDelta(t, 0.25, b.Efficiency, 1e-12)
	assert.Equal(t, 0.1, b.Quality)
	assert.Equal(t, 1.0, b.Cost)
	assert.Less(t, b.Scalar(), 0.0)
}

func TestEstimate_ExitCodeWins(t *testing.T) {
	e := NewEstimator()
	interrupted := 130
	b := e.Estimate(models.Outcome{Success: true, ExitCode: &interrupted}, "partial")
	assert.Equal(t, 0.0, b.Success)
	assert.Equal(t, 0.4, b.Quality)
}

func TestEstimate_Deterministic(t *testing.T) {
	e := NewEstimator()
	q := 0.7
	o := models.Outcome{Success: true, ExecutionTimeMs: 1500, TokensUsed: 250, QualityScore: &q}
	first := e.Estimate(o, map[string]any{"files": 3})
	for range 10 {
		assert.Equal(t, first, e.Estimate(o, map[string]any{"files": 3}))
	}
	assert.Equal(t, 0.7, first.Quality)
}

func TestEstimate_ErrorFieldIsIncomplete(t *testing.T) {
	e := NewEstimator()
	b := e.Estimate(models.Outcome{Success: true}, map[string]any{"error": "denied"})
	assert.Equal(t, 0.5, b.Quality)
}

func TestObserve_RollingBaseline(t *testing.T) {
	e := NewEstimator(WithWindow(2))
	assert.Equal(t, DefaultBaselineMs, e.Baseline())

	e.Observe(models.Outcome{ExecutionTimeMs: 100})
	e.Observe(models.Outcome{ExecutionTimeMs: 300})
	assert.Equal(t, 200.0, e.Baseline())

	e.Observe(models.Outcome{ExecutionTimeMs: 500})
	assert.Equal(t, 400.0, e.Baseline())

	e.Observe(models.Outcome{ExecutionTimeMs: 0})
	assert.Equal(t, 400.0, e.Baseline())

	b := e.Estimate(models.Outcome{Success: true, ExecutionTimeMs: 800}, "x")
	assert.Equal(t, 0.5, b.Efficiency)
}

func TestWithObjective(t *testing.T) {
	e := NewEstimator()
	b := e.Estimate(models.Outcome{Success: true}, "x")
	blended := WithObjective(b, 0.0)
	assert.NotNil(t, blended.Objective)
	assert.InDelta(t, 0.7*b.Automatic, blended.Combined, 1e-12)
	assert.Equal(t, b.Automatic, blended.Automatic)

	clamped := WithObjective(b, 3)
	assert.Equal(t, 1.0, *clamped.Objective)
}
