// Package reward turns tool outcomes into the multi-component reward the learner trains on.
package reward

import (
	"math"
	"reflect"
	"sync"

	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/pkg/utils"
)

// Component weights of the automatic reward.
const (
	WeightSuccess    = 0.4
	WeightEfficiency = 0.3
	WeightQuality    = 0.2
	WeightCost       = 0.1

	// automaticShare is the weight of the formula score once external feedback is available.
	automaticShare = 0.7

	DefaultBaselineMs  = 1000.0
	DefaultWindow      = 100
	DefaultTokenBudget = 1000.0
)

// Estimator computes reward breakdowns. Estimate never mutates; Observe feeds the rolling
// execution-time baseline that efficiency is measured against.
type Estimator struct {
	window      int
	tokenBudget float64

	mu      sync.RWMutex
	samples []float64 // ring of recent execution times
	next    int
	sum     float64
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithWindow sets how many recent executions form the baseline.
func WithWindow(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithTokenBudget sets the token count at which the cost component drops to 0.5.
func WithTokenBudget(b float64) Option {
	return func(e *Estimator) {
		if b > 0 {
			e.tokenBudget = b
		}
	}
}

// NewEstimator creates an estimator with an empty baseline.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{window: DefaultWindow, tokenBudget: DefaultTokenBudget}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Baseline returns the mean execution time of the window, or DefaultBaselineMs when empty.
func (e *Estimator) Baseline() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) == 0 {
		return DefaultBaselineMs
	}
	return e.sum / float64(len(e.samples))
}

// Observe adds o's execution time to the baseline. Non-positive times are ignored.
func (e *Estimator) Observe(o models.Outcome) {
	if o.ExecutionTimeMs <= 0 || math.IsNaN(o.ExecutionTimeMs) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) < e.window {
		e.samples = append(e.samples, o.ExecutionTimeMs)
		e.sum += o.ExecutionTimeMs
		return
	}
	e.sum += o.ExecutionTimeMs - e.samples[e.next]
	e.samples[e.next] = o.ExecutionTimeMs
	e.next = (e.next + 1) % e.window
}

// Estimate scores an outcome and the tool result it produced.
func (e *Estimator) Estimate(o models.Outcome, result any) models.RewardBreakdown {
	b := models.RewardBreakdown{
		Efficiency: efficiency(e.Baseline(), o.ExecutionTimeMs),
		Quality:    quality(o, result),
		Cost:       1 / (1 + float64(max(o.TokensUsed, 0))/e.tokenBudget),
	}
	if models.VerdictFor(o) == models.VerdictSuccess {
		b.Success = 1
	}
	b.Automatic = WeightSuccess*b.Success + WeightEfficiency*b.Efficiency +
		WeightQuality*b.Quality + WeightCost*b.Cost
	b.Combined = b.Automatic
	return b
}

// WithObjective blends an external score in [0,1] into b.
func WithObjective(b models.RewardBreakdown, objective float64) models.RewardBreakdown {
	objective = utils.Clamp01(objective)
	b.Objective = &objective
	b.Combined = automaticShare*b.Automatic + (1-automaticShare)*objective
	return b
}

func efficiency(baseline, execMs float64) float64 {
	if execMs <= 0 {
		return 1
	}
	return math.Min(1, baseline/execMs)
}

func quality(o models.Outcome, result any) float64 {
	if o.QualityScore != nil {
		return utils.Clamp01(*o.QualityScore)
	}
	success := models.VerdictFor(o) == models.VerdictSuccess
	switch {
	case isComplete(result) && o.Error == "":
		if success {
			return 0.9
		}
		return 0.4
	case success:
		return 0.5
	default:
		return 0.1
	}
}

// isComplete reports whether result carries content and no "error" entry.
func isComplete(result any) bool {
	if result == nil {
		return false
	}
	switch r := result.(type) {
	case string:
		return r != ""
	case map[string]any:
		if len(r) == 0 {
			return false
		}
		if v, ok := r["error"]; ok && v != nil && v != "" {
			return false
		}
		return true
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return v.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !v.IsNil()
	}
	return true
}
