// Package policy implements the tabular value-function learner behind action recommendations.
package policy

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/hyperjump/agentdb/internal/dberr"
)

// Algorithm selects the temporal-difference target.
type Algorithm uint8

const (
	// QLearning bootstraps from the greedy action of the next state.
	QLearning Algorithm = iota
	// SARSA bootstraps from the expectation over the epsilon-greedy distribution of the next state.
	SARSA
)

func (a Algorithm) String() string {
	switch a {
	case QLearning:
		return "q_learning"
	case SARSA:
		return "sarsa"
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// ParseAlgorithm parses a configured algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "q_learning", "qlearning", "q-learning", "":
		return QLearning, nil
	case "sarsa":
		return SARSA, nil
	}
	return 0, dberr.Errorf(dberr.KindInvalidArgument, "policy.parse", "unknown algorithm %q", s)
}

// Config holds hyperparameters of one policy.
type Config struct {
	Algorithm    Algorithm
	LearningRate float64
	Discount     float64
	EpsilonStart float64
	EpsilonDecay float64
	EpsilonMin   float64
	// Dim is the state embedding dimension and Buckets the number of SimHash bits.
	Dim     int
	Buckets int
	Seed    int64
}

// DefaultConfig returns the standard hyperparameters for states of dimension dim.
func DefaultConfig(dim int) Config {
	return Config{
		Algorithm:    QLearning,
		LearningRate: 0.1,
		Discount:     0.95,
		EpsilonStart: 0.1,
		EpsilonDecay: 0.995,
		EpsilonMin:   0.01,
		Dim:          dim,
		Buckets:      12,
		Seed:         42,
	}
}

func (c Config) validate() error {
	const op = "policy.new"
	switch {
	case c.Dim <= 0:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "dimension must be positive")
	case c.Buckets <= 0 || c.Buckets > 64:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "buckets must be in [1,64], got %d", c.Buckets)
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "learning rate must be in (0,1]")
	case c.Discount < 0 || c.Discount > 1:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "discount must be in [0,1]")
	case c.EpsilonMin < 0 || c.EpsilonStart > 1 || c.EpsilonMin > c.EpsilonStart:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "epsilon range [%.3f, %.3f] is invalid", c.EpsilonMin, c.EpsilonStart)
	}
	return nil
}

// Value is one table cell.
type Value struct {
	Q      float64 `json:"q"`
	Visits int     `json:"visits"`
}

// Transition is one learning sample, already bucketed.
type Transition struct {
	State  uint64
	Action string
	Reward float64
	Next   uint64
	Done   bool
}

// Policy is a tabular value function with epsilon-greedy exploration.
//
// A Policy is not safe for concurrent mutation. Published policies are treated as read-only;
// training works on a Clone and publishes the result.
type Policy struct {
	cfg     Config
	hasher  *Hasher
	table   map[uint64]map[string]*Value
	actions map[string]struct{}
	epsilon float64
	steps   int
}

// New creates an untrained policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Policy{
		cfg:     cfg,
		hasher:  NewHasher(cfg.Dim, cfg.Buckets, cfg.Seed),
		table:   make(map[uint64]map[string]*Value),
		actions: make(map[string]struct{}),
		epsilon: cfg.EpsilonStart,
	}, nil
}

// Config returns the hyperparameters.
func (p *Policy) Config() Config { return p.cfg }

// Algorithm returns the TD target in use.
func (p *Policy) Algorithm() Algorithm { return p.cfg.Algorithm }

// Epsilon returns the current exploration rate.
func (p *Policy) Epsilon() float64 { return p.epsilon }

// Steps returns how many training steps decayed epsilon.
func (p *Policy) Steps() int { return p.steps }

// States returns the number of buckets with at least one value.
func (p *Policy) States() int { return len(p.table) }

// Bucket maps a state embedding to its bucket.
func (p *Policy) Bucket(state []float32) (uint64, error) {
	return p.hasher.Bucket(state)
}

// Actions returns every action the policy has learned about, sorted.
func (p *Policy) Actions() []string {
	out := make([]string, 0, len(p.actions))
	for a := range p.actions {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Q returns the value of action in bucket; unknown pairs are 0.
func (p *Policy) Q(bucket uint64, action string) float64 {
	if v, ok := p.table[bucket][action]; ok {
		return v.Q
	}
	return 0
}

// Values returns a copy of the action values of bucket.
func (p *Policy) Values(bucket uint64) map[string]float64 {
	row := p.table[bucket]
	out := make(map[string]float64, len(row))
	for a, v := range row {
		out[a] = v.Q
	}
	return out
}

// Visits returns how often action was updated in bucket.
func (p *Policy) Visits(bucket uint64, action string) int {
	if v, ok := p.table[bucket][action]; ok {
		return v.Visits
	}
	return 0
}

// Best returns the highest-valued action among candidates, or among the learned actions of
// bucket when candidates is empty. Ties break on action name.
func (p *Policy) Best(bucket uint64, candidates []string) (string, float64, bool) {
	if len(candidates) == 0 {
		candidates = sortedKeys(p.table[bucket])
	}
	best, bestQ, found := "", math.Inf(-1), false
	for _, a := range candidates {
		q := p.Q(bucket, a)
		if !found || q > bestQ || (q == bestQ && a < best) {
			best, bestQ, found = a, q, true
		}
	}
	if !found {
		return "", 0, false
	}
	return best, bestQ, true
}

// Select picks an action epsilon-greedily. explored reports a random pick.
func (p *Policy) Select(bucket uint64, candidates []string, rng *rand.Rand) (action string, explored bool, ok bool) {
	if len(candidates) == 0 {
		candidates = p.Actions()
	}
	if len(candidates) == 0 {
		return "", false, false
	}
	if rng != nil && rng.Float64() < p.epsilon {
		return candidates[rng.Intn(len(candidates))], true, true
	}
	a, _, ok := p.Best(bucket, candidates)
	return a, false, ok
}

// Update applies one TD step and returns the TD error.
func (p *Policy) Update(t Transition) float64 {
	target := t.Reward
	if !t.Done {
		target += p.cfg.Discount * p.bootstrap(t.Next)
	}
	row, ok := p.table[t.State]
	if !ok {
		row = make(map[string]*Value)
		p.table[t.State] = row
	}
	v, ok := row[t.Action]
	if !ok {
		v = &Value{}
		row[t.Action] = v
	}
	p.actions[t.Action] = struct{}{}
	delta := target - v.Q
	v.Q += p.cfg.LearningRate * delta
	v.Visits++
	return delta
}

// bootstrap estimates the value of the next state.
func (p *Policy) bootstrap(next uint64) float64 {
	row := p.table[next]
	if len(row) == 0 {
		return 0
	}
	_, bestQ, _ := p.Best(next, nil)
	if p.cfg.Algorithm == QLearning {
		return bestQ
	}
	// expected SARSA over the epsilon-greedy distribution restricted to known actions
	n := float64(len(p.actions))
	var mean float64
	for a := range p.actions {
		mean += p.Q(next, a)
	}
	mean /= n
	return (1-p.epsilon)*bestQ + p.epsilon*mean
}

// Decay advances one training step and shrinks epsilon toward its floor.
func (p *Policy) Decay() {
	p.steps++
	p.epsilon = math.Max(p.cfg.EpsilonMin, p.epsilon*p.cfg.EpsilonDecay)
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	c := &Policy{
		cfg:     p.cfg,
		hasher:  p.hasher,
		table:   make(map[uint64]map[string]*Value, len(p.table)),
		actions: make(map[string]struct{}, len(p.actions)),
		epsilon: p.epsilon,
		steps:   p.steps,
	}
	for b, row := range p.table {
		cr := make(map[string]*Value, len(row))
		for a, v := range row {
			vv := *v
			cr[a] = &vv
		}
		c.table[b] = cr
	}
	for a := range p.actions {
		c.actions[a] = struct{}{}
	}
	return c
}

// Merge blends src into p with weight similarity in [0,1]: Q ← Q + s·(Q_src − Q). Cells p has
// never seen start from s·Q_src. When buckets is non-nil only those buckets are merged.
// It returns the number of buckets touched.
func (p *Policy) Merge(src *Policy, buckets map[uint64]struct{}, similarity float64) (int, error) {
	const op = "policy.merge"
	if similarity < 0 || similarity > 1 || math.IsNaN(similarity) {
		return 0, dberr.Errorf(dberr.KindInvalidArgument, op, "similarity must be in [0,1], got %v", similarity)
	}
	if src.cfg.Dim != p.cfg.Dim || src.cfg.Buckets != p.cfg.Buckets || src.cfg.Seed != p.cfg.Seed {
		return 0, dberr.Errorf(dberr.KindIncompatibleCode, op, "state hashing differs between policies")
	}
	merged := 0
	for b, srow := range src.table {
		if buckets != nil {
			if _, ok := buckets[b]; !ok {
				continue
			}
		}
		row, ok := p.table[b]
		if !ok {
			row = make(map[string]*Value, len(srow))
			p.table[b] = row
		}
		for a, sv := range srow {
			v, ok := row[a]
			if !ok {
				row[a] = &Value{Q: similarity * sv.Q, Visits: int(math.Round(similarity * float64(sv.Visits)))}
			} else {
				v.Q += similarity * (sv.Q - v.Q)
				v.Visits += int(math.Round(similarity * float64(sv.Visits)))
			}
			p.actions[a] = struct{}{}
		}
		merged++
	}
	return merged, nil
}

func sortedKeys(row map[string]*Value) []string {
	out := make([]string, 0, len(row))
	for a := range row {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
