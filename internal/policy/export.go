package policy

import (
	"encoding/json"

	"github.com/hyperjump/agentdb/internal/dberr"
)

const snapshotVersion = 1

type snapshot struct {
	Version      int                          `json:"version"`
	Algorithm    string                       `json:"algorithm"`
	LearningRate float64                      `json:"learning_rate"`
	Discount     float64                      `json:"discount"`
	EpsilonStart float64                      `json:"epsilon_start"`
	EpsilonDecay float64                      `json:"epsilon_decay"`
	EpsilonMin   float64                      `json:"epsilon_min"`
	Dim          int                          `json:"dim"`
	Buckets      int                          `json:"buckets"`
	Seed         int64                        `json:"seed"`
	Epsilon      float64                      `json:"epsilon"`
	Steps        int                          `json:"steps"`
	Actions      []string                     `json:"actions"`
	Table        map[uint64]map[string]*Value `json:"table"`
}

// Export serializes the policy into an opaque blob.
func (p *Policy) Export() ([]byte, error) {
	return json.Marshal(&snapshot{
		Version:      snapshotVersion,
		Algorithm:    p.cfg.Algorithm.String(),
		LearningRate: p.cfg.LearningRate,
		Discount:     p.cfg.Discount,
		EpsilonStart: p.cfg.EpsilonStart,
		EpsilonDecay: p.cfg.EpsilonDecay,
		EpsilonMin:   p.cfg.EpsilonMin,
		Dim:          p.cfg.Dim,
		Buckets:      p.cfg.Buckets,
		Seed:         p.cfg.Seed,
		Epsilon:      p.epsilon,
		Steps:        p.steps,
		Actions:      p.Actions(),
		Table:        p.table,
	})
}

// Import restores a policy produced by Export.
func Import(data []byte) (*Policy, error) {
	const op = "policy.import"
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "malformed policy: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "unsupported policy version %d", s.Version)
	}
	alg, err := ParseAlgorithm(s.Algorithm)
	if err != nil {
		return nil, err
	}
	p, err := New(Config{
		Algorithm:    alg,
		LearningRate: s.LearningRate,
		Discount:     s.Discount,
		EpsilonStart: s.EpsilonStart,
		EpsilonDecay: s.EpsilonDecay,
		EpsilonMin:   s.EpsilonMin,
		Dim:          s.Dim,
		Buckets:      s.Buckets,
		Seed:         s.Seed,
	})
	if err != nil {
		return nil, err
	}
	p.epsilon, p.steps = s.Epsilon, s.Steps
	for b, row := range s.Table {
		if len(row) == 0 {
			continue
		}
		for a, v := range row {
			if v == nil {
				delete(row, a)
				continue
			}
			p.actions[a] = struct{}{}
		}
		if len(row) > 0 {
			p.table[b] = row
		}
	}
	for _, a := range s.Actions {
		p.actions[a] = struct{}{}
	}
	return p, nil
}
