// Package replay implements the bounded, prioritized experience replay buffer.
package replay

import (
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
)

const (
	DefaultCapacity      = 10000
	DefaultRewardWeight  = 0.6
	DefaultRecencyWeight = 0.4
	// DefaultHalfLife is measured in insertions, not wall time, so priorities are reproducible.
	DefaultHalfLife = 1000.0

	minWeight = 1e-6
)

// Filter selects experiences eligible for sampling.
type Filter func(*models.Experience) bool

// ByTaskType restricts sampling to one task type.
func ByTaskType(taskType string) Filter {
	return func(e *models.Experience) bool { return e.TaskType == taskType }
}

type entry struct {
	exp models.Experience
	seq uint64
}

// Buffer holds experiences by value. It never holds more than Cap entries; on overflow the
// entry with the lowest priority is evicted. Safe for concurrent use.
type Buffer struct {
	capacity      int
	rewardWeight  float64
	recencyWeight float64
	halfLife      float64

	mu    sync.RWMutex
	clock uint64
	items map[string]*entry
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithPriorityWeights sets the weights of |reward| and recency in the priority.
func WithPriorityWeights(reward, recency float64) Option {
	return func(b *Buffer) {
		b.rewardWeight, b.recencyWeight = reward, recency
	}
}

// WithHalfLife sets the number of insertions after which recency halves.
func WithHalfLife(h float64) Option {
	return func(b *Buffer) {
		if h > 0 {
			b.halfLife = h
		}
	}
}

// New creates a buffer. A capacity of 0 rejects every Add.
func New(capacity int, opts ...Option) *Buffer {
	b := &Buffer{
		capacity:      max(capacity, 0),
		rewardWeight:  DefaultRewardWeight,
		recencyWeight: DefaultRecencyWeight,
		halfLife:      DefaultHalfLife,
		items:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add stores a copy of exp, replacing an entry with the same id. It returns the id of the
// evicted experience, if any.
func (b *Buffer) Add(exp *models.Experience) (evicted string, err error) {
	if b.capacity == 0 {
		return "", dberr.Errorf(dberr.KindCapacityExceeded, "replay.add", "buffer has zero capacity")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock++
	b.items[exp.ID] = &entry{exp: *exp, seq: b.clock}
	if len(b.items) <= b.capacity {
		return "", nil
	}
	lowest, lowestP := "", math.Inf(1)
	for id, e := range b.items {
		p := b.priority(e)
		if p < lowestP || (p == lowestP && id < lowest) {
			lowest, lowestP = id, p
		}
	}
	delete(b.items, lowest)
	return lowest, nil
}

func (b *Buffer) priority(e *entry) float64 {
	age := float64(b.clock - e.seq)
	recency := math.Pow(0.5, age/b.halfLife)
	return b.rewardWeight*math.Abs(e.exp.Reward) + b.recencyWeight*recency
}

// Priority returns the current priority of id.
func (b *Buffer) Priority(id string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.items[id]
	if !ok {
		return 0, false
	}
	return b.priority(e), true
}

// Sample draws up to n distinct experiences, each with probability proportional to its
// priority. The result is fully determined by rng.
func (b *Buffer) Sample(n int, rng *rand.Rand, filter Filter) []*models.Experience {
	if n <= 0 {
		return nil
	}
	b.mu.RLock()
	type keyed struct {
		e   *entry
		key float64
	}
	cands := make([]keyed, 0, len(b.items))
	for _, e := range b.ordered() {
		if filter != nil && !filter(&e.exp) {
			continue
		}
		// weighted sampling without replacement (Efraimidis-Spirakis): keep the n largest u^(1/w)
		w := math.Max(b.priority(e), minWeight)
		cands = append(cands, keyed{e: e, key: math.Log(rng.Float64()) / w})
	}
	b.mu.RUnlock()

	slices.SortStableFunc(cands, func(a, c keyed) int {
		switch {
		case a.key > c.key:
			return -1
		case a.key < c.key:
			return 1
		}
		return 0
	})
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]*models.Experience, len(cands))
	for i, c := range cands {
		exp := c.e.exp
		out[i] = &exp
	}
	return out
}

// ordered returns entries in insertion order. Callers hold mu.
func (b *Buffer) ordered() []*entry {
	out := make([]*entry, 0, len(b.items))
	for _, e := range b.items {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, c *entry) int {
		switch {
		case a.seq < c.seq:
			return -1
		case a.seq > c.seq:
			return 1
		}
		return 0
	})
	return out
}

// UpdateReward refines the reward of a buffered experience.
func (b *Buffer) UpdateReward(id string, reward float64, breakdown models.RewardBreakdown) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[id]
	if !ok {
		return dberr.Errorf(dberr.KindNotFound, "replay.update_reward", "experience %s", id)
	}
	e.exp.Reward = reward
	e.exp.Breakdown = breakdown
	return nil
}

// Get returns a copy of the buffered experience.
func (b *Buffer) Get(id string) (*models.Experience, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.items[id]
	if !ok {
		return nil, false
	}
	exp := e.exp
	return &exp, true
}

// All returns copies of every buffered experience in insertion order.
func (b *Buffer) All() []*models.Experience {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.ordered()
	out := make([]*models.Experience, len(entries))
	for i, e := range entries {
		exp := e.exp
		out[i] = &exp
	}
	return out
}

// Len returns the number of buffered experiences.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}
