package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/pkg/utils"
)

const noEntry = math.MaxUint32

// HNSWConfig holds graph parameters.
type HNSWConfig struct {
	Dimensions     int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
	Seed           int64
	// MaxElements caps live vectors; 0 means unbounded.
	MaxElements int
}

// DefaultHNSWConfig returns the default graph parameters for dim.
func DefaultHNSWConfig(dim int) HNSWConfig {
	return HNSWConfig{Dimensions: dim, M: 16, EfConstruction: 200, EfSearch: 64, Metric: MetricCosine, Seed: 42}
}

// hnswNode is an arena slot. links[l] holds neighbour slots at layer l.
type hnswNode struct {
	id      string
	vec     []float32
	level   int
	links   [][]uint32
	deleted bool
}

// HNSWIndex is a hierarchical navigable small-world graph stored as an arena of nodes addressed
// by uint32. Inserts take the write lock for their whole duration, so a concurrent search sees
// the graph either before or after a node is linked.
type HNSWIndex struct {
	mu        sync.RWMutex
	cfg       HNSWConfig
	nodes     []hnswNode
	byID      map[string]uint32
	dups      map[uint64][]uint32
	entry     uint32
	maxLevel  int
	live      int
	rng       *rand.Rand
	levelMult float64
	visited   sync.Pool
	logger    *zap.Logger
}

// HNSWOption configures an HNSWIndex.
type HNSWOption func(*HNSWIndex)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HNSWOption {
	return func(h *HNSWIndex) {
		h.logger = l
	}
}

// NewHNSWIndex creates an empty graph. Zero parameters take their defaults.
func NewHNSWIndex(cfg HNSWConfig, opts ...HNSWOption) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	def := DefaultHNSWConfig(cfg.Dimensions)
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.M < 2 {
		return nil, fmt.Errorf("M must be at least 2")
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	h := &HNSWIndex{
		cfg:       cfg,
		byID:      make(map[string]uint32),
		dups:      make(map[uint64][]uint32),
		entry:     noEntry,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		levelMult: 1 / math.Log(float64(cfg.M)),
		logger:    zap.NewNop(),
	}
	h.visited.New = func() any { return &visitedSet{} }
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

// Config returns the graph parameters.
func (h *HNSWIndex) Config() HNSWConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// SetEfSearch changes the query-time candidate list size.
func (h *HNSWIndex) SetEfSearch(ef int) {
	if ef <= 0 {
		return
	}
	h.mu.Lock()
	h.cfg.EfSearch = ef
	h.mu.Unlock()
}

func (h *HNSWIndex) maxConn(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

func (h *HNSWIndex) randomLevel() int {
	u := 1 - h.rng.Float64() // (0, 1]
	return int(math.Floor(-math.Log(u) * h.levelMult))
}

func (h *HNSWIndex) dist(a []float32, n uint32) float64 {
	return h.cfg.Metric.Distance(a, h.nodes[n].vec)
}

func vectorHash(v []float32) uint64 {
	return xxhash.Sum64(utils.Float32sToBytes(v))
}

// Add inserts vectors. An id that is already live fails with ErrDuplicateID; exceeding
// MaxElements fails with ErrCapacityExceeded.
func (h *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	const op = "index.add"
	if len(ids) != len(vectors) {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "ids and vectors length mismatch")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(vectors[i]) != h.cfg.Dimensions {
			return dberr.Dimension(op, h.cfg.Dimensions, len(vectors[i]))
		}
		if _, ok := h.byID[id]; ok {
			return dberr.Errorf(dberr.KindDuplicateID, op, "vector %s already indexed", id)
		}
		if h.cfg.MaxElements > 0 && h.live >= h.cfg.MaxElements {
			return dberr.Errorf(dberr.KindCapacityExceeded, op, "index holds %d of %d elements", h.live, h.cfg.MaxElements)
		}
		if len(h.nodes) >= noEntry {
			return dberr.Errorf(dberr.KindCapacityExceeded, op, "arena is full")
		}
		h.insert(id, slices.Clone(vectors[i]))
	}
	return nil
}

func (h *HNSWIndex) insert(id string, vec []float32) {
	level := h.randomLevel()
	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, hnswNode{id: id, vec: vec, level: level, links: make([][]uint32, level+1)})
	h.byID[id] = idx
	hash := vectorHash(vec)
	h.dups[hash] = append(h.dups[hash], idx)
	h.live++

	if h.entry == noEntry {
		h.entry = idx
		h.maxLevel = level
		return
	}

	ep := candidate{node: h.entry, dist: h.dist(vec, h.entry)}
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(vec, ep, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		cands := h.searchLayer(vec, []candidate{ep}, h.cfg.EfConstruction, l)
		live := cands[:0:0]
		for _, c := range cands {
			if !h.nodes[c.node].deleted {
				live = append(live, c)
			}
		}
		if len(live) == 0 {
			live = cands
		}
		neighbours := h.selectNeighbours(live, h.cfg.M)
		links := make([]uint32, len(neighbours))
		for i, nb := range neighbours {
			links[i] = nb.node
		}
		h.nodes[idx].links[l] = links
		for _, nb := range neighbours {
			h.link(nb.node, idx, l)
		}
		ep = cands[0]
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = idx
	}
}

// link adds a back edge from -> to at layer l and prunes from's list with the diversity
// heuristic when it overflows.
func (h *HNSWIndex) link(from, to uint32, l int) {
	n := &h.nodes[from]
	n.links[l] = append(n.links[l], to)
	limit := h.maxConn(l)
	if len(n.links[l]) <= limit {
		return
	}
	cands := make([]candidate, len(n.links[l]))
	for i, nb := range n.links[l] {
		cands[i] = candidate{node: nb, dist: h.dist(n.vec, nb)}
	}
	slices.SortFunc(cands, func(a, b candidate) int { return cmpDist(a.dist, b.dist) })
	kept := h.selectNeighbours(cands, limit)
	pruned := make([]uint32, len(kept))
	for i, c := range kept {
		pruned[i] = c.node
	}
	n.links[l] = pruned
}

func cmpDist(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// selectNeighbours keeps a candidate only if it is closer to the base than to every neighbour
// already kept, then fills remaining slots with the closest discarded candidates.
// cands must be sorted by ascending distance to the base.
func (h *HNSWIndex) selectNeighbours(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	selected := make([]candidate, 0, m)
	var discarded []candidate
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, s := range selected {
			if h.cfg.Metric.Distance(h.nodes[c.node].vec, h.nodes[s.node].vec) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		} else {
			discarded = append(discarded, c)
		}
	}
	for _, c := range discarded {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// greedy walks layer l toward q until no neighbour is closer.
func (h *HNSWIndex) greedy(q []float32, ep candidate, l int) candidate {
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[ep.node].links[l] {
			if d := h.dist(q, nb); d < ep.dist {
				ep = candidate{node: nb, dist: d}
				changed = true
			}
		}
	}
	return ep
}

// searchLayer is the beam search of the HNSW paper: it returns up to ef nodes of layer l
// closest to q, sorted ascending. Tombstoned nodes are traversed and returned; callers filter.
func (h *HNSWIndex) searchLayer(q []float32, entries []candidate, ef, l int) []candidate {
	vs := h.visited.Get().(*visitedSet)
	defer h.visited.Put(vs)
	vs.reset(len(h.nodes))

	cands := make(minHeap, 0, ef)
	results := make(maxHeap, 0, ef+1)
	for _, e := range entries {
		vs.visit(e.node)
		heap.Push(&cands, e)
		heap.Push(&results, e)
	}
	for cands.Len() > 0 {
		c := heap.Pop(&cands).(candidate)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}
		if l >= len(h.nodes[c.node].links) {
			continue
		}
		for _, nb := range h.nodes[c.node].links[l] {
			if !vs.visit(nb) {
				continue
			}
			d := h.dist(q, nb)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&cands, candidate{node: nb, dist: d})
				heap.Push(&results, candidate{node: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}
	return results.sortedAscending()
}

// Search returns the k approximate nearest live vectors. The beam width is max(efSearch, k).
// A stored vector identical to the query is always returned at its self distance.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != h.cfg.Dimensions {
		return nil, dberr.Dimension("index.search", h.cfg.Dimensions, len(query))
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if k <= 0 || h.live == 0 {
		return nil, nil
	}
	if h.entry == noEntry {
		return nil, dberr.Errorf(dberr.KindCorruptIndex, "index.search", "%d live nodes but no entry point", h.live)
	}

	ep := candidate{node: h.entry, dist: h.dist(query, h.entry)}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(query, ep, l)
	}
	found := h.searchLayer(query, []candidate{ep}, max(h.cfg.EfSearch, k), 0)

	out := make([]*VectorResult, 0, k+1)
	seen := make(map[uint32]struct{})
	for _, n := range h.dups[vectorHash(query)] {
		node := &h.nodes[n]
		if node.deleted || !slices.Equal(node.vec, query) {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, &VectorResult{ID: node.id, Distance: h.cfg.Metric.selfDistance(query)})
	}
	for _, c := range found {
		if _, dup := seen[c.node]; dup || h.nodes[c.node].deleted {
			continue
		}
		out = append(out, &VectorResult{ID: h.nodes[c.node].id, Distance: c.dist})
	}
	slices.SortStableFunc(out, func(a, b *VectorResult) int { return cmpDist(a.Distance, b.Distance) })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Exact scans every live node.
func (h *HNSWIndex) Exact(ctx context.Context, query []float32, k int, accept func(string) bool) ([]*VectorResult, error) {
	if len(query) != h.cfg.Dimensions {
		return nil, dberr.Dimension("index.search", h.cfg.Dimensions, len(query))
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, len(h.nodes))
	vecs := make([][]float32, len(h.nodes))
	for i := range h.nodes {
		if !h.nodes[i].deleted {
			ids[i], vecs[i] = h.nodes[i].id, h.nodes[i].vec
		}
	}
	return exactScan(h.cfg.Metric, query, k, ids, vecs, accept), nil
}

// Remove tombstones vectors. Tombstoned nodes keep routing searches but are never returned.
// When the entry point is removed the highest live node takes over.
func (h *HNSWIndex) Remove(ctx context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		idx, ok := h.byID[id]
		if !ok {
			continue
		}
		h.nodes[idx].deleted = true
		delete(h.byID, id)
		h.live--
		if idx == h.entry {
			h.electEntry()
		}
	}
	if h.live == 0 {
		h.reset()
	}
	return nil
}

func (h *HNSWIndex) electEntry() {
	h.entry = noEntry
	h.maxLevel = 0
	for i := range h.nodes {
		n := &h.nodes[i]
		if n.deleted {
			continue
		}
		if h.entry == noEntry || n.level > h.maxLevel {
			h.entry = uint32(i)
			h.maxLevel = n.level
		}
	}
	h.logger.Debug("entry point re-elected", zap.Uint32("entry", h.entry), zap.Int("level", h.maxLevel))
}

func (h *HNSWIndex) reset() {
	h.nodes = nil
	h.byID = make(map[string]uint32)
	h.dups = make(map[uint64][]uint32)
	h.entry = noEntry
	h.maxLevel = 0
	h.live = 0
}

// Vector returns the stored copy of id's vector.
func (h *HNSWIndex) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return h.nodes[idx].vec, true
}

// Size returns the number of live vectors.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// HNSWStats describes the graph shape.
type HNSWStats struct {
	Nodes      int `json:"nodes"`
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
	MaxLevel   int `json:"max_level"`
	M          int `json:"m"`
	EfSearch   int `json:"ef_search"`
}

// Stats returns the graph shape.
func (h *HNSWIndex) Stats() HNSWStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HNSWStats{
		Nodes:      len(h.nodes),
		Live:       h.live,
		Tombstones: len(h.nodes) - h.live,
		MaxLevel:   h.maxLevel,
		M:          h.cfg.M,
		EfSearch:   h.cfg.EfSearch,
	}
}

// Validate checks the graph invariants: neighbour lists within bounds, link targets inside the
// arena and present on the layer, and an entry point at the top level.
func (h *HNSWIndex) Validate() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.validate()
}

func (h *HNSWIndex) validate() error {
	const op = "index.validate"
	if h.live == 0 {
		return nil
	}
	if h.entry == noEntry || int(h.entry) >= len(h.nodes) {
		return dberr.Errorf(dberr.KindCorruptIndex, op, "missing entry point")
	}
	if e := h.nodes[h.entry]; e.deleted || e.level != h.maxLevel {
		return dberr.Errorf(dberr.KindCorruptIndex, op, "entry point %d is not a live top-level node", h.entry)
	}
	live := 0
	for i := range h.nodes {
		n := &h.nodes[i]
		if !n.deleted {
			live++
			if got, ok := h.byID[n.id]; !ok || got != uint32(i) {
				return dberr.Errorf(dberr.KindCorruptIndex, op, "node %d (%s) missing from id map", i, n.id)
			}
		}
		if len(n.links) != n.level+1 {
			return dberr.Errorf(dberr.KindCorruptIndex, op, "node %d has %d layers, level %d", i, len(n.links), n.level)
		}
		for l, links := range n.links {
			if len(links) > h.maxConn(l) {
				return dberr.Errorf(dberr.KindCorruptIndex, op, "node %d layer %d has %d links (max %d)",
					i, l, len(links), h.maxConn(l))
			}
			for _, nb := range links {
				if int(nb) >= len(h.nodes) || nb == uint32(i) {
					return dberr.Errorf(dberr.KindCorruptIndex, op, "node %d layer %d links to %d", i, l, nb)
				}
				if h.nodes[nb].level < l {
					return dberr.Errorf(dberr.KindCorruptIndex, op, "node %d layer %d links to node %d of level %d",
						i, l, nb, h.nodes[nb].level)
				}
			}
		}
	}
	if live != h.live {
		return dberr.Errorf(dberr.KindCorruptIndex, op, "live count %d, counted %d", h.live, live)
	}
	return nil
}

// Close is a no-op for HNSWIndex.
func (h *HNSWIndex) Close() error {
	return nil
}
