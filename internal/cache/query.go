// Package cache holds search results keyed by query so repeated lookups skip the index.
package cache

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/pkg/utils"
)

// DefaultSize is used when the configured size is not positive.
const DefaultSize = 1000

// Key identifies a query. Two requests with the same vector bytes, k, filter, exclusions and
// mode share a key.
type Key struct {
	Query  uint64
	K      int
	Filter uint64
	Mode   models.SearchMode
}

// KeyFor builds the cache key of a validated request.
func KeyFor(req *models.SearchRequest) Key {
	return Key{
		Query:  xxhash.Sum64(utils.Float32sToBytes(req.Vector)),
		K:      req.K,
		Filter: filterHash(req.Filter, req.Exclude),
		Mode:   req.Mode,
	}
}

func filterHash(filter, exclude map[string]any) uint64 {
	if len(filter) == 0 && len(exclude) == 0 {
		return 0
	}
	d := xxhash.New()
	for _, part := range []struct {
		tag string
		m   map[string]any
	}{{"+", filter}, {"-", exclude}} {
		keys := make([]string, 0, len(part.m))
		for k := range part.m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = d.WriteString(part.tag)
			_, _ = d.WriteString(k)
			_, _ = d.WriteString("\x00")
			_, _ = d.WriteString(fmt.Sprint(part.m[k]))
			_, _ = d.WriteString("\x00")
		}
	}
	return d.Sum64()
}

type entry struct {
	resp     *models.SearchResponse
	ids      map[string]struct{}
	filtered bool
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Size       int    `json:"size"`
	Generation uint64 `json:"generation"`
}

// QueryCache is a bounded LRU of search responses.
//
// Every invalidation bumps a generation counter. A reader captures Generation before it
// searches and hands it back to Put; a Put whose generation is stale is dropped, so a result
// computed against data that changed mid-search never becomes visible.
type QueryCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[Key, *entry]
	gen    atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding at most size responses.
func New(size int) (*QueryCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[Key, *entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &QueryCache{lru: l}, nil
}

// Generation returns the current invalidation generation.
func (c *QueryCache) Generation() uint64 {
	return c.gen.Load()
}

// Get returns a copy of the cached response for key. Results and their metadata maps are
// copied, so callers may modify them.
func (c *QueryCache) Get(key Key) (*models.SearchResponse, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	out := *e.resp
	out.Results = cloneResults(e.resp.Results)
	out.Cached = true
	return &out, true
}

func cloneResults(rs []*models.SearchResult) []*models.SearchResult {
	out := make([]*models.SearchResult, len(rs))
	for i, r := range rs {
		cp := *r
		cp.Metadata = maps.Clone(r.Metadata)
		out[i] = &cp
	}
	return out
}

// Put stores resp under key unless an invalidation happened after gen was read.
func (c *QueryCache) Put(key Key, gen uint64, resp *models.SearchResponse) bool {
	ids := make(map[string]struct{}, len(resp.Results))
	for _, r := range resp.Results {
		ids[r.ID] = struct{}{}
	}
	stored := *resp
	stored.Results = cloneResults(resp.Results)
	stored.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return false
	}
	c.lru.Add(key, &entry{resp: &stored, ids: ids, filtered: key.Filter != 0})
	return true
}

// InvalidateAll drops every entry. Inserts call this since a new vector may enter any result set.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.lru.Purge()
}

// InvalidateID drops entries whose results contain id. With filtered set, every entry of a
// filtered query is dropped as well, since a metadata change can move id into its result set.
func (c *QueryCache) InvalidateID(id string, filtered bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		_, hit := e.ids[id]
		if hit || (filtered && e.filtered) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached responses.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

// Stats returns hit and miss counters.
func (c *QueryCache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Size:       c.lru.Len(),
		Generation: c.gen.Load(),
	}
}
