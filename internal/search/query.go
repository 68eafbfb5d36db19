package search

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/cache"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/quantize"
	"github.com/hyperjump/agentdb/internal/vector"
)

// Search answers a k-nearest-neighbour query. Results are ordered by ascending distance and
// only include vectors whose metadata matches the filter.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	const op = "engine.search"
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, dberr.E(dberr.KindInvalidArgument, op, err)
	}
	if len(req.Vector) != e.Dimension() {
		return nil, dberr.Dimension(op, e.Dimension(), len(req.Vector))
	}

	key := cache.KeyFor(req)
	if resp, ok := e.cache.Get(key); ok {
		e.metrics.Cache(true)
		e.metrics.Search(string(req.Mode), time.Since(start), nil)
		return resp, nil
	}
	e.metrics.Cache(false)
	gen := e.cache.Generation()

	var (
		hits []*vector.VectorResult
		err  error
	)
	switch req.Mode {
	case models.SearchModeExact:
		hits, err = e.searchExact(ctx, req)
	case models.SearchModeANN:
		hits, err = e.searchANN(ctx, req)
	case models.SearchModeQuantized:
		hits, err = e.searchQuantized(ctx, req, false)
	case models.SearchModeTwoStage:
		hits, err = e.searchQuantized(ctx, req, true)
	}
	if err != nil {
		e.metrics.Search(string(req.Mode), time.Since(start), err)
		return nil, err
	}

	resp, err := e.hydrate(ctx, req, hits)
	if err != nil {
		e.metrics.Search(string(req.Mode), time.Since(start), err)
		return nil, err
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	e.cache.Put(key, gen, resp)
	e.metrics.Search(string(req.Mode), time.Since(start), nil)
	return resp, nil
}

// hydrate attaches metadata and drops hits that vanished from the store or fail the filter.
func (e *Engine) hydrate(ctx context.Context, req *models.SearchRequest, hits []*vector.VectorResult) (*models.SearchResponse, error) {
	resp := &models.SearchResponse{Mode: req.Mode, Results: make([]*models.SearchResult, 0, min(len(hits), req.K))}
	for _, h := range hits {
		if len(resp.Results) == req.K {
			break
		}
		rec, err := e.store.Get(ctx, h.ID)
		if dberr.KindOf(err) == dberr.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !req.Matches(rec.Metadata) {
			continue
		}
		resp.Results = append(resp.Results, &models.SearchResult{
			ID:       h.ID,
			Distance: h.Distance,
			Score:    e.metric.Score(h.Distance),
			Metadata: rec.Metadata,
			Rank:     len(resp.Results) + 1,
		})
	}
	return resp, nil
}

// searchExact scans the store itself, so it is correct even when the index is being rebuilt.
func (e *Engine) searchExact(ctx context.Context, req *models.SearchRequest) ([]*vector.VectorResult, error) {
	var pred func(*models.VectorRecord) bool
	if req.Filtered() {
		pred = func(r *models.VectorRecord) bool { return req.Matches(r.Metadata) }
	}
	var out []*vector.VectorResult
	for rec, err := range e.store.Scan(ctx, pred) {
		if err != nil {
			return nil, err
		}
		out = append(out, &vector.VectorResult{ID: rec.ID, Distance: e.metric.Distance(req.Vector, rec.Embedding)})
	}
	return topK(out, req.K), nil
}

// searchANN walks the index. With a filter the beam is widened geometrically until enough
// candidates match or it covers the whole index, so the store is never scanned.
func (e *Engine) searchANN(ctx context.Context, req *models.SearchRequest) ([]*vector.VectorResult, error) {
	if !req.Filtered() {
		return withRebuild(ctx, e, func(idx vector.VectorIndex) ([]*vector.VectorResult, error) {
			return idx.Search(ctx, req.Vector, req.K)
		})
	}
	k := req.K * max(e.cfg.Quantization.Oversample, 1)
	matches := make(map[string]bool)
	for {
		hits, err := withRebuild(ctx, e, func(idx vector.VectorIndex) ([]*vector.VectorResult, error) {
			return idx.Search(ctx, req.Vector, k)
		})
		if err != nil {
			return nil, err
		}
		matched := 0
		for _, h := range hits {
			ok, seen := matches[h.ID]
			if !seen {
				rec, err := e.store.Get(ctx, h.ID)
				ok = err == nil && req.Matches(rec.Metadata)
				matches[h.ID] = ok
			}
			if ok {
				matched++
			}
		}
		size := e.currentIndex().Size()
		if matched >= req.K || len(hits) < k || k >= size {
			// either enough matches or the index returned everything it holds
			return hits, nil
		}
		e.logger.Debug("filtered ann search underfilled, widening beam",
			zap.Int("matched", matched), zap.Int("k", req.K), zap.Int("beam", k))
		k = min(k*4, size)
	}
}

// searchQuantized scores every stored code. With rerank, the best oversample×k candidates are
// re-scored with exact distances on the full-precision vectors.
func (e *Engine) searchQuantized(ctx context.Context, req *models.SearchRequest, rerank bool) ([]*vector.VectorResult, error) {
	const op = "engine.search"
	var accept map[string]struct{}
	if req.Filtered() {
		accept = make(map[string]struct{})
		for rec, err := range e.store.Scan(ctx, func(r *models.VectorRecord) bool {
			return req.Matches(r.Metadata)
		}) {
			if err != nil {
				return nil, err
			}
			accept[rec.ID] = struct{}{}
		}
	}

	e.mu.RLock()
	q, mode, idx := e.quant, e.qmode, e.index
	if q == nil {
		e.mu.RUnlock()
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "quantization is disabled")
	}
	if !q.Trained() {
		e.mu.RUnlock()
		return nil, dberr.Errorf(dberr.KindQuantizationUntrained, op, "train the quantizer before %s search", req.Mode)
	}
	score, err := e.codeScorer(q, mode, e.prep(req.Vector))
	if err != nil {
		e.mu.RUnlock()
		return nil, err
	}
	cands := make([]*vector.VectorResult, 0, len(e.codes))
	for id, c := range e.codes {
		if accept != nil {
			if _, ok := accept[id]; !ok {
				continue
			}
		}
		d, err := score(c)
		if err != nil {
			e.mu.RUnlock()
			return nil, err
		}
		cands = append(cands, &vector.VectorResult{ID: id, Distance: d})
	}
	e.mu.RUnlock()

	if !rerank {
		return topK(cands, req.K), nil
	}
	cands = topK(cands, req.K*max(e.cfg.Quantization.Oversample, 1))
	for _, c := range cands {
		v, ok := idx.Vector(c.ID)
		if !ok {
			rec, err := e.store.Get(ctx, c.ID)
			if err != nil {
				c.Distance = maxDistance
				continue
			}
			v = rec.Embedding
		}
		c.Distance = e.metric.Distance(req.Vector, v)
	}
	return topK(cands, req.K), nil
}

const maxDistance = 1e300

// codeScorer returns the distance function of one query against stored codes.
func (e *Engine) codeScorer(q quantize.Quantizer, mode quantize.SearchMode, query []float32) (func(quantize.Code) (float64, error), error) {
	if mode == quantize.Symmetric {
		qc, err := q.Encode(query)
		if err != nil {
			return nil, err
		}
		return func(c quantize.Code) (float64, error) { return q.Distance(qc, c) }, nil
	}
	s, err := q.NewScorer(query)
	if err != nil {
		return nil, err
	}
	return s.Distance, nil
}

// topK sorts by ascending distance with id as tie-break and keeps the first k.
func topK(rs []*vector.VectorResult, k int) []*vector.VectorResult {
	slices.SortFunc(rs, func(a, b *vector.VectorResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if len(rs) > k {
		rs = rs[:k]
	}
	return rs
}
