package search

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/quantize"
	"github.com/hyperjump/agentdb/internal/vector"
	"github.com/hyperjump/agentdb/pkg/utils"
)

const rebuildBatch = 512

type batch struct {
	ids  []string
	vecs [][]float32
}

// Rebuild reconstructs the index and the code table from the store. Concurrent callers share
// one rebuild.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.rebuild(ctx, "manual")
}

func (e *Engine) rebuild(ctx context.Context, reason string) error {
	_, err, shared := e.rebuilder.Do("rebuild", func() (any, error) {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		return nil, e.rebuildLocked(ctx, reason)
	})
	if shared {
		e.logger.Debug("joined in-flight rebuild", zap.String("reason", reason))
	}
	return err
}

func (e *Engine) rebuildLocked(ctx context.Context, reason string) error {
	start := time.Now()
	idx, err := e.newIndex()
	if err != nil {
		return err
	}
	e.mu.RLock()
	q := e.quant
	e.mu.RUnlock()
	encode := q != nil && q.Trained()
	codes := make(map[string]quantize.Code)

	toIndex := make(chan batch, 4)
	toEncode := make(chan batch, 4)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(toIndex)
		defer close(toEncode)
		cur := batch{}
		flush := func() error {
			if len(cur.ids) == 0 {
				return nil
			}
			for _, ch := range []chan batch{toIndex, toEncode} {
				select {
				case ch <- cur:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			cur = batch{}
			return nil
		}
		for rec, err := range e.store.Scan(gctx, nil) {
			if err != nil {
				return err
			}
			cur.ids = append(cur.ids, rec.ID)
			cur.vecs = append(cur.vecs, rec.Embedding)
			if len(cur.ids) == rebuildBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	g.Go(func() error {
		for b := range toIndex {
			if err := idx.Add(gctx, b.ids, b.vecs); err != nil {
				return fmt.Errorf("index rebuild: %w", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for b := range toEncode {
			if !encode {
				continue
			}
			for i, id := range b.ids {
				c, err := q.Encode(e.prep(b.vecs[i]))
				if err != nil {
					return fmt.Errorf("encode %s: %w", id, err)
				}
				codes[id] = c
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.index
	e.index = idx
	if encode {
		e.codes = codes
	}
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	e.cache.InvalidateAll()
	e.metrics.Rebuild(reason)
	e.metrics.IndexSize(idx.Size())

	if err := idx.Save(e.cfg.Storage.IndexPath); err != nil {
		e.logger.Warn("failed to persist rebuilt index", zap.Error(err))
	}
	e.logger.Info("index rebuilt",
		zap.String("reason", reason),
		zap.Int("vectors", idx.Size()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// withRebuild runs fn and, when it reports a corrupt index, rebuilds from the store and
// runs it once more.
func withRebuild[T any](ctx context.Context, e *Engine, fn func(vector.VectorIndex) (T, error)) (T, error) {
	out, err := fn(e.currentIndex())
	if dberr.KindOf(err) != dberr.KindCorruptIndex {
		return out, err
	}
	e.logger.Warn("index corruption detected, rebuilding from store", zap.Error(err))
	if rerr := e.rebuild(ctx, "corrupt"); rerr != nil {
		var zero T
		return zero, fmt.Errorf("rebuild after %v: %w", err, rerr)
	}
	return fn(e.currentIndex())
}

// prep maps a vector into the space the quantizer works in. Cosine vectors are unit-normalized
// so that L2-based codecs order them like the metric does.
func (e *Engine) prep(v []float32) []float32 {
	if e.metric != vector.MetricCosine {
		return v
	}
	out := slices.Clone(v)
	utils.NormalizeL2(out)
	return out
}

func (e *Engine) quantizeConfig() (quantize.Config, bool, error) {
	qc := e.cfg.Quantization
	if qc.Method == "" || qc.Method == "none" {
		return quantize.Config{}, false, nil
	}
	method, err := quantize.ParseMethod(qc.Method)
	if err != nil {
		return quantize.Config{}, false, err
	}
	threshold, err := quantize.ParseThreshold(qc.Threshold)
	if err != nil {
		return quantize.Config{}, false, err
	}
	return quantize.Config{
		Method:             method,
		Dim:                e.Dimension(),
		Threshold:          threshold,
		FixedThreshold:     qc.FixedThreshold,
		Subvectors:         qc.Subvectors,
		MinTrainingSamples: qc.MinTrainingSamples,
		Seed:               e.cfg.HNSW.Seed,
	}, true, nil
}

// restoreQuantizer loads the trained quantizer from the store, or prepares an untrained one.
func (e *Engine) restoreQuantizer(ctx context.Context) error {
	qcfg, enabled, err := e.quantizeConfig()
	if err != nil || !enabled {
		return err
	}
	mode, err := quantize.ParseSearchMode(e.cfg.Quantization.Mode)
	if err != nil {
		return err
	}
	e.qmode = mode

	var q quantize.Quantizer
	data, err := e.store.LoadQuantizer(ctx)
	switch {
	case err == nil:
		if q, err = quantize.Unmarshal(data); err != nil {
			return fmt.Errorf("restore quantizer: %w", err)
		}
		if q.Dim() != e.Dimension() {
			return dberr.Dimension("engine.open", e.Dimension(), q.Dim())
		}
	case dberr.KindOf(err) == dberr.KindNotFound:
		if q, err = quantize.New(qcfg); err != nil {
			return err
		}
	default:
		return err
	}
	e.mu.Lock()
	e.quant = q
	e.mu.Unlock()
	return nil
}

// TrainQuantizer fits the configured codec on every stored vector, encodes them and persists
// the trained state.
func (e *Engine) TrainQuantizer(ctx context.Context) error {
	const op = "engine.train_quantizer"
	qcfg, enabled, err := e.quantizeConfig()
	if err != nil {
		return err
	}
	if !enabled {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "quantization is disabled")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var ids []string
	var samples [][]float32
	for rec, err := range e.store.Scan(ctx, nil) {
		if err != nil {
			return err
		}
		ids = append(ids, rec.ID)
		samples = append(samples, e.prep(rec.Embedding))
	}
	q, err := quantize.New(qcfg)
	if err != nil {
		return err
	}
	if err := q.Train(samples); err != nil {
		return err
	}
	codes := make(map[string]quantize.Code, len(ids))
	for i, id := range ids {
		c, err := q.Encode(samples[i])
		if err != nil {
			return err
		}
		codes[id] = c
	}
	state, err := q.MarshalState()
	if err != nil {
		return err
	}
	if err := e.store.SaveQuantizer(ctx, state); err != nil {
		return err
	}

	e.mu.Lock()
	e.quant, e.codes = q, codes
	e.mu.Unlock()
	e.cache.InvalidateAll()
	e.logger.Info("quantizer trained",
		zap.String("method", q.Method().String()),
		zap.Int("samples", len(samples)),
		zap.Int("code_bytes", q.CodeSize()),
		zap.Float64("compression", quantize.CompressionRatio(q)))
	return nil
}

// encodeAll fills the code table from the store when the quantizer is trained.
func (e *Engine) encodeAll(ctx context.Context) error {
	e.mu.RLock()
	q := e.quant
	e.mu.RUnlock()
	if q == nil || !q.Trained() {
		return nil
	}
	codes := make(map[string]quantize.Code)
	for rec, err := range e.store.Scan(ctx, nil) {
		if err != nil {
			return err
		}
		c, err := q.Encode(e.prep(rec.Embedding))
		if err != nil {
			return err
		}
		codes[rec.ID] = c
	}
	e.mu.Lock()
	e.codes = codes
	e.mu.Unlock()
	return nil
}

func (e *Engine) encodeOne(id string, v []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.quant == nil || !e.quant.Trained() {
		return
	}
	c, err := e.quant.Encode(e.prep(v))
	if err != nil {
		e.logger.Warn("failed to encode vector", zap.String("id", id), zap.Error(err))
		return
	}
	e.codes[id] = c
}

// ReloadQuantizer re-reads the persisted quantizer state and re-encodes every stored vector.
func (e *Engine) ReloadQuantizer(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.restoreQuantizer(ctx); err != nil {
		return err
	}
	if err := e.encodeAll(ctx); err != nil {
		return err
	}
	e.cache.InvalidateAll()
	return nil
}
