// Package search ties the durable store, the ANN index, the quantizer and the query cache
// together behind a single handle.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/agentdb/internal/cache"
	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/metrics"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/quantize"
	"github.com/hyperjump/agentdb/internal/storage"
	"github.com/hyperjump/agentdb/internal/vector"
)

// Engine is the vector database handle. It is safe for concurrent use.
//
// The store is the source of truth. The index and the quantizer codes are derived from it and
// can always be rebuilt; writes go store first, then index, then codes, then cache.
type Engine struct {
	cfg     *config.Config
	store   *storage.SQLiteStore
	metric  vector.Metric
	cache   *cache.QueryCache
	logger  *zap.Logger
	metrics *metrics.Metrics

	// writeMu orders writes and rebuilds so the index never diverges from the store.
	writeMu sync.Mutex

	mu        sync.RWMutex
	index     vector.VectorIndex
	quant     quantize.Quantizer // nil when quantization is disabled
	qmode     quantize.SearchMode
	codes     map[string]quantize.Code
	efSearch  int
	rebuilder singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Open opens the store described by cfg, restores the quantizer and loads the persisted index.
// An index file that is missing, stale or corrupt is rebuilt from the store.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: zap.NewNop(), codes: make(map[string]quantize.Code)}
	for _, opt := range opts {
		opt(e)
	}
	metric, err := vector.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return nil, err
	}
	e.metric = metric
	e.efSearch = cfg.HNSW.EfSearch

	store, err := storage.Open(cfg.Storage.DatabasePath, cfg.Vector.Dimensions, storage.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.store = store

	if e.cache, err = cache.New(cfg.Cache.Size); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := e.restoreQuantizer(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := e.loadIndex(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	e.logger.Info("engine opened",
		zap.String("path", cfg.Storage.DatabasePath),
		zap.Int("dimension", store.Dimension()),
		zap.String("metric", metric.String()),
		zap.String("index", e.index.Type()),
		zap.Int("vectors", e.index.Size()))
	return e, nil
}

func (e *Engine) newIndex() (vector.VectorIndex, error) {
	hc := vector.HNSWConfig{
		Dimensions:     e.store.Dimension(),
		M:              e.cfg.HNSW.M,
		EfConstruction: e.cfg.HNSW.EfConstruction,
		EfSearch:       e.efSearch,
		Metric:         e.metric,
		Seed:           e.cfg.HNSW.Seed,
		MaxElements:    e.cfg.HNSW.MaxElements,
	}
	return vector.NewVectorIndex(e.cfg.Vector.IndexType, hc, e.logger)
}

// loadIndex reads the persisted graph; anything unusable triggers a rebuild.
func (e *Engine) loadIndex(ctx context.Context) error {
	idx, err := e.newIndex()
	if err != nil {
		return err
	}
	count, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	reason := ""
	if err := idx.Load(e.cfg.Storage.IndexPath); err != nil {
		switch dberr.KindOf(err) {
		case dberr.KindCorruptIndex, dberr.KindInvalidDimension:
			e.logger.Warn("persisted index unusable, rebuilding", zap.Error(err))
			reason = "corrupt"
		default:
			return fmt.Errorf("load index: %w", err)
		}
	} else if int64(idx.Size()) != count {
		e.logger.Info("persisted index is stale, rebuilding",
			zap.Int("indexed", idx.Size()), zap.Int64("stored", count))
		reason = "stale"
	}

	e.mu.Lock()
	e.index = idx
	e.mu.Unlock()
	if reason != "" {
		return e.rebuild(ctx, reason)
	}
	e.metrics.IndexSize(idx.Size())
	return e.encodeAll(ctx)
}

// Store exposes the underlying store to the learning layer and snapshots.
func (e *Engine) Store() *storage.SQLiteStore {
	return e.store
}

// Dimension returns the fixed vector dimension.
func (e *Engine) Dimension() int {
	return e.store.Dimension()
}

// Metric returns the distance metric.
func (e *Engine) Metric() vector.Metric {
	return e.metric
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) currentIndex() vector.VectorIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

// Insert stores embedding and indexes it. The returned id is durable.
func (e *Engine) Insert(ctx context.Context, embedding []float32, metadata map[string]any) (string, error) {
	rec := &models.VectorRecord{Embedding: embedding, Metadata: metadata}
	if err := e.insert(ctx, rec, true); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// InsertWithID stores rec under its own id.
func (e *Engine) InsertWithID(ctx context.Context, rec *models.VectorRecord) error {
	if rec.ID == "" {
		return dberr.Errorf(dberr.KindInvalidArgument, "engine.insert", "id cannot be empty")
	}
	return e.insert(ctx, rec, false)
}

func (e *Engine) insert(ctx context.Context, rec *models.VectorRecord, newID bool) error {
	const op = "engine.insert"
	if len(rec.Embedding) != e.Dimension() {
		return dberr.Dimension(op, e.Dimension(), len(rec.Embedding))
	}
	rec.Embedding = slices.Clone(rec.Embedding)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	idx := e.currentIndex()
	if limit := e.cfg.HNSW.MaxElements; limit > 0 && idx.Size() >= limit {
		return dberr.Errorf(dberr.KindCapacityExceeded, op, "index holds %d of %d elements", idx.Size(), limit)
	}
	if newID {
		id, err := e.store.Insert(ctx, rec.Embedding, rec.Metadata)
		if err != nil {
			return err
		}
		rec.ID = id
	} else if err := e.store.InsertWithID(ctx, rec); err != nil {
		return err
	}

	if err := idx.Add(ctx, []string{rec.ID}, [][]float32{rec.Embedding}); err != nil {
		// keep store and index in step
		if derr := e.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			e.logger.Error("failed to roll back insert", zap.String("id", rec.ID), zap.Error(derr))
		}
		return err
	}
	e.encodeOne(rec.ID, rec.Embedding)
	e.cache.InvalidateAll()
	e.metrics.Write("insert")
	e.metrics.IndexSize(idx.Size())
	return nil
}

// Get returns the stored record for id.
func (e *Engine) Get(ctx context.Context, id string) (*models.VectorRecord, error) {
	return e.store.Get(ctx, id)
}

// Update replaces the metadata of id. Cached results containing id and every filtered
// query are invalidated.
func (e *Engine) Update(ctx context.Context, id string, metadata map[string]any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.store.Update(ctx, id, metadata); err != nil {
		return err
	}
	e.cache.InvalidateID(id, true)
	e.metrics.Write("update")
	return nil
}

// Delete removes id from the store, the index and the code table.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	idx := e.currentIndex()
	if err := idx.Remove(ctx, []string{id}); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.codes, id)
	e.mu.Unlock()
	e.cache.InvalidateID(id, false)
	e.metrics.Write("delete")
	e.metrics.IndexSize(idx.Size())
	return nil
}

// Clear removes every vector from the store, the index and the code table and returns how
// many were removed. A trained quantizer stays trained; learning state outside the vector
// table is untouched.
func (e *Engine) Clear(ctx context.Context) (int64, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	idx, err := e.newIndex()
	if err != nil {
		return 0, err
	}
	n, err := e.store.Clear(ctx)
	if err != nil {
		_ = idx.Close()
		return 0, err
	}
	e.mu.Lock()
	old := e.index
	e.index = idx
	e.codes = make(map[string]quantize.Code)
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	e.cache.InvalidateAll()
	e.metrics.Write("clear")
	e.metrics.IndexSize(0)
	if err := idx.Save(e.cfg.Storage.IndexPath); err != nil {
		e.logger.Warn("failed to persist cleared index", zap.Error(err))
	}
	e.logger.Info("engine cleared", zap.Int64("vectors", n))
	return n, nil
}

// SetEfSearch changes the HNSW query beam width. It is a no-op for the flat index.
func (e *Engine) SetEfSearch(ef int) {
	if ef <= 0 {
		return
	}
	e.mu.Lock()
	e.efSearch = ef
	idx := e.index
	e.mu.Unlock()
	if h, ok := idx.(*vector.HNSWIndex); ok {
		h.SetEfSearch(ef)
		e.cache.InvalidateAll()
		e.logger.Info("ef_search updated", zap.Int("ef_search", ef))
	}
}

// Stats describes the engine state.
type Stats struct {
	Vectors          int64             `json:"vectors"`
	Indexed          int               `json:"indexed"`
	Dimension        int               `json:"dimension"`
	Metric           string            `json:"metric"`
	IndexType        string            `json:"index_type"`
	Graph            *vector.HNSWStats `json:"graph,omitempty"`
	Quantization     string            `json:"quantization"`
	QuantizerTrained bool              `json:"quantizer_trained"`
	Codes            int               `json:"codes"`
	CompressionRatio float64           `json:"compression_ratio,omitempty"`
	Cache            cache.Stats       `json:"cache"`
	// DiskBytes covers the database, its WAL files, the index file and the keyword index.
	DiskBytes        int64             `json:"disk_bytes"`
}

// Stats returns counts and configuration of the store, index, quantizer and cache.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	disk, err := storage.DiskUsageBytes(append(e.store.Files(), e.cfg.Storage.IndexPath, e.cfg.Storage.KeywordIndexPath)...)
	if err != nil {
		return nil, err
	}
	idx := e.currentIndex()
	st := &Stats{
		Vectors:      count,
		Indexed:      idx.Size(),
		Dimension:    e.Dimension(),
		Metric:       e.metric.String(),
		IndexType:    idx.Type(),
		Quantization: "none",
		Cache:        e.cache.Stats(),
		DiskBytes:    disk,
	}
	if h, ok := idx.(*vector.HNSWIndex); ok {
		gs := h.Stats()
		st.Graph = &gs
	}
	e.mu.RLock()
	if e.quant != nil {
		st.Quantization = e.quant.Method().String()
		st.QuantizerTrained = e.quant.Trained()
		st.Codes = len(e.codes)
		if e.quant.Trained() {
			st.CompressionRatio = quantize.CompressionRatio(e.quant)
		}
	}
	e.mu.RUnlock()
	return st, nil
}

// Save persists the index to the configured path.
func (e *Engine) Save() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.currentIndex().Save(e.cfg.Storage.IndexPath)
}

// Close persists the index and closes the store.
func (e *Engine) Close() error {
	var errs []error
	if err := e.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save index: %w", err))
	}
	if err := e.currentIndex().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
