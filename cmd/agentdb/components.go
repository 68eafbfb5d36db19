package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/embedding"
	"github.com/hyperjump/agentdb/internal/keyword"
	"github.com/hyperjump/agentdb/internal/learning"
	"github.com/hyperjump/agentdb/internal/metrics"
	"github.com/hyperjump/agentdb/internal/search"
)

// Components holds initialized services.
type Components struct {
	Engine       *search.Engine
	Learning     *learning.Manager
	KeywordIndex keyword.KeywordIndex
	Embedder     embedding.Embedder
	Metrics      *metrics.Metrics
}

// Close releases everything in reverse order of construction.
func (c *Components) Close() {
	if c.Learning != nil {
		_ = c.Learning.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Engine != nil {
		_ = c.Engine.Close()
	}
}

// initializeComponents opens the engine and, when withLearning is set, the keyword index,
// the state embedder and the learning manager on top of it.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, withLearning bool) (*Components, error) {
	c := &Components{}
	if withLearning {
		c.Metrics = metrics.New()
	}
	engine, err := search.Open(ctx, cfg, search.WithLogger(logger), search.WithMetrics(c.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	c.Engine = engine
	if !withLearning {
		return c, nil
	}

	kw, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.KeywordIndex = kw

	embedder, err := embedding.New(cfg.Embedding, cfg.Vector.Dimensions)
	if err != nil {
		logger.Warn("state embedder unavailable, falling back to feature hashing",
			zap.String("provider", cfg.Embedding.Provider), zap.Error(err))
		if embedder, err = embedding.New(config.EmbeddingConfig{CacheSize: cfg.Embedding.CacheSize}, cfg.Vector.Dimensions); err != nil {
			c.Close()
			return nil, err
		}
	}
	c.Embedder = embedder

	lm, err := learning.New(engine, cfg.Learning,
		learning.WithLogger(logger),
		learning.WithMetrics(c.Metrics),
		learning.WithEmbedder(embedder),
		learning.WithKeywordIndex(kw))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize learning: %w", err)
	}
	c.Learning = lm
	n, err := lm.Restore(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}
	logger.Info("learning ready", zap.Int("restored_sessions", n))
	return c, nil
}
