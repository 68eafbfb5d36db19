// Package learning is the facade over experience capture, reward estimation, replay, policy
// optimization and sessions. It is the only learning entry point the adapters use.
package learning

import (
	"context"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/embedding"
	"github.com/hyperjump/agentdb/internal/keyword"
	"github.com/hyperjump/agentdb/internal/metrics"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/policy"
	"github.com/hyperjump/agentdb/internal/reward"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/session"
	"github.com/hyperjump/agentdb/internal/storage"
)

// Manager runs the learning loop on top of a search engine.
type Manager struct {
	cfg      config.LearningConfig
	engine   *search.Engine
	store    storage.LearningStore
	sessions *session.Manager
	recorder *Recorder
	embedder embedding.Embedder
	keywords keyword.KeywordIndex
	logger   *zap.Logger
	metrics  *metrics.Metrics
	seed     int64

	rngMu sync.Mutex
	rng   *rand.Rand

	trainer *trainer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records learning activity on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithEmbedder replaces the default feature-hashing state embedder. Its dimension must match
// the engine.
func WithEmbedder(e embedding.Embedder) Option {
	return func(m *Manager) {
		m.embedder = e
	}
}

// WithKeywordIndex enables full-text experience recall.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(m *Manager) {
		m.keywords = k
	}
}

// WithSeed fixes the exploration and sampling randomness.
func WithSeed(seed int64) Option {
	return func(m *Manager) {
		m.seed = seed
	}
}

// New creates a manager and starts its training worker. Close stops it.
func New(engine *search.Engine, cfg config.LearningConfig, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		engine: engine,
		store:  engine.Store(),
		logger: zap.NewNop(),
		seed:   1,
	}
	for _, opt := range opts {
		opt(m)
	}
	dim := engine.Dimension()
	if m.embedder == nil {
		e, err := embedding.NewCachedEmbedder(embedding.NewHashEmbedder(dim), 0)
		if err != nil {
			return nil, err
		}
		m.embedder = e
	}
	if m.embedder.Dimensions() != dim {
		return nil, dberr.Dimension("learning.new", dim, m.embedder.Dimensions())
	}
	m.rng = rand.New(rand.NewSource(m.seed))

	base, err := policyConfig(cfg, dim)
	if err != nil {
		return nil, err
	}
	m.sessions = session.NewManager(m.store, base, cfg.BufferCapacity,
		session.WithLogger(m.logger),
		session.WithActiveHook(m.metrics.ActiveSessions))
	m.recorder = &Recorder{
		embedder:  m.embedder,
		estimator: reward.NewEstimator(reward.WithWindow(cfg.BaselineWindow), reward.WithTokenBudget(cfg.TokenBudget)),
		store:     m.store,
		engine:    engine,
		keywords:  m.keywords,
		metrics:   m.metrics,
		logger:    m.logger,
	}
	m.trainer = startTrainer(m.logger)
	return m, nil
}

func policyConfig(cfg config.LearningConfig, dim int) (policy.Config, error) {
	pc := policy.DefaultConfig(dim)
	alg, err := policy.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return pc, err
	}
	pc.Algorithm = alg
	if cfg.LearningRate > 0 {
		pc.LearningRate = cfg.LearningRate
	}
	if cfg.Discount > 0 {
		pc.Discount = cfg.Discount
	}
	if cfg.EpsilonStart > 0 {
		pc.EpsilonStart = cfg.EpsilonStart
	}
	if cfg.EpsilonDecay > 0 {
		pc.EpsilonDecay = cfg.EpsilonDecay
	}
	if cfg.EpsilonMin > 0 {
		pc.EpsilonMin = cfg.EpsilonMin
	}
	if cfg.StateBuckets > 0 {
		pc.Buckets = cfg.StateBuckets
	}
	return pc, nil
}

// Restore reloads sessions that were live when the process stopped. An empty keyword index
// over a non-empty experience table, as left by a snapshot import, is rebuilt.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	n, err := m.sessions.Restore(ctx)
	if err != nil {
		return n, err
	}
	if m.keywords == nil {
		return n, nil
	}
	docs, err := m.keywords.DocCount()
	if err != nil || docs > 0 {
		return n, err
	}
	indexed, err := m.recorder.Reindex(ctx)
	if err != nil {
		return n, err
	}
	if indexed > 0 {
		m.logger.Info("keyword index rebuilt", zap.Int("experiences", indexed))
	}
	return n, nil
}

// Sessions exposes the session manager.
func (m *Manager) Sessions() *session.Manager {
	return m.sessions
}

// StartSession creates and activates a session.
func (m *Manager) StartSession(ctx context.Context, req session.StartRequest) (*models.Session, error) {
	rt, err := m.sessions.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	sess := rt.Session()
	return &sess, nil
}

// EndSession persists the final policy and ends the session.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.sessions.End(ctx, sessionID)
}

// PauseSession suspends a session. Mutating operations fail until it is resumed.
func (m *Manager) PauseSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.sessions.Pause(ctx, sessionID)
}

// ResumeSession reactivates a paused session.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.sessions.Resume(ctx, sessionID)
}

// active returns the runtime of sessionID after checking it is active.
func (m *Manager) active(ctx context.Context, op, sessionID string) (*session.Runtime, error) {
	rt, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := rt.RequireActive(op); err != nil {
		return nil, err
	}
	return rt, nil
}

// policyOf returns the live policy of a session, or its last persisted snapshot once ended.
func (m *Manager) policyOf(ctx context.Context, sess *models.Session) (*policy.Policy, *session.Runtime, error) {
	if rt, err := m.sessions.Get(ctx, sess.ID); err == nil {
		return rt.Policy(), rt, nil
	}
	blob, err := m.store.LoadPolicy(ctx, sess.PolicyRef)
	if err != nil {
		if dberr.KindOf(err) != dberr.KindNotFound {
			return nil, nil, err
		}
		base, perr := policyConfig(m.cfg, m.engine.Dimension())
		if perr != nil {
			return nil, nil, perr
		}
		p, perr := policy.New(base)
		return p, nil, perr
	}
	p, err := policy.Import(blob.Data)
	return p, nil, err
}

// childRNG derives an independent generator from the manager seed.
func (m *Manager) childRNG() *rand.Rand {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return rand.New(rand.NewSource(m.rng.Int63()))
}

// Close stops the training worker. Queued work fails with a cancelled context.
func (m *Manager) Close() error {
	m.trainer.stop()
	return nil
}
