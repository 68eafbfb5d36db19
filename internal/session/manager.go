package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/policy"
	"github.com/hyperjump/agentdb/internal/replay"
	"github.com/hyperjump/agentdb/internal/storage"
)

// StartRequest describes a new session. An empty Algorithm uses the manager default.
type StartRequest struct {
	UserID      string `json:"user_id"`
	SessionType string `json:"session_type"`
	Algorithm   string `json:"algorithm,omitempty"`
}

// Manager tracks the active set of sessions. Every state change is persisted before it
// becomes visible.
type Manager struct {
	store     storage.LearningStore
	base      policy.Config
	bufferCap int
	logger    *zap.Logger
	onChange  func(active int)

	mu     sync.RWMutex
	active map[string]*Runtime
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithActiveHook is called with the size of the active set after it changes.
func WithActiveHook(fn func(active int)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager creates a manager whose sessions start from base and buffer up to bufferCap
// experiences.
func NewManager(store storage.LearningStore, base policy.Config, bufferCap int, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		base:      base,
		bufferCap: bufferCap,
		logger:    zap.NewNop(),
		active:    make(map[string]*Runtime),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PolicyRef is the key a session's policy snapshot is stored under.
func PolicyRef(sessionID string) string {
	return "policy-" + sessionID
}

// Start persists a created session, then activates it.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Runtime, error) {
	const op = "session.start"
	cfg := m.base
	if req.Algorithm != "" {
		alg, err := policy.ParseAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		cfg.Algorithm = alg
	}
	p, err := policy.New(cfg)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sess := models.Session{
		ID:          id,
		UserID:      req.UserID,
		SessionType: req.SessionType,
		Status:      models.SessionCreated,
		Algorithm:   cfg.Algorithm.String(),
		PolicyRef:   PolicyRef(id),
		StartedAt:   time.Now().UTC(),
	}
	if err := m.store.SaveSession(ctx, &sess); err != nil {
		return nil, err
	}
	sess.Status = models.SessionActive
	if err := m.store.SaveSession(ctx, &sess); err != nil {
		return nil, err
	}

	rt := newRuntime(sess, p, replay.New(m.bufferCap))
	m.mu.Lock()
	m.active[id] = rt
	n := len(m.active)
	m.mu.Unlock()
	m.changed(n)
	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.String("session_type", req.SessionType),
		zap.String("algorithm", sess.Algorithm))
	return rt, nil
}

// Get returns the runtime of a non-ended session.
func (m *Manager) Get(ctx context.Context, id string) (*Runtime, error) {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return rt, nil
	}
	return nil, m.missing(ctx, "session.get", id)
}

// missing explains why id has no runtime: ended sessions are InvalidState, others NotFound.
func (m *Manager) missing(ctx context.Context, op, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if dberr.KindOf(err) == dberr.KindNotFound {
			return dberr.Errorf(dberr.KindNotFound, op, "session %s", id)
		}
		return err
	}
	return dberr.Errorf(dberr.KindInvalidState, op, "session %s is %s", id, sess.Status)
}

// Lookup returns the session record, including ended sessions.
func (m *Manager) Lookup(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		sess := rt.Session()
		return &sess, nil
	}
	return m.store.GetSession(ctx, id)
}

// Pause suspends an active session. The current policy is checkpointed.
func (m *Manager) Pause(ctx context.Context, id string) (*models.Session, error) {
	return m.move(ctx, "session.pause", id, models.SessionPaused, models.SessionActive)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (*models.Session, error) {
	return m.move(ctx, "session.resume", id, models.SessionActive, models.SessionPaused)
}

func (m *Manager) move(ctx context.Context, op, id string, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	rt, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rt.life.Lock()
	defer rt.life.Unlock()
	next, err := rt.transition(op, to, from...)
	if err != nil {
		return nil, err
	}
	blob, err := m.policyBlob(rt, next)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSessionWithPolicy(ctx, &next, blob); err != nil {
		return nil, err
	}
	rt.commit(next)
	m.logger.Info("session state changed", zap.String("session_id", id), zap.String("status", string(to)))
	return &next, nil
}

// End persists the final policy and the ended status, then drops the runtime.
func (m *Manager) End(ctx context.Context, id string) (*models.Session, error) {
	const op = "session.end"
	rt, err := m.Get(ctx, id)
	if err != nil {
		if dberr.KindOf(err) == dberr.KindInvalidState {
			return nil, dberr.Errorf(dberr.KindInvalidState, op, "session %s already ended", id)
		}
		return nil, err
	}
	rt.life.Lock()
	defer rt.life.Unlock()
	next, err := rt.transition(op, models.SessionEnded,
		models.SessionCreated, models.SessionActive, models.SessionPaused)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next.EndedAt = &now
	blob, err := m.policyBlob(rt, next)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSessionWithPolicy(ctx, &next, blob); err != nil {
		return nil, err
	}
	rt.commit(next)

	m.mu.Lock()
	delete(m.active, id)
	n := len(m.active)
	m.mu.Unlock()
	m.changed(n)
	m.logger.Info("session ended",
		zap.String("session_id", id),
		zap.Int("buffered", rt.Buffer().Len()),
		zap.Int("policy_states", rt.Policy().States()))
	return &next, nil
}

// Checkpoint persists the current policy of a session.
func (m *Manager) Checkpoint(ctx context.Context, rt *Runtime) error {
	blob, err := m.policyBlob(rt, rt.Session())
	if err != nil {
		return err
	}
	return m.store.SavePolicy(ctx, blob)
}

// CheckpointAll persists the policy of every non-ended session. It keeps going past failures
// and returns them joined.
func (m *Manager) CheckpointAll(ctx context.Context) error {
	m.mu.RLock()
	rts := make([]*Runtime, 0, len(m.active))
	for _, rt := range m.active {
		rts = append(rts, rt)
	}
	m.mu.RUnlock()
	var errs []error
	for _, rt := range rts {
		if err := m.Checkpoint(ctx, rt); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rt.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) policyBlob(rt *Runtime, sess models.Session) (*storage.PolicyBlob, error) {
	data, err := rt.Policy().Export()
	if err != nil {
		return nil, dberr.E(dberr.KindStorage, "session.checkpoint", err)
	}
	return &storage.PolicyBlob{
		Ref:       sess.PolicyRef,
		SessionID: sess.ID,
		Algorithm: sess.Algorithm,
		Data:      data,
	}, nil
}

// Restore reloads every non-ended session with its policy and buffered experiences.
// Sessions that crashed before activation come back active.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.store.ListSessions(ctx, false)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, sess := range sessions {
		m.mu.RLock()
		_, live := m.active[sess.ID]
		m.mu.RUnlock()
		if live {
			continue
		}
		p, err := m.loadPolicy(ctx, sess)
		if err != nil {
			return restored, err
		}
		buf := replay.New(m.bufferCap)
		exps, err := m.store.ListExperiences(ctx, sess.ID)
		if err != nil {
			return restored, err
		}
		for _, exp := range exps {
			if _, err := buf.Add(exp); err != nil {
				break
			}
		}
		if sess.Status == models.SessionCreated {
			sess.Status = models.SessionActive
			if err := m.store.SaveSession(ctx, sess); err != nil {
				return restored, err
			}
		}
		m.mu.Lock()
		m.active[sess.ID] = newRuntime(*sess, p, buf)
		m.mu.Unlock()
		restored++
	}
	m.changed(m.Len())
	if restored > 0 {
		m.logger.Info("sessions restored", zap.Int("count", restored))
	}
	return restored, nil
}

func (m *Manager) loadPolicy(ctx context.Context, sess *models.Session) (*policy.Policy, error) {
	blob, err := m.store.LoadPolicy(ctx, sess.PolicyRef)
	if err == nil {
		return policy.Import(blob.Data)
	}
	if dberr.KindOf(err) != dberr.KindNotFound {
		return nil, err
	}
	cfg := m.base
	if alg, perr := policy.ParseAlgorithm(sess.Algorithm); perr == nil {
		cfg.Algorithm = alg
	}
	return policy.New(cfg)
}

// Active returns the records of every non-ended session.
func (m *Manager) Active() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.active))
	for _, rt := range m.active {
		out = append(out, rt.Session())
	}
	return out
}

// Len returns the number of non-ended sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) changed(n int) {
	if m.onChange != nil {
		m.onChange(n)
	}
}
