// Package session owns the lifecycle of learning sessions and their in-memory runtimes.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/policy"
	"github.com/hyperjump/agentdb/internal/replay"
)

// Runtime is the live state of one non-ended session: its policy, its replay buffer and the
// predictions it has served.
type Runtime struct {
	buffer *replay.Buffer
	policy atomic.Pointer[policy.Policy]

	// life serializes lifecycle transitions so a state change and its persistence are atomic.
	life sync.Mutex

	mu          sync.RWMutex
	sess        models.Session
	predictions map[uint64]*models.Prediction
	served      int
	trainedAt   *time.Time
}

func newRuntime(sess models.Session, p *policy.Policy, buffer *replay.Buffer) *Runtime {
	r := &Runtime{buffer: buffer, sess: sess, predictions: make(map[uint64]*models.Prediction)}
	r.policy.Store(p)
	return r
}

// ID returns the session id.
func (r *Runtime) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sess.ID
}

// Session returns a copy of the session record.
func (r *Runtime) Session() models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sess
}

// Status returns the lifecycle state.
func (r *Runtime) Status() models.SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sess.Status
}

// RequireActive fails with ErrInvalidState unless the session is active.
func (r *Runtime) RequireActive(op string) error {
	if st := r.Status(); st != models.SessionActive {
		return dberr.Errorf(dberr.KindInvalidState, op, "session %s is %s", r.ID(), st)
	}
	return nil
}

// Policy returns the published policy. Callers must not mutate it.
func (r *Runtime) Policy() *policy.Policy {
	return r.policy.Load()
}

// Publish replaces the policy if it is still old, and reports whether it did.
func (r *Runtime) Publish(old, updated *policy.Policy) bool {
	return r.policy.CompareAndSwap(old, updated)
}

// Buffer returns the session's replay buffer.
func (r *Runtime) Buffer() *replay.Buffer {
	return r.buffer
}

// RecordPrediction remembers the latest prediction served for a state bucket.
func (r *Runtime) RecordPrediction(p *models.Prediction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions[p.StateBucket] = p
	r.served++
}

// LastPrediction returns the latest prediction served for bucket.
func (r *Runtime) LastPrediction(bucket uint64) (*models.Prediction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predictions[bucket]
	return p, ok
}

// Predictions returns how many predictions were served.
func (r *Runtime) Predictions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.served
}

// MarkTrained records the completion time of a training run.
func (r *Runtime) MarkTrained(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trainedAt = &t
}

// LastTrained returns when the policy was last trained, or nil.
func (r *Runtime) LastTrained() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.trainedAt == nil {
		return nil
	}
	t := *r.trainedAt
	return &t
}

// transition moves the session from one of from to to, returning the updated copy.
func (r *Runtime) transition(op string, to models.SessionStatus, from ...models.SessionStatus) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range from {
		if r.sess.Status == f {
			next := r.sess
			next.Status = to
			return next, nil
		}
	}
	return models.Session{}, dberr.Errorf(dberr.KindInvalidState, op, "session %s is %s", r.sess.ID, r.sess.Status)
}

func (r *Runtime) commit(sess models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess = sess
}
