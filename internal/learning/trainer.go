package learning

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/policy"
	"github.com/hyperjump/agentdb/internal/session"
)

const trainQueue = 64

// trainer runs every policy mutation on one goroutine, so a published policy is never
// replaced by a run that started from an older one.
type trainer struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func(context.Context)
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func startTrainer(logger *zap.Logger) *trainer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &trainer{logger: logger, ctx: ctx, cancel: cancel, jobs: make(chan func(context.Context), trainQueue)}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *trainer) loop() {
	defer t.wg.Done()
	for job := range t.jobs {
		job(t.ctx)
	}
}

func (t *trainer) submit(job func(context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return dberr.Errorf(dberr.KindInvalidState, "learning.trainer", "manager is closed")
	}
	t.jobs <- job
	return nil
}

func (t *trainer) stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	close(t.jobs)
	t.mu.Unlock()
	t.wg.Wait()
}

// TrainingTask is a handle on a queued training run.
type TrainingTask struct {
	SessionID string

	done   chan struct{}
	result *models.TrainResult
	err    error
}

// Done is closed when the run has finished.
func (t *TrainingTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes or ctx is done. Abandoning the wait does not cancel the run.
func (t *TrainingTask) Wait(ctx context.Context) (*models.TrainResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Train runs one training pass and waits for it. With fewer buffered experiences than the
// minimum it returns ErrInsufficientData together with a result explaining why.
func (m *Manager) Train(ctx context.Context, sessionID string, opts models.TrainOptions) (*models.TrainResult, error) {
	task, err := m.SubmitTraining(ctx, sessionID, opts)
	if err != nil {
		if task != nil {
			return task.result, err
		}
		return nil, err
	}
	return task.Wait(ctx)
}

// SubmitTraining queues a training pass on the worker. Insufficient data fails immediately.
func (m *Manager) SubmitTraining(ctx context.Context, sessionID string, opts models.TrainOptions) (*TrainingTask, error) {
	const op = "learning.train"
	rt, err := m.active(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	opts = m.trainDefaults(opts)
	if n := rt.Buffer().Len(); n < opts.MinExperiences {
		task := &TrainingTask{SessionID: sessionID, done: make(chan struct{})}
		task.result = &models.TrainResult{
			Epsilon: rt.Policy().Epsilon(),
			Reason:  insufficientReason(n, opts.MinExperiences),
		}
		task.err = dberr.Errorf(dberr.KindInsufficientData, op, "%s", task.result.Reason)
		close(task.done)
		m.metrics.Training("insufficient_data", 0)
		return task, task.err
	}

	task := &TrainingTask{SessionID: sessionID, done: make(chan struct{})}
	rng := m.childRNG()
	err = m.trainer.submit(func(wctx context.Context) {
		defer close(task.done)
		start := time.Now()
		task.result, task.err = m.runTraining(wctx, rt, opts, rng)
		status := "completed"
		if task.err != nil {
			status = "failed"
		}
		m.metrics.Training(status, time.Since(start))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func insufficientReason(have, need int) string {
	return fmt.Sprintf("buffer holds %d experiences, need at least %d", have, need)
}

func (m *Manager) trainDefaults(opts models.TrainOptions) models.TrainOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = m.cfg.BatchSize
	}
	if opts.Epochs <= 0 {
		opts.Epochs = m.cfg.Epochs
	}
	if opts.MinExperiences <= 0 {
		opts.MinExperiences = m.cfg.MinExperiences
	}
	opts.BatchSize = max(opts.BatchSize, 1)
	opts.Epochs = max(opts.Epochs, 1)
	opts.MinExperiences = max(opts.MinExperiences, 1)
	return opts
}

// runTraining replays prioritized batches into a clone of the live policy and publishes it
// once every epoch has run.
func (m *Manager) runTraining(ctx context.Context, rt *session.Runtime, opts models.TrainOptions, rng *rand.Rand) (*models.TrainResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	live := rt.Policy()
	p := live.Clone()
	res := &models.TrainResult{}
	var tdSum float64
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := rt.Buffer().Sample(opts.BatchSize, rng, nil)
		for _, exp := range batch {
			t, err := transition(p, exp)
			if err != nil {
				return nil, err
			}
			delta := p.Update(t)
			if delta < 0 {
				delta = -delta
			}
			tdSum += delta
			res.ExperiencesProcessed++
		}
		p.Decay()
		res.Epochs++
	}
	if res.ExperiencesProcessed > 0 {
		res.AvgTDError = tdSum / float64(res.ExperiencesProcessed)
	}
	res.Epsilon = p.Epsilon()

	if !rt.Publish(live, p) {
		return nil, dberr.Errorf(dberr.KindInvalidState, "learning.train", "policy of session %s changed during training", rt.ID())
	}
	now := time.Now().UTC()
	rt.MarkTrained(now)
	if err := m.sessions.Checkpoint(ctx, rt); err != nil {
		m.logger.Warn("failed to checkpoint policy", zap.String("session_id", rt.ID()), zap.Error(err))
	}
	res.DurationMs = time.Since(start).Milliseconds()
	m.logger.Info("training completed",
		zap.String("session_id", rt.ID()),
		zap.Int("experiences", res.ExperiencesProcessed),
		zap.Int("epochs", res.Epochs),
		zap.Float64("avg_td_error", res.AvgTDError),
		zap.Float64("epsilon", res.Epsilon))
	return res, nil
}

// transition buckets an experience for the policy. Experiences without a next state are terminal.
func transition(p *policy.Policy, exp *models.Experience) (policy.Transition, error) {
	s, err := p.Bucket(exp.State.Embedding)
	if err != nil {
		return policy.Transition{}, err
	}
	t := policy.Transition{State: s, Action: exp.Action, Reward: exp.Reward, Done: exp.Done || exp.NextState == nil}
	if !t.Done {
		if t.Next, err = p.Bucket(exp.NextState.Embedding); err != nil {
			return policy.Transition{}, err
		}
	}
	return t, nil
}
