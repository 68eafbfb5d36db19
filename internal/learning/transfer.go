package learning

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/embedding"
	"github.com/hyperjump/agentdb/internal/models"
)

// taskEmbedDim is the dimension task types are hashed into for distance comparisons.
const taskEmbedDim = 64

var taskEmbedder = embedding.NewHashEmbedder(taskEmbedDim)

// TaskDistance is 1 − cosine similarity of the hashed task-type texts, in [0,2].
func TaskDistance(ctx context.Context, a, b string) (float64, error) {
	if a == b {
		return 0, nil
	}
	va, err := taskEmbedder.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := taskEmbedder.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	var dot float64
	for i := range va {
		dot += float64(va[i]) * float64(vb[i])
	}
	return 1 - math.Max(-1, math.Min(1, dot)), nil
}

// TransferLearning merges the source session's policy into the active target, weighted by
// similarity. Only buckets visited by source experiences whose task type is close to the
// target's are merged; with no such experience nothing changes.
func (m *Manager) TransferLearning(ctx context.Context, sourceID, targetID string, similarity float64) (*models.TransferResult, error) {
	const op = "learning.transfer"
	if similarity < 0 || similarity > 1 || math.IsNaN(similarity) {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "similarity must be in [0,1], got %v", similarity)
	}
	if sourceID == targetID {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "source and target are the same session")
	}
	target, err := m.active(ctx, op, targetID)
	if err != nil {
		return nil, err
	}
	srcSess, err := m.sessions.Lookup(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	srcPolicy, _, err := m.policyOf(ctx, srcSess)
	if err != nil {
		return nil, err
	}
	res := &models.TransferResult{SourceSessionID: sourceID, TargetSessionID: targetID, Similarity: similarity}

	targetTask, err := m.targetTaskType(ctx, target.Session())
	if err != nil {
		return nil, err
	}
	exps, err := m.store.ListExperiences(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	buckets := make(map[uint64]struct{})
	limit := m.cfg.MaxTaskDistance
	for _, exp := range exps {
		d, err := TaskDistance(ctx, exp.TaskType, targetTask)
		if err != nil {
			return nil, err
		}
		if d > limit {
			continue
		}
		b, err := srcPolicy.Bucket(exp.State.Embedding)
		if err != nil {
			return nil, err
		}
		buckets[b] = struct{}{}
		res.ExperiencesTransferred++
	}
	if res.ExperiencesTransferred == 0 {
		m.logger.Info("transfer skipped, no compatible experiences",
			zap.String("source", sourceID), zap.String("target", targetID))
		return res, nil
	}

	done := make(chan error, 1)
	err = m.trainer.submit(func(wctx context.Context) {
		live := target.Policy()
		merged := live.Clone()
		n, err := merged.Merge(srcPolicy, buckets, similarity)
		if err != nil {
			done <- err
			return
		}
		if !target.Publish(live, merged) {
			done <- dberr.Errorf(dberr.KindInvalidState, op, "policy of session %s changed during transfer", targetID)
			return
		}
		res.StatesMerged = n
		if err := m.sessions.Checkpoint(wctx, target); err != nil {
			m.logger.Warn("failed to checkpoint policy", zap.String("session_id", targetID), zap.Error(err))
		}
		done <- nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.logger.Info("policy transferred",
		zap.String("source", sourceID),
		zap.String("target", targetID),
		zap.Float64("similarity", similarity),
		zap.Int("experiences", res.ExperiencesTransferred),
		zap.Int("states", res.StatesMerged))
	return res, nil
}

// targetTaskType is the session type, or the most frequent task type the target has recorded.
func (m *Manager) targetTaskType(ctx context.Context, sess models.Session) (string, error) {
	if sess.SessionType != "" {
		return sess.SessionType, nil
	}
	exps, err := m.store.ListExperiences(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	counts := make(map[string]int)
	best := ""
	for _, e := range exps {
		counts[e.TaskType]++
		if c := counts[e.TaskType]; c > counts[best] || (c == counts[best] && e.TaskType < best) {
			best = e.TaskType
		}
	}
	return best, nil
}
