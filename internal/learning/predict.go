package learning

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/policy"
)

const (
	// evidenceK is how many neighbouring experiences back a prediction.
	evidenceK = 20
	// evidenceDistance bounds which neighbours count as similar.
	evidenceDistance = 0.35
	explainNeighbors = 5
	// sessionScanLimit is the session size up to which neighbours are found by a direct scan.
	sessionScanLimit = 512
)

// tally counts outcomes of similar experiences per action.
type tally struct {
	successes, failures int
}

func (t tally) n() int { return t.successes + t.failures }

// PredictAction recommends an action for state among candidates (or among every action the
// policy knows when candidates is empty). Alternatives are ranked by Q-value.
func (m *Manager) PredictAction(ctx context.Context, sessionID string, state map[string]any, candidates []string) (*models.Prediction, error) {
	const op = "learning.predict"
	rt, err := m.active(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	sess := rt.Session()
	vec, err := m.recorder.embedState(ctx, taskTypeOf(state, sess.SessionType), state)
	if err != nil {
		return nil, err
	}
	p := rt.Policy()
	bucket, err := p.Bucket(vec)
	if err != nil {
		return nil, err
	}
	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		candidates = p.Actions()
	}
	if len(candidates) == 0 {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "no candidate actions and none learned yet")
	}
	evidence, err := m.evidence(ctx, sessionID, vec)
	if err != nil {
		return nil, err
	}

	action, explored, _ := p.Select(bucket, candidates, m.childRNG())
	ranked := rank(p, bucket, candidates, evidence)
	pred := &models.Prediction{
		SessionID:   sessionID,
		StateBucket: bucket,
		Action:      action,
		Explored:    explored,
		Evidence:    evidence[action].n(),
		CreatedAt:   time.Now().UTC(),
	}
	for _, s := range ranked {
		if s.Action == action {
			pred.QValue, pred.Confidence = s.QValue, s.Confidence
			continue
		}
		pred.Alternatives = append(pred.Alternatives, s)
	}
	rt.RecordPrediction(pred)
	return pred, nil
}

func rank(p *policy.Policy, bucket uint64, candidates []string, evidence map[string]tally) []models.ActionScore {
	out := make([]models.ActionScore, len(candidates))
	for i, a := range candidates {
		q := p.Q(bucket, a)
		ev := evidence[a]
		out[i] = models.ActionScore{Action: a, QValue: q, Confidence: policy.Confidence(q, ev.successes, ev.failures)}
	}
	slices.SortStableFunc(out, func(a, b models.ActionScore) int {
		switch {
		case a.QValue > b.QValue:
			return -1
		case a.QValue < b.QValue:
			return 1
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
	return out
}

// evidence tallies outcomes of the session's experiences whose state lies near vec.
func (m *Manager) evidence(ctx context.Context, sessionID string, vec []float32) (map[string]tally, error) {
	matches, err := m.neighbors(ctx, sessionID, vec, evidenceK)
	if err != nil {
		return nil, err
	}
	out := make(map[string]tally)
	for _, n := range matches {
		if n.Distance > evidenceDistance {
			continue
		}
		t := out[n.Experience.Action]
		if n.Experience.Succeeded() {
			t.successes++
		} else {
			t.failures++
		}
		out[n.Experience.Action] = t
	}
	return out, nil
}

// neighbors returns the k nearest experiences of a session to vec, nearest first. Small
// sessions are scanned directly; larger ones go through the engine's index.
func (m *Manager) neighbors(ctx context.Context, sessionID string, vec []float32, k int) ([]models.ExperienceMatch, error) {
	n, err := m.store.CountExperiences(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n <= sessionScanLimit {
		return m.scanNeighbors(ctx, sessionID, vec, k)
	}
	resp, err := m.engine.Search(ctx, &models.SearchRequest{
		Vector: vec,
		K:      k,
		Filter: map[string]any{MetaKind: KindExperience, MetaSession: sessionID},
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ExperienceMatch, 0, len(resp.Results))
	for _, r := range resp.Results {
		exp, err := m.store.GetExperience(ctx, r.ID)
		if dberr.KindOf(err) == dberr.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, models.ExperienceMatch{Experience: exp, Distance: r.Distance, Score: r.Score})
	}
	return out, nil
}

// scanNeighbors ranks every experience of the session by exact distance to vec.
func (m *Manager) scanNeighbors(ctx context.Context, sessionID string, vec []float32, k int) ([]models.ExperienceMatch, error) {
	exps, err := m.store.ListExperiences(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	metric := m.engine.Metric()
	out := make([]models.ExperienceMatch, 0, len(exps))
	for _, exp := range exps {
		if len(exp.State.Embedding) != len(vec) {
			continue
		}
		d := metric.Distance(vec, exp.State.Embedding)
		out = append(out, models.ExperienceMatch{Experience: exp, Distance: d, Score: metric.Score(d)})
	}
	slices.SortFunc(out, func(a, b models.ExperienceMatch) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return strings.Compare(a.Experience.ID, b.Experience.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Explain describes why the last prediction for state was made: the policy's values for the
// state bucket and the nearest past experiences with their outcomes. Ended sessions are
// explained from their final policy.
func (m *Manager) Explain(ctx context.Context, sessionID string, state map[string]any) (*models.Explanation, error) {
	sess, err := m.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	vec, err := m.recorder.embedState(ctx, taskTypeOf(state, sess.SessionType), state)
	if err != nil {
		return nil, err
	}
	p, rt, err := m.policyOf(ctx, sess)
	if err != nil {
		return nil, err
	}
	bucket, err := p.Bucket(vec)
	if err != nil {
		return nil, err
	}
	neighbors, err := m.neighbors(ctx, sessionID, vec, explainNeighbors)
	if err != nil {
		return nil, err
	}
	ex := &models.Explanation{
		SessionID:   sessionID,
		StateBucket: bucket,
		QValues:     p.Values(bucket),
		Neighbors:   neighbors,
	}
	if rt != nil {
		if pred, ok := rt.LastPrediction(bucket); ok {
			ex.Prediction = pred
		}
	}
	ex.Summary = summarize(ex)
	return ex, nil
}

func summarize(ex *models.Explanation) string {
	if ex.Prediction == nil {
		if len(ex.Neighbors) == 0 {
			return "no prediction or similar experience recorded for this state"
		}
		return fmt.Sprintf("no prediction yet; %d similar experiences recorded", len(ex.Neighbors))
	}
	action := ex.Prediction.Action
	took, ok := 0, 0
	for _, n := range ex.Neighbors {
		if n.Experience.Action != action {
			continue
		}
		took++
		if n.Experience.Succeeded() {
			ok++
		}
	}
	how := "greedy"
	if ex.Prediction.Explored {
		how = "exploratory"
	}
	q := ex.QValues[action]
	return fmt.Sprintf("%s pick %q with confidence %.2f (Q=%.3f); %d of %d similar experiences took it, %d succeeded",
		how, action, ex.Prediction.Confidence, q, took, len(ex.Neighbors), ok)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
