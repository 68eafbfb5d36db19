package learning

import (
	"context"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/keyword"
	"github.com/hyperjump/agentdb/internal/models"
)

const recentWindow = 10

// GetMetrics summarizes a session's progress. Ended sessions report from the store and their
// final policy; absent data yields zeros.
func (m *Manager) GetMetrics(ctx context.Context, sessionID string) (*models.Metrics, error) {
	sess, err := m.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	exps, err := m.store.ListExperiences(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, rt, err := m.policyOf(ctx, sess)
	if err != nil {
		return nil, err
	}

	out := &models.Metrics{
		SessionID:        sessionID,
		TotalExperiences: len(exps),
		TrainingSteps:    p.Steps(),
		Epsilon:          p.Epsilon(),
		PolicyStates:     p.States(),
	}
	if rt != nil {
		out.BufferedCount = rt.Buffer().Len()
		out.Predictions = rt.Predictions()
		out.LastTrainedAt = rt.LastTrained()
	}
	if len(exps) == 0 {
		return out, nil
	}
	var sum, recent float64
	successes := 0
	for i, e := range exps {
		sum += e.Reward
		if e.Succeeded() {
			successes++
		}
		if i >= len(exps)-recentWindow {
			recent += e.Reward
		}
	}
	out.SuccessRate = float64(successes) / float64(len(exps))
	out.AvgReward = sum / float64(len(exps))
	out.RecentAvgReward = recent / float64(min(len(exps), recentWindow))
	return out, nil
}

// ExperienceQuery is a full-text search over recorded experiences.
type ExperienceQuery struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Fuzziness int    `json:"fuzziness,omitempty"`
}

// SearchExperiences finds experiences whose tool, action or context text matches q.Query.
func (m *Manager) SearchExperiences(ctx context.Context, q ExperienceQuery) ([]models.ExperienceMatch, error) {
	const op = "learning.search_experiences"
	if m.keywords == nil {
		return nil, errKeywordDisabled(op)
	}
	if q.Query == "" {
		return nil, errEmptyQuery(op)
	}
	hits, err := m.keywords.Search(ctx, q.Query, q.Limit, &keyword.SearchOptions{
		SessionID: q.SessionID,
		TaskType:  q.TaskType,
		Fuzziness: q.Fuzziness,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ExperienceMatch, 0, len(hits))
	for _, h := range hits {
		exp, err := m.store.GetExperience(ctx, h.ID)
		if dberr.KindOf(err) == dberr.KindNotFound {
			// the keyword index may briefly outlive a deleted experience
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, models.ExperienceMatch{Experience: exp, Score: h.Score})
	}
	return out, nil
}

func errKeywordDisabled(op string) error {
	return dberr.Errorf(dberr.KindInvalidArgument, op, "keyword index is not configured")
}

func errEmptyQuery(op string) error {
	return dberr.Errorf(dberr.KindInvalidArgument, op, "query cannot be empty")
}
