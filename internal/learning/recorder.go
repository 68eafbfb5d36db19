package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/embedding"
	"github.com/hyperjump/agentdb/internal/keyword"
	"github.com/hyperjump/agentdb/internal/metrics"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/reward"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/session"
	"github.com/hyperjump/agentdb/internal/storage"
	"github.com/hyperjump/agentdb/pkg/utils"
)

// Metadata keys of experience vectors in the engine.
const (
	MetaKind       = "kind"
	MetaSession    = "session_id"
	MetaAction     = "action"
	MetaTaskType   = "task_type"
	MetaVerdict    = "verdict"
	MetaReward     = "reward"
	KindExperience = "experience"

	maxContentLen = 2000
)

// HideExperiences keeps experience vectors out of the results of req, unless its filter
// already selects by kind.
func HideExperiences(req *models.SearchRequest) {
	if _, ok := req.Filter[MetaKind]; ok {
		return
	}
	if req.Exclude == nil {
		req.Exclude = make(map[string]any, 1)
	}
	req.Exclude[MetaKind] = KindExperience
}

// RecordRequest describes one tool execution.
type RecordRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args,omitempty"`
	Result    any            `json:"result,omitempty"`
	Outcome   models.Outcome `json:"outcome"`
	// TaskType defaults to Context["task_type"], then to the session type.
	TaskType string `json:"task_type,omitempty"`
	// Context is the observation the tool was chosen from. When nil, Args is used.
	Context     map[string]any `json:"context,omitempty"`
	NextContext map[string]any `json:"next_context,omitempty"`
	Done        bool           `json:"done,omitempty"`
}

// Recorder turns tool executions into experiences and persists them everywhere they are
// recalled from.
type Recorder struct {
	embedder  embedding.Embedder
	estimator *reward.Estimator
	store     storage.LearningStore
	engine    *search.Engine
	keywords  keyword.KeywordIndex
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Record builds the experience for req and persists it. Failures of the vector engine, the
// store or the buffer are returned and leave nothing behind; the keyword index is best-effort.
func (r *Recorder) Record(ctx context.Context, rt *session.Runtime, req *RecordRequest) (*models.Experience, error) {
	const op = "learning.record"
	if req.ToolName == "" {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "tool name cannot be empty")
	}
	sess := rt.Session()
	stateCtx := req.Context
	if stateCtx == nil {
		stateCtx = req.Args
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = taskTypeOf(stateCtx, sess.SessionType)
	}

	state, err := r.embedState(ctx, taskType, stateCtx)
	if err != nil {
		return nil, err
	}
	exp := &models.Experience{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		TaskType:  taskType,
		ToolName:  req.ToolName,
		State:     models.State{Embedding: state, Context: stateCtx},
		Action:    req.ToolName,
		Done:      req.Done,
		Timestamp: time.Now().UTC(),
	}
	if req.NextContext != nil {
		next, err := r.embedState(ctx, taskTypeOf(req.NextContext, taskType), req.NextContext)
		if err != nil {
			return nil, err
		}
		exp.NextState = &models.State{Embedding: next, Context: req.NextContext}
	}
	exp.Breakdown = r.estimator.Estimate(req.Outcome, req.Result)
	exp.Reward = exp.Breakdown.Scalar()

	verdict := models.VerdictFor(req.Outcome)
	if err := r.persist(ctx, rt, exp, verdict); err != nil {
		return nil, err
	}
	r.estimator.Observe(req.Outcome)
	r.indexText(ctx, exp, verdict, req)
	r.metrics.Experience(string(verdict))
	r.logger.Debug("experience recorded",
		zap.String("session_id", exp.SessionID),
		zap.String("experience_id", exp.ID),
		zap.String("action", exp.Action),
		zap.String("verdict", string(verdict)),
		zap.Float64("reward", exp.Reward))
	return exp, nil
}

// persist writes exp to the vector engine, the experiences table and the session buffer, in
// that order. A failing step undoes the earlier ones so the experience is recorded everywhere
// or nowhere.
func (r *Recorder) persist(ctx context.Context, rt *session.Runtime, exp *models.Experience, verdict models.Verdict) error {
	rec := &models.VectorRecord{ID: exp.ID, Embedding: exp.State.Embedding, Metadata: experienceMeta(exp, verdict)}
	if err := r.engine.InsertWithID(ctx, rec); err != nil {
		return err
	}
	undo := context.WithoutCancel(ctx)
	if err := r.store.SaveExperience(ctx, exp); err != nil {
		r.rollback(undo, exp.ID, false)
		return err
	}
	if _, err := rt.Buffer().Add(exp); err != nil {
		r.rollback(undo, exp.ID, true)
		return err
	}
	return nil
}

func (r *Recorder) rollback(ctx context.Context, id string, stored bool) {
	if err := r.engine.Delete(ctx, id); err != nil {
		r.logger.Error("failed to roll back experience vector", zap.String("experience_id", id), zap.Error(err))
	}
	if !stored {
		return
	}
	if err := r.store.DeleteExperience(ctx, id); err != nil {
		r.logger.Error("failed to roll back experience", zap.String("experience_id", id), zap.Error(err))
	}
}

// indexText adds exp to the keyword index. It is a secondary index rebuilt on restore, so
// failures are logged.
func (r *Recorder) indexText(ctx context.Context, exp *models.Experience, verdict models.Verdict, req *RecordRequest) {
	if r.keywords == nil {
		return
	}
	doc := experienceDoc(exp, verdict, contentOf(exp, req))
	if err := r.keywords.Index(ctx, doc); err != nil {
		r.logger.Warn("failed to index experience text", zap.String("experience_id", exp.ID), zap.Error(err))
	}
}

// Reindex rebuilds the keyword documents of every stored experience. Documents built this way
// carry only the state text, since tool args and results are not persisted.
func (r *Recorder) Reindex(ctx context.Context) (int, error) {
	if r.keywords == nil {
		return 0, nil
	}
	exps, err := r.store.ListExperiences(ctx, "")
	if err != nil {
		return 0, err
	}
	for i, exp := range exps {
		verdict := models.VerdictFailure
		if exp.Breakdown.Success >= 1 {
			verdict = models.VerdictSuccess
		}
		doc := experienceDoc(exp, verdict, stateText(exp.TaskType, exp.State.Context))
		if err := r.keywords.Index(ctx, doc); err != nil {
			return i, fmt.Errorf("reindex %s: %w", exp.ID, err)
		}
	}
	return len(exps), nil
}

func experienceDoc(exp *models.Experience, verdict models.Verdict, content string) *keyword.ExperienceDoc {
	return &keyword.ExperienceDoc{
		ID:        exp.ID,
		SessionID: exp.SessionID,
		TaskType:  exp.TaskType,
		ToolName:  exp.ToolName,
		Action:    exp.Action,
		Content:   utils.Truncate(content, maxContentLen),
		Verdict:   string(verdict),
		Reward:    exp.Reward,
		Timestamp: exp.Timestamp,
	}
}

func (r *Recorder) embedState(ctx context.Context, taskType string, stateCtx map[string]any) ([]float32, error) {
	v, err := r.embedder.Embed(ctx, stateText(taskType, stateCtx))
	if err != nil {
		return nil, fmt.Errorf("embed state: %w", err)
	}
	return v, nil
}

func experienceMeta(exp *models.Experience, verdict models.Verdict) map[string]any {
	return map[string]any{
		MetaKind:     KindExperience,
		MetaSession:  exp.SessionID,
		MetaAction:   exp.Action,
		MetaTaskType: exp.TaskType,
		MetaVerdict:  string(verdict),
		MetaReward:   exp.Reward,
	}
}

// stateText renders a state deterministically: task type, then sorted key=value pairs.
func stateText(taskType string, stateCtx map[string]any) string {
	keys := make([]string, 0, len(stateCtx))
	for k := range stateCtx {
		if k != "task_type" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString(taskType)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(renderValue(stateCtx[k]))
	}
	return b.String()
}

func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func taskTypeOf(stateCtx map[string]any, fallback string) string {
	if t, ok := stateCtx["task_type"].(string); ok && t != "" {
		return t
	}
	return fallback
}

func contentOf(exp *models.Experience, req *RecordRequest) string {
	parts := []string{stateText(exp.TaskType, exp.State.Context)}
	if req.Context != nil && len(req.Args) > 0 {
		parts = append(parts, stateText("", req.Args))
	}
	if req.Result != nil {
		parts = append(parts, renderValue(req.Result))
	}
	if req.Outcome.Error != "" {
		parts = append(parts, req.Outcome.Error)
	}
	return strings.Join(parts, " ")
}

// RecordExperience captures one tool execution for an active session.
func (m *Manager) RecordExperience(ctx context.Context, req *RecordRequest) (*models.Experience, error) {
	rt, err := m.active(ctx, "learning.record", req.SessionID)
	if err != nil {
		return nil, err
	}
	return m.recorder.Record(ctx, rt, req)
}

// ProvideFeedback blends an objective score in [0,1] into an experience's reward.
func (m *Manager) ProvideFeedback(ctx context.Context, sessionID, experienceID string, objective float64) (*models.Experience, error) {
	const op = "learning.feedback"
	rt, err := m.active(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if objective < 0 || objective > 1 {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "feedback must be in [0,1], got %v", objective)
	}
	exp, ok := rt.Buffer().Get(experienceID)
	if !ok {
		if exp, err = m.store.GetExperience(ctx, experienceID); err != nil {
			return nil, err
		}
	}
	if exp.SessionID != sessionID {
		return nil, dberr.Errorf(dberr.KindNotFound, op, "experience %s in session %s", experienceID, sessionID)
	}

	exp.Breakdown = reward.WithObjective(exp.Breakdown, objective)
	exp.Reward = exp.Breakdown.Scalar()
	if err := m.store.UpdateExperienceReward(ctx, exp.ID, exp.Reward, exp.Breakdown); err != nil {
		return nil, err
	}
	if err := rt.Buffer().UpdateReward(exp.ID, exp.Reward, exp.Breakdown); err != nil && dberr.KindOf(err) != dberr.KindNotFound {
		return nil, err
	}
	if rec, err := m.engine.Get(ctx, exp.ID); err == nil {
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[MetaReward] = exp.Reward
		if err := m.engine.Update(ctx, exp.ID, meta); err != nil {
			m.logger.Warn("failed to update experience vector", zap.String("experience_id", exp.ID), zap.Error(err))
		}
	}
	m.logger.Info("feedback applied",
		zap.String("session_id", sessionID),
		zap.String("experience_id", exp.ID),
		zap.Float64("objective", objective),
		zap.Float64("reward", exp.Reward))
	return exp, nil
}
