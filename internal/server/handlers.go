package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/learning"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/session"
)

type insertRequest struct {
	ID        string         `json:"id,omitempty"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := req.ID
	var err error
	if id == "" {
		id, err = s.engine.Insert(r.Context(), req.Embedding, req.Metadata)
	} else {
		err = s.engine.InsertWithID(r.Context(), &models.VectorRecord{ID: id, Embedding: req.Embedding, Metadata: req.Metadata})
	}
	if err != nil {
		s.fail(w, "insert", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "inserted"})
}

func (s *Server) handleGetVector(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateVector(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.Update(r.Context(), id, req.Metadata); err != nil {
		s.fail(w, "update", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
}

func (s *Server) handleDeleteVector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete vector request", zap.String("id", id))
	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.fail(w, "delete", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleClearVectors(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Clear(r.Context())
	if err != nil {
		s.fail(w, "clear", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": n, "status": "cleared"})
}

// searchRequest is a vector query. Recorded experiences share the index with user vectors
// and are left out unless asked for.
type searchRequest struct {
	models.SearchRequest
	IncludeExperiences bool `json:"include_experiences,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.IncludeExperiences {
		learning.HideExperiences(&req.SearchRequest)
	}
	s.logger.Debug("search request", zap.Int("k", req.K), zap.String("mode", string(req.Mode)))
	resp, err := s.engine.Search(r.Context(), &req.SearchRequest)
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"engine":          st,
		"active_sessions": s.learning.Sessions().Len(),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.learning.StartSession(r.Context(), req)
	if err != nil {
		s.fail(w, "start session", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.learning.EndSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "end session", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.learning.PauseSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "pause session", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.learning.ResumeSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "resume session", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req learning.RecordRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SessionID = chi.URLParam(r, "id")
	exp, err := s.learning.RecordExperience(r.Context(), &req)
	if err != nil {
		s.fail(w, "record experience", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, exp)
}

type predictRequest struct {
	State   map[string]any `json:"state"`
	Actions []string       `json:"actions"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !s.decode(w, r, &req) {
		return
	}
	pred, err := s.learning.PredictAction(r.Context(), chi.URLParam(r, "id"), req.State, req.Actions)
	if err != nil {
		s.fail(w, "predict", err)
		return
	}
	s.respondJSON(w, http.StatusOK, pred)
}

type trainRequest struct {
	models.TrainOptions
	Async bool `json:"async,omitempty"`
}

// handleTrain waits for the run unless async is set, in which case it answers 202 once the
// run is queued.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.Async {
		task, err := s.learning.SubmitTraining(r.Context(), id, req.TrainOptions)
		if err != nil {
			var res *models.TrainResult
			if task != nil {
				res, _ = task.Wait(r.Context())
			}
			s.failTraining(w, res, err)
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "queued"})
		return
	}
	res, err := s.learning.Train(r.Context(), id, req.TrainOptions)
	if err != nil {
		s.failTraining(w, res, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// failTraining reports a refused run together with the result explaining it.
func (s *Server) failTraining(w http.ResponseWriter, result *models.TrainResult, err error) {
	if result == nil {
		s.fail(w, "train", err)
		return
	}
	s.respondJSON(w, statusFor(err), map[string]any{
		"error":  err.Error(),
		"kind":   dberr.KindOf(err).String(),
		"result": result,
	})
}

type feedbackRequest struct {
	ExperienceID string  `json:"experience_id"`
	Objective    float64 `json:"objective"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	exp, err := s.learning.ProvideFeedback(r.Context(), chi.URLParam(r, "id"), req.ExperienceID, req.Objective)
	if err != nil {
		s.fail(w, "feedback", err)
		return
	}
	s.respondJSON(w, http.StatusOK, exp)
}

type transferRequest struct {
	TargetSessionID string  `json:"target_session_id"`
	Similarity      float64 `json:"similarity"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.learning.TransferLearning(r.Context(), chi.URLParam(r, "id"), req.TargetSessionID, req.Similarity)
	if err != nil {
		s.fail(w, "transfer", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State map[string]any `json:"state"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	exp, err := s.learning.Explain(r.Context(), chi.URLParam(r, "id"), req.State)
	if err != nil {
		s.fail(w, "explain", err)
		return
	}
	s.respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.learning.GetMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "session metrics", err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleSearchExperiences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eq := learning.ExperienceQuery{
		Query:     q.Get("q"),
		SessionID: q.Get("session_id"),
		TaskType:  q.Get("task_type"),
	}
	var err error
	if eq.Limit, err = intParam(q.Get("limit")); err != nil {
		s.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if eq.Fuzziness, err = intParam(q.Get("fuzziness")); err != nil {
		s.respondError(w, http.StatusBadRequest, "fuzziness must be an integer")
		return
	}
	matches, err := s.learning.SearchExperiences(r.Context(), eq)
	if err != nil {
		s.fail(w, "search experiences", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": matches})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps an error kind onto the HTTP status reported to clients.
func statusFor(err error) int {
	if dberr.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	switch dberr.KindOf(err) {
	case dberr.KindInvalidDimension, dberr.KindInvalidArgument, dberr.KindIncompatibleCode:
		return http.StatusBadRequest
	case dberr.KindNotFound:
		return http.StatusNotFound
	case dberr.KindDuplicateID, dberr.KindInvalidState, dberr.KindQuantizationUntrained:
		return http.StatusConflict
	case dberr.KindInsufficientData:
		return http.StatusUnprocessableEntity
	case dberr.KindCapacityExceeded:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(what+" failed", zap.Error(err))
	} else {
		s.logger.Debug(what+" rejected", zap.Error(err))
	}
	if kind := dberr.KindOf(err); kind != dberr.KindUnknown {
		s.respondJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
		return
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
