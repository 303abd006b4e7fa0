package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/marker/internal/cache"
	"github.com/pavelanni/marker/internal/i18n"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/override"
	"github.com/pavelanni/marker/internal/scoring"
	"github.com/pavelanni/marker/internal/store"
)

type scoreRequest struct {
	ID           string                     `json:"id" validate:"omitempty,max=100"`
	AssessmentID string                     `json:"assessment_id" validate:"required,max=100"`
	StudentID    string                     `json:"student_id" validate:"required,max=100"`
	Language     model.LanguageCode         `json:"language" validate:"required,oneof=es fr de"`
	Responses    map[string]json.RawMessage `json:"responses"`
}

func (h *Handler) handleScoreAttempt(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
		return
	}

	questions, err := h.store.ListQuestions(r.Context(), req.AssessmentID)
	if err != nil {
		h.logger.Error("failed to list questions", "assessment_id", req.AssessmentID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	if len(questions) == 0 {
		writeError(w, r, http.StatusNotFound, "ErrNoQuestions", fmt.Errorf("assessment %s", req.AssessmentID))
		return
	}

	ar := h.scorer.ScoreAttempt(r.Context(), scoring.Attempt{
		ID:           req.ID,
		AssessmentID: req.AssessmentID,
		StudentID:    req.StudentID,
		Language:     req.Language,
	}, questions, req.Responses)

	if err := h.store.CreateAttemptResult(r.Context(), &ar); err != nil {
		h.logger.Error("failed to store attempt result", "attempt_id", ar.ID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	if err := h.engine.PropagateSummary(r.Context(), ar); err != nil {
		// The attempt is stored; a reconcile run refreshes the summaries.
		h.logger.Warn("summary propagation incomplete", "attempt_id", ar.ID, "error", err)
	}

	w.Header().Set("Location", "/api/attempts/"+ar.ID)
	writeJSON(w, http.StatusCreated, ar)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	ar, err := h.store.GetAttemptResult(r.Context(), chi.URLParam(r, "attemptID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to load attempt result", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

// handleGetSummary serves the dashboard summary, from the cache when it
// holds one.
func (h *Handler) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attemptID")
	if h.cache != nil {
		sum, err := h.cache.GetSummary(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, sum)
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			h.logger.Warn("failed to read summary cache", "attempt_id", id, "error", err)
		}
	}

	sum, err := h.store.GetSummary(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to load summary", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.History(r.Context(), chi.URLParam(r, "attemptID"), r.URL.Query().Get("question_id"))
	if err != nil {
		h.writeOverrideError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.OverrideRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type partialBody struct {
	errorBody
	Result         model.AttemptResult `json:"result"`
	AuditWritten   bool                `json:"audit_written"`
	SummariesOK    []string            `json:"summaries_written"`
	SummariesError []string            `json:"summaries_failed"`
}

func partialResult(r *http.Request, ar model.AttemptResult, perr *override.PersistenceError) partialBody {
	body := partialBody{
		errorBody:    errorBody{Error: i18n.T(r.Context(), "ErrPartialPersistence"), Detail: perr.Error()},
		Result:       ar,
		AuditWritten: perr.Audit == nil,
		SummariesOK:  perr.Written,
	}
	for name := range perr.Summaries {
		body.SummariesError = append(body.SummariesError, name)
	}
	slices.Sort(body.SummariesError)
	return body
}

func (h *Handler) handleApplyOverride(w http.ResponseWriter, r *http.Request) {
	var req override.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
		return
	}
	req.AttemptResultID = chi.URLParam(r, "attemptID")

	ar, err := h.engine.ApplyOverride(r.Context(), req)
	var perr *override.PersistenceError
	if errors.As(err, &perr) && perr.Partial() {
		writeJSON(w, http.StatusMultiStatus, partialResult(r, ar, perr))
		return
	}
	if err != nil {
		h.writeOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ar, err := h.engine.Reconcile(r.Context(), chi.URLParam(r, "attemptID"))
	var perr *override.PersistenceError
	if errors.As(err, &perr) && perr.Partial() {
		writeJSON(w, http.StatusMultiStatus, partialResult(r, ar, perr))
		return
	}
	if err != nil {
		h.writeOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, []cache.Ranked{})
		return
	}
	n := int64(10)
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", fmt.Errorf("n must be between 1 and 100"))
			return
		}
		n = parsed
	}
	top, err := h.cache.TopAttempts(r.Context(), chi.URLParam(r, "assessmentID"), n)
	if err != nil {
		h.logger.Error("failed to read leaderboard", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (h *Handler) writeOverrideError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, override.ErrInvalidScore):
		writeError(w, r, http.StatusBadRequest, "ErrInvalidScore", err)
	case errors.Is(err, override.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
	case errors.Is(err, override.ErrAttemptNotFound):
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound", nil)
	case errors.Is(err, override.ErrQuestionNotFound):
		writeError(w, r, http.StatusNotFound, "ErrQuestionNotFound", nil)
	default:
		h.logger.Error("override failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
	}
}
