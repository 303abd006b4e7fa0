package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/store"
)

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.store.ListQuestions(r.Context(), r.URL.Query().Get("assessment_id"))
	if err != nil {
		h.logger.Error("failed to list questions", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}
	writeJSON(w, http.StatusOK, questions)
}

// handleImportQuestions loads a question file posted as the request body.
// The name query parameter keys the import so unchanged files are skipped.
func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	res, err := h.store.ImportQuestions(r.Context(), name, data)
	if errors.Is(err, store.ErrInvalidImport) {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidInput", err)
		return
	}
	if err != nil {
		h.logger.Error("failed to import questions", "name", name, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ErrPersistence", nil)
		return
	}

	h.logger.Info("imported questions via api", "name", name, "assessment_id", res.AssessmentID,
		"count", res.Imported, "unchanged", res.Unchanged)
	status := http.StatusCreated
	if res.Unchanged {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
