package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/marker/internal/cache"
	"github.com/pavelanni/marker/internal/i18n"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/override"
	"github.com/pavelanni/marker/internal/rubric"
	"github.com/pavelanni/marker/internal/scoring"
	"github.com/pavelanni/marker/internal/store"
)

const maxBodyBytes = 1 << 20

// Store is the persistence the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	ListQuestions(ctx context.Context, assessmentID string) ([]model.Question, error)
	ImportQuestions(ctx context.Context, name string, data []byte) (store.ImportResult, error)
	CreateAttemptResult(ctx context.Context, ar *model.AttemptResult) error
	GetAttemptResult(ctx context.Context, id string) (model.AttemptResult, error)
	GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error)
}

// Deps are the collaborators a Handler is built from. Cache is optional.
type Deps struct {
	Store     Store
	Catalog   *rubric.Catalog
	Scorer    *scoring.Orchestrator
	Overrides *override.Engine
	Cache     *cache.SummaryCache
	Validator *validator.Validate
	Logger    *slog.Logger
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    Store
	catalog  *rubric.Catalog
	scorer   *scoring.Orchestrator
	engine   *override.Engine
	cache    *cache.SummaryCache
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a new Handler.
func New(d Deps) (*Handler, error) {
	if d.Store == nil || d.Catalog == nil || d.Scorer == nil || d.Overrides == nil {
		return nil, errors.New("handler: store, catalog, scorer and override engine are required")
	}
	h := &Handler{
		store:    d.Store,
		catalog:  d.Catalog,
		scorer:   d.Scorer,
		engine:   d.Overrides,
		cache:    d.Cache,
		validate: d.Validator,
		logger:   d.Logger,
	}
	if h.validate == nil {
		h.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "http")
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/rubrics", h.handleListRubrics)
		r.Get("/questions", h.handleListQuestions)
		r.Post("/questions", h.handleImportQuestions)

		r.Post("/attempts", h.handleScoreAttempt)
		r.Get("/attempts/{attemptID}", h.handleGetAttempt)
		r.Get("/attempts/{attemptID}/summary", h.handleGetSummary)
		r.Get("/attempts/{attemptID}/overrides", h.handleListOverrides)
		r.Post("/attempts/{attemptID}/overrides", h.handleApplyOverride)
		r.Post("/attempts/{attemptID}/reconcile", h.handleReconcile)

		r.Get("/assessments/{assessmentID}/leaderboard", h.handleLeaderboard)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rubricView struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Version     string             `json:"version"`
	Fingerprint string             `json:"fingerprint"`
	Type        model.QuestionType `json:"type"`
	MaxMarks    int                `json:"max_marks"`
	SubScores   []string           `json:"sub_scores"`
}

func (h *Handler) handleListRubrics(w http.ResponseWriter, r *http.Request) {
	all := h.catalog.All()
	out := make([]rubricView, 0, len(all))
	for _, t := range all {
		out = append(out, rubricView{
			ID:          t.ID,
			Title:       t.Title,
			Version:     t.Version,
			Fingerprint: t.Fingerprint(),
			Type:        t.Type,
			MaxMarks:    t.MaxMarks,
			SubScores:   t.SubScoreNames(t.MaxMarks),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError responds with a localized message and the underlying detail.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, err error) {
	body := errorBody{Error: i18n.T(r.Context(), msgID)}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
