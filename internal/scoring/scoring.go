// Package scoring grades every question of an attempt and aggregates the
// results. It performs no persistence.
package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/marker/internal/grader"
	"github.com/pavelanni/marker/internal/i18n"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/normalize"
	"github.com/pavelanni/marker/internal/observability"
	"github.com/pavelanni/marker/internal/rubric"
)

// DefaultWorkers bounds concurrent grading calls per attempt.
const DefaultWorkers = 4

// Grader scores a single normalized response.
type Grader interface {
	Grade(ctx context.Context, tmpl *rubric.Template, q model.Question, resp model.NormalizedResponse, lang model.LanguageCode) model.ScoringResult
}

// Attempt identifies the attempt being scored.
type Attempt struct {
	ID           string             `json:"id,omitempty"`
	AssessmentID string             `json:"assessment_id"`
	StudentID    string             `json:"student_id"`
	Language     model.LanguageCode `json:"language"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the grading pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator scores whole attempts.
type Orchestrator struct {
	catalog *rubric.Catalog
	grader  Grader
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Orchestrator.
func New(catalog *rubric.Catalog, g Grader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog: catalog,
		grader:  g,
		workers: DefaultWorkers,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "scoring")
	return o
}

// ScoreAttempt grades every question and returns the aggregated result.
// responses maps question IDs to raw response payloads; a missing entry is
// scored as no response. Per-question failures never fail the attempt.
func (o *Orchestrator) ScoreAttempt(ctx context.Context, at Attempt, questions []model.Question, responses map[string]json.RawMessage) model.AttemptResult {
	start := time.Now()
	qs := slices.Clone(questions)
	slices.SortStableFunc(qs, func(a, b model.Question) int { return a.Number - b.Number })

	results := make([]model.ScoringResult, len(qs))
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, q := range qs {
		i, q := i, q
		g.Go(func() error {
			results[i] = o.scoreQuestion(ctx, at.Language, q, responses[q.ID])
			return nil
		})
	}
	_ = g.Wait()

	now := o.now().UTC()
	id := at.ID
	if id == "" {
		id = uuid.NewString()
	}
	ar := model.AttemptResult{
		ID:              id,
		AssessmentID:    at.AssessmentID,
		StudentID:       at.StudentID,
		Language:        at.Language,
		QuestionResults: results,
		CompletedAt:     now,
		UpdatedAt:       now,
	}
	Finalize(ctx, &ar)

	observability.AttemptScoring().Observe(time.Since(start).Seconds())
	o.logger.Info("attempt scored",
		"attempt_id", ar.ID,
		"questions", len(results),
		"total", ar.TotalScore,
		"max", ar.MaxScore,
		"percentage", ar.Percentage,
	)
	return ar
}

func (o *Orchestrator) scoreQuestion(ctx context.Context, lang model.LanguageCode, q model.Question, raw json.RawMessage) model.ScoringResult {
	tmpl, err := o.catalog.ForQuestion(q)
	if err != nil {
		o.logger.Warn("no rubric for question", "question_id", q.ID, "type", q.Type, "max_marks", q.MaxMarks, "error", err)
		observability.GradingResults().WithLabelValues(string(q.Type), "fallback_no_rubric").Inc()
		return grader.Fallback(q, nil)
	}
	resp := normalize.Normalize(q.Type, raw, normalize.WithQuestionData(q.Data))
	r := o.grader.Grade(ctx, tmpl, q, resp, lang)
	o.logger.Debug("question scored",
		"question_id", q.ID,
		"number", q.Number,
		"score", r.Score,
		"max", r.MaxScore,
		"manual_review", r.RequiresManualReview,
	)
	return r
}

// Finalize resums the attempt from its question results and refreshes the
// band and summary text. Every change to question scores goes through it.
// The summary is written in the bundle's default language whatever locale
// the caller's context carries.
func Finalize(ctx context.Context, ar *model.AttemptResult) {
	ar.Recompute()
	ar.Band = BandFor(ar.Percentage)
	ar.Summary = Summary(i18n.WithLocalizer(ctx, i18n.NewLocalizer()), *ar)
}

// BandFor maps a percentage to its achievement band.
func BandFor(percentage int) model.Band {
	switch {
	case percentage >= 80:
		return model.BandExcellent
	case percentage >= 60:
		return model.BandGood
	case percentage >= 40:
		return model.BandProgressing
	default:
		return model.BandNeedsPractice
	}
}

var bandMessages = map[model.Band]string{
	model.BandExcellent:     "BandExcellent",
	model.BandGood:          "BandGood",
	model.BandProgressing:   "BandProgressing",
	model.BandNeedsPractice: "BandNeedsPractice",
}

// Summary renders the overall feedback for an attempt in the context's
// locale.
func Summary(ctx context.Context, ar model.AttemptResult) string {
	s := i18n.Td(ctx, "ScoreSummary", map[string]any{
		"Total":      ar.TotalScore,
		"Max":        ar.MaxScore,
		"Percentage": ar.Percentage,
	})
	s += " " + i18n.T(ctx, bandMessages[BandFor(ar.Percentage)])

	pending := 0
	for _, r := range ar.QuestionResults {
		if r.RequiresManualReview {
			pending++
		}
	}
	if pending > 0 {
		s += " " + i18n.Tp(ctx, "ManualReviewPending", pending)
	}
	return s
}
