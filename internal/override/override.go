// Package override applies teacher overrides to marked attempts and keeps
// the derived summary records in step with the primary result.
package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/observability"
	"github.com/pavelanni/marker/internal/scoring"
	"github.com/pavelanni/marker/internal/store"
)

// DefaultMaxRetries bounds re-reads after a version conflict.
const DefaultMaxRetries = 3

var (
	ErrAttemptNotFound  = errors.New("attempt result not found")
	ErrQuestionNotFound = errors.New("question not found in attempt result")
	ErrInvalidInput     = errors.New("invalid override input")
	ErrInvalidScore     = fmt.Errorf("%w: score out of range", ErrInvalidInput)
	ErrPersistence      = errors.New("override persistence failed")
)

var tracer = otel.Tracer("github.com/pavelanni/marker/internal/override")

// Store is the primary record store the engine reads and writes.
type Store interface {
	GetAttemptResult(ctx context.Context, id string) (model.AttemptResult, error)
	PutAttemptResult(ctx context.Context, ar *model.AttemptResult) error
	PutQuestionOverride(ctx context.Context, rec *model.OverrideRecord) error
	ListOverrides(ctx context.Context, attemptID, questionID string) ([]model.OverrideRecord, error)
}

// SummaryWriter receives the denormalized summary of an attempt.
type SummaryWriter interface {
	PutDenormalizedSummary(ctx context.Context, sum model.AttemptSummary) error
}

// Sink is a named summary target.
type Sink struct {
	Name   string
	Writer SummaryWriter
}

// Request is a teacher override of one question. Exactly one of NewScore
// and MarkCorrect must be set.
type Request struct {
	AttemptResultID string `json:"attempt_result_id" validate:"required"`
	QuestionID      string `json:"question_id" validate:"required"`
	NewScore        *int   `json:"new_score,omitempty" validate:"required_without=MarkCorrect,excluded_with=MarkCorrect"`
	MarkCorrect     *bool  `json:"mark_correct,omitempty" validate:"required_without=NewScore,excluded_with=NewScore"`
	Reason          string `json:"reason" validate:"required,max=2000"`
	Actor           string `json:"actor" validate:"required,max=200"`
}

// PersistenceError reports which writes of an override succeeded.
type PersistenceError struct {
	// Primary is the error writing the attempt result, nil if it was
	// written or did not need writing.
	Primary error
	// PrimaryWritten is true when the attempt result reflects the override.
	PrimaryWritten bool
	Audit          error
	// Summaries maps failed sink names to their errors.
	Summaries map[string]error
	// Written lists the sinks that were updated.
	Written []string
}

func (e *PersistenceError) Error() string {
	var parts []string
	if e.Primary != nil {
		parts = append(parts, "primary: "+e.Primary.Error())
	}
	if e.Audit != nil {
		parts = append(parts, "audit: "+e.Audit.Error())
	}
	for name, err := range e.Summaries {
		parts = append(parts, "summary "+name+": "+err.Error())
	}
	kind := "total"
	if e.Partial() {
		kind = "partial"
	}
	return fmt.Sprintf("%s %s failure (%s)", ErrPersistence, kind, strings.Join(parts, "; "))
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() []error {
	var errs []error
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Audit != nil {
		errs = append(errs, e.Audit)
	}
	for _, err := range e.Summaries {
		errs = append(errs, err)
	}
	return errs
}

// Partial reports whether the primary record was written and only
// secondary writes failed.
func (e *PersistenceError) Partial() bool {
	return e.PrimaryWritten
}

// Option configures an Engine.
type Option func(*Engine)

// WithSinks sets the summary targets refreshed after each override.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithValidator shares a validator instance.
func WithValidator(v *validator.Validate) Option {
	return func(e *Engine) { e.validate = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxRetries sets how many times a conflicting write is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// Engine applies overrides.
type Engine struct {
	store      Store
	sinks      []Sink
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
}

// New creates an Engine over the primary store.
func New(st Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		logger:     slog.Default(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validate == nil {
		e.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	e.logger = e.logger.With("component", "override")
	return e
}

// ApplyOverride replaces one question's score, resums the attempt, writes it
// back under optimistic concurrency, appends the audit record and refreshes
// every summary sink. Repeating an override already in place changes nothing
// but still refreshes the sinks.
func (e *Engine) ApplyOverride(ctx context.Context, req Request) (model.AttemptResult, error) {
	ctx, span := tracer.Start(ctx, "override.Apply", trace.WithAttributes(
		attribute.String("attempt_result_id", req.AttemptResultID),
		attribute.String("question_id", req.QuestionID),
	))
	defer span.End()

	ar, err := e.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ar, err
}

func (e *Engine) apply(ctx context.Context, req Request) (model.AttemptResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	req.Actor = strings.TrimSpace(req.Actor)
	if err := e.validate.Struct(req); err != nil {
		observability.Overrides().WithLabelValues("rejected").Inc()
		return model.AttemptResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var (
		ar      model.AttemptResult
		rec     model.OverrideRecord
		changed bool
	)
	for attempt := 1; ; attempt++ {
		cur, err := e.store.GetAttemptResult(ctx, req.AttemptResultID)
		if errors.Is(err, store.ErrNotFound) {
			observability.Overrides().WithLabelValues("not_found").Inc()
			return model.AttemptResult{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, req.AttemptResultID)
		}
		if err != nil {
			observability.Overrides().WithLabelValues("persistence_error").Inc()
			return model.AttemptResult{}, &PersistenceError{Primary: fmt.Errorf("load attempt result: %w", err)}
		}

		next, r, ok, err := applyTo(ctx, cur, req, e.now().UTC())
		if err != nil {
			if errors.Is(err, ErrQuestionNotFound) {
				observability.Overrides().WithLabelValues("not_found").Inc()
			} else {
				observability.Overrides().WithLabelValues("rejected").Inc()
			}
			return cur, err
		}
		if !ok {
			ar = cur
			break
		}

		err = e.store.PutAttemptResult(ctx, &next)
		if err == nil {
			ar, rec, changed = next, r, true
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < e.maxRetries {
			observability.Overrides().WithLabelValues("conflict_retry").Inc()
			e.logger.Warn("override lost a write race, retrying",
				"attempt_result_id", req.AttemptResultID, "try", attempt)
			continue
		}
		observability.Overrides().WithLabelValues("persistence_error").Inc()
		return cur, &PersistenceError{Primary: fmt.Errorf("write attempt result: %w", err)}
	}

	perr := &PersistenceError{PrimaryWritten: true}
	if changed {
		if err := e.store.PutQuestionOverride(ctx, &rec); err != nil {
			perr.Audit = fmt.Errorf("append override record: %w", err)
			e.logger.Error("override audit append failed",
				"attempt_result_id", ar.ID, "question_id", req.QuestionID, "error", err)
		}
	} else {
		e.repairAudit(ctx, ar, req.QuestionID, perr)
	}
	e.propagate(ctx, ar, perr)

	outcome := "applied"
	if !changed {
		outcome = "idempotent"
	}
	if perr.Audit != nil || len(perr.Summaries) > 0 {
		observability.Overrides().WithLabelValues("partial").Inc()
		return ar, perr
	}
	observability.Overrides().WithLabelValues(outcome).Inc()
	e.logger.Info("override applied",
		"attempt_result_id", ar.ID,
		"question_id", req.QuestionID,
		"actor", req.Actor,
		"changed", changed,
		"total", ar.TotalScore,
		"percentage", ar.Percentage,
	)
	return ar, nil
}

// applyTo returns the attempt with the override applied and its audit
// record. ok is false when the override is already in place.
func applyTo(ctx context.Context, ar model.AttemptResult, req Request, now time.Time) (next model.AttemptResult, rec model.OverrideRecord, ok bool, err error) {
	i := ar.IndexOf(req.QuestionID)
	if i < 0 {
		return ar, rec, false, fmt.Errorf("%w: %s", ErrQuestionNotFound, req.QuestionID)
	}
	cur := ar.QuestionResults[i]

	score := 0
	switch {
	case req.NewScore != nil:
		score = *req.NewScore
	case req.MarkCorrect != nil && *req.MarkCorrect:
		score = cur.MaxScore
	}
	if score < 0 || score > cur.MaxScore {
		return ar, rec, false, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidScore, score, cur.MaxScore)
	}
	if cur.Overridden() && cur.Score == score && cur.OverrideReason == req.Reason {
		return ar, rec, false, nil
	}

	next = ar.Clone()
	qr := &next.QuestionResults[i]
	if qr.OriginalScore == nil {
		original := qr.Score
		qr.OriginalScore = &original
		qr.AutomatedSubScores = qr.SubScores
	}
	qr.SubScores = nil
	qr.SetScore(score)
	qr.OverriddenBy = req.Actor
	qr.OverriddenAt = &now
	qr.OverrideReason = req.Reason
	qr.RequiresManualReview = false

	next.UpdatedAt = now
	scoring.Finalize(ctx, &next)

	rec = model.OverrideRecord{
		AttemptResultID: ar.ID,
		QuestionID:      req.QuestionID,
		OriginalScore:   *qr.OriginalScore,
		PreviousScore:   cur.Score,
		OverriddenScore: score,
		OverriddenBy:    req.Actor,
		OverriddenAt:    now,
		Reason:          req.Reason,
	}
	return next, rec, true, nil
}

// repairAudit appends the record of the override in place on questionID
// when the last audit append for it was lost.
func (e *Engine) repairAudit(ctx context.Context, ar model.AttemptResult, questionID string, perr *PersistenceError) {
	recs, err := e.store.ListOverrides(ctx, ar.ID, questionID)
	if err != nil {
		perr.Audit = fmt.Errorf("list override records: %w", err)
		e.logger.Error("override audit check failed",
			"attempt_result_id", ar.ID, "question_id", questionID, "error", err)
		return
	}
	rec, missing := missingRecord(ar, questionID, recs)
	if !missing {
		return
	}
	if err := e.store.PutQuestionOverride(ctx, &rec); err != nil {
		perr.Audit = fmt.Errorf("append override record: %w", err)
		e.logger.Error("override audit append failed",
			"attempt_result_id", ar.ID, "question_id", questionID, "error", err)
		return
	}
	e.logger.Info("restored missing override record",
		"attempt_result_id", ar.ID, "question_id", questionID, "score", rec.OverriddenScore)
}

// missingRecord rebuilds the audit record of the override in place on
// questionID. missing is false when recs already ends with it.
func missingRecord(ar model.AttemptResult, questionID string, recs []model.OverrideRecord) (rec model.OverrideRecord, missing bool) {
	i := ar.IndexOf(questionID)
	if i < 0 {
		return rec, false
	}
	qr := ar.QuestionResults[i]
	if !qr.Overridden() || qr.OverriddenAt == nil {
		return rec, false
	}
	previous := *qr.OriginalScore
	if n := len(recs); n > 0 {
		last := recs[n-1]
		if last.OverriddenScore == qr.Score && last.Reason == qr.OverrideReason &&
			last.OverriddenBy == qr.OverriddenBy && last.OverriddenAt.Equal(*qr.OverriddenAt) {
			return rec, false
		}
		previous = last.OverriddenScore
	}
	return model.OverrideRecord{
		AttemptResultID: ar.ID,
		QuestionID:      questionID,
		OriginalScore:   *qr.OriginalScore,
		PreviousScore:   previous,
		OverriddenScore: qr.Score,
		OverriddenBy:    qr.OverriddenBy,
		OverriddenAt:    *qr.OverriddenAt,
		Reason:          qr.OverrideReason,
	}, true
}

// propagate writes the attempt summary to every sink, recording failures
// in perr.
func (e *Engine) propagate(ctx context.Context, ar model.AttemptResult, perr *PersistenceError) {
	sum := ar.Summarize(e.now().UTC())
	for _, s := range e.sinks {
		if err := s.Writer.PutDenormalizedSummary(ctx, sum); err != nil {
			if perr.Summaries == nil {
				perr.Summaries = make(map[string]error)
			}
			perr.Summaries[s.Name] = err
			observability.SummarySinkErrors().WithLabelValues(s.Name).Inc()
			e.logger.Error("summary propagation failed",
				"attempt_result_id", ar.ID, "sink", s.Name, "error", err)
			continue
		}
		perr.Written = append(perr.Written, s.Name)
	}
}

// PropagateSummary refreshes every sink from the attempt as it is now.
func (e *Engine) PropagateSummary(ctx context.Context, ar model.AttemptResult) error {
	perr := &PersistenceError{PrimaryWritten: true}
	e.propagate(ctx, ar, perr)
	if len(perr.Summaries) > 0 {
		return perr
	}
	return nil
}

// Reconcile resums an attempt from its question results, rewrites it if the
// stored aggregate drifted, restores lost audit records and refreshes every
// summary sink.
func (e *Engine) Reconcile(ctx context.Context, attemptID string) (model.AttemptResult, error) {
	ctx, span := tracer.Start(ctx, "override.Reconcile", trace.WithAttributes(
		attribute.String("attempt_result_id", attemptID),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		cur, err := e.store.GetAttemptResult(ctx, attemptID)
		if errors.Is(err, store.ErrNotFound) {
			return model.AttemptResult{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
		}
		if err != nil {
			return model.AttemptResult{}, &PersistenceError{Primary: fmt.Errorf("load attempt result: %w", err)}
		}

		next := cur.Clone()
		scoring.Finalize(ctx, &next)
		if cur.Consistent() && next.Band == cur.Band {
			if err := e.refresh(ctx, cur); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return cur, err
			}
			return cur, nil
		}

		e.logger.Warn("attempt aggregate drifted, repairing",
			"attempt_result_id", attemptID,
			"stored_total", cur.TotalScore,
			"total", next.TotalScore,
		)
		next.UpdatedAt = e.now().UTC()
		err = e.store.PutAttemptResult(ctx, &next)
		if errors.Is(err, store.ErrConflict) && attempt < e.maxRetries {
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return cur, &PersistenceError{Primary: fmt.Errorf("write attempt result: %w", err)}
		}
		if err := e.refresh(ctx, next); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return next, err
		}
		return next, nil
	}
}

// refresh restores lost audit records of every overridden question and
// rewrites the summaries.
func (e *Engine) refresh(ctx context.Context, ar model.AttemptResult) error {
	perr := &PersistenceError{PrimaryWritten: true}
	for _, qr := range ar.QuestionResults {
		if qr.Overridden() {
			e.repairAudit(ctx, ar, qr.QuestionID, perr)
		}
	}
	e.propagate(ctx, ar, perr)
	if perr.Audit != nil || len(perr.Summaries) > 0 {
		return perr
	}
	return nil
}

// History lists the override records of an attempt, optionally narrowed
// to one question, oldest first.
func (e *Engine) History(ctx context.Context, attemptID, questionID string) ([]model.OverrideRecord, error) {
	if _, err := e.store.GetAttemptResult(ctx, attemptID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
		}
		return nil, err
	}
	recs, err := e.store.ListOverrides(ctx, attemptID, questionID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	return recs, nil
}
