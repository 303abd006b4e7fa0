// Package grader scores one normalized response against a rubric template.
// Model output is validated against a per-template JSON Schema; anything
// the model gets wrong degrades to a fallback result flagged for review.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/marker/internal/llm"
	"github.com/pavelanni/marker/internal/llm/prompts"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/normalize"
	"github.com/pavelanni/marker/internal/observability"
	"github.com/pavelanni/marker/internal/rubric"
)

const (
	DefaultTimeout     = 20 * time.Second
	DefaultTemperature = 0.2
	defaultMaxTokens   = 1000

	FallbackFeedback   = "automated marking unavailable"
	NoResponseFeedback = "No response was given, so no marks can be awarded."
	NoResponseError    = "irrelevant/no response"
)

// Completer sends a prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Option configures a Grader.
type Option func(*Grader)

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(g *Grader) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(g *Grader) { g.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Grader) { g.logger = l }
}

// Grader scores responses. It is safe for concurrent use.
type Grader struct {
	llm         Completer
	timeout     time.Duration
	temperature float32
	logger      *slog.Logger
	schemas     *schemaCache
}

// New creates a Grader backed by the given completer.
func New(c Completer, opts ...Option) *Grader {
	g := &Grader{
		llm:         c,
		timeout:     DefaultTimeout,
		temperature: DefaultTemperature,
		logger:      slog.Default(),
		schemas:     newSchemaCache(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "grader")
	return g
}

// Grade scores a normalized response. It never returns an error: provider
// failures, timeouts and malformed output all produce the fallback result.
func (g *Grader) Grade(ctx context.Context, tmpl *rubric.Template, q model.Question, resp model.NormalizedResponse, lang model.LanguageCode) model.ScoringResult {
	maxMarks, err := tmpl.MarksFor(q.MaxMarks)
	if err != nil {
		g.logger.Warn("rubric does not fit question", "question_id", q.ID, "rubric", tmpl.ID, "error", err)
		return g.fallback(baseResult(q, tmpl, q.MaxMarks), q.Type, "rubric_mismatch")
	}
	base := baseResult(q, tmpl, maxMarks)
	slots := tmpl.Slots(maxMarks)

	if normalize.IsEmpty(resp) {
		observability.GradingResults().WithLabelValues(string(q.Type), "no_response").Inc()
		return noResponse(base, slots)
	}

	if tmpl.Type == model.TypeGapFill {
		if answers, ok := resp.(model.GapAnswers); ok {
			if key := normalize.AnswerKey(q.Data); len(key) == len(slots) {
				observability.GradingResults().WithLabelValues(string(q.Type), "answer_key").Inc()
				return markByKey(base, slots, answers, key)
			}
		}
	}

	prompt, err := prompts.Build(tmpl, q, resp, lang, maxMarks)
	if err != nil {
		g.logger.Error("build prompt", "question_id", q.ID, "rubric", tmpl.ID, "error", err)
		return g.fallback(base, q.Type, "prompt")
	}

	// The call outlives a cancelled caller and ends at the timeout instead.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	maxTokens := tmpl.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	raw, err := g.llm.Complete(callCtx, prompt, llm.Options{
		Temperature: g.temperature,
		MaxTokens:   maxTokens,
		JSON:        true,
	})
	if err != nil {
		reason := "provider"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		g.logger.Warn("model call failed", "question_id", q.ID, "reason", reason, "error", err)
		return g.fallback(base, q.Type, reason)
	}

	rep, err := g.parse(tmpl, slots, raw)
	if err != nil {
		g.logger.Warn("invalid model output", "question_id", q.ID, "rubric", tmpl.ID, "error", err)
		return g.fallback(base, q.Type, "invalid_output")
	}

	result := g.score(base, tmpl, slots, rep)
	observability.GradingResults().WithLabelValues(string(q.Type), "graded").Inc()
	g.logger.Debug("graded", "question_id", q.ID, "score", result.Score, "max", result.MaxScore)
	return result
}

// Fallback is the result recorded when a question cannot be marked
// automatically. tmpl may be nil when no rubric was found.
func Fallback(q model.Question, tmpl *rubric.Template) model.ScoringResult {
	maxMarks := q.MaxMarks
	if tmpl != nil && !tmpl.Variable() && maxMarks == 0 {
		maxMarks = tmpl.MaxMarks
	}
	r := baseResult(q, tmpl, maxMarks)
	r.Feedback = FallbackFeedback
	r.Improvements = []string{"Your teacher will review this answer."}
	r.RequiresManualReview = true
	return r
}

func (g *Grader) fallback(r model.ScoringResult, qt model.QuestionType, reason string) model.ScoringResult {
	observability.GradingResults().WithLabelValues(string(qt), "fallback_"+reason).Inc()
	r.Score, r.Percentage, r.IsCorrect = 0, 0, false
	r.SubScores = nil
	r.Feedback = FallbackFeedback
	r.Improvements = []string{"Your teacher will review this answer."}
	r.RequiresManualReview = true
	return r
}

func baseResult(q model.Question, tmpl *rubric.Template, maxMarks int) model.ScoringResult {
	r := model.ScoringResult{
		QuestionID:     q.ID,
		QuestionNumber: q.Number,
		QuestionType:   q.Type,
		MaxScore:       maxMarks,
		Strengths:      []string{},
		Improvements:   []string{},
		FlaggedErrors:  []string{},
	}
	if tmpl != nil {
		r.RubricID = tmpl.ID
		r.RubricVersion = tmpl.Version
		r.RubricFingerprint = tmpl.Fingerprint()
	}
	return r
}

func noResponse(r model.ScoringResult, slots []rubric.Slot) model.ScoringResult {
	r.SubScores = make(map[string]int, len(slots))
	for _, s := range slots {
		r.SubScores[s.Name] = 0
	}
	r.SetScore(0)
	r.Feedback = NoResponseFeedback
	r.FlaggedErrors = []string{NoResponseError}
	r.Improvements = []string{"Attempt every part of the question."}
	return r
}

func markByKey(r model.ScoringResult, slots []rubric.Slot, answers model.GapAnswers, key []string) model.ScoringResult {
	r.SubScores = make(map[string]int, len(slots))
	total := 0
	for i, s := range slots {
		got := ""
		if i < len(answers.Answers) {
			got = answers.Answers[i]
		}
		if strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(key[i])) {
			r.SubScores[s.Name] = 1
			total++
			continue
		}
		r.SubScores[s.Name] = 0
		if got != "" {
			r.FlaggedErrors = append(r.FlaggedErrors, fmt.Sprintf("%d. %s (expected %s)", i+1, got, key[i]))
		}
	}
	r.SetScore(total)
	r.Feedback = fmt.Sprintf("%d of %d gaps filled correctly.", total, len(slots))
	if total < len(slots) {
		r.Improvements = append(r.Improvements, "Review the grammar behind the gaps you missed.")
	}
	return r
}

// score turns validated model output into a result whose sub-scores obey
// the rubric and sum to the score.
func (g *Grader) score(r model.ScoringResult, tmpl *rubric.Template, slots []rubric.Slot, rep *reply) model.ScoringResult {
	sub := make(map[string]int, len(slots))
	for _, s := range slots {
		sub[s.Name] = min(max(rep.SubScores[s.Name], 0), s.Axis.Max)
	}

	if tmpl.TimeFrameAxis != "" && len(tmpl.TimeFrames) > 0 {
		if ax := tmpl.Axis(tmpl.TimeFrameAxis); ax != nil && sub[ax.Name] == ax.Max {
			for _, tf := range tmpl.TimeFrames {
				if !slices.ContainsFunc(rep.TimeFramesUsed, func(s string) bool { return strings.EqualFold(strings.TrimSpace(s), tf) }) {
					sub[ax.Name] = ax.Max - 1
					break
				}
			}
		}
	}

	for _, s := range slots {
		if link := s.Axis.ZeroWhenZero; link != "" && sub[link] == 0 {
			sub[s.Name] = 0
		}
	}

	total := 0
	for _, v := range sub {
		total += v
	}
	total = min(max(total, 0), r.MaxScore)
	if rep.TotalScore != total {
		g.logger.Info("model total disagrees with sub-scores", "question_id", r.QuestionID, "model_total", rep.TotalScore, "sum", total)
	}

	r.SubScores = sub
	r.SetScore(total)
	r.Feedback = strings.TrimSpace(rep.Feedback)
	r.Strengths = nonEmpty(rep.Strengths)
	r.Improvements = nonEmpty(rep.Improvements)
	r.FlaggedErrors = nonEmpty(rep.GrammarErrors)
	return r
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
