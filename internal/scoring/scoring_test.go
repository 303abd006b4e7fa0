package scoring

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/marker/internal/i18n"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/normalize"
	"github.com/pavelanni/marker/internal/rubric"
)

// stubGrader awards a fixed score per question ID and records what it saw.
type stubGrader struct {
	mu       sync.Mutex
	scores   map[string]int
	seen     map[string]model.NormalizedResponse
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *stubGrader) Grade(ctx context.Context, tmpl *rubric.Template, q model.Question, resp model.NormalizedResponse, lang model.LanguageCode) model.ScoringResult {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	if s.seen == nil {
		s.seen = make(map[string]model.NormalizedResponse)
	}
	s.seen[q.ID] = resp
	score := s.scores[q.ID]
	s.mu.Unlock()

	maxMarks, _ := tmpl.MarksFor(q.MaxMarks)
	r := model.ScoringResult{QuestionID: q.ID, QuestionNumber: q.Number, QuestionType: q.Type, MaxScore: maxMarks, RubricID: tmpl.ID}
	r.SetScore(score)
	return r
}

func newOrchestrator(t *testing.T, g Grader, opts ...Option) *Orchestrator {
	t.Helper()
	c, err := rubric.Default()
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 14, 9, 30, 0, 0, time.UTC)
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixed }),
	}, opts...)
	return New(c, g, opts...)
}

func englishCtx(t *testing.T) context.Context {
	t.Helper()
	require.NoError(t, i18n.Init("en"))
	return i18n.WithLocalizer(context.Background(), i18n.NewLocalizer("en"))
}

var paper = []model.Question{
	{ID: "q3", Number: 3, Type: model.TypeTranslation, MaxMarks: 10},
	{ID: "q1", Number: 1, Type: model.TypePhotoDescription, MaxMarks: 10},
	{ID: "q5", Number: 5, Type: model.TypeExtendedWriting, MaxMarks: 15},
	{ID: "q2", Number: 2, Type: model.TypeShortMessage, MaxMarks: 10},
	{ID: "q4", Number: 4, Type: model.TypeGapFill, MaxMarks: 5},
}

func TestScoreAttemptAggregates(t *testing.T) {
	g := &stubGrader{scores: map[string]int{"q1": 8, "q2": 6, "q3": 5, "q4": 3, "q5": 12}}
	o := newOrchestrator(t, g)
	responses := map[string]json.RawMessage{
		"q1": json.RawMessage(`{"sentences":["Hay un perro."]}`),
		"q2": json.RawMessage(`{"message":"Hola"}`),
		"q3": json.RawMessage(`{"translations":["Me gusta"]}`),
		"q4": json.RawMessage(`{"answers":["soy"]}`),
		"q5": json.RawMessage(`{"article":"Ayer fui"}`),
	}

	ar := o.ScoreAttempt(englishCtx(t), Attempt{ID: "a1", AssessmentID: "as1", StudentID: "s1", Language: model.LanguageSpanish}, paper, responses)

	require.Len(t, ar.QuestionResults, 5)
	for i, r := range ar.QuestionResults {
		assert.Equal(t, i+1, r.QuestionNumber, "results must follow question order")
	}
	assert.Equal(t, 34, ar.TotalScore)
	assert.Equal(t, 50, ar.MaxScore)
	assert.Equal(t, 68, ar.Percentage)
	assert.Equal(t, model.BandGood, ar.Band)
	assert.True(t, ar.Consistent())
	assert.Equal(t, "a1", ar.ID)
	assert.Equal(t, model.LanguageSpanish, ar.Language)
	assert.Equal(t, "You scored 34 out of 50 marks (68%). Good effort! Focus on accuracy and expanding your vocabulary.", ar.Summary)
	assert.False(t, ar.CompletedAt.IsZero())
}

func TestScoreAttemptMissingResponse(t *testing.T) {
	g := &stubGrader{}
	o := newOrchestrator(t, g)
	qs := []model.Question{{ID: "q1", Number: 1, Type: model.TypePhotoDescription, MaxMarks: 10}}

	ar := o.ScoreAttempt(englishCtx(t), Attempt{AssessmentID: "as1"}, qs, nil)
	require.Len(t, ar.QuestionResults, 1)
	assert.NotEmpty(t, ar.ID, "an ID is generated when none is given")
	assert.True(t, normalize.IsEmpty(g.seen["q1"]))
}

func TestScoreAttemptNoQuestions(t *testing.T) {
	o := newOrchestrator(t, &stubGrader{})
	ar := o.ScoreAttempt(englishCtx(t), Attempt{ID: "a1"}, nil, nil)
	assert.Equal(t, 0, ar.MaxScore)
	assert.Equal(t, 0, ar.Percentage)
	assert.Equal(t, model.BandNeedsPractice, ar.Band)
	assert.Empty(t, ar.QuestionResults)
}

func TestScoreAttemptWithoutRubricFallsBack(t *testing.T) {
	g := &stubGrader{scores: map[string]int{"q1": 10}}
	o := newOrchestrator(t, g)
	qs := []model.Question{
		{ID: "q1", Number: 1, Type: model.TypePhotoDescription, MaxMarks: 10},
		{ID: "q2", Number: 2, Type: model.TypeExtendedWriting, MaxMarks: 20},
	}

	ar := o.ScoreAttempt(englishCtx(t), Attempt{ID: "a1"}, qs, nil)
	require.Len(t, ar.QuestionResults, 2)
	fb := ar.QuestionResults[1]
	assert.True(t, fb.RequiresManualReview)
	assert.Equal(t, 0, fb.Score)
	assert.Equal(t, 20, fb.MaxScore)
	assert.Equal(t, 10, ar.TotalScore)
	assert.Equal(t, 30, ar.MaxScore)
	assert.Contains(t, ar.Summary, "1 answer could not be marked automatically")
	assert.NotContains(t, g.seen, "q2")
}

func TestScoreAttemptBoundsConcurrency(t *testing.T) {
	g := &stubGrader{delay: 10 * time.Millisecond}
	o := newOrchestrator(t, g, WithWorkers(2))
	var qs []model.Question
	for i := 1; i <= 8; i++ {
		qs = append(qs, model.Question{ID: string(rune('a' + i)), Number: i, Type: model.TypeTranslation, MaxMarks: 10})
	}

	ar := o.ScoreAttempt(englishCtx(t), Attempt{ID: "a1"}, qs, nil)
	assert.Len(t, ar.QuestionResults, 8)
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		pct  int
		want model.Band
	}{
		{100, model.BandExcellent},
		{80, model.BandExcellent},
		{79, model.BandGood},
		{60, model.BandGood},
		{59, model.BandProgressing},
		{40, model.BandProgressing},
		{39, model.BandNeedsPractice},
		{0, model.BandNeedsPractice},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(tt.pct), "BandFor(%d)", tt.pct)
	}
}

func TestSummaryLocalized(t *testing.T) {
	require.NoError(t, i18n.Init("en"))
	ctx := i18n.WithLocalizer(context.Background(), i18n.NewLocalizer("es"))
	ar := model.AttemptResult{QuestionResults: []model.ScoringResult{{Score: 9, MaxScore: 10}}}
	ar.Recompute()
	assert.Equal(t, "Has obtenido 9 de 10 puntos (90%). ¡Excelente trabajo! Demuestras un gran dominio del idioma.", Summary(ctx, ar))
}

func TestFinalizeUsesDefaultLanguage(t *testing.T) {
	require.NoError(t, i18n.Init("es"))
	t.Cleanup(func() { _ = i18n.Init("en") })

	// The caller's locale does not leak into the stored summary.
	ctx := i18n.WithLocalizer(context.Background(), i18n.NewLocalizer("en"))
	ar := model.AttemptResult{QuestionResults: []model.ScoringResult{{Score: 9, MaxScore: 10}}}
	Finalize(ctx, &ar)
	assert.Equal(t, "Has obtenido 9 de 10 puntos (90%). ¡Excelente trabajo! Demuestras un gran dominio del idioma.", ar.Summary)
	assert.Equal(t, model.BandExcellent, ar.Band)
}
