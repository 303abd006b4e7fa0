package override

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/marker/internal/cache"
	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/scoring"
	"github.com/pavelanni/marker/internal/store"
)

var fixedNow = time.Date(2026, 5, 20, 14, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newSummaryCache(t *testing.T) *cache.SummaryCache {
	t.Helper()
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewSummaryCache(client, time.Hour)
}

// seed stores an attempt where q1 scored 0/10 and q2 scored 6/10.
func seed(t *testing.T, st *store.Store) model.AttemptResult {
	t.Helper()
	ar := model.AttemptResult{
		ID:           "a1",
		AssessmentID: "paper-1",
		StudentID:    "s1",
		Language:     model.LanguageSpanish,
		CompletedAt:  fixedNow.Add(-24 * time.Hour),
		QuestionResults: []model.ScoringResult{
			{QuestionID: "q1", QuestionNumber: 1, QuestionType: model.TypeTranslation, MaxScore: 10,
				SubScores: map[string]int{"meaning": 0, "language": 0}},
			{QuestionID: "q2", QuestionNumber: 2, QuestionType: model.TypePhotoDescription, MaxScore: 10,
				SubScores: map[string]int{"sentence1": 2, "sentence2": 2, "sentence3": 2, "sentence4": 0, "sentence5": 0}},
		},
	}
	ar.QuestionResults[0].SetScore(0)
	ar.QuestionResults[1].SetScore(6)
	scoring.Finalize(context.Background(), &ar)
	require.NoError(t, st.CreateAttemptResult(context.Background(), &ar))
	return ar
}

func newEngine(st Store, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(st, opts...)
}

// countingSink records the summaries it receives and optionally fails.
type countingSink struct {
	got []model.AttemptSummary
	err error
}

func (s *countingSink) PutDenormalizedSummary(_ context.Context, sum model.AttemptSummary) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, sum)
	return nil
}

func TestOverrideZeroToEightThenFive(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sc := newSummaryCache(t)
	before := seed(t, st)
	e := newEngine(st, WithSinks(Sink{"sql", st}, Sink{"redis", sc}))

	ar, err := e.ApplyOverride(ctx, Request{
		AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8),
		Reason: "partial credit for comprehensible meaning", Actor: "teacher-1",
	})
	require.NoError(t, err)
	assert.Equal(t, before.TotalScore+8, ar.TotalScore)
	assert.True(t, ar.Consistent())

	q1 := ar.QuestionResults[0]
	require.NotNil(t, q1.OriginalScore)
	assert.Equal(t, 0, *q1.OriginalScore)
	assert.Equal(t, 8, q1.Score)
	assert.Equal(t, 80, q1.Percentage)
	assert.True(t, q1.IsCorrect)
	assert.Equal(t, "teacher-1", q1.OverriddenBy)
	require.NotNil(t, q1.OverriddenAt)
	assert.True(t, q1.OverriddenAt.Equal(fixedNow))
	assert.Nil(t, q1.SubScores)
	assert.Equal(t, map[string]int{"meaning": 0, "language": 0}, q1.AutomatedSubScores)
	afterFirst := ar.TotalScore

	ar, err = e.ApplyOverride(ctx, Request{
		AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(5),
		Reason: "on reflection, too generous", Actor: "teacher-2",
	})
	require.NoError(t, err)
	assert.Equal(t, afterFirst-3, ar.TotalScore)
	assert.Equal(t, 0, *ar.QuestionResults[0].OriginalScore)
	assert.Equal(t, map[string]int{"meaning": 0, "language": 0}, ar.QuestionResults[0].AutomatedSubScores)
	assert.Equal(t, model.BandProgressing, ar.Band)

	stored, err := st.GetAttemptResult(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ar.TotalScore, stored.TotalScore)
	assert.Equal(t, int64(3), stored.Version)
	assert.True(t, stored.Consistent())

	recs, err := e.History(ctx, "a1", "q1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].PreviousScore)
	assert.Equal(t, 8, recs[0].OverriddenScore)
	assert.Equal(t, 8, recs[1].PreviousScore)
	assert.Equal(t, 5, recs[1].OverriddenScore)

	sum, err := st.GetSummary(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ar.TotalScore, sum.TotalScore)
	assert.Equal(t, ar.Percentage, sum.Percentage)

	cached, err := sc.GetSummary(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ar.TotalScore, cached.TotalScore)
}

func TestOriginalScoreStableAcrossOverrides(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	e := newEngine(st)

	for i, score := range []int{10, 3, 7, 0, 9, 4} {
		ar, err := e.ApplyOverride(ctx, Request{
			AttemptResultID: "a1", QuestionID: "q2", NewScore: intPtr(score),
			Reason: "review round", Actor: "teacher-1",
		})
		require.NoError(t, err, "override %d", i)
		assert.Equal(t, 6, *ar.QuestionResults[1].OriginalScore)
		assert.True(t, ar.Consistent())
	}

	recs, err := e.History(ctx, "a1", "q2")
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for _, r := range recs {
		assert.Equal(t, 6, r.OriginalScore)
	}
}

func TestOverrideIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	sink := &countingSink{}
	e := newEngine(st, WithSinks(Sink{"dashboard", sink}))
	req := Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "valid alternative", Actor: "t1"}

	first, err := e.ApplyOverride(ctx, req)
	require.NoError(t, err)
	second, err := e.ApplyOverride(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.TotalScore, second.TotalScore)
	assert.Equal(t, first.Percentage, second.Percentage)
	assert.Equal(t, first.Version, second.Version, "no second primary write")

	recs, err := e.History(ctx, "a1", "")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "no second audit record")
	assert.Len(t, sink.got, 2, "summary still propagated")

	// Same score with a new reason is a new override.
	req.Reason = "second opinion agrees"
	_, err = e.ApplyOverride(ctx, req)
	require.NoError(t, err)
	recs, _ = e.History(ctx, "a1", "")
	assert.Len(t, recs, 2)
}

func TestMarkCorrect(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	e := newEngine(st)

	ar, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", MarkCorrect: boolPtr(true), Reason: "fully correct", Actor: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 10, ar.QuestionResults[0].Score)
	assert.True(t, ar.QuestionResults[0].IsCorrect)

	ar, err = e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q2", MarkCorrect: boolPtr(false), Reason: "copied", Actor: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 0, ar.QuestionResults[1].Score)
	assert.False(t, ar.QuestionResults[1].IsCorrect)
	assert.Equal(t, 10, ar.TotalScore)
}

func TestOverrideClearsManualReview(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ar := model.AttemptResult{
		ID: "a2", AssessmentID: "paper-1", CompletedAt: fixedNow,
		QuestionResults: []model.ScoringResult{{QuestionID: "q1", QuestionNumber: 1, MaxScore: 10, RequiresManualReview: true}},
	}
	scoring.Finalize(ctx, &ar)
	require.NoError(t, st.CreateAttemptResult(ctx, &ar))
	require.True(t, ar.NeedsReview())

	got, err := newEngine(st).ApplyOverride(ctx, Request{AttemptResultID: "a2", QuestionID: "q1", NewScore: intPtr(7), Reason: "marked by hand", Actor: "t1"})
	require.NoError(t, err)
	assert.False(t, got.NeedsReview())
	assert.NotContains(t, got.Summary, "could not be marked")
}

func TestOverrideRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing reason", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(5), Actor: "t1"}, ErrInvalidInput},
		{"blank reason", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(5), Reason: "   ", Actor: "t1"}, ErrInvalidInput},
		{"missing actor", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(5), Reason: "r"}, ErrInvalidInput},
		{"no score", Request{AttemptResultID: "a1", QuestionID: "q1", Reason: "r", Actor: "t1"}, ErrInvalidInput},
		{"score and correctness", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(5), MarkCorrect: boolPtr(true), Reason: "r", Actor: "t1"}, ErrInvalidInput},
		{"negative", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(-1), Reason: "r", Actor: "t1"}, ErrInvalidScore},
		{"above max", Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(11), Reason: "r", Actor: "t1"}, ErrInvalidScore},
		{"unknown attempt", Request{AttemptResultID: "nope", QuestionID: "q1", NewScore: intPtr(5), Reason: "r", Actor: "t1"}, ErrAttemptNotFound},
		{"unknown question", Request{AttemptResultID: "a1", QuestionID: "q9", NewScore: intPtr(5), Reason: "r", Actor: "t1"}, ErrQuestionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			before := seed(t, st)
			sink := &countingSink{}
			e := newEngine(st, WithSinks(Sink{"dashboard", sink}))

			_, err := e.ApplyOverride(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			after, err := st.GetAttemptResult(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, before.Version, after.Version, "no state change")
			assert.Equal(t, before.TotalScore, after.TotalScore)
			recs, _ := st.ListOverrides(ctx, "a1", "")
			assert.Empty(t, recs)
			assert.Empty(t, sink.got)
		})
	}
}

func TestInvalidScoreIsInvalidInput(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidScore, ErrInvalidInput)
}

// racingStore lets a concurrent writer slip in before the next write.
type racingStore struct {
	*store.Store
	race func()
}

func (r *racingStore) PutAttemptResult(ctx context.Context, ar *model.AttemptResult) error {
	if r.race != nil {
		f := r.race
		r.race = nil
		f()
	}
	return r.Store.PutAttemptResult(ctx, ar)
}

func TestOverrideRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	rs := &racingStore{Store: st}
	other := newEngine(st)
	rs.race = func() {
		_, err := other.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q2", NewScore: intPtr(9), Reason: "concurrent", Actor: "t2"})
		require.NoError(t, err)
	}
	e := newEngine(rs)

	ar, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "mine", Actor: "t1"})
	require.NoError(t, err)

	assert.Equal(t, 8, ar.QuestionResults[0].Score)
	assert.Equal(t, 9, ar.QuestionResults[1].Score, "concurrent override kept")
	assert.Equal(t, 17, ar.TotalScore)
	assert.Equal(t, int64(3), ar.Version)
}

// conflictStore never wins a write.
type conflictStore struct {
	*store.Store
	puts int
}

func (c *conflictStore) PutAttemptResult(context.Context, *model.AttemptResult) error {
	c.puts++
	return store.ErrConflict
}

func TestOverrideGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	cs := &conflictStore{Store: st}
	e := newEngine(cs, WithMaxRetries(3))

	_, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "r", Actor: "t1"})
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, store.ErrConflict)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Partial())
	assert.Equal(t, 3, cs.puts)

	recs, _ := st.ListOverrides(ctx, "a1", "")
	assert.Empty(t, recs, "no audit record without a primary write")
}

func TestOverrideReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	good := &countingSink{}
	bad := &countingSink{err: errors.New("redis unreachable")}
	e := newEngine(st, WithSinks(Sink{"sql", good}, Sink{"redis", bad}))

	ar, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "r", Actor: "t1"})
	require.ErrorIs(t, err, ErrPersistence)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Partial())
	assert.NoError(t, perr.Audit)
	assert.Contains(t, perr.Summaries, "redis")
	assert.Equal(t, []string{"sql"}, perr.Written)
	assert.Equal(t, 14, ar.TotalScore, "primary result returned")

	stored, _ := st.GetAttemptResult(ctx, "a1")
	assert.Equal(t, 14, stored.TotalScore)
	require.Len(t, good.got, 1)
	assert.Equal(t, 14, good.got[0].TotalScore)
}

// auditFailStore fails audit appends.
type auditFailStore struct {
	*store.Store
}

func (auditFailStore) PutQuestionOverride(context.Context, *model.OverrideRecord) error {
	return errors.New("audit table locked")
}

func TestOverrideReportsAuditFailure(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	sink := &countingSink{}
	e := newEngine(auditFailStore{st}, WithSinks(Sink{"sql", sink}))

	_, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "r", Actor: "t1"})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Partial())
	assert.Error(t, perr.Audit)
	assert.Len(t, sink.got, 1, "summary propagated despite audit failure")
}

// flakyAuditStore fails the first failures audit appends.
type flakyAuditStore struct {
	*store.Store
	failures int
}

func (s *flakyAuditStore) PutQuestionOverride(ctx context.Context, rec *model.OverrideRecord) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("audit table locked")
	}
	return s.Store.PutQuestionOverride(ctx, rec)
}

func TestOverrideRetryRestoresLostAudit(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	e := newEngine(&flakyAuditStore{Store: st, failures: 1})
	req := Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "valid alternative", Actor: "t1"}

	_, err := e.ApplyOverride(ctx, req)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Error(t, perr.Audit)
	recs, err := st.ListOverrides(ctx, "a1", "q1")
	require.NoError(t, err)
	require.Empty(t, recs)

	ar, err := e.ApplyOverride(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 8, ar.TotalScore)

	recs, err = st.ListOverrides(ctx, "a1", "q1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].OriginalScore)
	assert.Equal(t, 0, recs[0].PreviousScore)
	assert.Equal(t, 8, recs[0].OverriddenScore)
	assert.Equal(t, "t1", recs[0].OverriddenBy)
	assert.Equal(t, "valid alternative", recs[0].Reason)
	assert.True(t, recs[0].OverriddenAt.Equal(fixedNow))

	// A further retry finds the record and appends nothing.
	_, err = e.ApplyOverride(ctx, req)
	require.NoError(t, err)
	recs, _ = st.ListOverrides(ctx, "a1", "q1")
	assert.Len(t, recs, 1)
}

func TestReconcileRestoresLostAudit(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	flaky := &flakyAuditStore{Store: st, failures: 1}
	e := newEngine(flaky)

	_, err := e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q1", NewScore: intPtr(8), Reason: "r1", Actor: "t1"})
	require.Error(t, err)
	_, err = e.ApplyOverride(ctx, Request{AttemptResultID: "a1", QuestionID: "q2", NewScore: intPtr(4), Reason: "r2", Actor: "t1"})
	require.NoError(t, err)

	_, err = e.Reconcile(ctx, "a1")
	require.NoError(t, err)

	recs, err := st.ListOverrides(ctx, "a1", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byQuestion := map[string]model.OverrideRecord{}
	for _, r := range recs {
		byQuestion[r.QuestionID] = r
	}
	assert.Equal(t, 8, byQuestion["q1"].OverriddenScore)
	assert.Equal(t, 4, byQuestion["q2"].OverriddenScore)
	assert.Equal(t, 6, byQuestion["q2"].PreviousScore)

	_, err = e.Reconcile(ctx, "a1")
	require.NoError(t, err)
	recs, _ = st.ListOverrides(ctx, "a1", "")
	assert.Len(t, recs, 2)
}

func TestReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ar := seed(t, st)

	// Simulate a writer that updated totals by delta and got it wrong.
	ar.TotalScore = 3
	ar.Percentage = 15
	require.NoError(t, st.PutAttemptResult(ctx, &ar))

	sink := &countingSink{}
	e := newEngine(st, WithSinks(Sink{"sql", sink}))
	fixed, err := e.Reconcile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 6, fixed.TotalScore)
	assert.Equal(t, 30, fixed.Percentage)
	assert.True(t, fixed.Consistent())

	stored, _ := st.GetAttemptResult(ctx, "a1")
	assert.Equal(t, 6, stored.TotalScore)
	require.Len(t, sink.got, 1)
	assert.Equal(t, 6, sink.got[0].TotalScore)

	// A consistent attempt is left alone but still propagated.
	again, err := e.Reconcile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version)
	assert.Len(t, sink.got, 2)

	_, err = e.Reconcile(ctx, "nope")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestHistoryUnknownAttempt(t *testing.T) {
	_, err := newEngine(newStore(t)).History(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}
