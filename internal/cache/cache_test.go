package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/marker/internal/model"
)

func newCache(t *testing.T) (*SummaryCache, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSummaryCache(client, time.Hour), mini
}

func summary(id string, pct int) model.AttemptSummary {
	return model.AttemptSummary{
		AttemptResultID: id,
		AssessmentID:    "paper-1",
		StudentID:       "student-" + id,
		TotalScore:      pct / 2,
		MaxScore:        50,
		Percentage:      pct,
		Band:            model.BandGood,
		ByQuestionType: map[model.QuestionType]model.TypePerformance{
			model.TypeTranslation: {Total: 1, Correct: 1, PointsAwarded: 8, PointsPossible: 10, Accuracy: 80},
		},
		UpdatedAt: time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mini := newCache(t)

	_, err := c.GetSummary(ctx, "a1")
	require.ErrorIs(t, err, ErrMiss)

	want := summary("a1", 64)
	require.NoError(t, c.PutDenormalizedSummary(ctx, want))

	got, err := c.GetSummary(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want.TotalScore, got.TotalScore)
	assert.Equal(t, want.ByQuestionType, got.ByQuestionType)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	assert.Equal(t, time.Hour, mini.TTL("dashboard:attempt:a1"))

	mini.FastForward(2 * time.Hour)
	_, err = c.GetSummary(ctx, "a1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestTopAttempts(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	for _, s := range []model.AttemptSummary{summary("a1", 40), summary("a2", 90), summary("a3", 70)} {
		require.NoError(t, c.PutDenormalizedSummary(ctx, s))
	}
	// A later override moves a1 to the top.
	require.NoError(t, c.PutDenormalizedSummary(ctx, summary("a1", 95)))

	top, err := c.TopAttempts(ctx, "paper-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []Ranked{{"a1", 95}, {"a2", 90}}, top)

	none, err := c.TopAttempts(ctx, "paper-9", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConnect(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client, err := Connect(context.Background(), "redis://"+mini.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = Connect(context.Background(), "")
	assert.Error(t, err)
	_, err = Connect(context.Background(), "not-a-url://")
	assert.Error(t, err)
}
