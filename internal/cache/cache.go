// Package cache keeps attempt summaries in Redis for dashboards.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/marker/internal/model"
)

// DefaultTTL is how long a cached summary lives without being refreshed.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned when a summary is not cached.
var ErrMiss = errors.New("cache miss")

// Connect configures a Redis client using the supplied URL.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return client, nil
}

// SummaryCache stores attempt summaries under dashboard:attempt:<id> and
// ranks attempts per assessment in dashboard:assessment:<id>.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache wraps a Redis client. A non-positive ttl selects DefaultTTL.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func attemptKey(id string) string {
	return "dashboard:attempt:" + id
}

func assessmentKey(id string) string {
	return "dashboard:assessment:" + id
}

// PutDenormalizedSummary caches the summary and updates the assessment ranking.
func (c *SummaryCache) PutDenormalizedSummary(ctx context.Context, sum model.AttemptSummary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, attemptKey(sum.AttemptResultID), payload, c.ttl)
		if sum.AssessmentID != "" {
			key := assessmentKey(sum.AssessmentID)
			p.ZAdd(ctx, key, redis.Z{Score: float64(sum.Percentage), Member: sum.AttemptResultID})
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache summary %s: %w", sum.AttemptResultID, err)
	}
	return nil
}

// GetSummary returns a cached summary or ErrMiss.
func (c *SummaryCache) GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error) {
	var sum model.AttemptSummary
	raw, err := c.client.Get(ctx, attemptKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sum, ErrMiss
	}
	if err != nil {
		return sum, fmt.Errorf("read summary %s: %w", attemptID, err)
	}
	if err := json.Unmarshal(raw, &sum); err != nil {
		return sum, fmt.Errorf("decode summary %s: %w", attemptID, err)
	}
	return sum, nil
}

// Ranked is an attempt's position in an assessment ranking.
type Ranked struct {
	AttemptResultID string `json:"attempt_result_id"`
	Percentage      int    `json:"percentage"`
}

// TopAttempts returns up to n attempts of an assessment, best first.
func (c *SummaryCache) TopAttempts(ctx context.Context, assessmentID string, n int64) ([]Ranked, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := c.client.ZRevRangeWithScores(ctx, assessmentKey(assessmentID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("rank assessment %s: %w", assessmentID, err)
	}
	out := make([]Ranked, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Ranked{AttemptResultID: id, Percentage: int(z.Score)})
	}
	return out, nil
}
