package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/white/activity-engine/internal/models"
)

// ErrCacheMiss is returned when a key is absent
var ErrCacheMiss = errors.New("cache miss")

// maxContactInsights caps the stored AI insights per contact
const maxContactInsights = 20

// AnalyticsCache provides Redis caching for analytics reports, contact
// engagement scores and generated contact insights
type AnalyticsCache struct {
	client        *redis.Client
	ttl           time.Duration
	engagementTTL time.Duration
}

// NewAnalyticsCache creates a new analytics cache. Zero TTLs fall back to
// 30 minutes for reports and 24 hours for engagement data.
func NewAnalyticsCache(client *redis.Client, ttl, engagementTTL time.Duration) *AnalyticsCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if engagementTTL <= 0 {
		engagementTTL = 24 * time.Hour
	}
	return &AnalyticsCache{
		client:        client,
		ttl:           ttl,
		engagementTTL: engagementTTL,
	}
}

// GetAnalytics retrieves a cached report
func (c *AnalyticsCache) GetAnalytics(ctx context.Context, userID string, period models.Period) (*models.ActivityAnalytics, error) {
	val, err := c.client.Get(ctx, analyticsKey(userID, period)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var report models.ActivityAnalytics
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, fmt.Errorf("failed to deserialize analytics: %w", err)
	}

	return &report, nil
}

// SetAnalytics stores a report under its user and period
func (c *AnalyticsCache) SetAnalytics(ctx context.Context, report *models.ActivityAnalytics) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize analytics: %w", err)
	}

	if err := c.client.Set(ctx, analyticsKey(report.UserID, report.Period), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// InvalidateAnalytics drops every cached period for the user
func (c *AnalyticsCache) InvalidateAnalytics(ctx context.Context, userID string) error {
	keys := make([]string, 0, len(models.KnownPeriods))
	for _, p := range models.KnownPeriods {
		keys = append(keys, analyticsKey(userID, p))
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}

	return nil
}

// SetEngagement stores a contact's engagement score
func (c *AnalyticsCache) SetEngagement(ctx context.Context, contactID string, score int) error {
	if err := c.client.Set(ctx, engagementKey(contactID), score, c.engagementTTL).Err(); err != nil {
		return fmt.Errorf("failed to set engagement: %w", err)
	}
	return nil
}

// GetEngagement retrieves a contact's engagement score
func (c *AnalyticsCache) GetEngagement(ctx context.Context, contactID string) (int, error) {
	val, err := c.client.Get(ctx, engagementKey(contactID)).Result()
	if err == redis.Nil {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}

	score, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid engagement value %q: %w", val, err)
	}
	return score, nil
}

// AppendInsights prepends generated insights to the user's list for a contact, keeping
// the newest entries only
func (c *AnalyticsCache) AppendInsights(ctx context.Context, userID, contactID string, insights ...string) error {
	if len(insights) == 0 {
		return nil
	}

	key := insightsKey(userID, contactID)
	values := make([]any, len(insights))
	for i, s := range insights {
		values[i] = s
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, 0, maxContactInsights-1)
	pipe.Expire(ctx, key, c.engagementTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store insights: %w", err)
	}

	return nil
}

// GetInsights returns the insights stored for the user's contact, newest first
func (c *AnalyticsCache) GetInsights(ctx context.Context, userID, contactID string) ([]string, error) {
	insights, err := c.client.LRange(ctx, insightsKey(userID, contactID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return insights, nil
}

// Ping checks the Redis connection
func (c *AnalyticsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// analyticsKey format: analytics:{user_id}:{period}
func analyticsKey(userID string, period models.Period) string {
	return fmt.Sprintf("analytics:%s:%s", userID, period)
}

// engagementKey format: engagement:{contact_id}
func engagementKey(contactID string) string {
	return fmt.Sprintf("engagement:%s", contactID)
}

// insightsKey format: insights:{user_id}:{contact_id}
func insightsKey(userID, contactID string) string {
	return fmt.Sprintf("insights:%s:%s", userID, contactID)
}
