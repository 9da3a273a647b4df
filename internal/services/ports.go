package services

import (
	"context"
	"time"

	"github.com/white/activity-engine/internal/cache"
	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/pkg/smtp"
)

// ActivityStore persists activities
type ActivityStore interface {
	Insert(ctx context.Context, activity *models.Activity) error
	Get(ctx context.Context, id string) (*models.Activity, error)
	Update(ctx context.Context, activity *models.Activity) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter models.ActivityFilter) ([]*models.Activity, error)
}

// SequenceStore persists sequences and their runs
type SequenceStore interface {
	Insert(ctx context.Context, seq *models.ActivitySequence) error
	Get(ctx context.Context, id string) (*models.ActivitySequence, error)
	Update(ctx context.Context, seq *models.ActivitySequence) error
	ListByUser(ctx context.Context, userID string) ([]*models.ActivitySequence, error)
	ListActive(ctx context.Context, userID string) ([]*models.ActivitySequence, error)

	InsertRun(ctx context.Context, run *models.SequenceRun) error
	GetRun(ctx context.Context, id string) (*models.SequenceRun, error)
	UpdateRun(ctx context.Context, run *models.SequenceRun) error
	ListResumableRuns(ctx context.Context) ([]*models.SequenceRun, error)
	ListRuns(ctx context.Context, sequenceID string, limit int) ([]*models.SequenceRun, error)
}

// DeadLetterStore keeps jobs the queue gave up on
type DeadLetterStore interface {
	Insert(ctx context.Context, letter *models.DeadLetter) error
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)
}

// AnalyticsCache caches derived data. Getters return cache.ErrCacheMiss for
// absent keys.
type AnalyticsCache interface {
	GetAnalytics(ctx context.Context, userID string, period models.Period) (*models.ActivityAnalytics, error)
	SetAnalytics(ctx context.Context, report *models.ActivityAnalytics) error
	InvalidateAnalytics(ctx context.Context, userID string) error
	SetEngagement(ctx context.Context, contactID string, score int) error
	GetEngagement(ctx context.Context, contactID string) (int, error)
	AppendInsights(ctx context.Context, userID, contactID string, insights ...string) error
	GetInsights(ctx context.Context, userID, contactID string) ([]string, error)
}

// EventPublisher emits domain events. PublishConfirmed waits for delivery
// and is used where losing the event matters.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.ActivityEvent)
	PublishConfirmed(ctx context.Context, event *events.ActivityEvent) error
}

// InsightGenerator produces natural-language insights about a contact
type InsightGenerator interface {
	Generate(ctx context.Context, activity *models.Activity, history []*models.Activity) ([]string, error)
}

// Mailer delivers sequence emails
type Mailer interface {
	Send(ctx context.Context, msg *smtp.Message) error
}

// JobQueue accepts post-processing jobs
type JobQueue interface {
	Enqueue(jobs ...queue.Job) error
	EnqueueAt(job queue.Job, at time.Time) error
}

type noopCache struct{}

func (noopCache) GetAnalytics(context.Context, string, models.Period) (*models.ActivityAnalytics, error) {
	return nil, cache.ErrCacheMiss
}
func (noopCache) SetAnalytics(context.Context, *models.ActivityAnalytics) error { return nil }
func (noopCache) InvalidateAnalytics(context.Context, string) error             { return nil }
func (noopCache) SetEngagement(context.Context, string, int) error              { return nil }
func (noopCache) GetEngagement(context.Context, string) (int, error) {
	return 0, cache.ErrCacheMiss
}
func (noopCache) AppendInsights(context.Context, string, string, ...string) error { return nil }
func (noopCache) GetInsights(context.Context, string, string) ([]string, error) {
	return nil, cache.ErrCacheMiss
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *events.ActivityEvent) {}
func (noopPublisher) PublishConfirmed(context.Context, *events.ActivityEvent) error {
	return nil
}
