package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/white/activity-engine/internal/analytics"
	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
)

// insightHistory bounds the contact history sent to the insight generator
const insightHistory = 20

// processor executes post-processing jobs. Jobs for activities that no
// longer exist are dropped without error.
type processor struct {
	activities *ActivityService
	runner     *sequenceRunner
	cache      AnalyticsCache
	publisher  EventPublisher
	insights   InsightGenerator
	limiter    *insightLimiter
	logger     *slog.Logger
}

var _ queue.Handler = (*processor)(nil)

// activity loads the job's activity. ok=false means it was deleted.
func (p *processor) activity(ctx context.Context, job queue.Job) (*models.Activity, bool, error) {
	a, err := p.activities.load(ctx, job.Subject())
	if err != nil {
		if IsNotFound(err) {
			p.logger.Debug("activity gone, dropping job", "job", job.Kind(), "activity_id", job.Subject())
			return nil, false, nil
		}
		return nil, false, err
	}
	return a, true, nil
}

func (p *processor) ProcessTriggers(ctx context.Context, job queue.ProcessTriggers) error {
	a, ok, err := p.activity(ctx, job)
	if !ok {
		return err
	}
	event := job.Event
	if event == "" {
		event = models.EventActivityLogged
	}
	return p.runner.trigger(ctx, a, event)
}

func (p *processor) UpdateEngagement(ctx context.Context, job queue.UpdateEngagement) error {
	a, ok, err := p.activity(ctx, job)
	if !ok {
		return err
	}
	contactID := a.ContactID
	if contactID == "" {
		contactID = job.ContactID
	}
	if contactID == "" {
		return nil
	}

	history, err := p.activities.store.Query(ctx, models.ActivityFilter{ContactID: contactID})
	if err != nil {
		return storageErr("query contact activities", err)
	}
	score := analytics.EngagementScore(history)

	if err := p.cache.SetEngagement(ctx, contactID, score); err != nil {
		p.logger.Warn("failed to cache engagement score", "contact_id", contactID,
			"error", &DependencyError{Dependency: "cache", Err: err})
	}

	p.publisher.Publish(ctx, &events.ActivityEvent{
		Type:       events.EventEngagementUpdated,
		UserID:     a.UserID,
		ActivityID: a.ID,
		ContactID:  contactID,
		Data:       map[string]any{"engagementScore": score},
	})
	return nil
}

// GenerateInsights asks the insight generator about the activity's contact.
// Temporary generator failures are retried while the job has attempts left;
// every other failure degrades to no insight.
func (p *processor) GenerateInsights(ctx context.Context, job queue.GenerateInsights) error {
	if p.insights == nil {
		return nil
	}
	a, ok, err := p.activity(ctx, job)
	if !ok {
		return err
	}
	if a.ContactID == "" {
		return nil
	}
	// a retry already holds the token taken by its first attempt
	if queue.Attempt(ctx) <= 1 && !p.limiter.allow(a.UserID+"/"+a.ContactID) {
		p.logger.Debug("insight generation debounced", "contact_id", a.ContactID, "activity_id", a.ID)
		return nil
	}

	history, err := p.activities.store.Query(ctx, models.ActivityFilter{
		UserID:    a.UserID,
		ContactID: a.ContactID,
		Limit:     insightHistory,
	})
	if err != nil {
		return storageErr("query contact activities", err)
	}

	insights, err := p.insights.Generate(ctx, a, history)
	if err != nil {
		depErr := &DependencyError{Dependency: "insights", Err: err}
		if temporary(err) && !queue.FinalAttempt(ctx) {
			return depErr
		}
		p.logger.Warn("insight generation failed", "activity_id", a.ID, "attempt", queue.Attempt(ctx), "error", depErr)
		return nil
	}
	if len(insights) == 0 {
		return nil
	}
	if err := p.cache.AppendInsights(ctx, a.UserID, a.ContactID, insights...); err != nil {
		p.logger.Warn("failed to cache insights", "contact_id", a.ContactID,
			"error", &DependencyError{Dependency: "cache", Err: err})
	}
	return nil
}

// temporary reports whether err says a retry may succeed (rate limits,
// overloaded or unreachable generator)
func temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// ProcessCompletion fires the sequences listening to completion and outcome
// changes
func (p *processor) ProcessCompletion(ctx context.Context, job queue.ProcessCompletion) error {
	a, ok, err := p.activity(ctx, job)
	if !ok {
		return err
	}
	var errs []error
	if job.Completed {
		if err := p.runner.trigger(ctx, a, models.EventActivityCompleted); err != nil {
			errs = append(errs, err)
		}
	}
	if job.OutcomeChanged {
		if err := p.runner.trigger(ctx, a, models.EventOutcomeChanged); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *processor) AdvanceSequence(ctx context.Context, job queue.AdvanceSequence) error {
	return p.runner.advance(ctx, job.RunID)
}

// insightLimiter allows one insight generation per contact per window
type insightLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// maxTrackedContacts bounds the limiter map; idle entries are pruned past it
const maxTrackedContacts = 10000

func newInsightLimiter(window time.Duration) *insightLimiter {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &insightLimiter{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *insightLimiter) allow(contactID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[contactID]
	if !ok {
		if len(l.limiters) >= maxTrackedContacts {
			l.prune()
		}
		lim = rate.NewLimiter(rate.Every(l.window), 1)
		l.limiters[contactID] = lim
	}
	return lim.Allow()
}

// prune drops limiters whose window has fully elapsed
func (l *insightLimiter) prune() {
	for id, lim := range l.limiters {
		if lim.Tokens() >= 1 {
			delete(l.limiters, id)
		}
	}
}
