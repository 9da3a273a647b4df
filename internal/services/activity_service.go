package services

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/white/activity-engine/internal/analytics"
	"github.com/white/activity-engine/internal/cache"
	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/internal/repositories"
	"github.com/white/activity-engine/pkg/uuid"
)

// ReasonRejected marks jobs the queue refused at enqueue time
const ReasonRejected = "enqueue_rejected"

// maxQueryLimit caps caller-supplied query limits
const maxQueryLimit = 1000

// ActivityService logs and updates activities and serves the derived views
type ActivityService struct {
	store     ActivityStore
	registry  *Registry
	jobs      JobQueue
	rejected  queue.DeadLetterSink
	cache     AnalyticsCache
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewActivityService creates a new activity service. cache and publisher may
// be nil.
func NewActivityService(
	store ActivityStore,
	registry *Registry,
	jobs JobQueue,
	rejected queue.DeadLetterSink,
	analyticsCache AnalyticsCache,
	publisher EventPublisher,
	logger *slog.Logger,
) *ActivityService {
	if registry == nil {
		registry = NewRegistry()
	}
	if analyticsCache == nil {
		analyticsCache = noopCache{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityService{
		store:     store,
		registry:  registry,
		jobs:      jobs,
		rejected:  rejected,
		cache:     analyticsCache,
		publisher: publisher,
		logger:    logger.With("component", "activities"),
		now:       time.Now,
	}
}

// LogActivity validates and stores a new activity, then schedules its
// post-processing
func (s *ActivityService) LogActivity(ctx context.Context, userID string, input models.ActivityInput) (*models.Activity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &models.Activity{
		ID:           uuid.MustNewUUIDAt(now),
		UserID:       userID,
		ContactID:    input.ContactID,
		DealID:       input.DealID,
		LeadID:       input.LeadID,
		Type:         input.Type,
		Subtype:      input.Subtype,
		Subject:      strings.TrimSpace(input.Subject),
		Description:  input.Description,
		Outcome:      input.Outcome,
		Status:       input.Status,
		Priority:     input.Priority,
		Direction:    input.Direction,
		Channel:      input.Channel,
		ScheduledAt:  input.ScheduledAt,
		StartedAt:    input.StartedAt,
		CompletedAt:  input.CompletedAt,
		Participants: input.Participants,
		Attachments:  input.Attachments,
		Tags:         input.Tags,
		CustomFields: input.CustomFields,
		Metadata:     input.Metadata,
		CreatedBy:    strings.TrimSpace(input.CreatedBy),
		AssignedTo:   input.AssignedTo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	applyDefaults(a, now)
	if err := checkTimestamps(a); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, a); err != nil {
		return nil, storageErr("insert activity", err)
	}
	s.registry.Put(a)

	jobs := []queue.Job{queue.ProcessTriggers{ActivityID: a.ID, Event: models.EventActivityLogged}}
	if a.ContactID != "" {
		jobs = append(jobs, queue.UpdateEngagement{ActivityID: a.ID, ContactID: a.ContactID})
	}
	jobs = append(jobs, queue.GenerateInsights{ActivityID: a.ID})
	s.enqueue(ctx, jobs...)

	s.invalidate(ctx, a.UserID)
	s.publish(ctx, events.EventActivityLogged, a, nil)

	s.logger.Info("activity logged", "activity_id", a.ID, "type", a.Type, "user_id", a.UserID)
	return a.Clone(), nil
}

// UpdateActivity merges patch onto the stored activity
func (s *ActivityService) UpdateActivity(ctx context.Context, id string, patch models.ActivityPatch) (*models.Activity, error) {
	return s.update(ctx, id, patch, true)
}

// update applies a patch. followUp=false skips the completion job, used by
// sequence steps so their writes do not re-trigger sequences.
func (s *ActivityService) update(ctx context.Context, id string, patch models.ActivityPatch, followUp bool) (*models.Activity, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	existing, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated := existing.Clone()
	mergePatch(updated, patch)
	if updated.Status == models.StatusCompleted && updated.CompletedAt == nil {
		updated.CompletedAt = &now
	}
	if err := checkTimestamps(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = now

	if err := s.store.Update(ctx, updated); err != nil {
		if repositories.IsNotFound(err) {
			s.registry.Remove(id)
			return nil, &NotFoundError{Resource: "activity", ID: id}
		}
		return nil, storageErr("update activity", err)
	}
	s.registry.Put(updated)

	completed := patch.Status != nil && *patch.Status == models.StatusCompleted
	outcomeChanged := patch.Outcome != nil && *patch.Outcome != existing.Outcome

	if followUp && (completed || outcomeChanged) {
		jobs := []queue.Job{queue.ProcessCompletion{
			ActivityID:     id,
			Completed:      completed,
			OutcomeChanged: outcomeChanged,
		}}
		if updated.ContactID != "" {
			jobs = append(jobs, queue.UpdateEngagement{ActivityID: id, ContactID: updated.ContactID})
		}
		s.enqueue(ctx, jobs...)
	}

	s.invalidate(ctx, updated.UserID)
	s.publish(ctx, events.EventActivityUpdated, updated, nil)
	if completed && existing.Status != models.StatusCompleted {
		s.publish(ctx, events.EventActivityCompleted, updated, nil)
	}
	return updated.Clone(), nil
}

// DeleteActivity removes an activity. Queued jobs for it are dropped when
// they run.
func (s *ActivityService) DeleteActivity(ctx context.Context, id string) error {
	existing, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if repositories.IsNotFound(err) {
			s.registry.Remove(id)
			return &NotFoundError{Resource: "activity", ID: id}
		}
		return storageErr("delete activity", err)
	}
	s.registry.Remove(id)

	s.invalidate(ctx, existing.UserID)
	s.publish(ctx, events.EventActivityDeleted, existing, nil)
	return nil
}

// GetActivity returns one activity
func (s *ActivityService) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	return s.load(ctx, id)
}

// GetActivities lists the user's activities, newest first
func (s *ActivityService) GetActivities(ctx context.Context, userID string, filter models.ActivityFilter) ([]*models.Activity, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, invalid("types", "unknown activity type %q", t)
		}
	}
	if filter.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if filter.Limit == 0 || filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	filter.UserID = userID

	activities, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, storageErr("query activities", err)
	}
	return activities, nil
}

// GetAnalytics returns the user's analytics report for period. Named periods
// are served from the cache while fresh.
func (s *ActivityService) GetAnalytics(ctx context.Context, userID string, period models.Period) (*models.ActivityAnalytics, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	cacheable := slices.Contains(models.KnownPeriods, period)

	if cacheable {
		report, err := s.cache.GetAnalytics(ctx, userID, period)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("analytics cache read failed", "user_id", userID, "error", &DependencyError{Dependency: "cache", Err: err})
		}
	}

	now := s.now().UTC()
	since := analytics.PeriodStart(period, now)
	activities, err := s.store.Query(ctx, models.ActivityFilter{UserID: userID, Since: &since})
	if err != nil {
		return nil, storageErr("query activities", err)
	}

	report := analytics.Compute(userID, activities, period, now)
	if cacheable {
		if err := s.cache.SetAnalytics(ctx, report); err != nil {
			s.logger.Warn("analytics cache write failed", "user_id", userID, "error", &DependencyError{Dependency: "cache", Err: err})
		}
	}
	return report, nil
}

// GetTimeline builds the interaction timeline of a contact from the
// user's own activities
func (s *ActivityService) GetTimeline(ctx context.Context, userID, contactID string) (*models.InteractionTimeline, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	if contactID == "" {
		return nil, invalid("contactId", "is required")
	}

	activities, err := s.store.Query(ctx, models.ActivityFilter{UserID: userID, ContactID: contactID})
	if err != nil {
		return nil, storageErr("query activities", err)
	}

	timeline := analytics.BuildTimeline(contactID, activities, s.now().UTC())

	insights, err := s.cache.GetInsights(ctx, userID, contactID)
	switch {
	case err == nil:
		timeline.Insights = insights
	case !errors.Is(err, cache.ErrCacheMiss):
		s.logger.Warn("insight cache read failed", "contact_id", contactID, "error", err)
	}
	return timeline, nil
}

// load reads an activity from the registry, falling back to the store
func (s *ActivityService) load(ctx context.Context, id string) (*models.Activity, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}
	if a, ok := s.registry.Get(id); ok {
		return a, nil
	}

	a, err := s.store.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, &NotFoundError{Resource: "activity", ID: id}
		}
		return nil, storageErr("get activity", err)
	}
	s.registry.Put(a)
	return a, nil
}

// enqueue hands jobs to the queue. A rejected batch is dead-lettered; the
// mutation that produced it has already been persisted and stands.
func (s *ActivityService) enqueue(ctx context.Context, jobs ...queue.Job) {
	err := s.jobs.Enqueue(jobs...)
	if err == nil {
		return
	}

	s.logger.Error("failed to enqueue post-processing", "subject", jobs[0].Subject(), "jobs", len(jobs), "error", err)
	if s.rejected == nil {
		return
	}
	now := s.now().UTC()
	for _, job := range jobs {
		env := queue.Envelope{ID: uuid.MustNewUUIDAt(now), Job: job, EnqueuedAt: now, LastError: err.Error()}
		if err := s.rejected.DeadLetter(ctx, env, ReasonRejected); err != nil {
			s.logger.Error("failed to persist dead letter", "job", job.Kind(), "error", err)
		}
	}
}

func (s *ActivityService) invalidate(ctx context.Context, userID string) {
	if err := s.cache.InvalidateAnalytics(ctx, userID); err != nil {
		s.logger.Warn("analytics cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (s *ActivityService) publish(ctx context.Context, t events.EventType, a *models.Activity, data map[string]any) {
	s.publisher.Publish(ctx, &events.ActivityEvent{
		Type:       t,
		Timestamp:  s.now().Unix(),
		UserID:     a.UserID,
		ActivityID: a.ID,
		ContactID:  a.ContactID,
		SequenceID: a.Metadata.SequenceID,
		Data:       data,
	})
}

func validateInput(in models.ActivityInput) error {
	if in.Type == "" {
		return invalid("type", "is required")
	}
	if !in.Type.Valid() {
		return invalid("type", "unknown activity type %q", in.Type)
	}
	if strings.TrimSpace(in.Subject) == "" {
		return invalid("subject", "is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return invalid("createdBy", "is required")
	}
	return validateEnums(&in.Outcome, &in.Status, &in.Priority, &in.Direction, &in.Channel)
}

func validatePatch(p models.ActivityPatch) error {
	if p.Subject != nil && strings.TrimSpace(*p.Subject) == "" {
		return invalid("subject", "must not be empty")
	}
	return validateEnums(p.Outcome, p.Status, p.Priority, p.Direction, p.Channel)
}

// validateEnums checks the optional enum fields. Nil and empty values pass.
func validateEnums(o *models.Outcome, st *models.ActivityStatus, p *models.Priority, d *models.Direction, c *models.Channel) error {
	if o != nil && *o != "" && !o.Valid() {
		return invalid("outcome", "unknown outcome %q", *o)
	}
	if st != nil && *st != "" && !st.Valid() {
		return invalid("status", "unknown status %q", *st)
	}
	if p != nil && *p != "" && !p.Valid() {
		return invalid("priority", "unknown priority %q", *p)
	}
	if d != nil && *d != "" && !d.Valid() {
		return invalid("direction", "unknown direction %q", *d)
	}
	if c != nil && *c != "" && !c.Valid() {
		return invalid("channel", "unknown channel %q", *c)
	}
	return nil
}

func applyDefaults(a *models.Activity, now time.Time) {
	if a.Status == "" {
		a.Status = models.StatusPlanned
		if a.CompletedAt != nil {
			a.Status = models.StatusCompleted
		}
	}
	if a.Status == models.StatusCompleted && a.CompletedAt == nil {
		a.CompletedAt = &now
	}
	if a.Priority == "" {
		a.Priority = models.PriorityMedium
	}
	if a.Outcome == "" {
		a.Outcome = models.OutcomePending
	}
}

func checkTimestamps(a *models.Activity) error {
	if a.StartedAt != nil && a.CompletedAt != nil && a.CompletedAt.Before(*a.StartedAt) {
		return invalid("completedAt", "must not be before startedAt")
	}
	return nil
}

func mergePatch(a *models.Activity, p models.ActivityPatch) {
	if p.Subject != nil {
		a.Subject = strings.TrimSpace(*p.Subject)
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Subtype != nil {
		a.Subtype = *p.Subtype
	}
	if p.Outcome != nil {
		a.Outcome = *p.Outcome
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Priority != nil {
		a.Priority = *p.Priority
	}
	if p.Direction != nil {
		a.Direction = *p.Direction
	}
	if p.Channel != nil {
		a.Channel = *p.Channel
	}
	if p.ContactID != nil {
		a.ContactID = *p.ContactID
	}
	if p.DealID != nil {
		a.DealID = *p.DealID
	}
	if p.LeadID != nil {
		a.LeadID = *p.LeadID
	}
	if p.AssignedTo != nil {
		a.AssignedTo = *p.AssignedTo
	}
	if p.ScheduledAt != nil {
		a.ScheduledAt = p.ScheduledAt
	}
	if p.StartedAt != nil {
		a.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		a.CompletedAt = p.CompletedAt
	}
	if p.Tags != nil {
		a.Tags = p.Tags
	}
	if p.Participants != nil {
		a.Participants = p.Participants
	}
	if p.Attachments != nil {
		a.Attachments = p.Attachments
	}
	if len(p.CustomFields) > 0 {
		if a.CustomFields == nil {
			a.CustomFields = make(map[string]any, len(p.CustomFields))
		}
		maps.Copy(a.CustomFields, p.CustomFields)
	}
}
