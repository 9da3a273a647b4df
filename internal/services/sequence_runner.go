package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/internal/repositories"
	"github.com/white/activity-engine/pkg/smtp"
)

// defaultTaskDueHours applies to create_task steps without dueInHours
const defaultTaskDueHours = 24

// sequenceRunner starts sequence runs and moves them through their steps.
// Every transition is persisted before the next job is scheduled, so a
// restarted engine resumes runs from their last recorded step.
type sequenceRunner struct {
	sequences  SequenceStore
	activities *ActivityService
	jobs       JobQueue
	mailer     Mailer
	publisher  EventPublisher
	logger     *slog.Logger
	now        func() time.Time

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// serializes read-modify-write of sequence analytics
	statsMu sync.Mutex
}

// trigger starts every active, reactive sequence of the activity's owner
// whose triggers match event. Activities created by sequences are ignored.
func (r *sequenceRunner) trigger(ctx context.Context, a *models.Activity, event models.TriggerEvent) error {
	if a.FromSequence() {
		return nil
	}

	sequences, err := r.sequences.ListActive(ctx, a.UserID)
	if err != nil {
		return storageErr("list active sequences", err)
	}

	var errs []error
	for _, seq := range sequences {
		if !seq.TriggerType.Reactive() {
			continue
		}
		trig, ok := matchingTrigger(seq, a, event)
		if !ok {
			continue
		}
		delay := time.Duration(trig.DelayMinutes) * time.Minute
		if _, _, err := r.start(ctx, seq, a, event, delay); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// matchingTrigger returns the first trigger of seq that fires for event.
// A reactive sequence without triggers fires on every logged activity.
func matchingTrigger(seq *models.ActivitySequence, a *models.Activity, event models.TriggerEvent) (models.SequenceTrigger, bool) {
	triggers := seq.Triggers
	if len(triggers) == 0 {
		triggers = []models.SequenceTrigger{{Type: seq.TriggerType}}
	}
	for _, t := range triggers {
		if t.ListensTo(event) && matchConditions(t.Conditions, a) {
			return t, true
		}
	}
	return models.SequenceTrigger{}, false
}

// start creates the run for (seq, activity, event) and schedules its first
// advance. A run that already exists is returned with created=false.
func (r *sequenceRunner) start(ctx context.Context, seq *models.ActivitySequence, a *models.Activity, event models.TriggerEvent, delay time.Duration) (run *models.SequenceRun, created bool, err error) {
	now := r.now().UTC()
	run = &models.SequenceRun{
		ID:         models.RunID(seq.ID, a.ID, event),
		SequenceID: seq.ID,
		UserID:     seq.UserID,
		ActivityID: a.ID,
		ContactID:  a.ContactID,
		Event:      event,
		State:      models.RunPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// A trigger delay holds the run before its first step. The run stays
	// pending so the step's own delay still applies when it is reached.
	if delay > 0 {
		next := now.Add(delay)
		run.NextRunAt = &next
	}

	if err := r.sequences.InsertRun(ctx, run); err != nil {
		if repositories.IsDuplicateKey(err) {
			existing, getErr := r.sequences.GetRun(ctx, run.ID)
			if getErr != nil {
				return nil, false, storageErr("get sequence run", getErr)
			}
			return existing, false, nil
		}
		return nil, false, storageErr("insert sequence run", err)
	}

	r.updateAnalytics(ctx, seq.ID, func(s *models.SequenceAnalytics) {
		s.ExecutionCount++
	})
	r.publishRun(ctx, events.EventSequenceRunStarted, run, nil)
	r.logger.Info("sequence run started", "run_id", run.ID, "sequence_id", seq.ID, "event", event)

	if err := r.schedule(run); err != nil {
		return run, true, fmt.Errorf("scheduling run %s: %w", run.ID, err)
	}
	return run, true, nil
}

// resume re-schedules a run loaded from the store at startup
func (r *sequenceRunner) resume(run *models.SequenceRun) error {
	return r.schedule(run)
}

func (r *sequenceRunner) schedule(run *models.SequenceRun) error {
	job := queue.AdvanceSequence{RunID: run.ID}
	if run.NextRunAt != nil {
		return r.jobs.EnqueueAt(job, *run.NextRunAt)
	}
	return r.jobs.Enqueue(job)
}

// advance executes at most one step of the run
func (r *sequenceRunner) advance(ctx context.Context, runID string) error {
	run, err := r.sequences.GetRun(ctx, runID)
	if err != nil {
		if repositories.IsNotFound(err) {
			r.logger.Warn("sequence run vanished", "run_id", runID)
			return nil
		}
		return storageErr("get sequence run", err)
	}
	if run.State.Terminal() {
		if !run.Notified {
			return r.notify(ctx, run)
		}
		return nil
	}

	now := r.now().UTC()
	if run.NextRunAt != nil && now.Before(*run.NextRunAt) {
		return r.schedule(run)
	}

	seq, err := r.sequences.Get(ctx, run.SequenceID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return r.finish(ctx, run, nil, models.RunFailed, "sequence no longer exists")
		}
		return storageErr("get sequence", err)
	}
	if !seq.IsActive {
		return r.finish(ctx, run, seq, models.RunFailed, "sequence was deactivated")
	}

	steps := slices.Clone(seq.Steps)
	models.SortSteps(steps)
	if run.CurrentStep >= len(steps) {
		return r.finish(ctx, run, seq, models.RunCompleted, "")
	}
	step := steps[run.CurrentStep]

	if run.StartedAt == nil {
		run.StartedAt = &now
	}

	// Arriving at a step: honor its delay, and the duration of wait steps.
	// step_waiting is only set by wait, so the pause has been served.
	if run.State != models.RunStepWaiting {
		pause := step.Delay()
		if step.Type == models.StepWait {
			pause += step.WaitDuration()
		}
		if pause > 0 {
			return r.wait(ctx, run, now.Add(pause))
		}
	}

	run.State = models.RunRunning
	run.NextRunAt = nil

	activity, err := r.activities.load(ctx, run.ActivityID)
	if err != nil {
		if IsNotFound(err) {
			return r.finish(ctx, run, seq, models.RunFailed, "triggering activity no longer exists")
		}
		return err
	}

	exec := models.StepExecution{StepID: step.ID, Order: step.Order, Type: step.Type, ExecutedAt: now}

	if len(step.Conditions) > 0 && !matchConditions(step.Conditions, activity) {
		exec.Status = models.StepStatusSkipped
		exec.Detail = "step conditions not met"
		return r.next(ctx, run, exec)
	}

	detail, proceed, err := r.execute(ctx, seq, step, activity)
	if err != nil {
		return r.stepFailed(ctx, run, seq, exec, err)
	}

	exec.Status = models.StepStatusDone
	exec.Detail = detail
	if !proceed {
		exec.Status = models.StepStatusSkipped
		run.History = append(run.History, exec)
		return r.finish(ctx, run, seq, models.RunCompleted, "")
	}
	return r.next(ctx, run, exec)
}

// next records exec and moves the run to the following step
func (r *sequenceRunner) next(ctx context.Context, run *models.SequenceRun, exec models.StepExecution) error {
	run.History = append(run.History, exec)
	run.CurrentStep++
	run.Attempts = 0
	run.Error = ""
	run.State = models.RunRunning
	run.UpdatedAt = r.now().UTC()

	if err := r.sequences.UpdateRun(ctx, run); err != nil {
		return storageErr("update sequence run", err)
	}
	return r.jobs.Enqueue(queue.AdvanceSequence{RunID: run.ID})
}

func (r *sequenceRunner) wait(ctx context.Context, run *models.SequenceRun, until time.Time) error {
	run.State = models.RunStepWaiting
	run.NextRunAt = &until
	run.UpdatedAt = r.now().UTC()

	if err := r.sequences.UpdateRun(ctx, run); err != nil {
		return storageErr("update sequence run", err)
	}
	return r.jobs.EnqueueAt(queue.AdvanceSequence{RunID: run.ID}, until)
}

// stepFailed retries the step with backoff until the attempt ceiling, then
// fails the run. Permanent errors fail the run immediately.
func (r *sequenceRunner) stepFailed(ctx context.Context, run *models.SequenceRun, seq *models.ActivitySequence, exec models.StepExecution, stepErr error) error {
	run.Attempts++
	log := r.logger.With("run_id", run.ID, "step", exec.Order, "attempt", run.Attempts)

	if !queue.IsPermanent(stepErr) && run.Attempts < r.maxAttempts {
		run.Error = stepErr.Error()
		delay := queue.Backoff(r.baseBackoff, r.maxBackoff, run.Attempts)
		log.Warn("sequence step failed, retrying", "error", stepErr, "retry_in", delay)
		return r.wait(ctx, run, r.now().UTC().Add(delay))
	}

	exec.Status = models.StepStatusFailed
	exec.Detail = stepErr.Error()
	run.History = append(run.History, exec)
	log.Error("sequence step failed", "error", stepErr)
	return r.finish(ctx, run, seq, models.RunFailed, stepErr.Error())
}

// finish moves the run to a terminal state and folds it into the sequence
// analytics. seq may be nil when the sequence is gone.
func (r *sequenceRunner) finish(ctx context.Context, run *models.SequenceRun, seq *models.ActivitySequence, state models.RunState, reason string) error {
	now := r.now().UTC()
	run.State = state
	run.NextRunAt = nil
	run.CompletedAt = &now
	run.UpdatedAt = now
	if reason != "" {
		run.Error = reason
	}

	if err := r.sequences.UpdateRun(ctx, run); err != nil {
		return storageErr("update sequence run", err)
	}

	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	if seq != nil {
		r.updateAnalytics(ctx, seq.ID, func(s *models.SequenceAnalytics) {
			if state == models.RunCompleted {
				s.CompletedCount++
				s.TotalExecutionSecs += now.Sub(started).Seconds()
			} else {
				s.FailedCount++
			}
		})
	}

	r.logger.Info("sequence run finished", "run_id", run.ID, "state", state, "reason", reason)
	return r.notify(ctx, run)
}

// notify delivers the terminal run event and marks the run notified. A
// failed delivery is returned so the advance job is retried; the run itself
// is already final and is not executed again.
func (r *sequenceRunner) notify(ctx context.Context, run *models.SequenceRun) error {
	eventType := events.EventSequenceRunCompleted
	if run.State == models.RunFailed {
		eventType = events.EventSequenceRunFailed
	}
	event := r.runEvent(eventType, run, map[string]any{"steps": len(run.History), "error": run.Error})
	if err := r.publisher.PublishConfirmed(ctx, event); err != nil {
		return &DependencyError{Dependency: "events", Err: err}
	}

	run.Notified = true
	run.UpdatedAt = r.now().UTC()
	if err := r.sequences.UpdateRun(ctx, run); err != nil {
		return storageErr("update sequence run", err)
	}
	return nil
}

// updateAnalytics applies fn to the stored sequence analytics. Failures are
// logged; analytics never block a run.
func (r *sequenceRunner) updateAnalytics(ctx context.Context, sequenceID string, fn func(*models.SequenceAnalytics)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	seq, err := r.sequences.Get(ctx, sequenceID)
	if err != nil {
		r.logger.Warn("failed to load sequence analytics", "sequence_id", sequenceID, "error", err)
		return
	}
	fn(&seq.Analytics)
	seq.Analytics.Recompute()
	seq.UpdatedAt = r.now().UTC()
	if err := r.sequences.Update(ctx, seq); err != nil {
		r.logger.Warn("failed to store sequence analytics", "sequence_id", sequenceID, "error", err)
	}
}

func (r *sequenceRunner) publishRun(ctx context.Context, t events.EventType, run *models.SequenceRun, data map[string]any) {
	r.publisher.Publish(ctx, r.runEvent(t, run, data))
}

func (r *sequenceRunner) runEvent(t events.EventType, run *models.SequenceRun, data map[string]any) *events.ActivityEvent {
	return &events.ActivityEvent{
		Type:       t,
		Timestamp:  r.now().Unix(),
		UserID:     run.UserID,
		ActivityID: run.ActivityID,
		ContactID:  run.ContactID,
		SequenceID: run.SequenceID,
		RunID:      run.ID,
		Data:       data,
	}
}

// execute performs one step. proceed=false ends the run early.
func (r *sequenceRunner) execute(ctx context.Context, seq *models.ActivitySequence, step models.SequenceStep, a *models.Activity) (detail string, proceed bool, err error) {
	switch step.Type {
	case models.StepWait:
		return "waited", true, nil

	case models.StepCondition:
		ok, err := evaluateCondition(step.Config, a)
		if err != nil {
			return "", false, queue.Permanent(err)
		}
		if !ok {
			return "condition not met", false, nil
		}
		return "condition met", true, nil

	case models.StepCreateActivity:
		input := r.stepActivity(seq, step, a, models.ActivityTypeTask)
		created, err := r.activities.LogActivity(ctx, seq.UserID, input)
		if err != nil {
			return "", false, stepError(err)
		}
		return "created activity " + created.ID, true, nil

	case models.StepCreateTask:
		input := r.stepActivity(seq, step, a, models.ActivityTypeTask)
		input.Type = models.ActivityTypeTask
		input.Status = models.StatusPlanned
		input.CompletedAt = nil
		hours := models.ConfigInt(step.Config, "dueInHours")
		if hours <= 0 {
			hours = defaultTaskDueHours
		}
		due := r.now().UTC().Add(time.Duration(hours) * time.Hour)
		input.ScheduledAt = &due
		if input.AssignedTo == "" {
			input.AssignedTo = seq.UserID
		}
		created, err := r.activities.LogActivity(ctx, seq.UserID, input)
		if err != nil {
			return "", false, stepError(err)
		}
		return "created task " + created.ID, true, nil

	case models.StepSendEmail:
		return r.sendEmail(ctx, seq, step, a)

	case models.StepUpdateField:
		field := models.ConfigString(step.Config, "field")
		patch, err := fieldPatch(field, step.Config["value"])
		if err != nil {
			return "", false, queue.Permanent(err)
		}
		if _, err := r.activities.update(ctx, a.ID, patch, false); err != nil {
			return "", false, stepError(err)
		}
		return "updated " + field, true, nil
	}
	return "", false, queue.Permanent(fmt.Errorf("unknown step type %q", step.Type))
}

// stepActivity builds the input for an activity created by a step. It links
// to the same contact, deal and lead as the triggering activity.
func (r *sequenceRunner) stepActivity(seq *models.ActivitySequence, step models.SequenceStep, a *models.Activity, fallback models.ActivityType) models.ActivityInput {
	cfg := step.Config
	activityType := models.ActivityType(models.ConfigString(cfg, "type"))
	if activityType == "" {
		activityType = fallback
	}
	subject := models.ConfigString(cfg, "subject")
	if subject == "" {
		subject = fmt.Sprintf("%s: step %d", seq.Name, step.Order)
	}
	return models.ActivityInput{
		ContactID:   a.ContactID,
		DealID:      a.DealID,
		LeadID:      a.LeadID,
		Type:        activityType,
		Subject:     subject,
		Description: models.ConfigString(cfg, "description"),
		Priority:    models.Priority(models.ConfigString(cfg, "priority")),
		Channel:     models.Channel(models.ConfigString(cfg, "channel")),
		Status:      models.ActivityStatus(models.ConfigString(cfg, "status")),
		AssignedTo:  models.ConfigString(cfg, "assignTo"),
		Metadata: models.ActivityMetadata{
			Source:     models.SourceSequence,
			SequenceID: seq.ID,
		},
		CreatedBy: seq.UserID,
	}
}

func (r *sequenceRunner) sendEmail(ctx context.Context, seq *models.ActivitySequence, step models.SequenceStep, a *models.Activity) (string, bool, error) {
	if r.mailer == nil {
		return "mailer not configured, email skipped", true, nil
	}

	to := models.ConfigString(step.Config, "to")
	if to == "" {
		to = recipient(a)
	}
	if to == "" {
		return "", false, queue.Permanent(errors.New("no email recipient"))
	}

	subject := models.ConfigString(step.Config, "subject")
	if subject == "" {
		subject = seq.Name
	}
	msg := &smtp.Message{
		To:       []string{to},
		Subject:  subject,
		BodyText: models.ConfigString(step.Config, "body"),
		BodyHTML: models.ConfigString(step.Config, "html"),
	}
	if err := r.mailer.Send(ctx, msg); err != nil {
		if smtp.IsInvalidMessage(err) {
			return "", false, queue.Permanent(err)
		}
		return "", false, &DependencyError{Dependency: "mailer", Err: err}
	}

	// Sent emails are recorded on the contact's timeline
	input := models.ActivityInput{
		ContactID: a.ContactID,
		DealID:    a.DealID,
		LeadID:    a.LeadID,
		Type:      models.ActivityTypeEmail,
		Subject:   subject,
		Status:    models.StatusCompleted,
		Direction: models.DirectionOutbound,
		Channel:   models.ChannelEmail,
		Participants: []models.Participant{
			{Name: to, Email: to},
		},
		Metadata:  models.ActivityMetadata{Source: models.SourceSequence, SequenceID: seq.ID},
		CreatedBy: seq.UserID,
	}
	if _, err := r.activities.LogActivity(ctx, seq.UserID, input); err != nil {
		r.logger.Warn("failed to record sent email", "sequence_id", seq.ID, "error", err)
	}
	return "email sent to " + to, true, nil
}

// recipient picks the first external participant with an email address
func recipient(a *models.Activity) string {
	for _, p := range a.Participants {
		if !p.IsInternal && p.Email != "" {
			return p.Email
		}
	}
	return ""
}

// fieldPatch builds the patch for an update_field step. Unknown fields are
// written as custom fields.
func fieldPatch(field string, value any) (models.ActivityPatch, error) {
	var patch models.ActivityPatch
	s := strings.TrimSpace(fmt.Sprint(value))

	switch field {
	case "":
		return patch, errors.New("update_field step has no field")
	case "status":
		v := models.ActivityStatus(s)
		patch.Status = &v
	case "outcome":
		v := models.Outcome(s)
		patch.Outcome = &v
	case "priority":
		v := models.Priority(s)
		patch.Priority = &v
	case "assignedTo":
		patch.AssignedTo = &s
	default:
		patch.CustomFields = map[string]any{strings.TrimPrefix(field, "custom."): value}
	}
	return patch, validatePatch(patch)
}

// stepError marks caller-side failures as permanent so they are not retried
func stepError(err error) error {
	if IsValidation(err) || IsNotFound(err) {
		return queue.Permanent(err)
	}
	return err
}
