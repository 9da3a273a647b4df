package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/internal/repositories"
	"github.com/white/activity-engine/pkg/smtp"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, msg *smtp.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type runnerFixture struct {
	runner     *sequenceRunner
	sequences  *SequenceService
	activities *ActivityService
	seqStore   *repositories.MemorySequenceRepository
	actStore   *repositories.MemoryActivityRepository
	jobs       *recordingQueue
	publisher  *recordingPublisher
	clock      *clock
}

func newRunnerFixture(t *testing.T, mailer Mailer) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		seqStore:  repositories.NewMemorySequenceRepository(),
		actStore:  repositories.NewMemoryActivityRepository(),
		jobs:      &recordingQueue{},
		publisher: &recordingPublisher{},
		clock:     newClock(t0),
	}
	f.activities = NewActivityService(f.actStore, NewRegistry(), f.jobs, nil, nil, f.publisher, quietLogger())
	f.activities.now = f.clock.Now
	f.runner = &sequenceRunner{
		sequences:   f.seqStore,
		activities:  f.activities,
		jobs:        f.jobs,
		mailer:      mailer,
		publisher:   f.publisher,
		logger:      quietLogger(),
		now:         f.clock.Now,
		maxAttempts: 2,
		baseBackoff: time.Minute,
		maxBackoff:  10 * time.Minute,
	}
	f.sequences = &SequenceService{
		store:      f.seqStore,
		activities: f.activities,
		runner:     f.runner,
		logger:     quietLogger(),
		now:        f.clock.Now,
	}
	return f
}

func (f *runnerFixture) sequence(t *testing.T, input models.SequenceInput) *models.ActivitySequence {
	t.Helper()
	if input.Name == "" {
		input.Name = "Nurture"
	}
	seq, err := f.sequences.CreateSequence(context.Background(), "u1", input)
	require.NoError(t, err)
	return seq
}

func (f *runnerFixture) activity(t *testing.T, mutate func(*models.ActivityInput)) *models.Activity {
	t.Helper()
	in := introCall()
	in.ContactID = "c1"
	if mutate != nil {
		mutate(&in)
	}
	a, err := f.activities.LogActivity(context.Background(), "u1", in)
	require.NoError(t, err)
	return a
}

func (f *runnerFixture) run(t *testing.T, id string) *models.SequenceRun {
	t.Helper()
	run, err := f.seqStore.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (f *runnerFixture) advance(t *testing.T, runID string) *models.SequenceRun {
	t.Helper()
	require.NoError(t, f.runner.advance(context.Background(), runID))
	return f.run(t, runID)
}

func (f *runnerFixture) storedSequence(t *testing.T, id string) *models.ActivitySequence {
	t.Helper()
	seq, err := f.seqStore.Get(context.Background(), id)
	require.NoError(t, err)
	return seq
}

func TestCreateSequence_RejectsZeroSteps(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)

	_, err := f.sequences.CreateSequence(ctx, "u1", models.SequenceInput{Name: "Empty"})

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "at least one step")

	sequences, err := f.sequences.ListSequences(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sequences)
}

func TestCreateSequence_Validation(t *testing.T) {
	task := models.SequenceStep{Order: 1, Type: models.StepCreateTask}
	cases := map[string]models.SequenceInput{
		"missing name":         {Steps: []models.SequenceStep{task}},
		"unknown trigger type": {Name: "n", TriggerType: "hourly", Steps: []models.SequenceStep{task}},
		"unknown trigger event": {Name: "n", TriggerType: models.TriggerAutomatic,
			Triggers: []models.SequenceTrigger{{Event: "activity_exploded"}}, Steps: []models.SequenceStep{task}},
		"unknown step type": {Name: "n", Steps: []models.SequenceStep{{Order: 1, Type: "teleport"}}},
		"duplicate orders":  {Name: "n", Steps: []models.SequenceStep{task, task}},
		"wait without duration": {Name: "n", Steps: []models.SequenceStep{{Order: 1, Type: models.StepWait}}},
	}

	f := newRunnerFixture(t, nil)
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.sequences.CreateSequence(context.Background(), "u1", input)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestCreateSequence_NormalizesSteps(t *testing.T) {
	f := newRunnerFixture(t, nil)

	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 3, Type: models.StepCreateTask},
		{Order: 1, Type: models.StepWait, Config: map[string]any{"hours": 2}},
		{Order: 2, ID: "keep-me", Type: models.StepCreateActivity},
	}})

	require.Len(t, seq.Steps, 3)
	for i, step := range seq.Steps {
		assert.Equal(t, i+1, step.Order)
		assert.NotEmpty(t, step.ID)
	}
	assert.Equal(t, "keep-me", seq.Steps[1].ID)
	assert.True(t, seq.IsActive)
	assert.Equal(t, models.TriggerManual, seq.TriggerType)

	got, err := f.sequences.GetSequence(context.Background(), seq.ID)
	require.NoError(t, err)
	assert.Equal(t, seq.Steps, got.Steps)

	_, err = f.sequences.GetSequence(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestSequenceRun_WaitThenConditionNotMet(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepCreateTask, Config: map[string]any{"subject": "Prepare agenda", "dueInHours": 48}},
		{Order: 2, Type: models.StepWait, Config: map[string]any{"hours": 1}},
		{Order: 3, Type: models.StepCondition, Config: map[string]any{"field": "outcome", "value": "positive"}},
		{Order: 4, Type: models.StepUpdateField, Config: map[string]any{"field": "priority", "value": "high"}},
	}})
	a := f.activity(t, func(in *models.ActivityInput) {
		in.Outcome, in.Status = models.OutcomePending, models.StatusPlanned
	})

	run, created, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.RunID(seq.ID, a.ID, models.EventManual), run.ID)
	assert.Equal(t, models.RunPending, run.State)
	job, _ := f.jobs.Last()
	assert.Equal(t, queue.AdvanceSequence{RunID: run.ID}, job)

	// step 1: create_task
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunRunning, run.State)
	assert.Equal(t, 1, run.CurrentStep)
	require.Len(t, run.History, 1)
	assert.Equal(t, models.StepStatusDone, run.History[0].Status)

	tasks, err := f.actStore.Query(ctx, models.ActivityFilter{ContactID: "c1", Types: []models.ActivityType{models.ActivityTypeTask}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "Prepare agenda", task.Subject)
	assert.Equal(t, models.StatusPlanned, task.Status)
	assert.True(t, task.FromSequence())
	assert.Equal(t, seq.ID, task.Metadata.SequenceID)
	assert.Equal(t, "u1", task.AssignedTo)
	require.NotNil(t, task.ScheduledAt)
	assert.Equal(t, t0.Add(48*time.Hour), *task.ScheduledAt)

	// step 2: arriving at the wait parks the run
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	require.NotNil(t, run.NextRunAt)
	assert.Equal(t, t0.Add(time.Hour), *run.NextRunAt)
	_, at := f.jobs.Last()
	assert.Equal(t, t0.Add(time.Hour), at)

	// an early wake-up only reschedules
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, 1, run.CurrentStep)

	f.clock.Advance(time.Hour)
	run = f.advance(t, run.ID)
	assert.Equal(t, 2, run.CurrentStep)
	assert.Nil(t, run.NextRunAt)

	// step 3: condition fails and ends the run
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunCompleted, run.State)
	require.Len(t, run.History, 3)
	assert.Equal(t, models.StepStatusSkipped, run.History[2].Status)
	require.NotNil(t, run.CompletedAt)

	stored, err := f.actStore.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, stored.Priority)

	stats := f.storedSequence(t, seq.ID).Analytics
	assert.Equal(t, 1, stats.ExecutionCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 100.0, stats.CompletionRate)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, time.Hour.Seconds(), stats.AverageExecutionTime)

	assert.Contains(t, f.publisher.Types(), events.EventSequenceRunStarted)
	assert.Contains(t, f.publisher.Types(), events.EventSequenceRunCompleted)

	// terminal runs ignore further advances
	assert.NoError(t, f.runner.advance(ctx, run.ID))
}

func TestSequenceRun_UpdateFieldDoesNotRetrigger(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepCondition, Config: map[string]any{"field": "outcome", "operator": "in", "value": []any{"positive", "neutral"}}},
		{Order: 2, Type: models.StepUpdateField, Config: map[string]any{"field": "status", "value": "completed"}},
		{Order: 3, Type: models.StepUpdateField, Config: map[string]any{"field": "custom.stage", "value": "proposal"}},
	}})
	a := f.activity(t, func(in *models.ActivityInput) { in.Status = models.StatusInProgress })

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	f.jobs.Reset()

	for range 4 {
		run = f.advance(t, run.ID)
	}
	assert.Equal(t, models.RunCompleted, run.State)

	stored, err := f.actStore.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, "proposal", stored.CustomFields["stage"])
	assert.NotContains(t, f.jobs.Kinds(), queue.KindProcessCompletion)
}

func TestSequenceRun_StepConditionsSkipStep(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepCreateTask, Conditions: map[string]any{"channel": "email"}},
	}})
	a := f.activity(t, func(in *models.ActivityInput) { in.Channel = models.ChannelCall })

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	f.advance(t, run.ID)
	run = f.advance(t, run.ID)

	assert.Equal(t, models.RunCompleted, run.State)
	require.Len(t, run.History, 1)
	assert.Equal(t, models.StepStatusSkipped, run.History[0].Status)
	tasks, err := f.actStore.Query(ctx, models.ActivityFilter{Types: []models.ActivityType{models.ActivityTypeTask}})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSequenceRun_RetriesFailingStepThenFails(t *testing.T) {
	ctx := context.Background()
	mailer := &mockMailer{}
	mailer.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	f := newRunnerFixture(t, mailer)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepSendEmail, Config: map[string]any{"to": "buyer@acme.io", "subject": "Hello", "body": "Hi"}},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)

	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, 1, run.Attempts)
	assert.Contains(t, run.Error, "connection reset")
	require.NotNil(t, run.NextRunAt)
	assert.Equal(t, t0.Add(time.Minute), *run.NextRunAt)

	f.clock.Advance(time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunFailed, run.State)
	require.Len(t, run.History, 1)
	assert.Equal(t, models.StepStatusFailed, run.History[0].Status)

	mailer.AssertNumberOfCalls(t, "Send", 2)
	stats := f.storedSequence(t, seq.ID).Analytics
	assert.Equal(t, 1, stats.FailedCount)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Contains(t, f.publisher.Types(), events.EventSequenceRunFailed)
}

func TestSequenceRun_SendsEmailToContact(t *testing.T) {
	ctx := context.Background()
	mailer := &mockMailer{}
	mailer.On("Send", mock.Anything, mock.MatchedBy(func(msg *smtp.Message) bool {
		return len(msg.To) == 1 && msg.To[0] == "buyer@acme.io" && msg.Subject == "Nurture"
	})).Return(nil)
	f := newRunnerFixture(t, mailer)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepSendEmail, Config: map[string]any{"body": "Thanks for your time"}},
	}})
	a := f.activity(t, func(in *models.ActivityInput) {
		in.Participants = []models.Participant{
			{Name: "Rep", Email: "rep@white.io", IsInternal: true},
			{Name: "Buyer", Email: "buyer@acme.io"},
		}
	})

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	run = f.advance(t, run.ID)

	assert.Equal(t, "email sent to buyer@acme.io", run.History[0].Detail)
	mailer.AssertExpectations(t)

	emails, err := f.actStore.Query(ctx, models.ActivityFilter{Types: []models.ActivityType{models.ActivityTypeEmail}})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.True(t, emails[0].FromSequence())
	assert.Equal(t, models.DirectionOutbound, emails[0].Direction)
	assert.Equal(t, "c1", emails[0].ContactID)
}

func TestSequenceRun_PermanentStepFailure(t *testing.T) {
	ctx := context.Background()
	mailer := &mockMailer{}
	f := newRunnerFixture(t, mailer)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepSendEmail, Config: map[string]any{"body": "b"}},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	run = f.advance(t, run.ID)

	assert.Equal(t, models.RunFailed, run.State)
	assert.Equal(t, 1, run.Attempts)
	assert.Contains(t, run.Error, "no email recipient")
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSequenceRun_NoMailerSkipsEmail(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepSendEmail, Config: map[string]any{"to": "x@y.io", "body": "b"}},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	run = f.advance(t, run.ID)

	assert.Equal(t, models.RunRunning, run.State)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Contains(t, run.History[0].Detail, "skipped")
}

func TestSequenceRun_StepDelay(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepCreateTask, DelayMinutes: 30},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)

	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, t0.Add(30*time.Minute), *run.NextRunAt)
	assert.Empty(t, run.History)

	f.clock.Advance(30 * time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Equal(t, models.StepStatusDone, run.History[0].Status)
}

func TestSequenceRun_TriggerDelayThenStepDelay(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepCreateTask, DelayMinutes: 30},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventActivityLogged, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.State)
	assert.Equal(t, t0.Add(10*time.Minute), f.jobs.lastAt())

	// too early: the run is only rescheduled
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunPending, run.State)
	assert.Equal(t, t0.Add(10*time.Minute), *run.NextRunAt)

	f.clock.Advance(10 * time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, 0, run.CurrentStep)
	assert.Empty(t, run.History)
	assert.Equal(t, t0.Add(40*time.Minute), *run.NextRunAt)
	assert.Equal(t, t0.Add(40*time.Minute), f.jobs.lastAt())

	f.clock.Advance(29 * time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Empty(t, run.History)

	f.clock.Advance(time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, 1, run.CurrentStep)
	require.Len(t, run.History, 1)
	assert.Equal(t, models.StepStatusDone, run.History[0].Status)
	assert.Equal(t, t0.Add(40*time.Minute), run.History[0].ExecutedAt)
}

func TestSequenceRun_TriggerDelayThenWaitStep(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{
		{Order: 1, Type: models.StepWait, Config: map[string]any{"days": 2}},
		{Order: 2, Type: models.StepCreateTask},
	}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventActivityLogged, 10*time.Minute)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, t0.Add(10*time.Minute+48*time.Hour), *run.NextRunAt)

	f.clock.Advance(47 * time.Hour)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunStepWaiting, run.State)
	assert.Equal(t, 0, run.CurrentStep)

	f.clock.Advance(time.Hour)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunRunning, run.State)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Equal(t, "waited", run.History[0].Detail)
}

func TestSequenceRun_RetriesUndeliveredCompletionEvent(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{{Order: 1, Type: models.StepCreateTask}}})
	a := f.activity(t, nil)

	run, _, err := f.runner.start(ctx, seq, a, models.EventManual, 0)
	require.NoError(t, err)
	run = f.advance(t, run.ID)
	require.Equal(t, 1, run.CurrentStep)

	f.publisher.confirmErr = errors.New("broker unavailable")
	err = f.runner.advance(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, IsDependency(err))

	run = f.run(t, run.ID)
	assert.Equal(t, models.RunCompleted, run.State)
	assert.False(t, run.Notified)
	assert.NotContains(t, f.publisher.Types(), events.EventSequenceRunCompleted)

	// the retried job only delivers the event
	f.publisher.confirmErr = nil
	run = f.advance(t, run.ID)
	assert.True(t, run.Notified)
	assert.Len(t, run.History, 1)
	assert.Equal(t, 1, f.storedSequence(t, seq.ID).Analytics.CompletedCount)

	run = f.advance(t, run.ID)
	completed := 0
	for _, typ := range f.publisher.Types() {
		if typ == events.EventSequenceRunCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestSequenceRun_FailsWhenDeactivatedOrActivityDeleted(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{{Order: 1, Type: models.StepCreateTask}}})

	first := f.activity(t, nil)
	run, _, err := f.runner.start(ctx, seq, first, models.EventManual, 0)
	require.NoError(t, err)
	_, err = f.sequences.SetSequenceActive(ctx, seq.ID, false)
	require.NoError(t, err)
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunFailed, run.State)
	assert.Equal(t, "sequence was deactivated", run.Error)

	_, err = f.sequences.SetSequenceActive(ctx, seq.ID, true)
	require.NoError(t, err)
	second := f.activity(t, nil)
	run, _, err = f.runner.start(ctx, seq, second, models.EventManual, 0)
	require.NoError(t, err)
	require.NoError(t, f.activities.DeleteActivity(ctx, second.ID))
	run = f.advance(t, run.ID)
	assert.Equal(t, models.RunFailed, run.State)
	assert.Equal(t, "triggering activity no longer exists", run.Error)

	assert.Equal(t, 2, f.storedSequence(t, seq.ID).Analytics.FailedCount)
}

func TestTrigger_MatchesReactiveSequences(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	steps := []models.SequenceStep{{Order: 1, Type: models.StepCreateTask}}
	inactive := false

	onLogged := f.sequence(t, models.SequenceInput{Name: "VIP calls", TriggerType: models.TriggerAutomatic, Steps: steps,
		Triggers: []models.SequenceTrigger{{Type: models.TriggerAutomatic, Conditions: map[string]any{
			"type": []any{"call", "meeting"},
			"tag":  "vip",
		}}}})
	onCompleted := f.sequence(t, models.SequenceInput{Name: "After completion", TriggerType: models.TriggerEventBased, Steps: steps,
		Triggers: []models.SequenceTrigger{{Type: models.TriggerEventBased, Event: models.EventActivityCompleted, DelayMinutes: 15}}})
	f.sequence(t, models.SequenceInput{Name: "Manual", Steps: steps})
	f.sequence(t, models.SequenceInput{Name: "Off", TriggerType: models.TriggerAutomatic, Steps: steps, IsActive: &inactive})

	vip := f.activity(t, func(in *models.ActivityInput) { in.Tags = []string{"vip"} })
	plain := f.activity(t, nil)

	require.NoError(t, f.runner.trigger(ctx, vip, models.EventActivityLogged))
	require.NoError(t, f.runner.trigger(ctx, vip, models.EventActivityLogged))
	require.NoError(t, f.runner.trigger(ctx, plain, models.EventActivityLogged))

	runs, err := f.seqStore.ListRuns(ctx, onLogged.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, vip.ID, runs[0].ActivityID)
	assert.Equal(t, 1, f.storedSequence(t, onLogged.ID).Analytics.ExecutionCount)

	require.NoError(t, f.runner.trigger(ctx, plain, models.EventActivityCompleted))
	runs, err = f.seqStore.ListRuns(ctx, onCompleted.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPending, runs[0].State)
	assert.Equal(t, t0.Add(15*time.Minute), *runs[0].NextRunAt)

	resumable, err := f.seqStore.ListResumableRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, resumable, 2)
}

func TestTrigger_IgnoresActivitiesFromSequences(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{TriggerType: models.TriggerAutomatic,
		Steps: []models.SequenceStep{{Order: 1, Type: models.StepCreateActivity}}})
	generated := f.activity(t, func(in *models.ActivityInput) {
		in.Metadata = models.ActivityMetadata{Source: models.SourceSequence, SequenceID: seq.ID}
	})

	require.NoError(t, f.runner.trigger(ctx, generated, models.EventActivityLogged))

	runs, err := f.seqStore.ListRuns(ctx, seq.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerSequence_Manual(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t, nil)
	seq := f.sequence(t, models.SequenceInput{Steps: []models.SequenceStep{{Order: 1, Type: models.StepCreateTask}}})
	a := f.activity(t, nil)

	first, err := f.sequences.TriggerSequence(ctx, seq.ID, a.ID)
	require.NoError(t, err)
	second, err := f.sequences.TriggerSequence(ctx, seq.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	runs, err := f.sequences.ListRuns(ctx, seq.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = f.sequences.TriggerSequence(ctx, "missing", a.ID)
	assert.True(t, IsNotFound(err))
	_, err = f.sequences.TriggerSequence(ctx, seq.ID, "missing")
	assert.True(t, IsNotFound(err))

	other, err := f.activities.LogActivity(ctx, "u2", introCall())
	require.NoError(t, err)
	_, err = f.sequences.TriggerSequence(ctx, seq.ID, other.ID)
	assert.True(t, IsValidation(err))

	_, err = f.sequences.SetSequenceActive(ctx, seq.ID, false)
	require.NoError(t, err)
	_, err = f.sequences.TriggerSequence(ctx, seq.ID, a.ID)
	assert.True(t, IsValidation(err))
}

func TestEngine_AutomaticSequenceRunsOnceDespiteGeneratedActivities(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil)

	seq, err := f.engine.Sequences.CreateSequence(ctx, "u1", models.SequenceInput{
		Name:        "Call back",
		TriggerType: models.TriggerAutomatic,
		Steps: []models.SequenceStep{
			{Order: 1, Type: models.StepCreateActivity, Config: map[string]any{"type": "call", "subject": "Follow-up call"}},
		},
	})
	require.NoError(t, err)

	in := introCall()
	in.ContactID = "c1"
	_, err = f.engine.Activities.LogActivity(ctx, "u1", in)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runs, err := f.sequences.ListRuns(ctx, seq.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].State == models.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)
	f.drained(t)

	runs, err := f.sequences.ListRuns(ctx, seq.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	contactActivities, err := f.activities.Query(ctx, models.ActivityFilter{ContactID: "c1"})
	require.NoError(t, err)
	assert.Len(t, contactActivities, 2)
}

func TestEngine_ResumesUnfinishedRuns(t *testing.T) {
	ctx := context.Background()
	activities := repositories.NewMemoryActivityRepository()
	sequences := repositories.NewMemorySequenceRepository()

	a := &models.Activity{ID: "a1", UserID: "u1", ContactID: "c1", Type: models.ActivityTypeCall, Subject: "call", CreatedBy: "u1", CreatedAt: t0}
	require.NoError(t, activities.Insert(ctx, a))
	seq := &models.ActivitySequence{ID: "s1", UserID: "u1", Name: "Resume me", TriggerType: models.TriggerManual, IsActive: true, CreatedAt: t0,
		Steps: []models.SequenceStep{{ID: "st1", Order: 1, Type: models.StepCreateTask}, {ID: "st2", Order: 2, Type: models.StepCreateTask}}}
	require.NoError(t, sequences.Insert(ctx, seq))
	run := &models.SequenceRun{ID: models.RunID("s1", "a1", models.EventManual), SequenceID: "s1", UserID: "u1", ActivityID: "a1",
		State: models.RunRunning, CurrentStep: 1, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, sequences.InsertRun(ctx, run))

	newEngineFixture(t, func(d *Deps, _ *Options) {
		d.Activities = activities
		d.Sequences = sequences
	})

	require.Eventually(t, func() bool {
		stored, err := sequences.GetRun(ctx, run.ID)
		return err == nil && stored.State == models.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)

	tasks, err := activities.Query(ctx, models.ActivityFilter{Types: []models.ActivityType{models.ActivityTypeTask}})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
