package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// SequenceTriggerType controls how a sequence is started
type SequenceTriggerType string

const (
	TriggerManual     SequenceTriggerType = "manual"
	TriggerAutomatic  SequenceTriggerType = "automatic"
	TriggerScheduled  SequenceTriggerType = "scheduled"
	TriggerEventBased SequenceTriggerType = "event_based"
)

// Valid reports whether t is a known trigger type
func (t SequenceTriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAutomatic, TriggerScheduled, TriggerEventBased:
		return true
	}
	return false
}

// Reactive reports whether sequences of this trigger type react to activity events
func (t SequenceTriggerType) Reactive() bool {
	return t == TriggerAutomatic || t == TriggerEventBased
}

// TriggerEvent is the activity lifecycle event a trigger listens to
type TriggerEvent string

const (
	EventActivityLogged    TriggerEvent = "activity_logged"
	EventActivityCompleted TriggerEvent = "activity_completed"
	EventOutcomeChanged    TriggerEvent = "outcome_changed"
	EventManual            TriggerEvent = "manual"
)

// SequenceStepType is the kind of work a step performs
type SequenceStepType string

const (
	StepCreateActivity SequenceStepType = "create_activity"
	StepSendEmail      SequenceStepType = "send_email"
	StepCreateTask     SequenceStepType = "create_task"
	StepUpdateField    SequenceStepType = "update_field"
	StepWait           SequenceStepType = "wait"
	StepCondition      SequenceStepType = "condition"
)

// Valid reports whether t is a known step type
func (t SequenceStepType) Valid() bool {
	switch t {
	case StepCreateActivity, StepSendEmail, StepCreateTask, StepUpdateField, StepWait, StepCondition:
		return true
	}
	return false
}

// SequenceTrigger describes when a sequence starts
type SequenceTrigger struct {
	Type         SequenceTriggerType `bson:"type" json:"type"`
	Event        TriggerEvent        `bson:"event,omitempty" json:"event,omitempty"`
	Conditions   map[string]any      `bson:"conditions,omitempty" json:"conditions,omitempty"`
	DelayMinutes int                 `bson:"delay_minutes,omitempty" json:"delayMinutes,omitempty"`
}

// ListensTo reports whether the trigger fires on the given event.
// An empty event means activity_logged.
func (t SequenceTrigger) ListensTo(event TriggerEvent) bool {
	if t.Event == "" {
		return event == EventActivityLogged
	}
	return t.Event == event
}

// SequenceStep is a single step of a sequence
type SequenceStep struct {
	ID           string           `bson:"id" json:"id"`
	Order        int              `bson:"order" json:"order"`
	Type         SequenceStepType `bson:"type" json:"type"`
	Config       map[string]any   `bson:"config,omitempty" json:"config,omitempty"`
	DelayMinutes int              `bson:"delay_minutes,omitempty" json:"delayMinutes,omitempty"`
	Conditions   map[string]any   `bson:"conditions,omitempty" json:"conditions,omitempty"`
}

// Delay returns the delay that precedes the step
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// WaitDuration returns the duration configured for a wait step.
// Accepts minutes, hours and days in the config map.
func (s SequenceStep) WaitDuration() time.Duration {
	var d time.Duration
	d += time.Duration(ConfigInt(s.Config, "minutes")) * time.Minute
	d += time.Duration(ConfigInt(s.Config, "hours")) * time.Hour
	d += time.Duration(ConfigInt(s.Config, "days")) * 24 * time.Hour
	return d
}

// SequenceAnalytics is the rolling execution summary of a sequence
type SequenceAnalytics struct {
	ExecutionCount       int     `bson:"execution_count" json:"executionCount"`
	CompletedCount       int     `bson:"completed_count" json:"completedCount"`
	FailedCount          int     `bson:"failed_count" json:"failedCount"`
	TotalExecutionSecs   float64 `bson:"total_execution_secs" json:"-"`
	CompletionRate       float64 `bson:"completion_rate" json:"completionRate"`
	AverageExecutionTime float64 `bson:"average_execution_time" json:"averageExecutionTime"`
	SuccessRate          float64 `bson:"success_rate" json:"successRate"`
}

// Recompute refreshes the derived rates from the raw counters
func (a *SequenceAnalytics) Recompute() {
	a.CompletionRate = 0
	a.AverageExecutionTime = 0
	a.SuccessRate = 0
	if a.ExecutionCount > 0 {
		a.CompletionRate = float64(a.CompletedCount) / float64(a.ExecutionCount) * 100
	}
	if a.CompletedCount > 0 {
		a.AverageExecutionTime = a.TotalExecutionSecs / float64(a.CompletedCount)
	}
	if finished := a.CompletedCount + a.FailedCount; finished > 0 {
		a.SuccessRate = float64(a.CompletedCount) / float64(finished) * 100
	}
}

// ActivitySequence is a named, reusable multi-step automation
type ActivitySequence struct {
	ID          string              `bson:"_id,omitempty" json:"id"`
	UserID      string              `bson:"user_id" json:"userId"`
	Name        string              `bson:"name" json:"name"`
	Description string              `bson:"description,omitempty" json:"description,omitempty"`
	TriggerType SequenceTriggerType `bson:"trigger_type" json:"triggerType"`
	Triggers    []SequenceTrigger   `bson:"triggers,omitempty" json:"triggers,omitempty"`
	Steps       []SequenceStep      `bson:"steps" json:"steps"`
	IsActive    bool                `bson:"is_active" json:"isActive"`
	Analytics   SequenceAnalytics   `bson:"analytics" json:"analytics"`
	CreatedAt   time.Time           `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time           `bson:"updated_at" json:"updatedAt"`
}

// SequenceInput carries the caller-supplied fields for creating a sequence
type SequenceInput struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	TriggerType SequenceTriggerType `json:"triggerType"`
	Triggers    []SequenceTrigger   `json:"triggers,omitempty"`
	Steps       []SequenceStep      `json:"steps"`
	IsActive    *bool               `json:"isActive,omitempty"`
}

// SortSteps orders steps ascending by Order
func SortSteps(steps []SequenceStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
}

// ValidateSteps checks step presence, ordering and per-type configuration
func ValidateSteps(steps []SequenceStep) error {
	if len(steps) == 0 {
		return errors.New("sequence must have at least one step")
	}

	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step.Order < 1 {
			return fmt.Errorf("step order must be positive, got %d", step.Order)
		}
		if seen[step.Order] {
			return fmt.Errorf("duplicate step order %d", step.Order)
		}
		seen[step.Order] = true

		if !step.Type.Valid() {
			return fmt.Errorf("step %d has unknown type %q", step.Order, step.Type)
		}
		if step.DelayMinutes < 0 {
			return fmt.Errorf("step %d has a negative delay", step.Order)
		}
		if step.Type == StepWait && step.WaitDuration() <= 0 {
			return fmt.Errorf("wait step %d needs a positive duration", step.Order)
		}
		if step.Type == StepUpdateField && ConfigString(step.Config, "field") == "" {
			return fmt.Errorf("update_field step %d needs a field", step.Order)
		}
		if step.Type == StepCondition && ConfigString(step.Config, "field") == "" {
			return fmt.Errorf("condition step %d needs a field", step.Order)
		}
	}

	return nil
}

// ConfigString reads a string value from a config map
func ConfigString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt reads an integer value from a config map. JSON numbers decode
// as float64 and BSON integers as int32/int64, so all are accepted.
func ConfigInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// RunState is the state of a sequence run
type RunState string

const (
	RunPending     RunState = "pending"
	RunRunning     RunState = "running"
	RunStepWaiting RunState = "step_waiting"
	RunCompleted   RunState = "completed"
	RunFailed      RunState = "failed"
)

// Terminal reports whether no further transitions can happen
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepExecution records the outcome of one executed step
type StepExecution struct {
	StepID     string           `bson:"step_id" json:"stepId"`
	Order      int              `bson:"order" json:"order"`
	Type       SequenceStepType `bson:"type" json:"type"`
	Status     string           `bson:"status" json:"status"`
	Detail     string           `bson:"detail,omitempty" json:"detail,omitempty"`
	ExecutedAt time.Time        `bson:"executed_at" json:"executedAt"`
}

// Step execution statuses
const (
	StepStatusDone    = "done"
	StepStatusSkipped = "skipped"
	StepStatusFailed  = "failed"
)

// SequenceRun is one execution instance of a sequence
type SequenceRun struct {
	ID          string          `bson:"_id" json:"id"`
	SequenceID  string          `bson:"sequence_id" json:"sequenceId"`
	UserID      string          `bson:"user_id" json:"userId"`
	ActivityID  string          `bson:"activity_id" json:"activityId"`
	ContactID   string          `bson:"contact_id,omitempty" json:"contactId,omitempty"`
	Event       TriggerEvent    `bson:"event" json:"event"`
	State       RunState        `bson:"state" json:"state"`
	CurrentStep int             `bson:"current_step" json:"currentStep"`
	NextRunAt   *time.Time      `bson:"next_run_at,omitempty" json:"nextRunAt,omitempty"`
	Attempts    int             `bson:"attempts" json:"attempts"`
	History     []StepExecution `bson:"history,omitempty" json:"history,omitempty"`
	Error       string          `bson:"error,omitempty" json:"error,omitempty"`
	// Notified is set once the terminal run event has been delivered
	Notified    bool            `bson:"notified" json:"notified"`
	StartedAt   *time.Time      `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time      `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	CreatedAt   time.Time       `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `bson:"updated_at" json:"updatedAt"`
}

// RunID derives the deterministic run identifier for a trigger firing
func RunID(sequenceID, activityID string, event TriggerEvent) string {
	return fmt.Sprintf("%s:%s:%s", sequenceID, activityID, event)
}
