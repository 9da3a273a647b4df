package queue

import (
	"context"

	"github.com/white/activity-engine/internal/models"
)

// Kind names a job variant
type Kind string

const (
	KindProcessTriggers   Kind = "process_triggers"
	KindUpdateEngagement  Kind = "update_engagement"
	KindGenerateInsights  Kind = "generate_insights"
	KindProcessCompletion Kind = "process_completion"
	KindAdvanceSequence   Kind = "advance_sequence"
)

// Job is one unit of post-processing work. The set of jobs is closed:
// only the types declared in this file implement it.
type Job interface {
	Kind() Kind
	// Subject is the activity id, or the run id for sequence jobs
	Subject() string
	dispatch(ctx context.Context, h Handler) error
}

// Handler executes jobs, one method per kind
type Handler interface {
	ProcessTriggers(ctx context.Context, job ProcessTriggers) error
	UpdateEngagement(ctx context.Context, job UpdateEngagement) error
	GenerateInsights(ctx context.Context, job GenerateInsights) error
	ProcessCompletion(ctx context.Context, job ProcessCompletion) error
	AdvanceSequence(ctx context.Context, job AdvanceSequence) error
}

// ProcessTriggers evaluates sequence triggers for a logged activity
type ProcessTriggers struct {
	ActivityID string              `json:"activityId"`
	Event      models.TriggerEvent `json:"event"`
}

func (j ProcessTriggers) Kind() Kind      { return KindProcessTriggers }
func (j ProcessTriggers) Subject() string { return j.ActivityID }
func (j ProcessTriggers) dispatch(ctx context.Context, h Handler) error {
	return h.ProcessTriggers(ctx, j)
}

// UpdateEngagement refreshes the engagement score of the activity's contact
type UpdateEngagement struct {
	ActivityID string `json:"activityId"`
	ContactID  string `json:"contactId"`
}

func (j UpdateEngagement) Kind() Kind      { return KindUpdateEngagement }
func (j UpdateEngagement) Subject() string { return j.ActivityID }
func (j UpdateEngagement) dispatch(ctx context.Context, h Handler) error {
	return h.UpdateEngagement(ctx, j)
}

// GenerateInsights asks the insight generator about the activity
type GenerateInsights struct {
	ActivityID string `json:"activityId"`
}

func (j GenerateInsights) Kind() Kind      { return KindGenerateInsights }
func (j GenerateInsights) Subject() string { return j.ActivityID }
func (j GenerateInsights) dispatch(ctx context.Context, h Handler) error {
	return h.GenerateInsights(ctx, j)
}

// ProcessCompletion reacts to an activity being completed or its outcome
// changing
type ProcessCompletion struct {
	ActivityID     string `json:"activityId"`
	Completed      bool   `json:"completed"`
	OutcomeChanged bool   `json:"outcomeChanged"`
}

func (j ProcessCompletion) Kind() Kind      { return KindProcessCompletion }
func (j ProcessCompletion) Subject() string { return j.ActivityID }
func (j ProcessCompletion) dispatch(ctx context.Context, h Handler) error {
	return h.ProcessCompletion(ctx, j)
}

// AdvanceSequence moves a sequence run forward by one step
type AdvanceSequence struct {
	RunID string `json:"runId"`
}

func (j AdvanceSequence) Kind() Kind      { return KindAdvanceSequence }
func (j AdvanceSequence) Subject() string { return j.RunID }
func (j AdvanceSequence) dispatch(ctx context.Context, h Handler) error {
	return h.AdvanceSequence(ctx, j)
}
