package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/repositories"
	"github.com/white/activity-engine/pkg/uuid"
)

// SequenceService manages activity sequences and their manual triggering
type SequenceService struct {
	store      SequenceStore
	activities *ActivityService
	runner     *sequenceRunner
	logger     *slog.Logger
	now        func() time.Time
}

// CreateSequence validates and stores a new sequence. Steps are stored in
// ascending order; steps without an id get one.
func (s *SequenceService) CreateSequence(ctx context.Context, userID string, input models.SequenceInput) (*models.ActivitySequence, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}

	triggerType := input.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerManual
	}
	if !triggerType.Valid() {
		return nil, invalid("triggerType", "unknown trigger type %q", triggerType)
	}
	for i, t := range input.Triggers {
		if t.Type != "" && !t.Type.Valid() {
			return nil, invalid(fmt.Sprintf("triggers[%d].type", i), "unknown trigger type %q", t.Type)
		}
		switch t.Event {
		case "", models.EventActivityLogged, models.EventActivityCompleted, models.EventOutcomeChanged:
		default:
			return nil, invalid(fmt.Sprintf("triggers[%d].event", i), "unknown event %q", t.Event)
		}
		if t.DelayMinutes < 0 {
			return nil, invalid(fmt.Sprintf("triggers[%d].delayMinutes", i), "must not be negative")
		}
	}

	steps := slices.Clone(input.Steps)
	if err := models.ValidateSteps(steps); err != nil {
		return nil, invalid("steps", "%s", err.Error())
	}
	models.SortSteps(steps)
	now := s.now().UTC()
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.MustNewUUIDAt(now)
		}
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	seq := &models.ActivitySequence{
		ID:          uuid.MustNewUUIDAt(now),
		UserID:      userID,
		Name:        name,
		Description: input.Description,
		TriggerType: triggerType,
		Triggers:    input.Triggers,
		Steps:       steps,
		IsActive:    active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, seq); err != nil {
		return nil, storageErr("insert sequence", err)
	}

	s.logger.Info("sequence created", "sequence_id", seq.ID, "user_id", userID, "steps", len(steps))
	return seq, nil
}

// ListSequences lists the user's sequences, newest first
func (s *SequenceService) ListSequences(ctx context.Context, userID string) ([]*models.ActivitySequence, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}
	sequences, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, storageErr("list sequences", err)
	}
	return sequences, nil
}

// GetSequence returns one sequence
func (s *SequenceService) GetSequence(ctx context.Context, id string) (*models.ActivitySequence, error) {
	seq, err := s.store.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, &NotFoundError{Resource: "sequence", ID: id}
		}
		return nil, storageErr("get sequence", err)
	}
	return seq, nil
}

// SetSequenceActive activates or deactivates a sequence. Deactivated
// sequences stop triggering and their in-flight runs fail at the next step.
func (s *SequenceService) SetSequenceActive(ctx context.Context, id string, active bool) (*models.ActivitySequence, error) {
	s.runner.statsMu.Lock()
	defer s.runner.statsMu.Unlock()

	seq, err := s.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.IsActive == active {
		return seq, nil
	}
	seq.IsActive = active
	seq.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, seq); err != nil {
		return nil, storageErr("update sequence", err)
	}
	return seq, nil
}

// TriggerSequence starts a sequence for an activity by hand. Triggering the
// same pair twice returns the existing run.
func (s *SequenceService) TriggerSequence(ctx context.Context, sequenceID, activityID string) (*models.SequenceRun, error) {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.IsActive {
		return nil, invalid("sequenceId", "sequence is not active")
	}

	a, err := s.activities.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.UserID != seq.UserID {
		return nil, invalid("activityId", "activity belongs to another user")
	}

	run, _, err := s.runner.start(ctx, seq, a, models.EventManual, 0)
	if err != nil && run == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Error("sequence run created but not scheduled", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// ListRuns lists the runs of a sequence, newest first
func (s *SequenceService) ListRuns(ctx context.Context, sequenceID string, limit int) ([]*models.SequenceRun, error) {
	if _, err := s.GetSequence(ctx, sequenceID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, sequenceID, min(max(limit, 0), maxQueryLimit))
	if err != nil {
		return nil, storageErr("list sequence runs", err)
	}
	return runs, nil
}
