package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/pkg/uuid"
)

// deadLetterSink persists abandoned jobs to the dead-letter store
type deadLetterSink struct {
	store DeadLetterStore
	now   func() time.Time
}

var _ queue.DeadLetterSink = (*deadLetterSink)(nil)

func (s *deadLetterSink) DeadLetter(ctx context.Context, env queue.Envelope, reason string) error {
	payload, err := json.Marshal(env.Job)
	if err != nil {
		return err
	}

	failedAt := s.now().UTC()
	letter := &models.DeadLetter{
		ID:        uuid.MustNewUUIDAt(failedAt),
		JobKind:   string(env.Job.Kind()),
		Payload:   string(payload),
		Attempts:  env.Attempts,
		Reason:    reason,
		LastError: env.LastError,
		FailedAt:  failedAt,
	}
	if env.Job.Kind() != queue.KindAdvanceSequence {
		letter.ActivityID = env.Job.Subject()
	}
	return s.store.Insert(ctx, letter)
}
