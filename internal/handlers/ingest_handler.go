package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/services"
)

// IngestMessage is the payload of the activity ingest topic
type IngestMessage struct {
	UserID   string               `json:"userId"`
	Activity models.ActivityInput `json:"activity"`
}

// ActivityLogger records activities
type ActivityLogger interface {
	LogActivity(ctx context.Context, userID string, input models.ActivityInput) (*models.Activity, error)
}

// IngestHandler logs activities arriving on Kafka (web visits, email opens,
// form submissions) through the same path as the HTTP API
type IngestHandler struct {
	activities ActivityLogger
	logger     *slog.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(activities ActivityLogger, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{
		activities: activities,
		logger:     logger.With("component", "ingest"),
	}
}

// Handle processes one ingest message. Malformed and invalid messages are
// logged and acknowledged; other failures leave the message uncommitted.
func (h *IngestHandler) Handle(ctx context.Context, msg *kafka.Message) error {
	log := h.logger
	if tp := msg.TopicPartition; tp.Topic != nil {
		log = log.With("topic", *tp.Topic, "partition", tp.Partition, "offset", tp.Offset.String())
	}

	var in IngestMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		log.Warn("dropping malformed ingest message", "error", err)
		return nil
	}

	activity, err := h.activities.LogActivity(ctx, in.UserID, in.Activity)
	if err != nil {
		if services.IsValidation(err) {
			log.Warn("dropping invalid ingest message", "user_id", in.UserID, "error", err)
			return nil
		}
		return err
	}

	log.Debug("ingested activity", "activity_id", activity.ID, "type", activity.Type, "user_id", activity.UserID)
	return nil
}
