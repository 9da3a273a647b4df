package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/white/activity-engine/pkg/uuid"
)

// EventType names a published domain event
type EventType string

const (
	// Activity lifecycle
	EventActivityLogged    EventType = "activity.logged"
	EventActivityUpdated   EventType = "activity.updated"
	EventActivityDeleted   EventType = "activity.deleted"
	EventActivityCompleted EventType = "activity.completed"

	// Contact engagement
	EventEngagementUpdated EventType = "contact.engagement_updated"

	// Sequence runs
	EventSequenceRunStarted   EventType = "sequence.run.started"
	EventSequenceRunCompleted EventType = "sequence.run.completed"
	EventSequenceRunFailed    EventType = "sequence.run.failed"
)

// ActivityEvent is the envelope published to Kafka
type ActivityEvent struct {
	EventID    string         `json:"event_id"`
	Type       EventType      `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	UserID     string         `json:"user_id,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	ContactID  string         `json:"contact_id,omitempty"`
	SequenceID string         `json:"sequence_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// key returns the partition key: events about one activity or run stay
// ordered
func (e *ActivityEvent) key() string {
	if e.RunID != "" {
		return e.RunID
	}
	return e.ActivityID
}

// JSONProducer is the part of pkg/kafka.Producer the publisher needs
type JSONProducer interface {
	PublishJSON(ctx context.Context, topic, key string, data any) error
}

// SyncJSONProducer is implemented by producers that can wait for delivery
type SyncJSONProducer interface {
	PublishJSONSync(ctx context.Context, topic, key string, data any) error
}

// Topics maps event families to Kafka topics
type Topics struct {
	Activity string
	Sequence string
}

// publishTimeout bounds a single background publish
const publishTimeout = 10 * time.Second

// Publisher publishes activity and sequence events (fire-and-forget)
type Publisher struct {
	producer JSONProducer
	topics   Topics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPublisher creates a new event publisher. A nil producer logs events
// without sending them.
func NewPublisher(producer JSONProducer, topics Topics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	if producer != nil {
		logger.Info("event publisher initialized (Kafka enabled)")
	} else {
		logger.Info("event publisher initialized (Kafka disabled - events will be logged only)")
	}
	return &Publisher{
		producer: producer,
		topics:   topics,
		logger:   logger,
	}
}

// Publish sends an event without waiting for delivery
func (p *Publisher) Publish(ctx context.Context, event *ActivityEvent) {
	p.prepare(event)
	if p.producer == nil {
		return
	}

	topic := p.topicFor(event.Type)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := p.producer.PublishJSON(pubCtx, topic, event.key(), event); err != nil {
			p.logger.Warn("failed to publish event", "type", event.Type, "topic", topic, "error", err)
		}
	}()
}

// PublishConfirmed sends an event and returns once the broker has
// acknowledged it. Producers without delivery reports are called inline.
func (p *Publisher) PublishConfirmed(ctx context.Context, event *ActivityEvent) error {
	p.prepare(event)
	if p.producer == nil {
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	topic := p.topicFor(event.Type)
	var err error
	if confirmed, ok := p.producer.(SyncJSONProducer); ok {
		err = confirmed.PublishJSONSync(pubCtx, topic, event.key(), event)
	} else {
		err = p.producer.PublishJSON(pubCtx, topic, event.key(), event)
	}
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	return nil
}

func (p *Publisher) prepare(event *ActivityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.MustNewUUID()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	p.logger.Debug("event",
		"type", event.Type,
		"event_id", event.EventID,
		"activity_id", event.ActivityID,
		"run_id", event.RunID)
}

// Wait blocks until in-flight publishes have returned
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) topicFor(t EventType) string {
	if strings.HasPrefix(string(t), "sequence.") {
		return p.topics.Sequence
	}
	return p.topics.Activity
}
