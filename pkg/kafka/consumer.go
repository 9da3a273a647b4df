package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/white/activity-engine/config"
)

// pollInterval bounds how long a read blocks before ctx is re-checked
const pollInterval = 500 * time.Millisecond

// Consumer wraps a Kafka consumer
type Consumer struct {
	consumer *kafka.Consumer
	config   config.KafkaConfig
}

// MessageHandler processes one Kafka message. Returning an error leaves the
// message uncommitted.
type MessageHandler func(ctx context.Context, message *kafka.Message) error

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"group.id":           cfg.ConsumerGroup,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	}

	if err := applySASL(configMap, cfg); err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Consumer{
		consumer: consumer,
		config:   cfg,
	}, nil
}

// Subscribe subscribes to Kafka topics
func (c *Consumer) Subscribe(topics []string) error {
	return c.consumer.SubscribeTopics(topics, nil)
}

// Consume reads messages until ctx is cancelled, calling handler for each
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := c.consumer.ReadMessage(pollInterval)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			if errors.As(err, &kerr) && !kerr.IsFatal() {
				slog.Warn("kafka read error", "error", err)
				continue
			}
			return fmt.Errorf("error reading message: %w", err)
		}

		if err := handler(ctx, msg); err != nil {
			slog.Error("error processing message",
				"topic", *msg.TopicPartition.Topic,
				"offset", msg.TopicPartition.Offset.String(),
				"error", err)
			continue
		}

		if _, err := c.consumer.CommitMessage(msg); err != nil {
			slog.Warn("error committing message", "error", err)
		}
	}
}

// Close closes the Kafka consumer
func (c *Consumer) Close() {
	if c.consumer != nil {
		_ = c.consumer.Close()
	}
}
