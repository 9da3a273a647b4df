package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/white/activity-engine/config"
)

// Producer wraps a Kafka producer
type Producer struct {
	producer *kafka.Producer
	config   config.KafkaConfig
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"client.id":         cfg.ClientID,
		"acks":              "all",
	}
	if cfg.ProducerTimeout > 0 {
		configMap.SetKey("message.timeout.ms", cfg.ProducerTimeout)
	}

	if err := applySASL(configMap, cfg); err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	go func() {
		for e := range producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					slog.Warn("kafka delivery failed",
						"topic", *ev.TopicPartition.Topic,
						"error", ev.TopicPartition.Error)
				}
			}
		}
	}()

	return &Producer{
		producer: producer,
		config:   cfg,
	}, nil
}

// applySASL sets the SASL settings when credentials are configured
func applySASL(configMap *kafka.ConfigMap, cfg config.KafkaConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}

	protocol := "SASL_PLAINTEXT"
	if cfg.SSL {
		protocol = "SASL_SSL"
	}

	for key, value := range map[string]string{
		"sasl.mechanism":    strings.ToUpper(cfg.SASLMechanism),
		"sasl.username":     cfg.Username,
		"sasl.password":     cfg.Password,
		"security.protocol": protocol,
	} {
		if err := configMap.SetKey(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// Produce sends a message to a Kafka topic (async)
func (p *Producer) Produce(topic string, key, value []byte) error {
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   key,
		Value: value,
	}

	return p.producer.Produce(message, nil)
}

// ProduceSync sends a message and waits for delivery confirmation or ctx
func (p *Producer) ProduceSync(ctx context.Context, topic string, key, value []byte) error {
	deliveryChan := make(chan kafka.Event, 1)

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   key,
		Value: value,
	}

	if err := p.producer.Produce(message, deliveryChan); err != nil {
		return err
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishJSON marshals data to JSON and publishes it under key without
// waiting for delivery
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, data any) error {
	k, v, err := encodeJSON(ctx, key, data)
	if err != nil {
		return err
	}
	return p.Produce(topic, k, v)
}

// PublishJSONSync is PublishJSON that waits for the broker to acknowledge
// the message
func (p *Producer) PublishJSONSync(ctx context.Context, topic, key string, data any) error {
	k, v, err := encodeJSON(ctx, key, data)
	if err != nil {
		return err
	}
	return p.ProduceSync(ctx, topic, k, v)
}

func encodeJSON(ctx context.Context, key string, data any) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	var k []byte
	if key != "" {
		k = []byte(key)
	}
	return k, jsonData, nil
}

// Flush waits for all messages to be delivered
func (p *Producer) Flush(timeoutMs int) {
	p.producer.Flush(timeoutMs)
}

// Close closes the Kafka producer
func (p *Producer) Close() {
	if p.producer != nil {
		p.producer.Flush(5000)
		p.producer.Close()
	}
}
