package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "mongo", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Redis.AnalyticsTTL)
	assert.Equal(t, 2*time.Minute, cfg.Insights.Debounce)
	assert.Equal(t, 1024, cfg.Engine.QueueCapacity)
	assert.Equal(t, 3, cfg.Engine.SequenceStepMaxAttempts)
	assert.Equal(t, 10000, cfg.Engine.RegistryCapacity)
	assert.Equal(t, "activities.ingest", cfg.Kafka.Topics.Ingest)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "MEMORY")
	t.Setenv("ENGINE_QUEUE_CAPACITY", "16")
	t.Setenv("ENGINE_BASE_BACKOFF", "250ms")
	t.Setenv("KAFKA_TOPICS_INGEST", "crm.ingest")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 16, cfg.Engine.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.BaseBackoff)
	assert.Equal(t, "crm.ingest", cfg.Kafka.Topics.Ingest)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")

	_, err := Load()
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestValidate_KafkaNeedsBrokers(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{Driver: "memory"},
		Kafka:   KafkaConfig{Enabled: true},
	}
	assert.Error(t, cfg.Validate())

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	assert.NoError(t, cfg.Validate())
}
