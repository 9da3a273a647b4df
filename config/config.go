package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	SMTP     SMTPConfig
	Insights InsightsConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port            string
	Environment     string
	Version         string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the persistence backend: "mongo" or "memory"
type StorageConfig struct {
	Driver string
}

type MongoDBConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MinPoolSize uint64
	MaxRetries  int
	TLSCAFile   string
}

type RedisConfig struct {
	Enabled       bool
	URL           string
	PoolSize      int
	AnalyticsTTL  time.Duration
	EngagementTTL time.Duration
}

type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	ProducerTimeout int
	ConsumerGroup   string
	ClientID        string
	Username        string
	Password        string
	SSL             bool
	SASLMechanism   string
	IngestEnabled   bool
	Topics          KafkaTopics
}

type KafkaTopics struct {
	ActivityEvents string
	SequenceEvents string
	Ingest         string
}

type SMTPConfig struct {
	Enabled       bool
	Host          string
	Port          int
	Username      string
	Password      string
	FromEmail     string
	ReplyTo       string
	TLSEnabled    bool
	AuthMechanism string // plain, login or xoauth2
}

// InsightsConfig points at the external insight generator. An empty
// endpoint disables insight generation.
type InsightsConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Debounce time.Duration
}

type EngineConfig struct {
	QueueCapacity           int
	MaxAttempts             int
	BaseBackoff             time.Duration
	MaxBackoff              time.Duration
	IdleBackoffMin          time.Duration
	IdleBackoffMax          time.Duration
	JobTimeout              time.Duration
	ShutdownTimeout         time.Duration
	SequenceStepMaxAttempts int
	RegistryCapacity        int
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// SERVER_PORT overrides server.port
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/activity-engine")

	// Reading config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config

	config.Server = ServerConfig{
		Port:            v.GetString("server.port"),
		Environment:     v.GetString("server.environment"),
		Version:         v.GetString("server.version"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		AllowedOrigins:  v.GetStringSlice("server.allowed_origins"),
	}

	config.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	config.Storage = StorageConfig{
		Driver: strings.ToLower(v.GetString("storage.driver")),
	}

	config.MongoDB = MongoDBConfig{
		URI:         v.GetString("mongodb.uri"),
		Database:    v.GetString("mongodb.database"),
		MaxPoolSize: v.GetUint64("mongodb.max_pool_size"),
		MinPoolSize: v.GetUint64("mongodb.min_pool_size"),
		MaxRetries:  v.GetInt("mongodb.max_retries"),
		TLSCAFile:   v.GetString("mongodb.tls_ca_file"),
	}

	config.Redis = RedisConfig{
		Enabled:       v.GetBool("redis.enabled"),
		URL:           v.GetString("redis.url"),
		PoolSize:      v.GetInt("redis.pool_size"),
		AnalyticsTTL:  v.GetDuration("redis.analytics_ttl"),
		EngagementTTL: v.GetDuration("redis.engagement_ttl"),
	}

	config.Kafka = KafkaConfig{
		Enabled:         v.GetBool("kafka.enabled"),
		Brokers:         v.GetStringSlice("kafka.brokers"),
		ProducerTimeout: v.GetInt("kafka.producer_timeout"),
		ConsumerGroup:   v.GetString("kafka.consumer_group"),
		ClientID:        v.GetString("kafka.client_id"),
		Username:        v.GetString("kafka.username"),
		Password:        v.GetString("kafka.password"),
		SSL:             v.GetBool("kafka.ssl"),
		SASLMechanism:   v.GetString("kafka.sasl_mechanism"),
		IngestEnabled:   v.GetBool("kafka.ingest_enabled"),
		Topics: KafkaTopics{
			ActivityEvents: v.GetString("kafka.topics.activity_events"),
			SequenceEvents: v.GetString("kafka.topics.sequence_events"),
			Ingest:         v.GetString("kafka.topics.ingest"),
		},
	}

	config.SMTP = SMTPConfig{
		Enabled:       v.GetBool("smtp.enabled"),
		Host:          v.GetString("smtp.host"),
		Port:          v.GetInt("smtp.port"),
		Username:      v.GetString("smtp.username"),
		Password:      v.GetString("smtp.password"),
		FromEmail:     v.GetString("smtp.from_email"),
		ReplyTo:       v.GetString("smtp.reply_to"),
		TLSEnabled:    v.GetBool("smtp.tls_enabled"),
		AuthMechanism: v.GetString("smtp.auth_mechanism"),
	}

	config.Insights = InsightsConfig{
		Endpoint: v.GetString("insights.endpoint"),
		APIKey:   v.GetString("insights.api_key"),
		Timeout:  v.GetDuration("insights.timeout"),
		Debounce: v.GetDuration("insights.debounce"),
	}

	config.Engine = EngineConfig{
		QueueCapacity:           v.GetInt("engine.queue_capacity"),
		MaxAttempts:             v.GetInt("engine.max_attempts"),
		BaseBackoff:             v.GetDuration("engine.base_backoff"),
		MaxBackoff:              v.GetDuration("engine.max_backoff"),
		IdleBackoffMin:          v.GetDuration("engine.idle_backoff_min"),
		IdleBackoffMax:          v.GetDuration("engine.idle_backoff_max"),
		JobTimeout:              v.GetDuration("engine.job_timeout"),
		ShutdownTimeout:         v.GetDuration("engine.shutdown_timeout"),
		SequenceStepMaxAttempts: v.GetInt("engine.sequence_step_max_attempts"),
		RegistryCapacity:        v.GetInt("engine.registry_capacity"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks settings that have no usable fallback
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "mongo" && c.MongoDB.URI == "" {
		return fmt.Errorf("mongodb.uri is required for the mongo storage driver")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Engine.QueueCapacity < 0 || c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine queue settings must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", "mongo")

	// MongoDB defaults
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "white_activity_db")
	v.SetDefault("mongodb.max_pool_size", 100)
	v.SetDefault("mongodb.min_pool_size", 10)
	v.SetDefault("mongodb.max_retries", 5)
	v.SetDefault("mongodb.tls_ca_file", "")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.analytics_ttl", 30*time.Minute)
	v.SetDefault("redis.engagement_ttl", 24*time.Hour)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.producer_timeout", 5000)
	v.SetDefault("kafka.consumer_group", "activity-engine")
	v.SetDefault("kafka.client_id", "activity-engine-producer")
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")
	v.SetDefault("kafka.ssl", false)
	v.SetDefault("kafka.sasl_mechanism", "plain")
	v.SetDefault("kafka.ingest_enabled", false)

	// Kafka topic defaults
	v.SetDefault("kafka.topics.activity_events", "activities.events")
	v.SetDefault("kafka.topics.sequence_events", "sequences.events")
	v.SetDefault("kafka.topics.ingest", "activities.ingest")

	// SMTP defaults
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.tls_enabled", true)
	v.SetDefault("smtp.auth_mechanism", "plain")

	// Insight generator defaults
	v.SetDefault("insights.endpoint", "")
	v.SetDefault("insights.timeout", 10*time.Second)
	v.SetDefault("insights.debounce", 2*time.Minute)

	// Engine defaults
	v.SetDefault("engine.queue_capacity", 1024)
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.base_backoff", time.Second)
	v.SetDefault("engine.max_backoff", 5*time.Minute)
	v.SetDefault("engine.idle_backoff_min", 50*time.Millisecond)
	v.SetDefault("engine.idle_backoff_max", 5*time.Second)
	v.SetDefault("engine.job_timeout", 30*time.Second)
	v.SetDefault("engine.shutdown_timeout", 20*time.Second)
	v.SetDefault("engine.sequence_step_max_attempts", 3)
	v.SetDefault("engine.registry_capacity", 10000)
}
