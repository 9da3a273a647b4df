package mongodb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MinPoolSize uint64
	MaxRetries  int
	TLSCAFile   string // Path to CA certificate file for TLS
}

type Client struct {
	Client *mongo.Client
	DB     *mongo.Database
	config Config
	logger *slog.Logger
}

// NewClient creates a new MongoDB client with connection pooling and retry logic
// It implements exponential backoff retry strategy: 1s, 2s, 4s, 8s, 16s (max)
func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mongodb")

	// Set default values if not provided
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 100
	}
	if config.MinPoolSize == 0 {
		config.MinPoolSize = 10
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	// Validate configuration
	if config.URI == "" {
		return nil, errors.New("MongoDB URI cannot be empty")
	}
	if config.Database == "" {
		return nil, errors.New("MongoDB database name cannot be empty")
	}
	if config.MinPoolSize > config.MaxPoolSize {
		return nil, fmt.Errorf("MinPoolSize (%d) cannot be greater than MaxPoolSize (%d)", config.MinPoolSize, config.MaxPoolSize)
	}

	clientOpts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize).
		SetMaxConnIdleTime(60 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	if config.TLSCAFile != "" {
		tlsConfig, err := loadTLSConfig(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS CA file: %w", err)
		}
		clientOpts.SetTLSConfig(tlsConfig)
		logger.Info("TLS configured", "ca_file", config.TLSCAFile)
	}

	var client *mongo.Client
	var err error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := min(time.Duration(1<<uint(attempt-1))*time.Second, 16*time.Second)
			logger.Warn("MongoDB connection failed, retrying",
				"attempt", attempt, "max_retries", config.MaxRetries, "retry_in", backoff, "error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		client, err = mongo.Connect(attemptCtx, clientOpts)
		if err != nil {
			cancel()
			continue
		}
		err = client.Ping(attemptCtx, readpref.Primary())
		cancel()
		if err == nil {
			break
		}

		_ = client.Disconnect(context.Background())
		client = nil
	}
	if client == nil {
		return nil, fmt.Errorf("failed to connect to MongoDB after %d attempts: %w", config.MaxRetries, err)
	}

	logger.Info("connected to MongoDB", "database", config.Database)
	return &Client{
		Client: client,
		DB:     client.Database(config.Database),
		config: config,
		logger: logger,
	}, nil
}

// Ping checks that the primary is reachable
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return errors.New("MongoDB client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Client.Ping(ctx, readpref.Primary())
}

// Collection returns a collection handle
func (c *Client) Collection(name string) *mongo.Collection {
	return c.DB.Collection(name)
}

// Close disconnects the client
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return nil
	}
	if err := c.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from MongoDB: %w", err)
	}
	c.logger.Info("disconnected from MongoDB")
	return nil
}

// loadTLSConfig loads a TLS configuration with a custom CA certificate
func loadTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
	}
	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
