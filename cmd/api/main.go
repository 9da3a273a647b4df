// Package main is the entry point for the Activity Engine API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/white/activity-engine/config"
	"github.com/white/activity-engine/internal/cache"
	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/handlers"
	"github.com/white/activity-engine/internal/logging"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/internal/repositories"
	"github.com/white/activity-engine/internal/services"
	"github.com/white/activity-engine/pkg/insights"
	"github.com/white/activity-engine/pkg/kafka"
	"github.com/white/activity-engine/pkg/mongodb"
	"github.com/white/activity-engine/pkg/redis"
	"github.com/white/activity-engine/pkg/smtp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "activity-engine"

func main() {
	// Load environment variables (ignore error in dev)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stdout, serviceName)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("activity engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handlers.Pinger{}
	deps := services.Deps{Logger: logger}

	// Storage
	switch cfg.Storage.Driver {
	case "mongo":
		mongoClient, err := mongodb.NewClient(ctx, mongodb.Config{
			URI:         cfg.MongoDB.URI,
			Database:    cfg.MongoDB.Database,
			MaxPoolSize: cfg.MongoDB.MaxPoolSize,
			MinPoolSize: cfg.MongoDB.MinPoolSize,
			MaxRetries:  cfg.MongoDB.MaxRetries,
			TLSCAFile:   cfg.MongoDB.TLSCAFile,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to mongodb: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Close(closeCtx); err != nil {
				logger.Warn("failed to close mongodb client", "error", err)
			}
		}()

		activityRepo := repositories.NewMongoActivityRepository(mongoClient)
		sequenceRepo := repositories.NewMongoSequenceRepository(mongoClient)
		if err := activityRepo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("creating activity indexes: %w", err)
		}
		if err := sequenceRepo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("creating sequence indexes: %w", err)
		}
		deps.Activities = activityRepo
		deps.Sequences = sequenceRepo
		deps.DeadLetters = repositories.NewMongoDeadLetterRepository(mongoClient)
		checks["mongodb"] = mongoClient
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		deps.Activities = repositories.NewMemoryActivityRepository()
		deps.Sequences = repositories.NewMemorySequenceRepository()
		deps.DeadLetters = repositories.NewMemoryDeadLetterRepository()
	}

	// Cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(redis.Config{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer closeRedis(redisClient, logger)

		analyticsCache := cache.NewAnalyticsCache(redisClient, cfg.Redis.AnalyticsTTL, cfg.Redis.EngagementTTL)
		deps.Cache = analyticsCache
		checks["redis"] = analyticsCache
	}

	// Events
	var producer events.JSONProducer
	if cfg.Kafka.Enabled {
		kafkaProducer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("creating kafka producer: %w", err)
		}
		defer func() {
			kafkaProducer.Flush(cfg.Kafka.ProducerTimeout)
			kafkaProducer.Close()
		}()
		producer = kafkaProducer
	}
	publisher := events.NewPublisher(producer, events.Topics{
		Activity: cfg.Kafka.Topics.ActivityEvents,
		Sequence: cfg.Kafka.Topics.SequenceEvents,
	}, logger)
	defer publisher.Wait()
	deps.Publisher = publisher

	if cfg.SMTP.Enabled {
		mailer, err := smtp.NewSMTPClient(cfg.SMTP)
		if err != nil {
			return fmt.Errorf("creating smtp client: %w", err)
		}
		deps.Mailer = mailer
	}
	if cfg.Insights.Endpoint != "" {
		deps.Insights = insights.NewClient(cfg.Insights.Endpoint, cfg.Insights.APIKey, cfg.Insights.Timeout)
	}

	engine, err := services.NewEngine(deps, services.Options{
		Queue: queue.Options{
			Capacity:       cfg.Engine.QueueCapacity,
			MaxAttempts:    cfg.Engine.MaxAttempts,
			BaseBackoff:    cfg.Engine.BaseBackoff,
			MaxBackoff:     cfg.Engine.MaxBackoff,
			IdleBackoffMin: cfg.Engine.IdleBackoffMin,
			IdleBackoffMax: cfg.Engine.IdleBackoffMax,
			JobTimeout:     cfg.Engine.JobTimeout,
		},
		InsightDebounce:  cfg.Insights.Debounce,
		StepMaxAttempts:  cfg.Engine.SequenceStepMaxAttempts,
		RegistryCapacity: cfg.Engine.RegistryCapacity,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	// Runs before the publisher wait and producer flush above
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", "error", err)
		}
	}()

	router := handlers.NewRouter(handlers.RouterConfig{
		Activities:     handlers.NewActivityHandler(engine.Activities, logger),
		Sequences:      handlers.NewSequenceHandler(engine.Sequences, logger),
		Health:         handlers.NewHealthHandler(serviceName, cfg.Server.Version, engine, checks, logger),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SwaggerURL:     "/swagger/doc.json",
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server running", "addr", srv.Addr, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Kafka.Enabled && cfg.Kafka.IngestEnabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("creating kafka consumer: %w", err)
		}
		defer consumer.Close()
		if err := consumer.Subscribe([]string{cfg.Kafka.Topics.Ingest}); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("subscribing to %s: %w", cfg.Kafka.Topics.Ingest, err)
		}

		ingest := handlers.NewIngestHandler(engine.Activities, logger)
		g.Go(func() error {
			logger.Info("ingest consumer started", "topic", cfg.Kafka.Topics.Ingest)
			return consumer.Consume(gctx, ingest.Handle)
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func closeRedis(client *goredis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close redis client", "error", err)
	}
}
