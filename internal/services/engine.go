package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
)

// Deps are the collaborators of the engine. Activities and Sequences are
// required; the rest degrade to no-ops when nil.
type Deps struct {
	Activities  ActivityStore
	Sequences   SequenceStore
	DeadLetters DeadLetterStore
	Cache       AnalyticsCache
	Publisher   EventPublisher
	Insights    InsightGenerator
	Mailer      Mailer
	Logger      *slog.Logger
}

// Options tune the engine
type Options struct {
	Queue           queue.Options
	InsightDebounce time.Duration
	StepMaxAttempts int
	// RegistryCapacity bounds the in-process activity registry
	RegistryCapacity int
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Engine owns the registry, the post-processing queue and the services
// built on them. Construct one per process.
type Engine struct {
	Activities *ActivityService
	Sequences  *SequenceService

	queue       *queue.Queue
	registry    *Registry
	processor   *processor
	runner      *sequenceRunner
	deadLetters DeadLetterStore
	logger      *slog.Logger
}

// NewEngine wires the services around a fresh registry and queue
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Activities == nil {
		return nil, errors.New("activity store is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("sequence store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = noopCache{}
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.StepMaxAttempts <= 0 {
		opts.StepMaxAttempts = 3
	}
	qopts := opts.Queue.WithDefaults()

	var sink queue.DeadLetterSink
	if deps.DeadLetters != nil {
		sink = &deadLetterSink{store: deps.DeadLetters, now: now}
	}
	q := queue.New(qopts, sink, logger)
	registry := NewRegistryWithCapacity(opts.RegistryCapacity)

	activities := NewActivityService(deps.Activities, registry, q, sink, deps.Cache, deps.Publisher, logger)
	activities.now = now

	runner := &sequenceRunner{
		sequences:   deps.Sequences,
		activities:  activities,
		jobs:        q,
		mailer:      deps.Mailer,
		publisher:   deps.Publisher,
		logger:      logger.With("component", "sequences"),
		now:         now,
		maxAttempts: opts.StepMaxAttempts,
		baseBackoff: qopts.BaseBackoff,
		maxBackoff:  qopts.MaxBackoff,
	}

	return &Engine{
		Activities: activities,
		Sequences: &SequenceService{
			store:      deps.Sequences,
			activities: activities,
			runner:     runner,
			logger:     logger.With("component", "sequences"),
			now:        now,
		},
		queue:    q,
		registry: registry,
		processor: &processor{
			activities: activities,
			runner:     runner,
			cache:      deps.Cache,
			publisher:  deps.Publisher,
			insights:   deps.Insights,
			limiter:    newInsightLimiter(opts.InsightDebounce),
			logger:     logger.With("component", "processor"),
		},
		runner:      runner,
		deadLetters: deps.DeadLetters,
		logger:      logger.With("component", "engine"),
	}, nil
}

// Start launches the queue worker and resumes unfinished sequence runs. The
// worker outlives ctx; it stops in Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.queue.Start(context.WithoutCancel(ctx), e.processor); err != nil {
		return err
	}

	runs, err := e.runner.sequences.ListResumableRuns(ctx)
	if err != nil {
		e.logger.Error("failed to load unfinished sequence runs", "error", err)
		return nil
	}
	resumed := 0
	for _, run := range runs {
		if err := e.runner.resume(run); err != nil {
			e.logger.Error("failed to resume sequence run", "run_id", run.ID, "error", err)
			continue
		}
		resumed++
	}
	e.logger.Info("engine started", "resumed_runs", resumed)
	return nil
}

// Shutdown stops intake and drains the queue until ctx expires; whatever is
// left is dead-lettered
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.queue.Stop(ctx)
	e.logger.Info("engine stopped", "registry_size", e.registry.Len())
	return err
}

// Stats reports the queue counters
func (e *Engine) Stats() queue.Stats {
	return e.queue.Stats()
}

// DeadLetters lists the most recent dead letters
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if e.deadLetters == nil {
		return []*models.DeadLetter{}, nil
	}
	letters, err := e.deadLetters.List(ctx, limit)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	return letters, nil
}
