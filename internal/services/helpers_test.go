package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/white/activity-engine/internal/cache"
	"github.com/white/activity-engine/internal/events"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
	"github.com/white/activity-engine/internal/repositories"
)

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingQueue captures jobs instead of running them
type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	at   []time.Time
	err  error
}

func (q *recordingQueue) Enqueue(jobs ...queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, jobs...)
	for range jobs {
		q.at = append(q.at, time.Time{})
	}
	return nil
}

func (q *recordingQueue) EnqueueAt(job queue.Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	q.at = append(q.at, at)
	return nil
}

func (q *recordingQueue) Kinds() []queue.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	kinds := make([]queue.Kind, len(q.jobs))
	for i, j := range q.jobs {
		kinds[i] = j.Kind()
	}
	return kinds
}

func (q *recordingQueue) Last() (queue.Job, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, time.Time{}
	}
	return q.jobs[len(q.jobs)-1], q.at[len(q.at)-1]
}

func (q *recordingQueue) lastAt() time.Time {
	_, at := q.Last()
	return at
}

func (q *recordingQueue) Reset() {
	q.mu.Lock()
	q.jobs, q.at = nil, nil
	q.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.ActivityEvent
	// confirmErr fails confirmed publishes without recording them
	confirmErr error
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.ActivityEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, e *events.ActivityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmErr != nil {
		return p.confirmErr
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

// failingActivityStore fails every insert
type failingActivityStore struct {
	*repositories.MemoryActivityRepository
}

func (failingActivityStore) Insert(context.Context, *models.Activity) error {
	return errors.New("connection refused")
}

func newTestCache(t *testing.T) (*cache.AnalyticsCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewAnalyticsCache(client, 30*time.Minute, time.Hour), mr
}

// serviceFixture is an ActivityService over memory stores and a recording queue
type serviceFixture struct {
	svc       *ActivityService
	store     *repositories.MemoryActivityRepository
	jobs      *recordingQueue
	publisher *recordingPublisher
	clock     *clock
}

func newServiceFixture(t *testing.T, analyticsCache AnalyticsCache) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:     repositories.NewMemoryActivityRepository(),
		jobs:      &recordingQueue{},
		publisher: &recordingPublisher{},
		clock:     newClock(t0),
	}
	f.svc = NewActivityService(f.store, NewRegistry(), f.jobs, nil, analyticsCache, f.publisher, quietLogger())
	f.svc.now = f.clock.Now
	return f
}

func introCall() models.ActivityInput {
	return models.ActivityInput{
		Type:      models.ActivityTypeCall,
		Subject:   "Intro call",
		CreatedBy: "u1",
		Outcome:   models.OutcomePositive,
		Status:    models.StatusCompleted,
	}
}

// engineFixture runs a started engine over memory stores
type engineFixture struct {
	engine      *Engine
	activities  *repositories.MemoryActivityRepository
	sequences   *repositories.MemorySequenceRepository
	deadLetters *repositories.MemoryDeadLetterRepository
	publisher   *recordingPublisher
}

func newEngineFixture(t *testing.T, mutate func(*Deps, *Options)) *engineFixture {
	t.Helper()
	f := &engineFixture{
		activities:  repositories.NewMemoryActivityRepository(),
		sequences:   repositories.NewMemorySequenceRepository(),
		deadLetters: repositories.NewMemoryDeadLetterRepository(),
		publisher:   &recordingPublisher{},
	}
	deps := Deps{
		Activities:  f.activities,
		Sequences:   f.sequences,
		DeadLetters: f.deadLetters,
		Publisher:   f.publisher,
		Logger:      quietLogger(),
	}
	opts := Options{
		Queue: queue.Options{
			BaseBackoff:    5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			IdleBackoffMin: time.Millisecond,
			IdleBackoffMax: 5 * time.Millisecond,
			JobTimeout:     time.Second,
		},
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}

	engine, err := NewEngine(deps, opts)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	f.engine = engine
	return f
}

// drained waits until the queue has no queued or scheduled work
func (f *engineFixture) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := f.engine.Stats()
		return s.Length == 0 && s.Scheduled == 0
	}, 2*time.Second, 5*time.Millisecond)
	// the worker may still be inside the last job
	time.Sleep(20 * time.Millisecond)
}
