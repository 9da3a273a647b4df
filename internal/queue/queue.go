// Package queue implements the bounded post-processing queue drained by a
// single background worker. Failed jobs are retried with exponential backoff
// and end up in a dead-letter sink once they run out of attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/white/activity-engine/pkg/uuid"
)

var (
	// ErrQueueFull is returned when an enqueue would exceed the capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrStopped is returned once Stop has been called
	ErrStopped = errors.New("queue is stopped")
)

// Dead-letter reasons
const (
	ReasonPermanent = "permanent_failure"
	ReasonExhausted = "max_attempts_exceeded"
	ReasonShutdown  = "shutdown"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type attemptKey struct{}

type attemptInfo struct {
	n, limit int
}

// withAttempt records the delivery attempt on the job's context
func withAttempt(ctx context.Context, n, limit int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attemptInfo{n: n, limit: limit})
}

// Attempt returns the 1-based delivery attempt of the job running under ctx,
// or 0 outside the worker
func Attempt(ctx context.Context) int {
	info, _ := ctx.Value(attemptKey{}).(attemptInfo)
	return info.n
}

// FinalAttempt reports whether a failure under ctx will not be retried. It is
// true outside the worker.
func FinalAttempt(ctx context.Context) bool {
	info, ok := ctx.Value(attemptKey{}).(attemptInfo)
	return !ok || info.n >= info.limit
}

// Envelope wraps a job with its delivery bookkeeping
type Envelope struct {
	ID         string    `json:"id"`
	Job        Job       `json:"job"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// DeadLetterSink receives jobs the queue gives up on
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, env Envelope, reason string) error
}

// Options configures a Queue
type Options struct {
	Capacity       int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	IdleBackoffMin time.Duration
	IdleBackoffMax time.Duration
	JobTimeout     time.Duration
}

// DefaultOptions returns the default queue configuration
func DefaultOptions() Options {
	return Options{
		Capacity:       1024,
		MaxAttempts:    5,
		BaseBackoff:    time.Second,
		MaxBackoff:     5 * time.Minute,
		IdleBackoffMin: 50 * time.Millisecond,
		IdleBackoffMax: 5 * time.Second,
		JobTimeout:     30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultOptions
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = max(d.MaxBackoff, o.BaseBackoff)
	}
	if o.IdleBackoffMin <= 0 {
		o.IdleBackoffMin = d.IdleBackoffMin
	}
	if o.IdleBackoffMax < o.IdleBackoffMin {
		o.IdleBackoffMax = max(d.IdleBackoffMax, o.IdleBackoffMin)
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = d.JobTimeout
	}
	return o
}

// Backoff returns base*2^(attempt-1), capped at limit
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Length       int    `json:"length"`
	Scheduled    int    `json:"scheduled"`
	Processed    uint64 `json:"processed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Running      bool   `json:"running"`
}

type delayed struct {
	timer *time.Timer
	env   *Envelope
}

// Queue is a bounded FIFO of jobs with a single worker
type Queue struct {
	opts   Options
	sink   DeadLetterSink
	logger *slog.Logger

	mu       sync.Mutex
	items    []*Envelope
	timers   map[string]delayed
	started  bool
	stopping bool

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	processed    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// New creates a queue. sink may be nil, in which case dead letters are only
// logged.
func New(opts Options, sink DeadLetterSink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		opts:   opts.WithDefaults(),
		sink:   sink,
		logger: logger.With("component", "queue"),
		timers: make(map[string]delayed),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. It returns immediately.
func (q *Queue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrStopped
	}
	if q.started {
		return errors.New("queue already started")
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	go q.run(ctx, h)

	q.logger.Info("queue started", "capacity", q.opts.Capacity, "max_attempts", q.opts.MaxAttempts)
	return nil
}

// Enqueue adds jobs atomically: either all of them are accepted or none is
func (q *Queue) Enqueue(jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrStopped
	}
	if len(q.items)+len(jobs) > q.opts.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	now := time.Now()
	for _, job := range jobs {
		q.items = append(q.items, newEnvelope(job, now))
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// EnqueueAt schedules job to enter the queue at the given time
func (q *Queue) EnqueueAt(job Job, at time.Time) error {
	delay := time.Until(at)
	if delay <= 0 {
		return q.Enqueue(job)
	}
	return q.schedule(newEnvelope(job, time.Now()), delay)
}

// Stop stops intake and lets the worker drain what is left. Jobs still queued
// or scheduled when ctx expires are handed to the dead-letter sink.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	pending := make([]*Envelope, 0, len(q.timers))
	for id, d := range q.timers {
		d.timer.Stop()
		pending = append(pending, d.env)
		delete(q.timers, id)
	}
	started := q.started
	q.mu.Unlock()
	q.signal()

	if started {
		select {
		case <-q.done:
		case <-ctx.Done():
			q.cancel()
			<-q.done
		}
		q.cancel()
	}

	q.mu.Lock()
	leftover := q.items
	q.items = nil
	q.mu.Unlock()

	for _, env := range append(leftover, pending...) {
		q.deadLetter(ctx, env, ReasonShutdown)
	}

	q.logger.Info("queue stopped",
		"processed", q.processed.Load(),
		"dead_lettered", q.deadLettered.Load(),
		"abandoned", len(leftover)+len(pending))
	return nil
}

// Stats returns the current counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	length, scheduled := len(q.items), len(q.timers)
	running := q.started && !q.stopping
	q.mu.Unlock()

	return Stats{
		Length:       length,
		Scheduled:    scheduled,
		Processed:    q.processed.Load(),
		Retried:      q.retried.Load(),
		DeadLettered: q.deadLettered.Load(),
		Running:      running,
	}
}

func newEnvelope(job Job, now time.Time) *Envelope {
	return &Envelope{ID: uuid.MustNewUUIDAt(now), Job: job, EnqueuedAt: now}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// schedule parks env until delay elapses. Admitted jobs re-enter without a
// capacity check.
func (q *Queue) schedule(env *Envelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrStopped
	}
	id := env.ID
	q.timers[id] = delayed{
		env: env,
		timer: time.AfterFunc(delay, func() {
			q.mu.Lock()
			d, ok := q.timers[id]
			if !ok {
				q.mu.Unlock()
				return
			}
			delete(q.timers, id)
			q.items = append(q.items, d.env)
			q.mu.Unlock()
			q.signal()
		}),
	}
	return nil
}

func (q *Queue) pop() (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, q.stopping
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env, false
}

func (q *Queue) run(ctx context.Context, h Handler) {
	defer close(q.done)

	idle := q.opts.IdleBackoffMin
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		env, stopping := q.pop()
		if env == nil {
			if stopping {
				return
			}
			timer.Reset(idle)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				idle = q.opts.IdleBackoffMin
			case <-timer.C:
				idle = min(idle*2, q.opts.IdleBackoffMax)
			}
			timer.Stop()
			continue
		}

		idle = q.opts.IdleBackoffMin
		q.process(ctx, h, env)
	}
}

func (q *Queue) process(ctx context.Context, h Handler, env *Envelope) {
	env.Attempts++

	jobCtx, cancel := context.WithTimeout(withAttempt(ctx, env.Attempts, q.opts.MaxAttempts), q.opts.JobTimeout)
	err := dispatch(jobCtx, h, env.Job)
	cancel()
	q.processed.Add(1)

	if err == nil {
		return
	}
	env.LastError = err.Error()

	log := q.logger.With(
		"job", env.Job.Kind(),
		"subject", env.Job.Subject(),
		"attempt", env.Attempts,
	)

	switch {
	case IsPermanent(err):
		q.deadLetter(ctx, env, ReasonPermanent)
		return
	case env.Attempts >= q.opts.MaxAttempts:
		q.deadLetter(ctx, env, ReasonExhausted)
		return
	}

	delay := Backoff(q.opts.BaseBackoff, q.opts.MaxBackoff, env.Attempts)
	if err := q.schedule(env, delay); err != nil {
		q.deadLetter(ctx, env, ReasonShutdown)
		return
	}
	q.retried.Add(1)
	log.Warn("job failed, retrying", "error", err, "retry_in", delay)
}

func dispatch(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Kind(), r)
		}
	}()
	return job.dispatch(ctx, h)
}

func (q *Queue) deadLetter(ctx context.Context, env *Envelope, reason string) {
	q.deadLettered.Add(1)
	q.logger.Error("job dead-lettered",
		"job", env.Job.Kind(),
		"subject", env.Job.Subject(),
		"attempts", env.Attempts,
		"reason", reason,
		"error", env.LastError,
	)
	if q.sink == nil {
		return
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.sink.DeadLetter(sinkCtx, *env, reason); err != nil {
		q.logger.Error("failed to persist dead letter", "job", env.Job.Kind(), "error", err)
	}
}
