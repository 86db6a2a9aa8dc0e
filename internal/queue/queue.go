// Package queue provides at-least-once execution of typed triggers against
// registered handlers, backed by a durable job store. Retry with exponential
// backoff, a visibility timeout for abandoned claims, and an operator surface
// for permanently failed jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"beacon-messaging/backend/internal/audit"
	"beacon-messaging/backend/internal/outcome"
	"beacon-messaging/backend/internal/queue/domain"
	"beacon-messaging/backend/internal/queue/repository"
)

// ErrKindRegistered is returned by Register when the kind is already bound.
// Kinds must be unique; duplicate registration is a configuration error.
var ErrKindRegistered = errors.New("job kind already registered")

// Handler executes the payload of one job kind. A nil return acknowledges the
// job; failures must be classified through the outcome package so the queue
// applies the correct retry policy.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Config tunes queue behavior. Zero values fall back to the listed defaults.
type Config struct {
	Concurrency       int           // workers pulling concurrently (default 4)
	JobTimeout        time.Duration // per-handler invocation bound (default 1m)
	PollInterval      time.Duration // idle sleep between claims (default 1s)
	VisibilityTimeout time.Duration // in-flight claims older than this are reaped (default 5m)
	MaxAttempts       int           // attempt ceiling before failed_permanent (default 10)
	BackoffBase       time.Duration // first retry delay (default 30s)
	BackoffCap        time.Duration // retry delay ceiling (default 1h)
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	return c
}

// Option adjusts scheduling for one enqueued trigger.
type Option func(*domain.Job)

// WithDelay defers the first attempt by d.
func WithDelay(d time.Duration) Option {
	return func(j *domain.Job) {
		if d > 0 {
			j.NextAttemptAt = j.NextAttemptAt.Add(d)
		}
	}
}

// WithPriority raises (or lowers) the job's claim priority. Default 0.
func WithPriority(p int) Option {
	return func(j *domain.Job) { j.Priority = p }
}

// Queue dispatches durable triggers to registered handlers.
type Queue struct {
	repo    repository.Repository
	cfg     Config
	logger  *zap.Logger
	emitter audit.Emitter
	tracer  trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Queue over the given job store. emitter may be nil to disable
// audit streaming.
func New(repo repository.Repository, cfg Config, logger *zap.Logger, emitter audit.Emitter) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		emitter:  emitter,
		tracer:   otel.Tracer("beacon-messaging/backend/internal/queue"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a job kind to a handler. Returns ErrKindRegistered if the
// kind is already bound; registration happens once at startup.
func (q *Queue) Register(kind string, h Handler) error {
	if kind == "" || h == nil {
		return errors.New("kind and handler are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrKindRegistered, kind)
	}
	q.handlers[kind] = h
	return nil
}

// Enqueue stores the trigger as a pending job and returns the execution record
// id. It never invokes the handler inline.
func (q *Queue) Enqueue(ctx context.Context, trigger domain.Trigger, opts ...Option) (string, error) {
	if err := trigger.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	j := &domain.Job{
		ID:            uuid.New().String(),
		Kind:          trigger.Kind,
		Payload:       trigger.Payload,
		Status:        domain.StatusPending,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := q.repo.Insert(ctx, j); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", trigger.Kind, err)
	}
	audit.EmitAsync(q.emitter, audit.NewRecord(j.ID, j.Kind, audit.ActionEnqueued, 0, ""))
	return j.ID, nil
}

// Run starts the worker pool and the abandoned-claim reaper, blocking until
// ctx is cancelled and all in-flight work has finished.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.workLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.reapLoop(ctx)
	}()

	q.logger.Info("queue started", zap.Int("concurrency", q.cfg.Concurrency))
	wg.Wait()
	q.logger.Info("queue stopped")
}

func (q *Queue) workLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.ProcessOne(ctx)
		if err != nil {
			q.logger.Error("claim failed", zap.Int("worker", worker), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and executes at most one ready job. Returns false when
// nothing was ready.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	j, err := q.repo.ClaimNext(ctx)
	if err != nil || j == nil {
		return false, err
	}
	q.dispatch(ctx, j)
	return true, nil
}

func (q *Queue) dispatch(ctx context.Context, j *domain.Job) {
	ctx, span := q.tracer.Start(ctx, "queue.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.kind", j.Kind),
			attribute.Int("job.attempt", j.AttemptCount),
		))
	defer span.End()

	q.mu.RLock()
	h, ok := q.handlers[j.Kind]
	q.mu.RUnlock()
	if !ok {
		// A payload no handler claims is a producer bug, not a retryable condition.
		q.fail(ctx, span, j, fmt.Errorf("no handler registered for kind %q", j.Kind))
		return
	}

	err := q.execute(ctx, h, j.Payload)
	switch {
	case err == nil, errors.Is(err, outcome.ErrStaleReference):
		// Stale references are an expected race, acknowledged as success.
		span.SetAttributes(attribute.String("job.outcome", "done"))
		if markErr := q.repo.MarkDone(ctx, j.ID); markErr != nil {
			q.logger.Error("mark done failed", zap.String("job_id", j.ID), zap.Error(markErr))
			return
		}
		audit.EmitAsync(q.emitter, audit.NewRecord(j.ID, j.Kind, audit.ActionDone, j.AttemptCount, ""))
	case outcome.IsPermanent(err):
		q.fail(ctx, span, j, err)
	default:
		// Transient or unexpected: retry with backoff up to the ceiling.
		if j.AttemptCount >= j.MaxAttempts {
			q.fail(ctx, span, j, fmt.Errorf("attempts exhausted: %w", err))
			return
		}
		delay := q.backoff(j.AttemptCount)
		next := time.Now().UTC().Add(delay)
		span.SetAttributes(attribute.String("job.outcome", "retried"))
		if rsErr := q.repo.Reschedule(ctx, j.ID, next, err.Error()); rsErr != nil {
			q.logger.Error("reschedule failed", zap.String("job_id", j.ID), zap.Error(rsErr))
			return
		}
		q.logger.Warn("job retried",
			zap.String("job_id", j.ID), zap.String("kind", j.Kind),
			zap.Int("attempt", j.AttemptCount), zap.Duration("delay", delay), zap.Error(err))
		audit.EmitAsync(q.emitter, audit.NewRecord(j.ID, j.Kind, audit.ActionRetried, j.AttemptCount, err.Error()))
	}
}

func (q *Queue) fail(ctx context.Context, span trace.Span, j *domain.Job, err error) {
	span.SetAttributes(attribute.String("job.outcome", "failed_permanent"))
	if markErr := q.repo.MarkFailedPermanent(ctx, j.ID, err.Error()); markErr != nil {
		q.logger.Error("mark failed_permanent failed", zap.String("job_id", j.ID), zap.Error(markErr))
		return
	}
	q.logger.Error("job failed permanently",
		zap.String("job_id", j.ID), zap.String("kind", j.Kind),
		zap.Int("attempt", j.AttemptCount), zap.Error(err))
	audit.EmitAsync(q.emitter, audit.NewRecord(j.ID, j.Kind, audit.ActionFailedPermanent, j.AttemptCount, err.Error()))
}

// execute invokes the handler under the per-job timeout, converting panics
// into errors so a misbehaving handler cannot take down the worker.
func (q *Queue) execute(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, payload)
}

// backoff returns the delay before the next attempt: base doubled per attempt,
// capped. attempt is 1-based (the attempt that just failed).
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	if d > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return d
}

func (q *Queue) reapLoop(ctx context.Context) {
	interval := q.cfg.VisibilityTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-q.cfg.VisibilityTimeout)
			n, err := q.repo.ReleaseAbandoned(ctx, cutoff)
			if err != nil {
				q.logger.Error("reap abandoned jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Warn("released abandoned jobs", zap.Int64("count", n))
			}
		}
	}
}

// ListFailed returns permanently failed jobs for operator inspection.
func (q *Queue) ListFailed(ctx context.Context, limit int32) ([]*domain.Job, error) {
	return q.repo.ListFailedPermanent(ctx, limit)
}

// Resolve drops a failed_permanent job an operator has dealt with. Returns an
// error when the job is not parked.
func (q *Queue) Resolve(ctx context.Context, id string) error {
	ok, err := q.repo.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not failed_permanent", id)
	}
	audit.EmitAsync(q.emitter, audit.NewRecord(id, "", audit.ActionResolved, 0, ""))
	return nil
}
