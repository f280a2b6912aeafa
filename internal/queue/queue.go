// Package queue implements the durable multi-queue work distributor of the
// G-Pilot core. Named queues are disjoint FIFO-within-priority streams, each
// served by its own worker pool, so no queue can starve another. Jobs live in
// the database (via the persistence gateway) and survive process restarts;
// the only in-memory state is the handler registry and the running pools.
//
// Retry is the queue's responsibility, never the handler's: a handler either
// succeeds, returns a retryable error, or signals permanent failure with
// Permanent. Retries back off exponentially and exhausted jobs dead-letter.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

const (
	// DefaultConcurrency is the worker count per queue when StartWorkers is
	// called with zero.
	DefaultConcurrency = 5

	// DefaultMaxAttempts applies when EnqueueOptions leaves Attempts unset.
	DefaultMaxAttempts = 3

	// DefaultBackoffBaseMS applies when EnqueueOptions leaves the backoff
	// base unset.
	DefaultBackoffBaseMS = 1000

	// idempotencyWindow bounds how far back Enqueue looks for a matching
	// idempotency key.
	idempotencyWindow = 24 * time.Hour
)

// Invocation is everything a handler receives besides the context: job
// identity, the decoded payload, attempt bookkeeping, and the streaming log
// sink. The payload is the concrete type produced by the registration's
// payload factory.
type Invocation struct {
	JobID       uuid.UUID
	Queue       string
	Type        string
	UserID      uuid.UUID
	MissionID   *uuid.UUID
	Attempt     int
	MaxAttempts int
	Payload     any
	Log         LogSink
}

// HandlerFunc processes one job. The context carries the per-type deadline
// and is cancelled on shutdown; handlers that suspend on I/O must honor it.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Registration declares a handler for one (queue, type) pair. Payload is a
// factory for the typed payload value the job body is decoded into; enqueue
// rejects bodies that do not decode cleanly (unknown fields included), so a
// malformed payload never reaches a worker. A nil factory accepts any JSON.
type Registration struct {
	// Payload returns a new pointer to the payload type, e.g.
	// func() any { return new(SendReportPayload) }.
	Payload func() any

	// Timeout is the per-type handler deadline. Zero means the queue default.
	Timeout time.Duration

	Handle HandlerFunc
}

// Config tunes queue behavior. Zero values fall back to the defaults above.
type Config struct {
	PollInterval  time.Duration // worker idle poll cadence (default 500ms)
	JobTimeout    time.Duration // default per-job deadline (default 5m)
	ShutdownGrace time.Duration // wait for in-flight jobs on stop (default 30s)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// EnqueueOptions tunes a single enqueue. UserID is required; everything else
// has a sensible default.
type EnqueueOptions struct {
	Priority       int // lower runs first
	Attempts       int // max attempts; default 3
	BackoffBaseMS  int // default 1000
	Delay          time.Duration
	UserID         uuid.UUID
	IdempotencyKey string
	MissionID      *uuid.UUID
}

// Queue is the multi-queue work distributor. The zero value is not usable —
// create instances with New.
type Queue struct {
	jobs   repositories.JobRepository
	cfg    Config
	logger *zap.Logger
	sink   Sink

	mu       sync.RWMutex
	handlers map[string]map[string]Registration // queue -> type -> registration
	pools    map[string]*workerPool
	closed   bool
}

// New creates a Queue. sink may be nil, in which case events are discarded.
func New(jobs repositories.JobRepository, cfg Config, logger *zap.Logger, sink Sink) *Queue {
	if sink == nil {
		sink = NopSink{}
	}
	return &Queue{
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("queue"),
		sink:     sink,
		handlers: make(map[string]map[string]Registration),
		pools:    make(map[string]*workerPool),
	}
}

// RegisterHandler declares the handler for a (queue, type) pair. Registering
// the same pair twice is an error. Must be called before workers start
// claiming jobs of that type.
func (q *Queue) RegisterHandler(queueName, jobType string, reg Registration) error {
	if reg.Handle == nil {
		return fmt.Errorf("%w: handler for %s/%s is nil", ErrValidation, queueName, jobType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	byType, ok := q.handlers[queueName]
	if !ok {
		byType = make(map[string]Registration)
		q.handlers[queueName] = byType
	}
	if _, dup := byType[jobType]; dup {
		return fmt.Errorf("%w for %s/%s", ErrHandlerExists, queueName, jobType)
	}
	byType[jobType] = reg
	return nil
}

// Enqueue validates the payload against the registered schema and inserts a
// durable job. If an idempotency key matches a non-dead job in the same queue
// within the last 24 hours, the existing job's ID is returned and nothing is
// inserted. Enqueue never blocks on queue depth — overload surfaces through
// the queue-depth metric instead.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	q.mu.RLock()
	closed := q.closed
	reg, ok := q.handlers[queueName][jobType]
	q.mu.RUnlock()

	if closed {
		return uuid.Nil, ErrStopped
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w for %s/%s", ErrNoHandler, queueName, jobType)
	}
	if opts.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	body, err := encodePayload(payload, reg)
	if err != nil {
		return uuid.Nil, err
	}

	if opts.IdempotencyKey != "" {
		existing, err := q.jobs.FindByIdempotencyKey(ctx, queueName, opts.IdempotencyKey,
			time.Now().UTC().Add(-idempotencyWindow))
		if err == nil {
			q.logger.Debug("enqueue deduplicated by idempotency key",
				zap.String("queue", queueName),
				zap.String("type", jobType),
				zap.String("job_id", existing.ID.String()),
			)
			return existing.ID, nil
		}
		if err != repositories.ErrNotFound {
			return uuid.Nil, fmt.Errorf("queue: idempotency lookup: %w", err)
		}
	}

	now := time.Now().UTC()
	job := &db.Job{
		Queue:          queueName,
		Type:           jobType,
		Payload:        string(body),
		Status:         db.JobWaiting,
		Priority:       opts.Priority,
		MaxAttempts:    valueOr(opts.Attempts, DefaultMaxAttempts),
		BackoffBaseMS:  valueOr(opts.BackoffBaseMS, DefaultBackoffBaseMS),
		EnqueuedAt:     now,
		UserID:         opts.UserID,
		IdempotencyKey: opts.IdempotencyKey,
		MissionID:      opts.MissionID,
	}
	if opts.Delay > 0 {
		until := now.Add(opts.Delay)
		job.Status = db.JobDelayed
		job.DelayedUntil = &until
	}

	if err := q.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("queue", queueName),
		zap.String("type", jobType),
		zap.String("job_id", job.ID.String()),
		zap.Int("priority", job.Priority),
	)
	return job.ID, nil
}

// Metrics returns the current per-status job counts of one queue.
func (q *Queue) Metrics(ctx context.Context, queueName string) (repositories.JobCounts, error) {
	return q.jobs.CountsByQueue(ctx, queueName)
}

// StartWorkers launches the worker pool for a queue. Idempotent: a pool that
// is already running is left alone. concurrency <= 0 uses the default.
func (q *Queue) StartWorkers(ctx context.Context, queueName string, concurrency int) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if _, running := q.pools[queueName]; running {
		return
	}

	pool := newWorkerPool(q, queueName, concurrency)
	q.pools[queueName] = pool
	pool.start(ctx)
}

// StopWorkers drains one queue's pool: workers stop claiming immediately and
// in-flight jobs get the shutdown grace period to finish. Idempotent.
func (q *Queue) StopWorkers(queueName string) {
	q.mu.Lock()
	pool := q.pools[queueName]
	delete(q.pools, queueName)
	q.mu.Unlock()

	if pool != nil {
		pool.stop(q.cfg.ShutdownGrace)
	}
}

// Close stops all pools and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	pools := make([]*workerPool, 0, len(q.pools))
	for name, pool := range q.pools {
		pools = append(pools, pool)
		delete(q.pools, name)
	}
	q.mu.Unlock()

	for _, pool := range pools {
		pool.stop(q.cfg.ShutdownGrace)
	}
	q.logger.Info("queue closed")
}

// registration looks up the handler for a claimed job.
func (q *Queue) registration(queueName, jobType string) (Registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	reg, ok := q.handlers[queueName][jobType]
	return reg, ok
}

// encodePayload serializes the payload and checks it round-trips strictly
// into the registered payload type, so schema mismatches fail at the caller
// instead of inside a worker.
func encodePayload(payload any, reg Registration) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}
	if reg.Payload != nil {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(reg.Payload()); err != nil {
			return nil, fmt.Errorf("%w: payload does not match schema: %v", ErrValidation, err)
		}
	}
	return body, nil
}

// decodePayload produces the typed payload value for a claimed job. The body
// was validated at enqueue time, but jobs can outlive schema changes, so a
// decode failure here is treated as a permanent error by the worker.
func decodePayload(body string, reg Registration) (any, error) {
	if reg.Payload == nil {
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return v, nil
	}
	v := reg.Payload()
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
