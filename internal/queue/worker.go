package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

const (
	// maxBackoffMS caps the exponential retry delay.
	maxBackoffMS = 60_000

	// failureExhausted and failurePermanent are the dead-letter reasons.
	failureExhausted = "max_attempts_exhausted"
	failurePermanent = "permanent_error"
)

// workerPool runs a fixed number of claim-execute loops against one queue.
type workerPool struct {
	queue       *Queue
	name        string
	concurrency int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func newWorkerPool(q *Queue, name string, concurrency int) *workerPool {
	return &workerPool{
		queue:       q,
		name:        name,
		concurrency: concurrency,
		logger:      q.logger.Named("worker").With(zap.String("queue", name)),
	}
}

// start launches the worker goroutines. They stop when the parent context is
// cancelled or the pool is stopped.
func (p *workerPool) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(runCtx, workerID)
		}()
	}

	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))
}

// stop marks the pool as draining and waits up to grace for in-flight jobs.
// Workers stop claiming immediately, and the context of every running
// handler is cancelled at once; the error a handler returns on cancellation
// is settled like any other retryable failure. stop returns when all workers
// have exited or grace has elapsed, whichever comes first.
func (p *workerPool) stop(grace time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(grace):
		p.logger.Warn("worker pool drain timed out", zap.Duration("grace", grace))
	}
}

// loop is one worker: claim, execute, settle, repeat. An empty queue sleeps
// for the poll interval with +/-20% jitter so a fleet of workers does not
// poll in lockstep.
func (p *workerPool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.jobs.ClaimNext(ctx, p.name, workerID, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, repositories.ErrNoJob) && ctx.Err() == nil {
				p.logger.Error("claim failed", zap.String("worker", workerID), zap.Error(err))
			}
			p.sleep(ctx)
			continue
		}

		p.queue.sink.Observe(Event{Kind: EventClaimed, Queue: p.name, JobType: job.Type})
		p.execute(ctx, workerID, job)
	}
}

// sleep waits one jittered poll interval or until shutdown.
func (p *workerPool) sleep(ctx context.Context) {
	base := p.queue.cfg.PollInterval
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(base))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

// execute runs the handler for one claimed job and settles the outcome.
//
// Mid-run cancellation (deadline or shutdown) counts as a retryable failure
// and yields a delayed re-enqueue, so a killed process never loses work.
func (p *workerPool) execute(ctx context.Context, workerID string, job *db.Job) {
	reg, ok := p.queue.registration(p.name, job.Type)
	if !ok {
		// A job can outlive its handler across deployments. Permanent: no
		// amount of retrying registers the handler.
		p.settleFailure(job, fmt.Errorf("no handler registered for type %q", job.Type), true)
		return
	}

	payload, err := decodePayload(job.Payload, reg)
	if err != nil {
		p.settleFailure(job, err, true)
		return
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = p.queue.cfg.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := &Invocation{
		JobID:       job.ID,
		Queue:       p.name,
		Type:        job.Type,
		UserID:      job.UserID,
		MissionID:   job.MissionID,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Payload:     payload,
		Log:         nopLogSink{},
	}

	started := time.Now()
	err = p.run(runCtx, reg, inv)
	elapsed := time.Since(started)

	if err == nil {
		if markErr := p.queue.jobs.MarkCompleted(context.Background(), job.ID, time.Now().UTC()); markErr != nil {
			p.consistencyFault(job, "mark completed", markErr)
			return
		}
		p.queue.sink.Observe(Event{Kind: EventCompleted, Queue: p.name, JobType: job.Type, Duration: elapsed})
		p.logger.Debug("job completed",
			zap.String("worker", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
			zap.Duration("elapsed", elapsed),
		)
		return
	}

	// Deadline overruns are retryable but logged separately so operators can
	// tell slow handlers from failing ones.
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("job deadline exceeded",
			zap.String("worker", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
			zap.Duration("timeout", timeout),
		)
	}

	p.settleFailure(job, err, IsPermanent(err))
}

// run invokes the handler, converting panics into retryable errors so one
// bad job cannot take a worker down.
func (p *workerPool) run(ctx context.Context, reg Registration, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				zap.String("job_id", inv.JobID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.Handle(ctx, inv)
}

// settleFailure applies the retry policy: delayed re-enqueue with exponential
// backoff while attempts remain, dead-letter otherwise. Permanent failures
// skip the remaining attempts.
func (p *workerPool) settleFailure(job *db.Job, cause error, permanent bool) {
	ctx := context.Background()

	if !permanent && job.Attempts < job.MaxAttempts {
		delay := backoffDelay(job.BackoffBaseMS, job.Attempts)
		until := time.Now().UTC().Add(delay)
		if err := p.queue.jobs.MarkDelayed(ctx, job.ID, until, cause.Error()); err != nil {
			p.consistencyFault(job, "mark delayed", err)
			return
		}
		p.queue.sink.Observe(Event{Kind: EventRetried, Queue: p.name, JobType: job.Type})
		p.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.String("error", cause.Error()),
		)
		return
	}

	reason := failureExhausted
	if permanent {
		reason = failurePermanent
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		snapshot = []byte("{}")
	}
	entry := &db.DeadLetterEntry{
		JobID:         job.ID,
		Queue:         job.Queue,
		JobType:       job.Type,
		UserID:        job.UserID,
		JobSnapshot:   string(snapshot),
		FailureReason: reason,
		LastError:     cause.Error(),
		EnteredAt:     time.Now().UTC(),
	}
	if err := p.queue.jobs.MarkFailedWithDeadLetter(ctx, job.ID, cause.Error(), entry); err != nil {
		p.consistencyFault(job, "fail with dead letter", err)
		return
	}

	p.queue.sink.Observe(Event{Kind: EventDead, Queue: p.name, JobType: job.Type})
	p.logger.Error("job dead-lettered",
		zap.String("job_id", job.ID.String()),
		zap.String("type", job.Type),
		zap.String("reason", reason),
		zap.Int("attempts", job.Attempts),
		zap.String("error", cause.Error()),
	)
}

// consistencyFault handles a settle write that matched no rows: the job is
// not in the state this worker believes it owns, which means the single-claim
// invariant was violated somewhere. The operation is aborted without touching
// the attempt counter — no progress is made on corrupt state.
func (p *workerPool) consistencyFault(job *db.Job, op string, err error) {
	p.logger.Error("consistency fault: job state changed under active worker",
		zap.String("job_id", job.ID.String()),
		zap.String("operation", op),
		zap.Error(err),
	)
}

// backoffDelay computes min(base * 2^(attempt-1), 60s) with up to +10% jitter.
func backoffDelay(baseMS, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(baseMS)
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= maxBackoffMS {
			ms = maxBackoffMS
			break
		}
	}
	if ms > maxBackoffMS {
		ms = maxBackoffMS
	}
	ms *= 1 + rand.Float64()*0.1
	return time.Duration(ms) * time.Millisecond
}
