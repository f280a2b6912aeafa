package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	key := make([]byte, 32)
	copy(key, []byte("test-master-key"))
	require.NoError(t, db.InitEncryption(key))

	gormDB, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return gormDB
}

// newTestQueue builds a queue with a fast poll loop suitable for tests.
// The gorm handle is returned so sibling repositories can share the store.
func newTestQueue(t *testing.T) (*Queue, repositories.JobRepository, *gorm.DB) {
	t.Helper()
	gormDB := openTestDB(t)
	jobs := repositories.NewJobRepository(gormDB)
	q := New(jobs, Config{
		PollInterval:  20 * time.Millisecond,
		JobTimeout:    5 * time.Second,
		ShutdownGrace: 2 * time.Second,
	}, zap.NewNop(), nil)
	return q, jobs, gormDB
}

type testPayload struct {
	Name string `json:"name"`
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestQueue_RegisterHandlerTwiceFails(t *testing.T) {
	q, _, _ := newTestQueue(t)

	reg := Registration{Handle: func(ctx context.Context, inv *Invocation) error { return nil }}
	require.NoError(t, q.RegisterHandler("default", "t", reg))
	assert.ErrorIs(t, q.RegisterHandler("default", "t", reg), ErrValidation)
}

func TestQueue_EnqueueUnknownTypeFails(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "default", "nope", nil, EnqueueOptions{UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestQueue_EnqueueRejectsSchemaMismatch(t *testing.T) {
	q, _, _ := newTestQueue(t)

	require.NoError(t, q.RegisterHandler("default", "typed", Registration{
		Payload: func() any { return new(testPayload) },
		Handle:  func(ctx context.Context, inv *Invocation) error { return nil },
	}))

	_, err := q.Enqueue(context.Background(), "default", "typed",
		map[string]any{"name": "ok", "extra": true}, EnqueueOptions{UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = q.Enqueue(context.Background(), "default", "typed",
		map[string]any{"name": "ok"}, EnqueueOptions{UserID: uuid.New()})
	assert.NoError(t, err)
}

func TestQueue_IdempotencyKeyDeduplicates(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, q.RegisterHandler("default", "t", Registration{
		Handle: func(ctx context.Context, inv *Invocation) error { return nil },
	}))

	first, err := q.Enqueue(ctx, "default", "t", nil, EnqueueOptions{UserID: userID, IdempotencyKey: "once"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "default", "t", nil, EnqueueOptions{UserID: userID, IdempotencyKey: "once"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	counts, err := q.Metrics(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestQueue_WorkerCompletesJob(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	require.NoError(t, q.RegisterHandler("default", "typed", Registration{
		Payload: func() any { return new(testPayload) },
		Handle: func(ctx context.Context, inv *Invocation) error {
			got.Store(inv.Payload.(*testPayload).Name)
			return nil
		},
	}))

	jobID, err := q.Enqueue(ctx, "default", "typed",
		testPayload{Name: "hello"}, EnqueueOptions{UserID: uuid.New()})
	require.NoError(t, err)

	q.StartWorkers(ctx, "default", 2)
	defer q.StopWorkers("default")

	waitFor(t, 5*time.Second, func() bool {
		job, err := jobs.GetByID(ctx, jobID)
		return err == nil && job.Status == db.JobCompleted
	})
	assert.Equal(t, "hello", got.Load())
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	q, jobs, gormDB := newTestQueue(t)
	dlq := repositories.NewDeadLetterRepository(gormDB)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	userID := uuid.New()

	var (
		mu       sync.Mutex
		attempts int
		gaps     []time.Duration
		last     time.Time
	)
	require.NoError(t, q.RegisterHandler("default", "flaky", Registration{
		Handle: func(ctx context.Context, inv *Invocation) error {
			mu.Lock()
			defer mu.Unlock()
			now := time.Now()
			if !last.IsZero() {
				gaps = append(gaps, now.Sub(last))
			}
			last = now
			attempts++
			return errors.New("transient")
		},
	}))

	jobID, err := q.Enqueue(ctx, "default", "flaky", nil, EnqueueOptions{
		UserID:        userID,
		Attempts:      3,
		BackoffBaseMS: 100,
	})
	require.NoError(t, err)

	q.StartWorkers(ctx, "default", 1)
	defer q.StopWorkers("default")

	waitFor(t, 10*time.Second, func() bool {
		job, err := jobs.GetByID(ctx, jobID)
		return err == nil && job.Status == db.JobFailed
	})

	mu.Lock()
	assert.Equal(t, 3, attempts)

	// Backoff doubles: >=100ms between attempts 1-2, >=200ms between 2-3.
	require.Len(t, gaps, 2)
	assert.GreaterOrEqual(t, gaps[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 200*time.Millisecond)
	mu.Unlock()

	job, err := jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)

	entries, total, err := dlq.List(ctx, userID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "max_attempts_exhausted", entries[0].FailureReason)
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q, jobs, gormDB := newTestQueue(t)
	dlq := repositories.NewDeadLetterRepository(gormDB)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	userID := uuid.New()

	var attempts atomic.Int32
	require.NoError(t, q.RegisterHandler("default", "doomed", Registration{
		Handle: func(ctx context.Context, inv *Invocation) error {
			attempts.Add(1)
			return Permanent(errors.New("resource deleted"))
		},
	}))

	jobID, err := q.Enqueue(ctx, "default", "doomed", nil, EnqueueOptions{UserID: userID, Attempts: 5})
	require.NoError(t, err)

	q.StartWorkers(ctx, "default", 1)
	defer q.StopWorkers("default")

	waitFor(t, 5*time.Second, func() bool {
		job, err := jobs.GetByID(ctx, jobID)
		return err == nil && job.Status == db.JobFailed
	})

	assert.EqualValues(t, 1, attempts.Load())

	entries, _, err := dlq.List(ctx, userID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "permanent_error", entries[0].FailureReason)
}

func TestQueue_SingleAttemptJobDeadLettersDirectly(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.RegisterHandler("default", "once", Registration{
		Handle: func(ctx context.Context, inv *Invocation) error {
			return errors.New("boom")
		},
	}))

	jobID, err := q.Enqueue(ctx, "default", "once", nil, EnqueueOptions{UserID: uuid.New(), Attempts: 1})
	require.NoError(t, err)

	q.StartWorkers(ctx, "default", 1)
	defer q.StopWorkers("default")

	waitFor(t, 5*time.Second, func() bool {
		job, err := jobs.GetByID(ctx, jobID)
		return err == nil && job.Status == db.JobFailed
	})

	job, err := jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func TestQueue_PanicIsRetryable(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	require.NoError(t, q.RegisterHandler("default", "panicky", Registration{
		Handle: func(ctx context.Context, inv *Invocation) error {
			if attempts.Add(1) == 1 {
				panic("first run explodes")
			}
			return nil
		},
	}))

	jobID, err := q.Enqueue(ctx, "default", "panicky", nil, EnqueueOptions{
		UserID: uuid.New(), Attempts: 3, BackoffBaseMS: 20,
	})
	require.NoError(t, err)

	q.StartWorkers(ctx, "default", 1)
	defer q.StopWorkers("default")

	waitFor(t, 5*time.Second, func() bool {
		job, err := jobs.GetByID(ctx, jobID)
		return err == nil && job.Status == db.JobCompleted
	})
	assert.EqualValues(t, 2, attempts.Load())
}

func TestBackoffDelay(t *testing.T) {
	// attempt 1 -> base, attempt 2 -> 2x, capped at 60s; jitter adds <=10%.
	d1 := backoffDelay(1000, 1)
	assert.GreaterOrEqual(t, d1, 1000*time.Millisecond)
	assert.LessOrEqual(t, d1, 1100*time.Millisecond)

	d2 := backoffDelay(1000, 2)
	assert.GreaterOrEqual(t, d2, 2000*time.Millisecond)
	assert.LessOrEqual(t, d2, 2200*time.Millisecond)

	dCap := backoffDelay(50_000, 9)
	assert.LessOrEqual(t, dCap, time.Duration(float64(maxBackoffMS)*1.1)*time.Millisecond)
}

