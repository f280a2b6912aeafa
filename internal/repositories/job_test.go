package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gpilot-io/gpilot/internal/db"
)

// openTestDB opens a fresh in-memory SQLite database with the full migration
// set applied.
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

func newWaitingJob(queue string, priority int, userID uuid.UUID) *db.Job {
	return &db.Job{
		Queue:       queue,
		Type:        "test.job",
		Payload:     `{"k":"v"}`,
		Status:      db.JobWaiting,
		Priority:    priority,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().UTC(),
		UserID:      userID,
	}
}

func TestJobRepository_EnqueueClaimRoundTrip(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	job := newWaitingJob("default", 0, userID)
	require.NoError(t, repo.Create(ctx, job))

	claimed, err := repo.ClaimNext(ctx, "default", "worker-1", time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, `{"k":"v"}`, claimed.Payload)
	assert.Equal(t, "test.job", claimed.Type)
	assert.Equal(t, userID, claimed.UserID)
	assert.Equal(t, db.JobActive, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.NotNil(t, claimed.StartedAt)
	assert.Equal(t, "worker-1", claimed.WorkerID)
}

func TestJobRepository_ClaimOrder(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	// Insert out of priority order; within a priority, age wins.
	low := newWaitingJob("default", 5, userID)
	require.NoError(t, repo.Create(ctx, low))
	oldHigh := newWaitingJob("default", 1, userID)
	oldHigh.EnqueuedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, oldHigh))
	newHigh := newWaitingJob("default", 1, userID)
	require.NoError(t, repo.Create(ctx, newHigh))

	first, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, oldHigh.ID, first.ID)

	second, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, newHigh.ID, second.ID)

	third, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, low.ID, third.ID)

	_, err = repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestJobRepository_ClaimRespectsDelay(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	job := newWaitingJob("default", 0, uuid.New())
	job.Status = db.JobDelayed
	until := now.Add(time.Hour)
	job.DelayedUntil = &until
	require.NoError(t, repo.Create(ctx, job))

	_, err := repo.ClaimNext(ctx, "default", "w", now)
	assert.ErrorIs(t, err, ErrNoJob)

	claimed, err := repo.ClaimNext(ctx, "default", "w", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestJobRepository_SingleClaim(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, repo.Create(ctx, newWaitingJob("default", 0, userID)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := repo.ClaimNext(ctx, "default", fmt.Sprintf("w-%d", w), time.Now().UTC())
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestJobRepository_StatusMonotonicity(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job := newWaitingJob("default", 0, uuid.New())
	require.NoError(t, repo.Create(ctx, job))
	_, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, job.ID, time.Now().UTC()))

	// A completed job never transitions again.
	assert.ErrorIs(t, repo.MarkCompleted(ctx, job.ID, time.Now().UTC()), ErrStale)
	assert.ErrorIs(t, repo.MarkDelayed(ctx, job.ID, time.Now().UTC(), "x"), ErrStale)
	assert.ErrorIs(t, repo.MarkDead(ctx, job.ID), ErrStale)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobRepository_FailWithDeadLetter(t *testing.T) {
	gormDB := openTestDB(t)
	repo := NewJobRepository(gormDB)
	dlq := NewDeadLetterRepository(gormDB)
	ctx := context.Background()
	userID := uuid.New()

	job := newWaitingJob("default", 0, userID)
	require.NoError(t, repo.Create(ctx, job))
	_, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)

	entry := &db.DeadLetterEntry{
		JobID:         job.ID,
		Queue:         "default",
		JobType:       job.Type,
		UserID:        userID,
		JobSnapshot:   "{}",
		FailureReason: "max_attempts_exhausted",
		LastError:     "boom",
		EnteredAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.MarkFailedWithDeadLetter(ctx, job.ID, "boom", entry))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	// DLQ containment: the entry references a failed job.
	entries, total, err := dlq.List(ctx, userID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, job.ID, entries[0].JobID)

	n, err := dlq.CountOpen(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestJobRepository_RequeueFromDeadLetter(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job := newWaitingJob("default", 0, uuid.New())
	require.NoError(t, repo.Create(ctx, job))
	_, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	entry := &db.DeadLetterEntry{
		JobID: job.ID, Queue: "default", JobType: job.Type, UserID: job.UserID,
		JobSnapshot: "{}", FailureReason: "permanent_error", EnteredAt: time.Now().UTC(),
	}
	require.NoError(t, repo.MarkFailedWithDeadLetter(ctx, job.ID, "nope", entry))

	require.NoError(t, repo.Requeue(ctx, job.ID))
	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobWaiting, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.Error)
}

func TestJobRepository_IdempotencyLookup(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	job := newWaitingJob("default", 0, uuid.New())
	job.IdempotencyKey = "key-1"
	require.NoError(t, repo.Create(ctx, job))

	found, err := repo.FindByIdempotencyKey(ctx, "default", "key-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	_, err = repo.FindByIdempotencyKey(ctx, "other", "key-1", now.Add(-24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindByIdempotencyKey(ctx, "default", "key-2", now.Add(-24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepository_Counts(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newWaitingJob("default", 0, userID)))
	}
	claimed, err := repo.ClaimNext(ctx, "default", "w", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, claimed.ID, time.Now().UTC()))

	counts, err := repo.CountsByQueue(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Waiting)
	assert.EqualValues(t, 1, counts.Completed)
	assert.EqualValues(t, 0, counts.Active)
}
