package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gpilot-io/gpilot/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// FindByIdempotencyKey returns the newest non-dead job in the queue carrying
// the key, enqueued after the cutoff. Returns ErrNotFound when no match.
func (r *gormJobRepository) FindByIdempotencyKey(ctx context.Context, queue, key string, since time.Time) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).
		Where("queue = ? AND idempotency_key = ? AND status <> ? AND enqueued_at >= ?",
			queue, key, db.JobDead, since).
		Order("enqueued_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: find by idempotency key: %w", err)
	}
	return &job, nil
}

// ClaimNext atomically claims the best candidate job in the queue.
//
// The claim runs as a compare-and-swap loop inside a transaction: select the
// best candidate, then update it guarded by its current status. If the guard
// matches no rows another worker won the race, and the loop retries with the
// next candidate. The status guard makes the flip atomic on both SQLite
// (single writer connection) and Postgres (row-level write lock on UPDATE),
// so two workers can never both see RowsAffected == 1 for the same job.
func (r *gormJobRepository) ClaimNext(ctx context.Context, queue, workerID string, now time.Time) (*db.Job, error) {
	const maxRaces = 5

	var claimed *db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < maxRaces; i++ {
			var candidate db.Job
			err := tx.
				Where("queue = ?", queue).
				Where("status = ? OR (status = ? AND delayed_until <= ?)",
					db.JobWaiting, db.JobDelayed, now).
				Order("priority ASC, enqueued_at ASC").
				First(&candidate).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNoJob
				}
				return fmt.Errorf("select candidate: %w", err)
			}

			res := tx.Model(&db.Job{}).
				Where("id = ? AND status = ?", candidate.ID, candidate.Status).
				Updates(map[string]interface{}{
					"status":     db.JobActive,
					"started_at": now,
					"worker_id":  workerID,
					"attempts":   gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return fmt.Errorf("flip to active: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Lost the race for this row — try the next candidate.
				continue
			}

			var fresh db.Job
			if err := tx.First(&fresh, "id = ?", candidate.ID).Error; err != nil {
				return fmt.Errorf("reload claimed job: %w", err)
			}
			claimed = &fresh
			return nil
		}
		return ErrNoJob
	})
	if err != nil {
		if errors.Is(err, ErrNoJob) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("jobs: claim next: %w", err)
	}
	return claimed, nil
}

// MarkCompleted moves an active job to completed. The status guard keeps
// terminal states terminal: a job that already left active is not touched.
func (r *gormJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobActive).
		Updates(map[string]interface{}{
			"status":       db.JobCompleted,
			"completed_at": now,
			"worker_id":    "",
			"error":        "",
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkDelayed schedules a retry of an active job.
func (r *gormJobRepository) MarkDelayed(ctx context.Context, id uuid.UUID, until time.Time, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobActive).
		Updates(map[string]interface{}{
			"status":        db.JobDelayed,
			"delayed_until": until,
			"worker_id":     "",
			"error":         errMsg,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: mark delayed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkFailedWithDeadLetter moves the job to failed and inserts its dead-letter
// entry in one transaction, so a crash between the two writes cannot orphan
// either side.
func (r *gormJobRepository) MarkFailedWithDeadLetter(ctx context.Context, id uuid.UUID, errMsg string, entry *db.DeadLetterEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Job{}).
			Where("id = ? AND status = ?", id, db.JobActive).
			Updates(map[string]interface{}{
				"status":       db.JobFailed,
				"completed_at": time.Now().UTC(),
				"worker_id":    "",
				"error":        errMsg,
			})
		if res.Error != nil {
			return fmt.Errorf("mark failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStale
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStale) {
			return ErrStale
		}
		return fmt.Errorf("jobs: fail with dead letter: %w", err)
	}
	return nil
}

// MarkDead moves a failed job to dead. Dead is terminal.
func (r *gormJobRepository) MarkDead(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobFailed).
		Update("status", db.JobDead)
	if res.Error != nil {
		return fmt.Errorf("jobs: mark dead: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ReleaseActive returns an active job to waiting without consuming an
// attempt. The attempt incremented by ClaimNext is handed back because no
// handler progress was made.
func (r *gormJobRepository) ReleaseActive(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobActive).
		Updates(map[string]interface{}{
			"status":     db.JobWaiting,
			"started_at": nil,
			"worker_id":  "",
			"attempts":   gorm.Expr("attempts - 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: release active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// Requeue resets a failed job for replay from the dead-letter queue.
func (r *gormJobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, []db.JobStatus{db.JobFailed, db.JobDead}).
		Updates(map[string]interface{}{
			"status":        db.JobWaiting,
			"attempts":      0,
			"error":         "",
			"delayed_until": nil,
			"started_at":    nil,
			"completed_at":  nil,
			"enqueued_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: requeue: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountsByQueue returns the per-status census of one queue.
func (r *gormJobRepository) CountsByQueue(ctx context.Context, queue string) (JobCounts, error) {
	return r.counts(ctx, "queue = ?", queue)
}

// CountsByUser returns the per-status census of one user's jobs across all queues.
func (r *gormJobRepository) CountsByUser(ctx context.Context, userID uuid.UUID) (JobCounts, error) {
	return r.counts(ctx, "user_id = ?", userID)
}

func (r *gormJobRepository) counts(ctx context.Context, cond string, arg interface{}) (JobCounts, error) {
	var rows []struct {
		Status db.JobStatus
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Select("status, count(*) as n").
		Where(cond, arg).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return JobCounts{}, fmt.Errorf("jobs: counts: %w", err)
	}

	var c JobCounts
	for _, row := range rows {
		switch row.Status {
		case db.JobWaiting:
			c.Waiting = row.N
		case db.JobActive:
			c.Active = row.N
		case db.JobCompleted:
			c.Completed = row.N
		case db.JobFailed:
			c.Failed = row.N
		case db.JobDelayed:
			c.Delayed = row.N
		}
	}
	return c, nil
}

// StatsSince aggregates window outcomes for the metrics collector. Duration
// is measured between started_at and completed_at of finished jobs.
func (r *gormJobRepository) StatsSince(ctx context.Context, userID uuid.UUID, since time.Time) (WindowStats, error) {
	var stats WindowStats

	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("user_id = ? AND status = ? AND completed_at >= ?", userID, db.JobCompleted, since).
		Count(&stats.Completed).Error
	if err != nil {
		return stats, fmt.Errorf("jobs: stats completed: %w", err)
	}

	err = r.db.WithContext(ctx).Model(&db.Job{}).
		Where("user_id = ? AND status IN ? AND completed_at >= ?",
			userID, []db.JobStatus{db.JobFailed, db.JobDead}, since).
		Count(&stats.Failed).Error
	if err != nil {
		return stats, fmt.Errorf("jobs: stats failed: %w", err)
	}

	var durations []struct {
		StartedAt   *time.Time
		CompletedAt *time.Time
	}
	err = r.db.WithContext(ctx).Model(&db.Job{}).
		Select("started_at, completed_at").
		Where("user_id = ? AND status = ? AND completed_at >= ? AND started_at IS NOT NULL",
			userID, db.JobCompleted, since).
		Scan(&durations).Error
	if err != nil {
		return stats, fmt.Errorf("jobs: stats durations: %w", err)
	}
	if len(durations) > 0 {
		var total float64
		for _, d := range durations {
			total += float64(d.CompletedAt.Sub(*d.StartedAt).Milliseconds())
		}
		stats.AvgDurationMS = total / float64(len(durations))
	}

	return stats, nil
}

// List returns a paginated list of the user's jobs and the total count,
// ordered by enqueue time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("enqueued_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ActiveUsers returns the distinct users with job activity after the cutoff.
func (r *gormJobRepository) ActiveUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Distinct("user_id").
		Where("updated_at >= ?", since).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: active users: %w", err)
	}
	return ids, nil
}

// DeleteTerminalBefore removes completed and dead jobs older than the cutoff.
func (r *gormJobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []db.JobStatus{db.JobCompleted, db.JobDead}, cutoff).
		Delete(&db.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: delete terminal before: %w", res.Error)
	}
	return res.RowsAffected, nil
}
