package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gpilot-io/gpilot/internal/db"
)

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided
// *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

// Upsert writes the snapshot for (minute, user). The timestamp is floored to
// the minute here so uniqueness never depends on caller discipline. A row
// that already exists for the minute is overwritten — last write wins, which
// is safe because the snapshotter is the single writer.
func (r *gormSnapshotRepository) Upsert(ctx context.Context, snapshot *db.MetricSnapshot) error {
	snapshot.Timestamp = snapshot.Timestamp.UTC().Truncate(time.Minute)

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "timestamp"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"queue_depth", "active_jobs", "failed_jobs", "completed_jobs",
				"active_agents", "idle_agents", "jobs_per_minute",
				"cost_per_hour", "tokens_per_minute", "error_rate", "updated_at",
			}),
		}).
		Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("snapshots: upsert: %w", err)
	}
	return nil
}

// ListSince returns the user's snapshots with Timestamp >= since, ascending.
func (r *gormSnapshotRepository) ListSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]db.MetricSnapshot, error) {
	var snapshots []db.MetricSnapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND timestamp >= ?", userID, since.UTC()).
		Order("timestamp ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("snapshots: list since: %w", err)
	}
	return snapshots, nil
}

// DeleteBefore removes snapshots older than the cutoff (30-day retention).
func (r *gormSnapshotRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff.UTC()).
		Delete(&db.MetricSnapshot{})
	if res.Error != nil {
		return 0, fmt.Errorf("snapshots: delete before: %w", res.Error)
	}
	return res.RowsAffected, nil
}
