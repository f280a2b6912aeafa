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

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

// Create inserts a new schedule.
func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by its UUID.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var schedule db.Schedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &schedule, nil
}

// Update persists all fields of an existing schedule.
func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	res := r.db.WithContext(ctx).Save(schedule)
	if res.Error != nil {
		return fmt.Errorf("schedules: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("schedules: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnabled returns every enabled schedule across all users, for startup
// registration.
func (r *gormScheduleRepository) ListEnabled(ctx context.Context) ([]db.Schedule, error) {
	var schedules []db.Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list enabled: %w", err)
	}
	return schedules, nil
}

// ListByUser returns all schedules of one user.
func (r *gormScheduleRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Schedule, error) {
	var schedules []db.Schedule
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list by user: %w", err)
	}
	return schedules, nil
}

// UpdateRunTimes stamps last_run_at and next_run_at after a tick.
func (r *gormScheduleRepository) UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if res.Error != nil {
		return fmt.Errorf("schedules: update run times: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
