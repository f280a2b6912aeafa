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

// gormMissionRepository is the GORM implementation of MissionRepository.
type gormMissionRepository struct {
	db *gorm.DB
}

// NewMissionRepository returns a MissionRepository backed by the provided *gorm.DB.
func NewMissionRepository(db *gorm.DB) MissionRepository {
	return &gormMissionRepository{db: db}
}

// Create inserts a new mission record.
func (r *gormMissionRepository) Create(ctx context.Context, mission *db.Mission) error {
	if err := r.db.WithContext(ctx).Create(mission).Error; err != nil {
		return fmt.Errorf("missions: create: %w", err)
	}
	return nil
}

// GetByID retrieves a mission by its UUID. Returns ErrNotFound if no record exists.
func (r *gormMissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Mission, error) {
	var mission db.Mission
	err := r.db.WithContext(ctx).First(&mission, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("missions: get by id: %w", err)
	}
	return &mission, nil
}

// List returns a paginated list of the user's missions, newest first.
func (r *gormMissionRepository) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Mission, int64, error) {
	var missions []db.Mission
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Mission{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("missions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&missions).Error; err != nil {
		return nil, 0, fmt.Errorf("missions: list: %w", err)
	}

	return missions, total, nil
}

// MarkRunning transitions PENDING -> RUNNING. The status guard makes the
// transition single-shot.
func (r *gormMissionRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Mission{}).
		Where("id = ? AND status = ?", id, db.MissionPending).
		Update("status", db.MissionRunning)
	if res.Error != nil {
		return fmt.Errorf("missions: mark running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// Finalize writes the terminal mission state exactly once. A mission that is
// already COMPLETED or FAILED is never overwritten.
func (r *gormMissionRepository) Finalize(ctx context.Context, mission *db.Mission) error {
	res := r.db.WithContext(ctx).Model(&db.Mission{}).
		Where("id = ? AND status IN ?", mission.ID,
			[]db.MissionStatus{db.MissionPending, db.MissionRunning}).
		Updates(map[string]interface{}{
			"status":      mission.Status,
			"result":      mission.Result,
			"audit":       mission.Audit,
			"agent_costs": mission.AgentCosts,
			"total_cost":  mission.TotalCost,
			"failed_step": mission.FailedStep,
			"tokens_used": mission.TokensUsed,
		})
	if res.Error != nil {
		return fmt.Errorf("missions: finalize: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// TokensSince sums TokensUsed over missions finished after the cutoff.
func (r *gormMissionRepository) TokensSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&db.Mission{}).
		Select("COALESCE(SUM(tokens_used), 0)").
		Where("user_id = ? AND status IN ? AND updated_at >= ?",
			userID, []db.MissionStatus{db.MissionCompleted, db.MissionFailed}, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("missions: tokens since: %w", err)
	}
	return total, nil
}

// CostSince sums TotalCost over missions finished after the cutoff.
func (r *gormMissionRepository) CostSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&db.Mission{}).
		Select("COALESCE(SUM(total_cost), 0)").
		Where("user_id = ? AND status IN ? AND updated_at >= ?",
			userID, []db.MissionStatus{db.MissionCompleted, db.MissionFailed}, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("missions: cost since: %w", err)
	}
	return total, nil
}
