package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gpilot-io/gpilot/internal/db"
)

// gormAgentStatusRepository is the GORM implementation of AgentStatusRepository.
type gormAgentStatusRepository struct {
	db *gorm.DB
}

// NewAgentStatusRepository returns an AgentStatusRepository backed by the
// provided *gorm.DB.
func NewAgentStatusRepository(db *gorm.DB) AgentStatusRepository {
	return &gormAgentStatusRepository{db: db}
}

// Upsert writes the full status row for (user, agent). A row loaded from the
// database carries its ID and updates in place; a fresh row inserts with the
// unique (user_id, agent_name) index as the conflict target, so two first
// sightings of the same pair collapse into one row.
func (r *gormAgentStatusRepository) Upsert(ctx context.Context, status *db.AgentStatus) error {
	if status.ID != uuid.Nil {
		if err := r.db.WithContext(ctx).Save(status).Error; err != nil {
			return fmt.Errorf("agent status: upsert: %w", err)
		}
		return nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "agent_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "current_job_id", "started_at", "last_active_at",
				"total_executions", "consecutive_failures", "avg_duration_ms",
				"updated_at",
			}),
		}).
		Create(status).Error
	if err != nil {
		return fmt.Errorf("agent status: upsert: %w", err)
	}
	return nil
}

// Get retrieves the status row for one (user, agent) pair.
func (r *gormAgentStatusRepository) Get(ctx context.Context, userID uuid.UUID, agentName string) (*db.AgentStatus, error) {
	var status db.AgentStatus
	err := r.db.WithContext(ctx).
		First(&status, "user_id = ? AND agent_name = ?", userID, agentName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent status: get: %w", err)
	}
	return &status, nil
}

// ListByUser returns all agent status rows for a user, ordered by agent name.
func (r *gormAgentStatusRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentStatus, error) {
	var statuses []db.AgentStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("agent_name ASC").
		Find(&statuses).Error
	if err != nil {
		return nil, fmt.Errorf("agent status: list by user: %w", err)
	}
	return statuses, nil
}
