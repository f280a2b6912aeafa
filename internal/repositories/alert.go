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

// gormAlertRepository is the GORM implementation of AlertRepository.
type gormAlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository returns an AlertRepository backed by the provided *gorm.DB.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &gormAlertRepository{db: db}
}

// CreateRule inserts a new alert rule.
func (r *gormAlertRepository) CreateRule(ctx context.Context, rule *db.AlertRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("alerts: create rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by its UUID.
func (r *gormAlertRepository) GetRule(ctx context.Context, id uuid.UUID) (*db.AlertRule, error) {
	var rule db.AlertRule
	err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get rule: %w", err)
	}
	return &rule, nil
}

// UpdateRule persists all fields of an existing rule.
func (r *gormAlertRepository) UpdateRule(ctx context.Context, rule *db.AlertRule) error {
	res := r.db.WithContext(ctx).Save(rule)
	if res.Error != nil {
		return fmt.Errorf("alerts: update rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (r *gormAlertRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.AlertRule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("alerts: delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns all rules of one user.
func (r *gormAlertRepository) ListRules(ctx context.Context, userID uuid.UUID) ([]db.AlertRule, error) {
	var rules []db.AlertRule
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: list rules: %w", err)
	}
	return rules, nil
}

// ListActiveRules returns every active rule across all users, for the
// evaluator loop.
func (r *gormAlertRepository) ListActiveRules(ctx context.Context) ([]db.AlertRule, error) {
	var rules []db.AlertRule
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("user_id ASC, created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: list active rules: %w", err)
	}
	return rules, nil
}

// SetFiring flips the rule's is_firing flag; when firing it also stamps
// last_fired_at.
func (r *gormAlertRepository) SetFiring(ctx context.Context, ruleID uuid.UUID, firing bool, at time.Time) error {
	updates := map[string]interface{}{"is_firing": firing}
	if firing {
		updates["last_fired_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&db.AlertRule{}).
		Where("id = ?", ruleID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("alerts: set firing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFiring opens a new alert firing episode.
func (r *gormAlertRepository) CreateFiring(ctx context.Context, firing *db.AlertFiring) error {
	if err := r.db.WithContext(ctx).Create(firing).Error; err != nil {
		return fmt.Errorf("alerts: create firing: %w", err)
	}
	return nil
}

// GetOpenFiring returns the rule's unresolved firing, or ErrNotFound.
func (r *gormAlertRepository) GetOpenFiring(ctx context.Context, ruleID uuid.UUID) (*db.AlertFiring, error) {
	var firing db.AlertFiring
	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND resolved_at IS NULL", ruleID).
		Order("triggered_at DESC").
		First(&firing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get open firing: %w", err)
	}
	return &firing, nil
}

// ResolveFiring closes the rule's open firing by stamping resolved_at.
func (r *gormAlertRepository) ResolveFiring(ctx context.Context, ruleID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.AlertFiring{}).
		Where("rule_id = ? AND resolved_at IS NULL", ruleID).
		Update("resolved_at", at)
	if res.Error != nil {
		return fmt.Errorf("alerts: resolve firing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFirings returns a paginated firing history for one user, newest first.
func (r *gormAlertRepository) ListFirings(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.AlertFiring, int64, error) {
	var firings []db.AlertFiring
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AlertFiring{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list firings count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("triggered_at DESC").
		Find(&firings).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list firings: %w", err)
	}

	return firings, total, nil
}

// FiringCountsSince returns (opened, resolved) counts after the cutoff,
// for the metrics collector.
func (r *gormAlertRepository) FiringCountsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, int64, error) {
	var opened, resolved int64

	err := r.db.WithContext(ctx).Model(&db.AlertFiring{}).
		Where("user_id = ? AND triggered_at >= ?", userID, since).
		Count(&opened).Error
	if err != nil {
		return 0, 0, fmt.Errorf("alerts: firing counts opened: %w", err)
	}

	err = r.db.WithContext(ctx).Model(&db.AlertFiring{}).
		Where("user_id = ? AND resolved_at >= ?", userID, since).
		Count(&resolved).Error
	if err != nil {
		return 0, 0, fmt.Errorf("alerts: firing counts resolved: %w", err)
	}

	return opened, resolved, nil
}
