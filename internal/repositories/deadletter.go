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

// gormDeadLetterRepository is the GORM implementation of DeadLetterRepository.
// Entries are inserted by JobRepository.MarkFailedWithDeadLetter so that the
// job flip and the entry land in one transaction; this repository covers the
// read and resolution side.
type gormDeadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository returns a DeadLetterRepository backed by the
// provided *gorm.DB.
func NewDeadLetterRepository(db *gorm.DB) DeadLetterRepository {
	return &gormDeadLetterRepository{db: db}
}

// GetByID retrieves a dead-letter entry by its UUID.
func (r *gormDeadLetterRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DeadLetterEntry, error) {
	var entry db.DeadLetterEntry
	err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dead letters: get by id: %w", err)
	}
	return &entry, nil
}

// List returns a paginated list of the user's dead-letter entries, newest first.
func (r *gormDeadLetterRepository) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.DeadLetterEntry, int64, error) {
	var entries []db.DeadLetterEntry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DeadLetterEntry{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dead letters: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("entered_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("dead letters: list: %w", err)
	}

	return entries, total, nil
}

// CountOpen counts the user's unresolved entries, for the metrics collector.
func (r *gormDeadLetterRepository) CountOpen(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.DeadLetterEntry{}).
		Where("user_id = ? AND resolved_at IS NULL", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("dead letters: count open: %w", err)
	}
	return n, nil
}

// Resolve stamps resolved_at on an open entry.
func (r *gormDeadLetterRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.DeadLetterEntry{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if res.Error != nil {
		return fmt.Errorf("dead letters: resolve: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
