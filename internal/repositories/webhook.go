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

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

// CreateEndpoint inserts a new webhook endpoint.
func (r *gormWebhookRepository) CreateEndpoint(ctx context.Context, endpoint *db.WebhookEndpoint) error {
	if err := r.db.WithContext(ctx).Create(endpoint).Error; err != nil {
		return fmt.Errorf("webhooks: create endpoint: %w", err)
	}
	return nil
}

// GetEndpoint retrieves an endpoint by its UUID.
func (r *gormWebhookRepository) GetEndpoint(ctx context.Context, id uuid.UUID) (*db.WebhookEndpoint, error) {
	var endpoint db.WebhookEndpoint
	err := r.db.WithContext(ctx).First(&endpoint, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get endpoint: %w", err)
	}
	return &endpoint, nil
}

// UpdateEndpoint persists all fields of an existing endpoint.
func (r *gormWebhookRepository) UpdateEndpoint(ctx context.Context, endpoint *db.WebhookEndpoint) error {
	res := r.db.WithContext(ctx).Save(endpoint)
	if res.Error != nil {
		return fmt.Errorf("webhooks: update endpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint.
func (r *gormWebhookRepository) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.WebhookEndpoint{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("webhooks: delete endpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEndpoints returns all of a user's endpoints.
func (r *gormWebhookRepository) ListEndpoints(ctx context.Context, userID uuid.UUID) ([]db.WebhookEndpoint, error) {
	var endpoints []db.WebhookEndpoint
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list endpoints: %w", err)
	}
	return endpoints, nil
}

// ListActiveEndpointsForEvent returns the user's active endpoints subscribed
// to the event type. Events is a JSON array stored as text; the containment
// check uses a LIKE match on the quoted event name, which is portable across
// SQLite and Postgres and exact because event types never contain quotes.
func (r *gormWebhookRepository) ListActiveEndpointsForEvent(ctx context.Context, userID uuid.UUID, eventType string) ([]db.WebhookEndpoint, error) {
	var endpoints []db.WebhookEndpoint
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND events LIKE ?",
			userID, true, `%"`+eventType+`"%`).
		Find(&endpoints).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list endpoints for event: %w", err)
	}
	return endpoints, nil
}

// CreateDelivery inserts a new delivery record.
func (r *gormWebhookRepository) CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhooks: create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a delivery by its UUID.
func (r *gormWebhookRepository) GetDelivery(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	var delivery db.WebhookDelivery
	err := r.db.WithContext(ctx).First(&delivery, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get delivery: %w", err)
	}
	return &delivery, nil
}

// UpdateDelivery persists all fields of an existing delivery.
func (r *gormWebhookRepository) UpdateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	res := r.db.WithContext(ctx).Save(delivery)
	if res.Error != nil {
		return fmt.Errorf("webhooks: update delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeliveries returns a paginated delivery log for one endpoint, newest first.
func (r *gormWebhookRepository) ListDeliveries(ctx context.Context, endpointID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error) {
	var deliveries []db.WebhookDelivery
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.WebhookDelivery{}).
		Where("endpoint_id = ?", endpointID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries: %w", err)
	}

	return deliveries, total, nil
}

// DeleteDeliveriesBefore removes deliveries older than the cutoff
// (30-day retention).
func (r *gormWebhookRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.WebhookDelivery{})
	if res.Error != nil {
		return 0, fmt.Errorf("webhooks: delete deliveries before: %w", res.Error)
	}
	return res.RowsAffected, nil
}
