// Package webhooks fans domain events out to subscriber endpoints as signed
// HTTP POSTs with at-least-once delivery. Each delivery is persisted and
// retried through the task queue. The POSTed body carries the event type,
// data and timestamp; it carries no event or delivery identifier. Receivers
// verify authenticity via the HMAC-SHA256 signature header.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

const (
	// QueueName and DeliverJobType identify delivery jobs on the task queue.
	QueueName      = "webhooks"
	DeliverJobType = "webhook.deliver"

	// DefaultMaxAttempts and DefaultBackoffBaseMS shape the retry schedule
	// of one delivery.
	DefaultMaxAttempts   = 5
	DefaultBackoffBaseMS = 2000

	// responseBodyLimit truncates stored receiver responses.
	responseBodyLimit = 1024

	// userAgent identifies outbound webhook requests.
	userAgent = "G-Pilot-Webhooks/1.0"

	// rotationInterval rate-limits endpoint secret rotation per user.
	rotationInterval = time.Hour
)

// Event is one domain event to fan out.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    uuid.UUID      `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// wireBody is the JSON document POSTed to receivers.
type wireBody struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"` // ISO-8601
}

// DeliverPayload is the queue job body: just the delivery row to work on.
type DeliverPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// Config tunes the dispatcher. Zero values use the defaults above.
type Config struct {
	Timeout     time.Duration // per-POST timeout (default 10s)
	MaxAttempts int
	Tolerance   time.Duration // signature staleness window, for diagnostics
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	return c
}

// Dispatcher owns WebhookDelivery rows: it creates them at fan-out and is
// the only component that mutates them afterwards.
type Dispatcher struct {
	repo   repositories.WebhookRepository
	queue  *queue.Queue
	client *http.Client
	cfg    Config
	logger *zap.Logger

	// rotation is a per-user token bucket (capacity one, refill hourly)
	// guarding endpoint secret rotation.
	rotationMu sync.Mutex
	rotations  map[uuid.UUID]time.Time
}

// NewDispatcher creates a Dispatcher bound to the webhooks queue.
func NewDispatcher(repo repositories.WebhookRepository, q *queue.Queue, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		repo:      repo,
		queue:     q,
		client:    &http.Client{Timeout: cfg.Timeout},
		cfg:       cfg,
		logger:    logger.Named("webhooks"),
		rotations: make(map[uuid.UUID]time.Time),
	}
}

// Dispatch fans one event out to every active endpoint subscribed to its
// type: one pending WebhookDelivery per endpoint, one delivery job each.
// Returns the created delivery IDs.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) ([]uuid.UUID, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	endpoints, err := d.repo.ListActiveEndpointsForEvent(ctx, event.UserID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("webhooks: dispatch: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(wireBody{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("webhooks: marshal event: %w", err)
	}

	var created []uuid.UUID
	for i := range endpoints {
		ep := &endpoints[i]
		delivery := &db.WebhookDelivery{
			EndpointID:  ep.ID,
			UserID:      event.UserID,
			EventType:   event.Type,
			Payload:     string(body),
			Status:      db.DeliveryPending,
			MaxAttempts: d.cfg.MaxAttempts,
		}
		if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
			d.logger.Error("create delivery failed",
				zap.String("endpoint_id", ep.ID.String()),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
			continue
		}

		_, err := d.queue.Enqueue(ctx, QueueName, DeliverJobType,
			DeliverPayload{DeliveryID: delivery.ID.String()},
			queue.EnqueueOptions{
				UserID:        event.UserID,
				Attempts:      d.cfg.MaxAttempts,
				BackoffBaseMS: DefaultBackoffBaseMS,
			})
		if err != nil {
			d.logger.Error("enqueue delivery job failed",
				zap.String("delivery_id", delivery.ID.String()),
				zap.Error(err),
			)
			continue
		}
		created = append(created, delivery.ID)
	}

	d.logger.Debug("event dispatched",
		zap.String("event_type", event.Type),
		zap.String("user_id", event.UserID.String()),
		zap.Int("deliveries", len(created)),
	)
	return created, nil
}

// Publish implements mission.Publisher and the alert evaluator's webhook
// channel: fire-and-forget dispatch where failures are logged, never
// propagated to the caller's control flow.
func (d *Dispatcher) Publish(ctx context.Context, userID uuid.UUID, eventType string, data map[string]any) {
	if _, err := d.Dispatch(ctx, Event{Type: eventType, Data: data, UserID: userID}); err != nil {
		d.logger.Warn("event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// RegisterDeliverHandler wires the delivery job type onto the webhooks queue.
func (d *Dispatcher) RegisterDeliverHandler(q *queue.Queue) error {
	return q.RegisterHandler(QueueName, DeliverJobType, queue.Registration{
		Payload: func() any { return new(DeliverPayload) },
		Timeout: d.cfg.Timeout + 5*time.Second,
		Handle:  d.deliver,
	})
}

// deliver executes one delivery attempt. Non-2xx responses and transport
// errors are returned to the queue so its backoff schedule applies; the
// final failed attempt marks the delivery failed and emits delivery.failed.
func (d *Dispatcher) deliver(ctx context.Context, inv *queue.Invocation) error {
	payload := inv.Payload.(*DeliverPayload)
	deliveryID, err := uuid.Parse(payload.DeliveryID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("bad delivery id %q: %w", payload.DeliveryID, err))
	}

	delivery, err := d.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		if err == repositories.ErrNotFound {
			return queue.Permanent(err)
		}
		return err
	}
	if delivery.Status == db.DeliverySent {
		// At-least-once can re-run a settled delivery after a crash between
		// the POST and the job completion write. Nothing left to do.
		return nil
	}

	endpoint, err := d.repo.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		if err == repositories.ErrNotFound {
			d.settleFailed(ctx, delivery, "endpoint deleted")
			return queue.Permanent(err)
		}
		return err
	}
	if !endpoint.IsActive {
		d.settleFailed(ctx, delivery, "endpoint disabled")
		return queue.Permanent(fmt.Errorf("endpoint %s disabled", endpoint.ID))
	}

	delivery.Status = db.DeliveryRetrying
	delivery.Attempts++
	if err := d.repo.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}

	code, respBody, postErr := d.post(ctx, endpoint, []byte(delivery.Payload))
	delivery.ResponseCode = code
	delivery.ResponseBody = respBody

	if postErr == nil {
		now := time.Now().UTC()
		delivery.Status = db.DeliverySent
		delivery.SentAt = &now
		delivery.Error = ""
		if err := d.repo.UpdateDelivery(ctx, delivery); err != nil {
			return err
		}
		d.logger.Debug("delivery sent",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Int("attempts", delivery.Attempts),
		)
		return nil
	}

	delivery.Error = postErr.Error()
	if delivery.Attempts >= delivery.MaxAttempts {
		d.settleFailed(ctx, delivery, postErr.Error())
	} else if err := d.repo.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}

	// Returning the error hands retry scheduling (and final dead-lettering)
	// to the queue.
	return postErr
}

// post signs and sends one HTTP POST. A non-2xx status is an error.
func (d *Dispatcher) post(ctx context.Context, endpoint *db.WebhookEndpoint, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, Sign(body, string(endpoint.Secret), time.Now().UTC()))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post %s: %w", endpoint.URL, err)
	}
	defer resp.Body.Close()

	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(truncated), fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(truncated), nil
}

// settleFailed marks the delivery terminally failed and notifies subscribers
// via delivery.failed — unless the failing delivery is itself a
// delivery.failed fan-out, which would recurse.
func (d *Dispatcher) settleFailed(ctx context.Context, delivery *db.WebhookDelivery, reason string) {
	delivery.Status = db.DeliveryFailed
	delivery.Error = reason
	if err := d.repo.UpdateDelivery(ctx, delivery); err != nil {
		d.logger.Error("mark delivery failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
	}

	d.logger.Warn("delivery failed permanently",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempts", delivery.Attempts),
		zap.String("reason", reason),
	)

	if delivery.EventType != "delivery.failed" {
		d.Publish(ctx, delivery.UserID, "delivery.failed", map[string]any{
			"delivery_id": delivery.ID.String(),
			"endpoint_id": delivery.EndpointID.String(),
			"event_type":  delivery.EventType,
			"error":       reason,
		})
	}
}

// RotateSecret replaces an endpoint's signing secret. Rotation is
// rate-limited to one operation per user per hour by a token bucket, so a
// compromised credential cannot be churned into a flood of re-signings.
func (d *Dispatcher) RotateSecret(ctx context.Context, userID, endpointID uuid.UUID, newSecret string) error {
	if newSecret == "" {
		return fmt.Errorf("webhooks: rotate: secret is required")
	}

	d.rotationMu.Lock()
	last, seen := d.rotations[userID]
	now := time.Now().UTC()
	if seen && now.Sub(last) < rotationInterval {
		d.rotationMu.Unlock()
		return fmt.Errorf("webhooks: rotate: rate limited, next rotation allowed at %s",
			last.Add(rotationInterval).Format(time.RFC3339))
	}
	d.rotations[userID] = now
	d.rotationMu.Unlock()

	endpoint, err := d.repo.GetEndpoint(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("webhooks: rotate: %w", err)
	}
	if endpoint.UserID != userID {
		return fmt.Errorf("webhooks: rotate: %w", repositories.ErrNotFound)
	}

	endpoint.Secret = db.EncryptedString(newSecret)
	if err := d.repo.UpdateEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("webhooks: rotate: %w", err)
	}

	d.logger.Info("endpoint secret rotated", zap.String("endpoint_id", endpointID.String()))
	return nil
}
