package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

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

type dispatcherHarness struct {
	dispatcher *Dispatcher
	repo       repositories.WebhookRepository
	queue      *queue.Queue
	userID     uuid.UUID
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()
	gormDB := openTestDB(t)
	repo := repositories.NewWebhookRepository(gormDB)
	q := queue.New(repositories.NewJobRepository(gormDB), queue.Config{
		PollInterval: 20 * time.Millisecond,
	}, zap.NewNop(), nil)
	d := NewDispatcher(repo, q, Config{Timeout: 2 * time.Second, MaxAttempts: 5}, zap.NewNop())
	require.NoError(t, d.RegisterDeliverHandler(q))
	return &dispatcherHarness{dispatcher: d, repo: repo, queue: q, userID: uuid.New()}
}

func (h *dispatcherHarness) createEndpoint(t *testing.T, url, secret string, events []string) *db.WebhookEndpoint {
	t.Helper()
	eventsJSON, _ := json.Marshal(events)
	ep := &db.WebhookEndpoint{
		UserID:   h.userID,
		URL:      url,
		Secret:   db.EncryptedString(secret),
		Events:   string(eventsJSON),
		IsActive: true,
	}
	require.NoError(t, h.repo.CreateEndpoint(context.Background(), ep))
	return ep
}

// runDelivery drives one delivery attempt directly through the handler, the
// way a queue worker would.
func (h *dispatcherHarness) runDelivery(t *testing.T, deliveryID uuid.UUID, attempt, maxAttempts int) error {
	t.Helper()
	return h.dispatcher.deliver(context.Background(), &queue.Invocation{
		JobID:       uuid.New(),
		Queue:       QueueName,
		Type:        DeliverJobType,
		UserID:      h.userID,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Payload:     &DeliverPayload{DeliveryID: deliveryID.String()},
	})
}

func TestDispatcher_DeliverySignedAndSent(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		gotBody  []byte
		gotSig   string
		requests int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "G-Pilot-Webhooks/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	h.createEndpoint(t, server.URL, "endpoint-secret", []string{"mission.completed"})

	created, err := h.dispatcher.Dispatch(ctx, Event{
		Type:   "mission.completed",
		Data:   map[string]any{"id": "m1"},
		UserID: h.userID,
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, h.runDelivery(t, created[0], 1, 5))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, requests)

	// The received signature verifies against the body with the endpoint's
	// secret; wire format carries type, data and an ISO timestamp.
	require.NoError(t, Verify(gotBody, gotSig, "endpoint-secret", DefaultTolerance, time.Now().UTC()))
	var wire struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp string         `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.Equal(t, "mission.completed", wire.Type)
	assert.Equal(t, "m1", wire.Data["id"])
	_, err = time.Parse(time.RFC3339, wire.Timestamp)
	assert.NoError(t, err)

	delivery, err := h.repo.GetDelivery(ctx, created[0])
	require.NoError(t, err)
	assert.Equal(t, db.DeliverySent, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	assert.Equal(t, http.StatusOK, delivery.ResponseCode)
	assert.Equal(t, "ok", delivery.ResponseBody)
	assert.NotNil(t, delivery.SentAt)
}

func TestDispatcher_OnlySubscribedEndpointsReceive(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	h.createEndpoint(t, "http://one.test", "s", []string{"mission.completed"})
	h.createEndpoint(t, "http://two.test", "s", []string{"alert.triggered"})
	inactive := h.createEndpoint(t, "http://three.test", "s", []string{"mission.completed"})
	inactive.IsActive = false
	require.NoError(t, h.repo.UpdateEndpoint(ctx, inactive))

	created, err := h.dispatcher.Dispatch(ctx, Event{
		Type: "mission.completed", Data: map[string]any{}, UserID: h.userID,
	})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestDispatcher_FailedDeliveryExhaustsAttempts(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	h.createEndpoint(t, server.URL, "s", []string{"mission.completed"})
	created, err := h.dispatcher.Dispatch(ctx, Event{
		Type: "mission.completed", Data: map[string]any{}, UserID: h.userID,
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Five attempts, all 500s. Each returns an error so the queue would
	// apply backoff; the fifth marks the delivery failed.
	for attempt := 1; attempt <= 5; attempt++ {
		err := h.runDelivery(t, created[0], attempt, 5)
		assert.Error(t, err)
	}

	delivery, err := h.repo.GetDelivery(ctx, created[0])
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryFailed, delivery.Status)
	assert.Equal(t, 5, delivery.Attempts)
	assert.Equal(t, http.StatusInternalServerError, delivery.ResponseCode)
	assert.Nil(t, delivery.SentAt)
}

func TestDispatcher_SentDeliveryIsNotResent(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h.createEndpoint(t, server.URL, "s", []string{"e"})
	created, err := h.dispatcher.Dispatch(ctx, Event{Type: "e", Data: map[string]any{}, UserID: h.userID})
	require.NoError(t, err)

	require.NoError(t, h.runDelivery(t, created[0], 1, 5))
	// At-least-once redelivery after a crash: the settled row short-circuits.
	require.NoError(t, h.runDelivery(t, created[0], 2, 5))
	assert.Equal(t, 1, requests)
}

func TestDispatcher_RotateSecretRateLimited(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	ep := h.createEndpoint(t, "http://x.test", "old", []string{"e"})

	require.NoError(t, h.dispatcher.RotateSecret(ctx, h.userID, ep.ID, "new"))

	got, err := h.repo.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, db.EncryptedString("new"), got.Secret)

	// Second rotation within the hour is rejected.
	err = h.dispatcher.RotateSecret(ctx, h.userID, ep.ID, "newer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	// Another user is unaffected by this user's bucket.
	other := uuid.New()
	otherEp := &db.WebhookEndpoint{
		UserID: other, URL: "http://y.test",
		Secret: "s", Events: `["e"]`, IsActive: true,
	}
	require.NoError(t, h.repo.CreateEndpoint(ctx, otherEp))
	assert.NoError(t, h.dispatcher.RotateSecret(ctx, other, otherEp.ID, "fresh"))
}
