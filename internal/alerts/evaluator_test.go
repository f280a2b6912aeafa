package alerts

import (
	"context"
	"errors"
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
	"github.com/gpilot-io/gpilot/internal/metrics"
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

// capturePublisher records webhook-channel events.
type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePublisher) Publish(_ context.Context, _ uuid.UUID, eventType string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *capturePublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// captureNotifier records external channel notifications and can fail a
// specific channel.
type captureNotifier struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
}

func (n *captureNotifier) Notify(_ context.Context, channel string, _ *db.AlertRule, _ *db.AlertFiring) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, channel)
	if n.failing[channel] {
		return errors.New("channel down")
	}
	return nil
}

type evalHarness struct {
	gormDB    *gorm.DB
	alerts    repositories.AlertRepository
	evaluator *Evaluator
	publisher *capturePublisher
	notifier  *captureNotifier
	userID    uuid.UUID
}

func newEvalHarness(t *testing.T) *evalHarness {
	t.Helper()
	gormDB := openTestDB(t)
	alertRepo := repositories.NewAlertRepository(gormDB)
	jobs := repositories.NewJobRepository(gormDB)
	collector := metrics.NewCollector(
		jobs,
		repositories.NewMissionRepository(gormDB),
		repositories.NewAgentStatusRepository(gormDB),
		repositories.NewDeadLetterRepository(gormDB),
		alertRepo,
		nil,
		nil,
		zap.NewNop(),
	)
	publisher := &capturePublisher{}
	notifier := &captureNotifier{failing: map[string]bool{}}
	evaluator, err := NewEvaluator(alertRepo, collector, publisher, notifier, nil, zap.NewNop(), time.Minute)
	require.NoError(t, err)
	return &evalHarness{
		gormDB:    gormDB,
		alerts:    alertRepo,
		evaluator: evaluator,
		publisher: publisher,
		notifier:  notifier,
		userID:    uuid.New(),
	}
}

// seedOutcomes inserts finished jobs inside the 5-minute rate window.
func (h *evalHarness) seedOutcomes(t *testing.T, failed, completed int) {
	t.Helper()
	now := time.Now().UTC()
	insert := func(status db.JobStatus) {
		started := now.Add(-2 * time.Minute)
		done := now.Add(-time.Minute)
		require.NoError(t, h.gormDB.Create(&db.Job{
			Queue: "default", Type: "seed", Payload: "{}",
			Status: status, MaxAttempts: 1,
			EnqueuedAt: now.Add(-3 * time.Minute),
			StartedAt:  &started, CompletedAt: &done,
			UserID: h.userID,
		}).Error)
	}
	for i := 0; i < failed; i++ {
		insert(db.JobFailed)
	}
	for i := 0; i < completed; i++ {
		insert(db.JobCompleted)
	}
}

func (h *evalHarness) clearJobs(t *testing.T) {
	t.Helper()
	require.NoError(t, h.gormDB.Where("1 = 1").Delete(&db.Job{}).Error)
}

func TestEvaluator_FireAndResolve(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := &db.AlertRule{
		UserID:        h.userID,
		Name:          "error rate over 50%",
		Metric:        "error_rate",
		Condition:     "gt",
		Threshold:     0.5,
		WindowMinutes: 5,
		Channels:      `["webhook"]`,
		WebhookIDs:    "[]",
		IsActive:      true,
	}
	require.NoError(t, h.alerts.CreateRule(ctx, rule))

	// 6 failures, 4 successes -> rate 0.6 -> fires.
	h.seedOutcomes(t, 6, 4)
	h.evaluator.Tick(ctx)

	got, err := h.alerts.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFiring)
	assert.NotNil(t, got.LastFiredAt)

	open, err := h.alerts.GetOpenFiring(ctx, rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, open.MetricValue, 0.001)
	assert.Contains(t, open.NotificationsSent, "webhook")
	assert.Equal(t, []string{"alert.triggered"}, h.publisher.all())

	// Still firing: no second episode opens.
	h.evaluator.Tick(ctx)
	firings, total, err := h.alerts.ListFirings(ctx, h.userID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Nil(t, firings[0].ResolvedAt)

	// All successes -> rate 0 -> resolves.
	h.clearJobs(t)
	h.seedOutcomes(t, 0, 10)
	h.evaluator.Tick(ctx)

	got, err = h.alerts.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.IsFiring)

	firings, _, err = h.alerts.ListFirings(ctx, h.userID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.NotNil(t, firings[0].ResolvedAt)
}

func TestEvaluator_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()
	h.notifier.failing["email"] = true

	rule := &db.AlertRule{
		UserID:     h.userID,
		Name:       "depth",
		Metric:     "queue_depth",
		Condition:  "gte",
		Threshold:  0,
		Channels:   `["email","in_app","webhook"]`,
		WebhookIDs: "[]",
		IsActive:   true,
	}
	require.NoError(t, h.alerts.CreateRule(ctx, rule))

	h.evaluator.Tick(ctx)

	open, err := h.alerts.GetOpenFiring(ctx, rule.ID)
	require.NoError(t, err)
	// email failed, in_app and webhook still delivered.
	assert.NotContains(t, open.NotificationsSent, `"email"`)
	assert.Contains(t, open.NotificationsSent, "in_app")
	assert.Contains(t, open.NotificationsSent, "webhook")
	assert.Equal(t, []string{"alert.triggered"}, h.publisher.all())
}

func TestEvaluator_InactiveRulesAreSkipped(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	rule := &db.AlertRule{
		UserID: h.userID, Name: "off", Metric: "queue_depth",
		Condition: "gte", Threshold: 0,
		Channels: `["webhook"]`, WebhookIDs: "[]", IsActive: false,
	}
	require.NoError(t, h.alerts.CreateRule(ctx, rule))

	h.evaluator.Tick(ctx)

	got, err := h.alerts.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.IsFiring)
	assert.Empty(t, h.publisher.all())
}

func TestApplyCondition(t *testing.T) {
	cases := []struct {
		value     float64
		condition string
		threshold float64
		want      bool
	}{
		{1, "gt", 0.5, true},
		{0.5, "gt", 0.5, false},
		{0.5, "gte", 0.5, true},
		{0.4, "lt", 0.5, true},
		{0.5, "lte", 0.5, true},
		{0.5, "eq", 0.5, true},
		{0.4, "eq", 0.5, false},
	}
	for _, tc := range cases {
		got, err := applyCondition(tc.value, tc.condition, tc.threshold)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := applyCondition(1, "between", 0)
	assert.Error(t, err)
}
