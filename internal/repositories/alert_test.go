package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpilot-io/gpilot/internal/db"
)

func TestAlertRepository_FiringLifecycle(t *testing.T) {
	repo := NewAlertRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	rule := &db.AlertRule{
		UserID:    userID,
		Name:      "high error rate",
		Metric:    "error_rate",
		Condition: "gt",
		Threshold: 0.5,
		Channels:  `["webhook"]`,
		IsActive:  true,
	}
	require.NoError(t, repo.CreateRule(ctx, rule))

	now := time.Now().UTC()
	require.NoError(t, repo.SetFiring(ctx, rule.ID, true, now))
	require.NoError(t, repo.CreateFiring(ctx, &db.AlertFiring{
		RuleID:      rule.ID,
		UserID:      userID,
		MetricValue: 0.6,
		Message:     "error rate over threshold",
		TriggeredAt: now,
	}))

	open, err := repo.GetOpenFiring(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, open.ResolvedAt)

	require.NoError(t, repo.ResolveFiring(ctx, rule.ID, now.Add(time.Minute)))
	_, err = repo.GetOpenFiring(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Firing exclusivity: resolving again finds nothing open.
	assert.ErrorIs(t, repo.ResolveFiring(ctx, rule.ID, now), ErrNotFound)

	firings, total, err := repo.ListFirings(ctx, userID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.NotNil(t, firings[0].ResolvedAt)
}

func TestAlertRepository_ListActiveRules(t *testing.T) {
	repo := NewAlertRepository(openTestDB(t))
	ctx := context.Background()

	active := &db.AlertRule{UserID: uuid.New(), Name: "a", Metric: "queue_depth", Condition: "gt", Threshold: 10, IsActive: true, Channels: "[]", WebhookIDs: "[]"}
	inactive := &db.AlertRule{UserID: uuid.New(), Name: "b", Metric: "queue_depth", Condition: "gt", Threshold: 10, IsActive: false, Channels: "[]", WebhookIDs: "[]"}
	require.NoError(t, repo.CreateRule(ctx, active))
	require.NoError(t, repo.CreateRule(ctx, inactive))

	rules, err := repo.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, active.ID, rules[0].ID)
}
