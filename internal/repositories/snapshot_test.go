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

func TestSnapshotRepository_UpsertIsUniquePerMinute(t *testing.T) {
	repo := NewSnapshotRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	minute := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	first := &db.MetricSnapshot{UserID: userID, Timestamp: minute.Add(10 * time.Second), QueueDepth: 5}
	require.NoError(t, repo.Upsert(ctx, first))

	// Same minute, different second: overwrites, never duplicates.
	second := &db.MetricSnapshot{UserID: userID, Timestamp: minute.Add(40 * time.Second), QueueDepth: 9}
	require.NoError(t, repo.Upsert(ctx, second))

	rows, err := repo.ListSince(ctx, userID, minute.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 9, rows[0].QueueDepth)
	assert.True(t, rows[0].Timestamp.Equal(minute))
}

func TestSnapshotRepository_ListSinceOrdered(t *testing.T) {
	repo := NewSnapshotRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, offset := range []int{3, 0, 1} {
		require.NoError(t, repo.Upsert(ctx, &db.MetricSnapshot{
			UserID:    userID,
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
			ErrorRate: float64(offset),
		}))
	}

	rows, err := repo.ListSince(ctx, userID, base)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
	assert.True(t, rows[1].Timestamp.Before(rows[2].Timestamp))
}

func TestSnapshotRepository_DeleteBefore(t *testing.T) {
	repo := NewSnapshotRepository(openTestDB(t))
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Minute)

	require.NoError(t, repo.Upsert(ctx, &db.MetricSnapshot{UserID: userID, Timestamp: now.Add(-40 * 24 * time.Hour)}))
	require.NoError(t, repo.Upsert(ctx, &db.MetricSnapshot{UserID: userID, Timestamp: now}))

	n, err := repo.DeleteBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := repo.ListSince(ctx, userID, now.Add(-60*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
