package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

func seedSnapshots(t *testing.T, repo repositories.SnapshotRepository, userID uuid.UUID, start time.Time, values []float64) {
	t.Helper()
	for i, v := range values {
		require.NoError(t, repo.Upsert(context.Background(), &db.MetricSnapshot{
			UserID:     userID,
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			QueueDepth: int64(v),
			ErrorRate:  v / 100,
		}))
	}
}

func TestTimeSeries_RawMinuteResolution(t *testing.T) {
	repo := repositories.NewSnapshotRepository(openTestDB(t))
	reader := NewTimeSeriesReader(repo)
	userID := uuid.New()

	start := time.Now().UTC().Truncate(time.Minute).Add(-10 * time.Minute)
	seedSnapshots(t, repo, userID, start, []float64{1, 2, 3, 4, 5})

	series, err := reader.Query(context.Background(), userID, "queue_depth", "1h", "1m")
	require.NoError(t, err)
	require.Len(t, series.DataPoints, 5)

	// 1m over raw minutes returns exactly what the snapshotter wrote.
	for i, dp := range series.DataPoints {
		assert.Equal(t, float64(i+1), dp.Value)
	}
	assert.Equal(t, 1.0, series.Aggregates.Min)
	assert.Equal(t, 5.0, series.Aggregates.Max)
	assert.Equal(t, 3.0, series.Aggregates.Avg)
	assert.Equal(t, 5.0, series.Aggregates.Current)
}

func TestTimeSeries_Downsample(t *testing.T) {
	repo := repositories.NewSnapshotRepository(openTestDB(t))
	reader := NewTimeSeriesReader(repo)
	userID := uuid.New()

	// Ten minutes aligned to a 5m boundary: two buckets of five.
	start := time.Now().UTC().Truncate(5 * time.Minute).Add(-30 * time.Minute)
	seedSnapshots(t, repo, userID, start, []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100})

	series, err := reader.Query(context.Background(), userID, "queue_depth", "1h", "5m")
	require.NoError(t, err)
	require.Len(t, series.DataPoints, 2)
	assert.Equal(t, 30.0, series.DataPoints[0].Value) // avg of 10..50
	assert.Equal(t, 80.0, series.DataPoints[1].Value) // avg of 60..100
}

func TestTimeSeries_GapsAreOmitted(t *testing.T) {
	repo := repositories.NewSnapshotRepository(openTestDB(t))
	reader := NewTimeSeriesReader(repo)
	userID := uuid.New()
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Minute).Add(-20 * time.Minute)
	require.NoError(t, repo.Upsert(ctx, &db.MetricSnapshot{UserID: userID, Timestamp: start, QueueDepth: 1}))
	// Ten-minute gap, then one more point.
	require.NoError(t, repo.Upsert(ctx, &db.MetricSnapshot{UserID: userID, Timestamp: start.Add(10 * time.Minute), QueueDepth: 2}))

	series, err := reader.Query(ctx, userID, "queue_depth", "1h", "1m")
	require.NoError(t, err)
	assert.Len(t, series.DataPoints, 2)
}

func TestTimeSeries_RejectsUnknownParameters(t *testing.T) {
	reader := NewTimeSeriesReader(repositories.NewSnapshotRepository(openTestDB(t)))
	ctx := context.Background()
	userID := uuid.New()

	_, err := reader.Query(ctx, userID, "nope", "1h", "1m")
	assert.ErrorIs(t, err, ErrBadQuery)
	_, err = reader.Query(ctx, userID, "queue_depth", "2h", "1m")
	assert.ErrorIs(t, err, ErrBadQuery)
	_, err = reader.Query(ctx, userID, "queue_depth", "1h", "2m")
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestSnapshotter_SnapshotUserIsIdempotentPerMinute(t *testing.T) {
	gormDB := openTestDB(t)
	jobs := repositories.NewJobRepository(gormDB)
	snapshots := repositories.NewSnapshotRepository(gormDB)
	collector := NewCollector(
		jobs,
		repositories.NewMissionRepository(gormDB),
		repositories.NewAgentStatusRepository(gormDB),
		repositories.NewDeadLetterRepository(gormDB),
		repositories.NewAlertRepository(gormDB),
		fixedCount(1),
		nil,
		zap.NewNop(),
	)
	snapshotter, err := NewSnapshotter(collector, snapshots, jobs, zap.NewNop(), time.Minute)
	require.NoError(t, err)

	userID := uuid.New()
	ctx := context.Background()
	require.NoError(t, snapshotter.SnapshotUser(ctx, userID))
	require.NoError(t, snapshotter.SnapshotUser(ctx, userID))

	rows, err := snapshots.ListSince(ctx, userID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	// Writes within the same minute collapse into one row; at most two rows
	// exist if the calls straddled a minute boundary, each minute-aligned
	// and unique.
	require.NotEmpty(t, rows)
	assert.LessOrEqual(t, len(rows), 2)
	seen := map[time.Time]bool{}
	for _, row := range rows {
		assert.Zero(t, row.Timestamp.Second())
		assert.False(t, seen[row.Timestamp])
		seen[row.Timestamp] = true
	}
}
