package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// snapshotRetention is how long minute snapshots are kept before the purge
// pass removes them.
const snapshotRetention = 30 * 24 * time.Hour

// activeUserWindow bounds which users get a snapshot each minute: anyone
// with job activity in the last day.
const activeUserWindow = 24 * time.Hour

// Snapshotter persists one MetricSnapshot per active user per minute. It is
// the single writer of the metric_snapshots table; upserts make the write
// idempotent for a given minute. Transient collection errors are swallowed
// and logged — a missing minute is omitted from the series, never backfilled.
type Snapshotter struct {
	collector *Collector
	snapshots repositories.SnapshotRepository
	jobs      repositories.JobRepository
	logger    *zap.Logger
	interval  time.Duration

	cron gocron.Scheduler
}

// NewSnapshotter creates a Snapshotter. interval <= 0 defaults to one minute.
func NewSnapshotter(collector *Collector, snapshots repositories.SnapshotRepository, jobs repositories.JobRepository, logger *zap.Logger, interval time.Duration) (*Snapshotter, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("snapshotter: create scheduler: %w", err)
	}
	return &Snapshotter{
		collector: collector,
		snapshots: snapshots,
		jobs:      jobs,
		logger:    logger.Named("snapshotter"),
		interval:  interval,
		cron:      cron,
	}, nil
}

// Start begins the periodic snapshot and purge jobs. The snapshot job is
// minute-aligned when running at the default cadence so snapshot timestamps
// land exactly on minute boundaries.
func (s *Snapshotter) Start(ctx context.Context) error {
	var def gocron.JobDefinition
	if s.interval == time.Minute {
		def = gocron.CronJob("* * * * *", false)
	} else {
		def = gocron.DurationJob(s.interval)
	}

	_, err := s.cron.NewJob(def,
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("snapshotter: schedule tick: %w", err)
	}

	_, err = s.cron.NewJob(gocron.CronJob("0 * * * *", false),
		gocron.NewTask(func() { s.purge(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("snapshotter: schedule purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info("snapshotter started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts the underlying scheduler down, waiting for a running tick.
func (s *Snapshotter) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("snapshotter: shutdown: %w", err)
	}
	s.logger.Info("snapshotter stopped")
	return nil
}

// tick snapshots every active user for the current minute.
func (s *Snapshotter) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	users, err := s.jobs.ActiveUsers(tickCtx, time.Now().UTC().Add(-activeUserWindow))
	if err != nil {
		s.logger.Warn("snapshot tick: listing active users failed", zap.Error(err))
		return
	}

	for _, userID := range users {
		if err := s.SnapshotUser(tickCtx, userID); err != nil {
			s.logger.Warn("snapshot failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}
}

// SnapshotUser collects and persists one user's snapshot for the current
// minute. Exported so tests and backfills can drive it directly.
func (s *Snapshotter) SnapshotUser(ctx context.Context, userID uuid.UUID) error {
	m, err := s.collector.Collect(ctx, userID)
	if err != nil {
		return fmt.Errorf("snapshotter: collect: %w", err)
	}

	snapshot := &db.MetricSnapshot{
		UserID:          userID,
		Timestamp:       m.CollectedAt,
		QueueDepth:      m.QueueDepth,
		ActiveJobs:      m.ActiveJobs,
		FailedJobs:      m.FailedJobs,
		CompletedJobs:   m.CompletedJobs,
		ActiveAgents:    m.ActiveAgents,
		IdleAgents:      m.IdleAgents,
		JobsPerMinute:   m.JobsPerMinute,
		CostPerHour:     m.CostPerHour,
		TokensPerMinute: m.TokensPerMinute,
		ErrorRate:       m.ErrorRate,
	}
	if err := s.snapshots.Upsert(ctx, snapshot); err != nil {
		return fmt.Errorf("snapshotter: upsert: %w", err)
	}
	return nil
}

// purge enforces the 30-day snapshot retention.
func (s *Snapshotter) purge(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.snapshots.DeleteBefore(purgeCtx, time.Now().UTC().Add(-snapshotRetention))
	if err != nil {
		s.logger.Warn("snapshot purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged old snapshots", zap.Int64("rows", n))
	}
}
