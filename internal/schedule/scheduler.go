package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/mission"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// Scheduler wraps gocron and launches missions from persisted schedules.
// Each schedule maps to exactly one gocron job, tagged with the schedule
// UUID for later removal. Jobs run in singleton mode: if a launch is still
// in flight when the next tick fires, the tick is skipped.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules repositories.ScheduleRepository
	launcher  *mission.Launcher
	logger    *zap.Logger
}

// New creates a Scheduler. Call Start to begin processing.
func New(schedules repositories.ScheduleRepository, launcher *mission.Launcher, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:      s,
		schedules: schedules,
		launcher:  launcher,
		logger:    logger.Named("schedule"),
	}, nil
}

// Start loads all enabled schedules, registers them, and starts the
// underlying gocron scheduler. Called once at startup after the database is
// ready.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled schedules: %w", err)
	}

	for i := range enabled {
		if err := s.addJob(&enabled[i]); err != nil {
			s.logger.Error("failed to register schedule",
				zap.String("schedule_id", enabled[i].ID.String()),
				zap.String("name", enabled[i].Name),
				zap.Error(err),
			)
		}
	}

	s.cron.Start()
	s.logger.Info("schedule runner started", zap.Int("schedules", len(enabled)))
	return nil
}

// Stop gracefully shuts down gocron, waiting for running launches.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("schedule runner shutdown error: %w", err)
	}
	s.logger.Info("schedule runner stopped")
	return nil
}

// Add registers a newly created or re-enabled schedule. Safe while running.
func (s *Scheduler) Add(schedule *db.Schedule) error {
	if err := s.addJob(schedule); err != nil {
		return fmt.Errorf("failed to add schedule %s: %w", schedule.ID, err)
	}
	s.logger.Info("schedule added",
		zap.String("schedule_id", schedule.ID.String()),
		zap.String("name", schedule.Name),
		zap.String("cron", schedule.CronExpr),
	)
	return nil
}

// Remove deregisters a schedule. Safe while running.
func (s *Scheduler) Remove(scheduleID uuid.UUID) {
	s.cron.RemoveByTags(scheduleID.String())
	s.logger.Info("schedule removed", zap.String("schedule_id", scheduleID.String()))
}

// Update re-registers a schedule after its cron expression or enabled state
// changed.
func (s *Scheduler) Update(schedule *db.Schedule) error {
	s.cron.RemoveByTags(schedule.ID.String())
	if !schedule.Enabled {
		s.logger.Info("schedule disabled", zap.String("schedule_id", schedule.ID.String()))
		return nil
	}
	return s.Add(schedule)
}

// TriggerNow launches a schedule's mission immediately, bypassing the cron
// cadence.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID uuid.UUID) error {
	schedule, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("schedule not found: %w", err)
	}
	s.run(schedule)
	return nil
}

// addJob registers one schedule as a gocron job. Unknown cron expressions
// fall back to hourly with a warning rather than failing the schedule.
func (s *Scheduler) addJob(schedule *db.Schedule) error {
	resolved, _, known := Resolve(schedule.CronExpr)
	if !known {
		s.logger.Warn("unrecognized cron expression, falling back to hourly",
			zap.String("schedule_id", schedule.ID.String()),
			zap.String("cron", schedule.CronExpr),
		)
	}

	_, err := s.cron.NewJob(
		gocron.CronJob(resolved, false),
		gocron.NewTask(func(sched db.Schedule) {
			s.run(&sched)
		}, *schedule),
		gocron.WithTags(schedule.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for schedule %s (cron %q): %w",
			schedule.ID, schedule.CronExpr, err)
	}
	return nil
}

// run launches one mission from the schedule's plan template and stamps the
// schedule's run times. The schedule snapshot passed by gocron may be stale,
// so the enabled flag is re-checked against the database at tick time.
func (s *Scheduler) run(schedule *db.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fresh, err := s.schedules.GetByID(ctx, schedule.ID)
	if err != nil {
		s.logger.Error("failed to reload schedule at tick time",
			zap.String("schedule_id", schedule.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !fresh.Enabled {
		s.logger.Info("skipping tick for disabled schedule",
			zap.String("schedule_id", fresh.ID.String()),
		)
		return
	}

	plan, err := mission.ParsePlan([]byte(fresh.Plan))
	if err != nil {
		s.logger.Error("schedule has invalid plan template",
			zap.String("schedule_id", fresh.ID.String()),
			zap.Error(err),
		)
		return
	}

	missionID, err := s.launcher.Launch(ctx, fresh.UserID, plan)
	if err != nil {
		s.logger.Error("scheduled mission launch failed",
			zap.String("schedule_id", fresh.ID.String()),
			zap.Error(err),
		)
		return
	}

	now := time.Now().UTC()
	if err := s.schedules.UpdateRunTimes(ctx, fresh.ID, now, NextRun(fresh.CronExpr, now)); err != nil {
		// Non-fatal: the mission is already launched.
		s.logger.Warn("failed to update schedule run times",
			zap.String("schedule_id", fresh.ID.String()),
			zap.Error(err),
		)
	}

	s.logger.Info("scheduled mission launched",
		zap.String("schedule_id", fresh.ID.String()),
		zap.String("mission_id", missionID.String()),
	)
}
