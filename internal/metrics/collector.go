// Package metrics produces both the live metric view of the system and its
// persistent minute-resolution time series. The collector fans queries out
// in parallel across the persistence gateway; the snapshotter persists the
// result once per minute per user; the time-series reader downsamples raw
// minutes into coarser resolutions.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

const (
	// rateWindow is the fixed window for error rate, throughput, token and
	// alert counts. Rule-level windows are advisory and do not change it.
	rateWindow = 5 * time.Minute

	// durationWindow is the lookback for the average job duration.
	durationWindow = time.Hour
)

// AgentCounter reports how many agent handlers the process has registered.
// The collector depends on this narrow interface rather than on the registry
// type.
type AgentCounter interface {
	Count() int
}

// SystemMetrics is the live metric view for one user.
type SystemMetrics struct {
	QueueDepth       int64     `json:"queue_depth"` // waiting + delayed backlog
	ActiveJobs       int64     `json:"active_jobs"`
	CompletedJobs    int64     `json:"completed_jobs"`
	FailedJobs       int64     `json:"failed_jobs"`
	ActiveAgents     int64     `json:"active_agents"`
	IdleAgents       int64     `json:"idle_agents"`
	RegisteredAgents int64     `json:"registered_agents"`
	DeadLetters      int64     `json:"dead_letters"`
	ErrorRate        float64   `json:"error_rate"`      // failed / (completed+failed) over 5m
	JobsPerMinute    float64   `json:"jobs_per_minute"` // completions over 5m, per minute
	TokensPerMinute  float64   `json:"tokens_per_minute"`
	CostPerHour      float64   `json:"cost_per_hour"`
	AvgJobDurationMS float64   `json:"avg_job_duration_ms"` // over 60m
	AlertsFiring     int64     `json:"alerts_firing"`
	AlertsResolved   int64     `json:"alerts_resolved"`
	HealthScore      int       `json:"health_score"`
	HealthStatus     string    `json:"health_status"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Collector assembles SystemMetrics from the persistence gateway.
type Collector struct {
	jobs        repositories.JobRepository
	missions    repositories.MissionRepository
	agents      repositories.AgentStatusRepository
	deadLetters repositories.DeadLetterRepository
	alerts      repositories.AlertRepository
	registered  AgentCounter
	logger      *zap.Logger
	gauges      *Gauges // optional Prometheus mirror
}

// NewCollector creates a Collector. registered and gauges may be nil.
func NewCollector(
	jobs repositories.JobRepository,
	missions repositories.MissionRepository,
	agents repositories.AgentStatusRepository,
	deadLetters repositories.DeadLetterRepository,
	alerts repositories.AlertRepository,
	registered AgentCounter,
	gauges *Gauges,
	logger *zap.Logger,
) *Collector {
	return &Collector{
		jobs:        jobs,
		missions:    missions,
		agents:      agents,
		deadLetters: deadLetters,
		alerts:      alerts,
		registered:  registered,
		gauges:      gauges,
		logger:      logger.Named("metrics"),
	}
}

// Collect gathers the live metric view for one user. The underlying queries
// run in parallel; the first error wins but partial results still return so
// one slow table cannot blank the whole view.
func (c *Collector) Collect(ctx context.Context, userID uuid.UUID) (SystemMetrics, error) {
	now := time.Now().UTC()
	var (
		m      SystemMetrics
		mu     sync.Mutex
		wg     sync.WaitGroup
		errMu  sync.Mutex
		retErr error
	)

	fail := func(err error) {
		errMu.Lock()
		if retErr == nil {
			retErr = err
		}
		errMu.Unlock()
	}
	par := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				fail(err)
			}
		}()
	}

	par(func() error {
		counts, err := c.jobs.CountsByUser(ctx, userID)
		if err != nil {
			return err
		}
		mu.Lock()
		m.QueueDepth = counts.Waiting + counts.Delayed
		m.ActiveJobs = counts.Active
		m.CompletedJobs = counts.Completed
		m.FailedJobs = counts.Failed
		mu.Unlock()
		return nil
	})

	par(func() error {
		stats, err := c.jobs.StatsSince(ctx, userID, now.Add(-rateWindow))
		if err != nil {
			return err
		}
		mu.Lock()
		if total := stats.Completed + stats.Failed; total > 0 {
			m.ErrorRate = float64(stats.Failed) / float64(total)
		}
		m.JobsPerMinute = float64(stats.Completed) / rateWindow.Minutes()
		mu.Unlock()
		return nil
	})

	par(func() error {
		stats, err := c.jobs.StatsSince(ctx, userID, now.Add(-durationWindow))
		if err != nil {
			return err
		}
		mu.Lock()
		m.AvgJobDurationMS = stats.AvgDurationMS
		mu.Unlock()
		return nil
	})

	par(func() error {
		statuses, err := c.agents.ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, s := range statuses {
			switch s.Status {
			case db.AgentActive:
				m.ActiveAgents++
			case db.AgentIdle:
				m.IdleAgents++
			}
		}
		mu.Unlock()
		return nil
	})

	par(func() error {
		n, err := c.deadLetters.CountOpen(ctx, userID)
		if err != nil {
			return err
		}
		mu.Lock()
		m.DeadLetters = n
		mu.Unlock()
		return nil
	})

	par(func() error {
		tokens, err := c.missions.TokensSince(ctx, userID, now.Add(-rateWindow))
		if err != nil {
			return err
		}
		mu.Lock()
		m.TokensPerMinute = float64(tokens) / rateWindow.Minutes()
		mu.Unlock()
		return nil
	})

	par(func() error {
		cost, err := c.missions.CostSince(ctx, userID, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		mu.Lock()
		m.CostPerHour = float64(cost)
		mu.Unlock()
		return nil
	})

	par(func() error {
		opened, resolved, err := c.alerts.FiringCountsSince(ctx, userID, now.Add(-rateWindow))
		if err != nil {
			return err
		}
		mu.Lock()
		m.AlertsFiring = opened
		m.AlertsResolved = resolved
		mu.Unlock()
		return nil
	})

	wg.Wait()

	if c.registered != nil {
		m.RegisteredAgents = int64(c.registered.Count())
	}
	m.HealthScore = healthScore(m)
	m.HealthStatus = healthStatus(m.HealthScore)
	m.CollectedAt = now

	if c.gauges != nil {
		c.gauges.Set(m)
	}

	return m, retErr
}

// healthScore computes the 0-100 system health score, monotonic in goodness:
// errors, backlog, failures and an empty agent registry each subtract.
func healthScore(m SystemMetrics) int {
	score := 100.0

	score -= 50 * m.ErrorRate

	switch {
	case m.QueueDepth > 100:
		score -= 10
	case m.QueueDepth > 50:
		score -= 5
	}

	switch {
	case m.FailedJobs > 10:
		score -= 10
	case m.FailedJobs > 5:
		score -= 5
	}

	if m.RegisteredAgents == 0 {
		score -= 20
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

func healthStatus(score int) string {
	switch {
	case score >= 80:
		return "healthy"
	case score >= 50:
		return "degraded"
	default:
		return "unhealthy"
	}
}
