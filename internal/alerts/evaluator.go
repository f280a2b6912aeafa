package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/metrics"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// ChannelWebhook is the channel name routed through the webhook dispatcher;
// every other channel goes to the external Notifier.
const ChannelWebhook = "webhook"

// Evaluator runs the periodic rule evaluation loop.
type Evaluator struct {
	alerts    repositories.AlertRepository
	collector *metrics.Collector
	publisher Publisher
	notifier  Notifier
	wallets   WalletReader
	logger    *zap.Logger
	interval  time.Duration

	cron gocron.Scheduler
}

// NewEvaluator creates an Evaluator. notifier, wallets and publisher may be
// nil; missing collaborators disable their channels or metrics.
func NewEvaluator(
	alerts repositories.AlertRepository,
	collector *metrics.Collector,
	publisher Publisher,
	notifier Notifier,
	wallets WalletReader,
	logger *zap.Logger,
	interval time.Duration,
) (*Evaluator, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("alerts: create scheduler: %w", err)
	}
	return &Evaluator{
		alerts:    alerts,
		collector: collector,
		publisher: publisher,
		notifier:  notifier,
		wallets:   wallets,
		logger:    logger.Named("alerts"),
		interval:  interval,
		cron:      cron,
	}, nil
}

// Start begins the evaluation loop.
func (e *Evaluator) Start(ctx context.Context) error {
	_, err := e.cron.NewJob(gocron.DurationJob(e.interval),
		gocron.NewTask(func() { e.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("alerts: schedule evaluation: %w", err)
	}
	e.cron.Start()
	e.logger.Info("alert evaluator started", zap.Duration("interval", e.interval))
	return nil
}

// Stop shuts the evaluation loop down, waiting for a running tick.
func (e *Evaluator) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("alerts: shutdown: %w", err)
	}
	e.logger.Info("alert evaluator stopped")
	return nil
}

// Tick evaluates every active rule once. Metrics are collected once per user
// per tick and shared across that user's rules. Exported so tests can drive
// evaluation without the scheduler.
func (e *Evaluator) Tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rules, err := e.alerts.ListActiveRules(tickCtx)
	if err != nil {
		e.logger.Warn("listing active rules failed", zap.Error(err))
		return
	}

	views := make(map[uuid.UUID]metrics.SystemMetrics)
	for i := range rules {
		rule := &rules[i]
		view, ok := views[rule.UserID]
		if !ok {
			view, err = e.collector.Collect(tickCtx, rule.UserID)
			if err != nil {
				e.logger.Warn("metric collection failed, skipping user's rules",
					zap.String("user_id", rule.UserID.String()),
					zap.Error(err),
				)
				continue
			}
			views[rule.UserID] = view
		}

		if err := e.evaluateRule(tickCtx, rule, view); err != nil {
			e.logger.Warn("rule evaluation failed",
				zap.String("rule_id", rule.ID.String()),
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
		}
	}
}

// evaluateRule applies one rule to the current metrics and drives the firing
// state machine: fire on false->true, resolve on true->false, no-op otherwise.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *db.AlertRule, view metrics.SystemMetrics) error {
	value, err := e.metricValue(ctx, rule, view)
	if err != nil {
		return err
	}

	shouldFire, err := applyCondition(value, rule.Condition, rule.Threshold)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case shouldFire && !rule.IsFiring:
		return e.fire(ctx, rule, value, now)
	case !shouldFire && rule.IsFiring:
		return e.resolve(ctx, rule, now)
	default:
		return nil
	}
}

// fire opens a firing episode and fans out notifications. Channel failures
// are logged per channel and never block the remaining channels.
func (e *Evaluator) fire(ctx context.Context, rule *db.AlertRule, value float64, now time.Time) error {
	if err := e.alerts.SetFiring(ctx, rule.ID, true, now); err != nil {
		return err
	}
	rule.IsFiring = true

	firing := &db.AlertFiring{
		RuleID:      rule.ID,
		UserID:      rule.UserID,
		MetricValue: value,
		Message: fmt.Sprintf("%s: %s %s %g (current value %g)",
			rule.Name, rule.Metric, rule.Condition, rule.Threshold, value),
		TriggeredAt: now,
	}

	sent := e.notify(ctx, rule, firing)
	sentJSON, _ := json.Marshal(sent)
	firing.NotificationsSent = string(sentJSON)

	if err := e.alerts.CreateFiring(ctx, firing); err != nil {
		return err
	}

	e.logger.Info("alert fired",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule", rule.Name),
		zap.Float64("value", value),
		zap.Strings("channels", sent),
	)
	return nil
}

// resolve closes the rule's open firing.
func (e *Evaluator) resolve(ctx context.Context, rule *db.AlertRule, now time.Time) error {
	if err := e.alerts.SetFiring(ctx, rule.ID, false, now); err != nil {
		return err
	}
	rule.IsFiring = false

	if err := e.alerts.ResolveFiring(ctx, rule.ID, now); err != nil && err != repositories.ErrNotFound {
		return err
	}

	e.logger.Info("alert resolved",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule", rule.Name),
	)
	return nil
}

// notify fans the firing out to each configured channel and returns the
// channels that accepted it.
func (e *Evaluator) notify(ctx context.Context, rule *db.AlertRule, firing *db.AlertFiring) []string {
	var channels []string
	if err := json.Unmarshal([]byte(rule.Channels), &channels); err != nil {
		e.logger.Warn("rule has malformed channels, skipping notifications",
			zap.String("rule_id", rule.ID.String()),
		)
		return nil
	}

	sent := make([]string, 0, len(channels))
	for _, channel := range channels {
		if channel == ChannelWebhook {
			if e.publisher != nil {
				e.publisher.Publish(ctx, rule.UserID, "alert.triggered", map[string]any{
					"rule_id":      rule.ID.String(),
					"rule_name":    rule.Name,
					"metric":       rule.Metric,
					"metric_value": firing.MetricValue,
					"threshold":    rule.Threshold,
					"message":      firing.Message,
				})
				sent = append(sent, channel)
			}
			continue
		}

		if err := e.notifier.Notify(ctx, channel, rule, firing); err != nil {
			e.logger.Warn("notification channel failed",
				zap.String("rule_id", rule.ID.String()),
				zap.String("channel", channel),
				zap.Error(err),
			)
			continue
		}
		sent = append(sent, channel)
	}
	return sent
}

// metricValue extracts the rule's metric from the collected view, or from
// wallet data for budget_usage.
func (e *Evaluator) metricValue(ctx context.Context, rule *db.AlertRule, view metrics.SystemMetrics) (float64, error) {
	switch rule.Metric {
	case "budget_usage":
		if e.wallets == nil {
			return 0, fmt.Errorf("budget_usage rule without wallet reader")
		}
		return e.wallets.BudgetUsage(ctx, rule.UserID)
	case "error_rate":
		return view.ErrorRate, nil
	case "queue_depth":
		return float64(view.QueueDepth), nil
	case "active_jobs":
		return float64(view.ActiveJobs), nil
	case "failed_jobs":
		return float64(view.FailedJobs), nil
	case "completed_jobs":
		return float64(view.CompletedJobs), nil
	case "dead_letters":
		return float64(view.DeadLetters), nil
	case "jobs_per_minute":
		return view.JobsPerMinute, nil
	case "tokens_per_minute":
		return view.TokensPerMinute, nil
	case "cost_per_hour":
		return view.CostPerHour, nil
	case "avg_job_duration_ms":
		return view.AvgJobDurationMS, nil
	case "health_score":
		return float64(view.HealthScore), nil
	default:
		return 0, fmt.Errorf("unknown metric %q", rule.Metric)
	}
}

// applyCondition compares value against threshold under the rule condition.
func applyCondition(value float64, condition string, threshold float64) (bool, error) {
	switch condition {
	case "gt":
		return value > threshold, nil
	case "gte":
		return value >= threshold, nil
	case "lt":
		return value < threshold, nil
	case "lte":
		return value <= threshold, nil
	case "eq":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unknown condition %q", condition)
	}
}
