package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gpilot-io/gpilot/internal/agents"
	"github.com/gpilot-io/gpilot/internal/alerts"
	"github.com/gpilot-io/gpilot/internal/api"
	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/metrics"
	"github.com/gpilot-io/gpilot/internal/mission"
	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
	"github.com/gpilot-io/gpilot/internal/schedule"
	"github.com/gpilot-io/gpilot/internal/webhooks"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Operator exit codes: 0 success, 1 generic failure, 2 configuration error,
// 3 authentication failure.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitAuth    = 3
)

// configError and authError tag failures so main can pick the exit code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	secretKey         string
	logLevel          string
	pollIntervalMS    int
	concurrency       int
	jobTimeoutMS      int
	dagParallelism    int
	snapshotIntMS     int
	alertIntMS        int
	webhookTimeoutMS  int
	webhookAttempts   int
	hmacToleranceSecs int
	workerQueues      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce *configError
		var ae *authError
		switch {
		case errors.As(err, &ce):
			os.Exit(exitConfig)
		case errors.As(err, &ae):
			os.Exit(exitAuth)
		default:
			os.Exit(exitFailure)
		}
	}
	os.Exit(exitOK)
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "gpilot-server",
		Short: "G-Pilot server — autonomous operations substrate",
		Long: `G-Pilot server is the operations core of the G-Pilot platform.
It runs the durable job scheduler, the DAG mission executor, the metrics
snapshotter, the alert evaluator, and the webhook dispatcher, and exposes
the administrative REST API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GPILOT_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GPILOT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-url", envOrDefault("DB_URL", "./gpilot.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("GPILOT_SECRET_KEY", ""), "Master secret key for encrypting webhook secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GPILOT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.pollIntervalMS, "queue-poll-interval-ms", envIntOrDefault("QUEUE_POLL_INTERVAL_MS", 500), "Worker idle poll interval")
	root.PersistentFlags().IntVar(&cfg.concurrency, "queue-concurrency", envIntOrDefault("QUEUE_DEFAULT_CONCURRENCY", 5), "Workers per queue")
	root.PersistentFlags().IntVar(&cfg.jobTimeoutMS, "job-timeout-ms", envIntOrDefault("JOB_DEFAULT_TIMEOUT_MS", 300_000), "Default per-job deadline")
	root.PersistentFlags().IntVar(&cfg.dagParallelism, "dag-parallelism", envIntOrDefault("DAG_PARALLELISM_CAP", 8), "Concurrent steps per DAG level")
	root.PersistentFlags().IntVar(&cfg.snapshotIntMS, "snapshot-interval-ms", envIntOrDefault("METRICS_SNAPSHOT_INTERVAL_MS", 60_000), "Metric snapshot cadence")
	root.PersistentFlags().IntVar(&cfg.alertIntMS, "alert-interval-ms", envIntOrDefault("ALERT_EVAL_INTERVAL_MS", 60_000), "Alert evaluation cadence")
	root.PersistentFlags().IntVar(&cfg.webhookTimeoutMS, "webhook-timeout-ms", envIntOrDefault("WEBHOOK_TIMEOUT_MS", 10_000), "Outbound webhook POST timeout")
	root.PersistentFlags().IntVar(&cfg.webhookAttempts, "webhook-max-attempts", envIntOrDefault("WEBHOOK_MAX_ATTEMPTS", 5), "Delivery attempts before dead-lettering")
	root.PersistentFlags().IntVar(&cfg.hmacToleranceSecs, "hmac-tolerance-seconds", envIntOrDefault("HMAC_WEBHOOK_TOLERANCE_SECONDS", 300), "Signature timestamp tolerance")
	root.PersistentFlags().StringVar(&cfg.workerQueues, "worker-queues", envOrDefault("GPILOT_WORKER_QUEUES", "default,missions,webhooks"), "Comma-separated queues this process serves")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gpilot-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return &configError{fmt.Errorf("failed to build logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return &configError{fmt.Errorf("secret key is required — set --secret-key or GPILOT_SECRET_KEY")}
	}
	if cfg.dbDriver != "sqlite" && cfg.dbDriver != "postgres" {
		return &configError{fmt.Errorf("unsupported db driver %q", cfg.dbDriver)}
	}

	logger.Info("starting gpilot server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields decrypt transparently on read. The secret key is padded or
	// truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return &configError{fmt.Errorf("failed to initialize encryption: %w", err)}
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		if strings.Contains(err.Error(), "authentication") || strings.Contains(err.Error(), "password") {
			return &authError{fmt.Errorf("database authentication failed: %w", err)}
		}
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories (persistence gateway) ---
	jobRepo := repositories.NewJobRepository(gormDB)
	missionRepo := repositories.NewMissionRepository(gormDB)
	agentStatusRepo := repositories.NewAgentStatusRepository(gormDB)
	deadLetterRepo := repositories.NewDeadLetterRepository(gormDB)
	snapshotRepo := repositories.NewSnapshotRepository(gormDB)
	alertRepo := repositories.NewAlertRepository(gormDB)
	webhookRepo := repositories.NewWebhookRepository(gormDB)
	scheduleRepo := repositories.NewScheduleRepository(gormDB)

	// --- 4. Prometheus ---
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	gauges := metrics.NewGauges(promRegistry)

	// --- 5. Task queue ---
	taskQueue := queue.New(jobRepo, queue.Config{
		PollInterval: time.Duration(cfg.pollIntervalMS) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.jobTimeoutMS) * time.Millisecond,
	}, logger, gauges)
	defer taskQueue.Close()

	// --- 6. Agents & missions ---
	registry := agents.NewRegistry(logger)
	agentExec := agents.NewExecutor(registry, agentStatusRepo, logger)

	dispatcher := webhooks.NewDispatcher(webhookRepo, taskQueue, webhooks.Config{
		Timeout:     time.Duration(cfg.webhookTimeoutMS) * time.Millisecond,
		MaxAttempts: cfg.webhookAttempts,
		Tolerance:   time.Duration(cfg.hmacToleranceSecs) * time.Second,
	}, logger)

	missionExec := mission.NewExecutor(missionRepo, agentExec, dispatcher, logger, cfg.dagParallelism)
	launcher := mission.NewLauncher(missionExec, taskQueue)

	if err := missionExec.RegisterRunHandler(taskQueue); err != nil {
		return fmt.Errorf("failed to register mission handler: %w", err)
	}
	if err := dispatcher.RegisterDeliverHandler(taskQueue); err != nil {
		return fmt.Errorf("failed to register webhook handler: %w", err)
	}

	// --- 7. Metrics ---
	collector := metrics.NewCollector(jobRepo, missionRepo, agentStatusRepo,
		deadLetterRepo, alertRepo, registry, gauges, logger)
	series := metrics.NewTimeSeriesReader(snapshotRepo)

	snapshotter, err := metrics.NewSnapshotter(collector, snapshotRepo, jobRepo, logger,
		time.Duration(cfg.snapshotIntMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to create snapshotter: %w", err)
	}
	if err := snapshotter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start snapshotter: %w", err)
	}
	defer func() {
		if err := snapshotter.Stop(); err != nil {
			logger.Warn("snapshotter shutdown error", zap.Error(err))
		}
	}()

	// --- 8. Alert evaluator ---
	// Wallet data and the email/in_app channels are external collaborators;
	// this process runs without them and serves the webhook channel only.
	evaluator, err := alerts.NewEvaluator(alertRepo, collector, dispatcher, nil, nil,
		logger, time.Duration(cfg.alertIntMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to create alert evaluator: %w", err)
	}
	if err := evaluator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert evaluator: %w", err)
	}
	defer func() {
		if err := evaluator.Stop(); err != nil {
			logger.Warn("alert evaluator shutdown error", zap.Error(err))
		}
	}()

	// --- 9. Recurring schedules ---
	runner, err := schedule.New(scheduleRepo, launcher, logger)
	if err != nil {
		return fmt.Errorf("failed to create schedule runner: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start schedule runner: %w", err)
	}
	defer func() {
		if err := runner.Stop(); err != nil {
			logger.Warn("schedule runner shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Retention maintenance ---
	janitor, err := startJanitor(ctx, jobRepo, webhookRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to start maintenance jobs: %w", err)
	}
	defer func() {
		if err := janitor.Shutdown(); err != nil {
			logger.Warn("maintenance shutdown error", zap.Error(err))
		}
	}()

	// --- 11. Worker pools ---
	for _, q := range strings.Split(cfg.workerQueues, ",") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		taskQueue.StartWorkers(ctx, q, cfg.concurrency)
	}

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Queue:        taskQueue,
		Launcher:     launcher,
		Collector:    collector,
		Series:       series,
		Dispatcher:   dispatcher,
		Runner:       runner,
		Logger:       logger,
		Jobs:         jobRepo,
		Missions:     missionRepo,
		DeadLetters:  deadLetterRepo,
		Alerts:       alertRepo,
		Webhooks:     webhookRepo,
		Schedules:    scheduleRepo,
		PromRegistry: promRegistry,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gpilot server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("gpilot server stopped")
	return nil
}

// startJanitor schedules the retention passes: terminal jobs and webhook
// deliveries both expire after 30 days.
func startJanitor(ctx context.Context, jobs repositories.JobRepository, hooks repositories.WebhookRepository, logger *zap.Logger) (gocron.Scheduler, error) {
	const retention = 30 * 24 * time.Hour
	log := logger.Named("janitor")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(gocron.CronJob("0 */6 * * *", false), gocron.NewTask(func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		cutoff := time.Now().UTC().Add(-retention)
		if n, err := jobs.DeleteTerminalBefore(runCtx, cutoff); err != nil {
			log.Warn("job retention pass failed", zap.Error(err))
		} else if n > 0 {
			log.Info("expired terminal jobs", zap.Int64("rows", n))
		}
		if n, err := hooks.DeleteDeliveriesBefore(runCtx, cutoff); err != nil {
			log.Warn("delivery retention pass failed", zap.Error(err))
		} else if n > 0 {
			log.Info("expired webhook deliveries", zap.Int64("rows", n))
		}
	}))
	if err != nil {
		return nil, err
	}

	s.Start()
	return s, nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
