package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/metrics"
	"github.com/gpilot-io/gpilot/internal/mission"
	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
	"github.com/gpilot-io/gpilot/internal/schedule"
	"github.com/gpilot-io/gpilot/internal/webhooks"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Queue      *queue.Queue
	Launcher   *mission.Launcher
	Collector  *metrics.Collector
	Series     *metrics.TimeSeriesReader
	Dispatcher *webhooks.Dispatcher
	Runner     *schedule.Scheduler
	Logger     *zap.Logger

	// Repositories — used directly by handlers that need no service logic.
	Jobs        repositories.JobRepository
	Missions    repositories.MissionRepository
	DeadLetters repositories.DeadLetterRepository
	Alerts      repositories.AlertRepository
	Webhooks    repositories.WebhookRepository
	Schedules   repositories.ScheduleRepository

	// PromRegistry, when set, exposes process metrics on GET /metrics.
	PromRegistry *prometheus.Registry
}

// NewRouter builds and returns the fully configured Chi router.
// All resources live under /api/v1 behind the Identify middleware; the
// Prometheus endpoint is unauthenticated at /metrics for scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID tags each request for log correlation; RealIP unwraps
	// reverse-proxy headers; Recoverer turns handler panics into 500s.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Queue, cfg.Jobs, cfg.DeadLetters, cfg.Logger)
	missionHandler := NewMissionHandler(cfg.Launcher, cfg.Missions, cfg.Logger)
	metricsHandler := NewMetricsHandler(cfg.Collector, cfg.Series, cfg.Logger)
	alertHandler := NewAlertHandler(cfg.Alerts, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Dispatcher, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Runner, cfg.Logger)

	if cfg.PromRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.PromRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Identify())

		// Jobs & queues
		r.Post("/jobs", jobHandler.Enqueue)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Get("/queues/{queue}/metrics", jobHandler.QueueMetrics)

		// Dead letters
		r.Get("/deadletters", jobHandler.ListDeadLetters)
		r.Post("/deadletters/{id}/replay", jobHandler.ReplayDeadLetter)
		r.Delete("/deadletters/{id}", jobHandler.PurgeDeadLetter)

		// Missions
		r.Post("/missions", missionHandler.Submit)
		r.Get("/missions", missionHandler.List)
		r.Get("/missions/{id}", missionHandler.GetByID)

		// Metrics
		r.Get("/metrics/overview", metricsHandler.Overview)
		r.Get("/metrics/timeseries", metricsHandler.TimeSeries)

		// Alerts
		r.Post("/alerts/rules", alertHandler.CreateRule)
		r.Get("/alerts/rules", alertHandler.ListRules)
		r.Patch("/alerts/rules/{id}", alertHandler.UpdateRule)
		r.Delete("/alerts/rules/{id}", alertHandler.DeleteRule)
		r.Get("/alerts/firings", alertHandler.ListFirings)

		// Webhooks
		r.Post("/webhooks/endpoints", webhookHandler.CreateEndpoint)
		r.Get("/webhooks/endpoints", webhookHandler.ListEndpoints)
		r.Patch("/webhooks/endpoints/{id}", webhookHandler.UpdateEndpoint)
		r.Delete("/webhooks/endpoints/{id}", webhookHandler.DeleteEndpoint)
		r.Post("/webhooks/endpoints/{id}/rotate", webhookHandler.RotateSecret)
		r.Get("/webhooks/deliveries", webhookHandler.ListDeliveries)

		// Schedules
		r.Post("/schedules", scheduleHandler.Create)
		r.Get("/schedules", scheduleHandler.List)
		r.Patch("/schedules/{id}", scheduleHandler.Update)
		r.Delete("/schedules/{id}", scheduleHandler.Delete)
		r.Post("/schedules/{id}/trigger", scheduleHandler.Trigger)
	})

	return r
}
