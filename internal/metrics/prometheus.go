package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpilot-io/gpilot/internal/queue"
)

// Gauges mirrors the most recent SystemMetrics collection into Prometheus
// gauges, and counts job lifecycle events from the task queue. It implements
// queue.Sink so the queue never names the metrics package's concrete needs
// beyond the one-method interface.
//
// Gauge values reflect the last collected user view; in single-tenant
// deployments that is the whole system, in multi-tenant ones operators rely
// on the persisted per-user series instead.
type Gauges struct {
	queueDepth  prometheus.Gauge
	activeJobs  prometheus.Gauge
	errorRate   prometheus.Gauge
	healthScore prometheus.Gauge
	jobEvents   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// NewGauges registers the G-Pilot collectors on reg and returns the mirror.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpilot",
			Name:      "queue_depth",
			Help:      "Waiting plus delayed jobs across all queues.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpilot",
			Name:      "active_jobs",
			Help:      "Jobs currently held by workers.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpilot",
			Name:      "error_rate",
			Help:      "Failed fraction of jobs finished in the last five minutes.",
		}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpilot",
			Name:      "health_score",
			Help:      "Aggregate system health, 0-100.",
		}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpilot",
			Name:      "job_events_total",
			Help:      "Job lifecycle events by queue and kind.",
		}, []string{"queue", "kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gpilot",
			Name:      "job_duration_seconds",
			Help:      "Handler run time of completed jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"queue"}),
	}

	reg.MustRegister(g.queueDepth, g.activeJobs, g.errorRate, g.healthScore, g.jobEvents, g.jobDuration)
	return g
}

// Set mirrors one collection into the gauges.
func (g *Gauges) Set(m SystemMetrics) {
	g.queueDepth.Set(float64(m.QueueDepth))
	g.activeJobs.Set(float64(m.ActiveJobs))
	g.errorRate.Set(m.ErrorRate)
	g.healthScore.Set(float64(m.HealthScore))
}

// Observe implements queue.Sink.
func (g *Gauges) Observe(ev queue.Event) {
	g.jobEvents.WithLabelValues(ev.Queue, string(ev.Kind)).Inc()
	if ev.Kind == queue.EventCompleted {
		g.jobDuration.WithLabelValues(ev.Queue).Observe(ev.Duration.Seconds())
	}
}
