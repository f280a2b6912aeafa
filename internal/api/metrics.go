package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/metrics"
)

// MetricsHandler exposes the live metric overview and the snapshot time series.
type MetricsHandler struct {
	collector *metrics.Collector
	series    *metrics.TimeSeriesReader
	logger    *zap.Logger
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(collector *metrics.Collector, series *metrics.TimeSeriesReader, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{collector: collector, series: series, logger: logger}
}

// Overview handles GET /metrics/overview.
func (h *MetricsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	m, err := h.collector.Collect(r.Context(), userFromCtx(r.Context()))
	if err != nil {
		h.logger.Error("collect metrics failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, m)
}

// TimeSeries handles GET /metrics/timeseries?metric=…&range=…&resolution=….
func (h *MetricsHandler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	series, err := h.series.Query(r.Context(), userFromCtx(r.Context()),
		q.Get("metric"), q.Get("range"), q.Get("resolution"))
	if err != nil {
		if errors.Is(err, metrics.ErrBadQuery) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("timeseries query failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, series)
}
