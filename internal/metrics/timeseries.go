package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// ErrBadQuery marks invalid time-series parameters: unknown metric, range or
// resolution. Surfaced synchronously, never retried.
var ErrBadQuery = errors.New("invalid time-series query")

// Ranges and resolutions form a closed vocabulary; anything else is rejected.
var (
	ranges = map[string]time.Duration{
		"1h":  time.Hour,
		"6h":  6 * time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
	}
	resolutions = map[string]time.Duration{
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
	}
)

// metricSelectors maps metric names to snapshot fields.
var metricSelectors = map[string]func(*db.MetricSnapshot) float64{
	"queue_depth":       func(s *db.MetricSnapshot) float64 { return float64(s.QueueDepth) },
	"active_jobs":       func(s *db.MetricSnapshot) float64 { return float64(s.ActiveJobs) },
	"failed_jobs":       func(s *db.MetricSnapshot) float64 { return float64(s.FailedJobs) },
	"completed_jobs":    func(s *db.MetricSnapshot) float64 { return float64(s.CompletedJobs) },
	"active_agents":     func(s *db.MetricSnapshot) float64 { return float64(s.ActiveAgents) },
	"idle_agents":       func(s *db.MetricSnapshot) float64 { return float64(s.IdleAgents) },
	"jobs_per_minute":   func(s *db.MetricSnapshot) float64 { return s.JobsPerMinute },
	"cost_per_hour":     func(s *db.MetricSnapshot) float64 { return s.CostPerHour },
	"tokens_per_minute": func(s *db.MetricSnapshot) float64 { return s.TokensPerMinute },
	"error_rate":        func(s *db.MetricSnapshot) float64 { return s.ErrorRate },
}

// DataPoint is one bucket of the downsampled series.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregates summarize the returned series. Current is the newest raw value.
type Aggregates struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	Current float64 `json:"current"`
}

// TimeSeries is the full query result.
type TimeSeries struct {
	Metric     string      `json:"metric"`
	Range      string      `json:"range"`
	Resolution string      `json:"resolution"`
	DataPoints []DataPoint `json:"dataPoints"`
	Aggregates Aggregates  `json:"aggregates"`
}

// TimeSeriesReader serves downsampled metric series from raw minute snapshots.
type TimeSeriesReader struct {
	snapshots repositories.SnapshotRepository
}

// NewTimeSeriesReader creates a TimeSeriesReader.
func NewTimeSeriesReader(snapshots repositories.SnapshotRepository) *TimeSeriesReader {
	return &TimeSeriesReader{snapshots: snapshots}
}

// Query reads the raw minute snapshots inside the range and averages them
// into buckets of the target resolution. Missing minutes are omitted, not
// interpolated, so gaps in the series stay visible.
func (r *TimeSeriesReader) Query(ctx context.Context, userID uuid.UUID, metric, rangeKey, resolutionKey string) (*TimeSeries, error) {
	selector, ok := metricSelectors[metric]
	if !ok {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrBadQuery, metric)
	}
	span, ok := ranges[rangeKey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown range %q", ErrBadQuery, rangeKey)
	}
	bucket, ok := resolutions[resolutionKey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrBadQuery, resolutionKey)
	}

	since := time.Now().UTC().Add(-span)
	snapshots, err := r.snapshots.ListSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("timeseries: %w", err)
	}

	series := &TimeSeries{
		Metric:     metric,
		Range:      rangeKey,
		Resolution: resolutionKey,
		DataPoints: []DataPoint{},
	}
	if len(snapshots) == 0 {
		return series, nil
	}

	// Snapshots arrive timestamp-ascending; buckets are emitted in order.
	var (
		bucketStart time.Time
		sum         float64
		n           int
	)
	flush := func() {
		if n == 0 {
			return
		}
		series.DataPoints = append(series.DataPoints, DataPoint{
			Timestamp: bucketStart,
			Value:     sum / float64(n),
		})
		sum, n = 0, 0
	}

	for i := range snapshots {
		s := &snapshots[i]
		start := s.Timestamp.Truncate(bucket)
		if n == 0 || !start.Equal(bucketStart) {
			flush()
			bucketStart = start
		}
		sum += selector(s)
		n++
	}
	flush()

	agg := Aggregates{Min: selector(&snapshots[0]), Max: selector(&snapshots[0])}
	var total float64
	for i := range snapshots {
		v := selector(&snapshots[i])
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
		total += v
	}
	agg.Avg = total / float64(len(snapshots))
	agg.Current = selector(&snapshots[len(snapshots)-1])
	series.Aggregates = agg

	return series, nil
}
