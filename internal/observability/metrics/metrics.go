// Package metrics holds the Prometheus collectors and the /metrics listener.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"studytrack/internal/participant"
)

const namespace = "studytrack"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	ops        *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	sweepRuns      *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepAvailable prometheus.Gauge
	sweepPending   prometheus.Gauge
	sweepRefreshed prometheus.Counter
	sweepFailed    prometheus.Counter
	sweepLastRun   prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.ops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "lifecycle operations by operation and result",
		},
		[]string{"op", "result"},
	)
	m.opDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_operation_duration_seconds",
			Help:      "lifecycle operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	m.sweepRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "sweep runs by result",
		},
		[]string{"result"},
	)
	m.sweepDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "sweep run duration",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)
	m.sweepAvailable = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_available",
			Help:      "participants with an available questionnaire at the last sweep",
		},
	)
	m.sweepPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_pending_upload",
			Help:      "participants with a pending upload at the last sweep",
		},
	)
	m.sweepRefreshed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_refreshed_total",
			Help:      "stale participants refreshed by the sweep",
		},
	)
	m.sweepFailed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_refresh_failures_total",
			Help:      "stale participant refreshes that failed",
		},
	)
	m.sweepLastRun = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "reference time of the last completed sweep",
		},
	)
	return m
}

// Result maps an operation error onto a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, participant.ErrNotFound):
		return "not_found"
	case errors.Is(err, participant.ErrInvalidTrigger):
		return "invalid_trigger"
	case errors.Is(err, participant.ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, participant.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, participant.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// ObserveOp records one lifecycle operation.
func (m *Metrics) ObserveOp(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, Result(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(took.Seconds())
}

// SweepStats is what a sweep run reports to metrics.
type SweepStats struct {
	Ref       time.Time
	Available int
	Pending   int
	Refreshed int
	Failed    int
	Took      time.Duration
	Err       error
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(s SweepStats) {
	if m == nil {
		return
	}
	if s.Err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	m.sweepDuration.Observe(s.Took.Seconds())
	m.sweepAvailable.Set(float64(s.Available))
	m.sweepPending.Set(float64(s.Pending))
	m.sweepRefreshed.Add(float64(s.Refreshed))
	m.sweepFailed.Add(float64(s.Failed))
	m.sweepLastRun.Set(float64(s.Ref.Unix()))
}
