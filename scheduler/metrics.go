package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes tick-level counters and timings.
type Metrics struct {
	ticksTotal   *prometheus.CounterVec
	recordsTotal *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
}

// NewMetrics registers the scheduler metrics against a registerer. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ticksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachflow",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Completed scheduler ticks per workflow.",
		}, []string{"workflow"}),
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachflow",
			Subsystem: "scheduler",
			Name:      "records_total",
			Help:      "Per-record tick outcomes.",
		}, []string{"workflow", "outcome"}),
		tickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outreachflow",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"workflow"}),
	}
}

// RecordOutcome counts one per-record outcome.
func (m *Metrics) RecordOutcome(workflow, outcome string) {
	m.recordsTotal.WithLabelValues(workflow, outcome).Inc()
}

// ObserveTick records a completed tick and its duration.
func (m *Metrics) ObserveTick(workflow string, d time.Duration) {
	m.ticksTotal.WithLabelValues(workflow).Inc()
	m.tickDuration.WithLabelValues(workflow).Observe(d.Seconds())
}
