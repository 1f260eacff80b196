package walkforward

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	phaseInSample    = "in_sample"
	phaseOutOfSample = "out_of_sample"

	outcomeOK        = "ok"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Metrics are the optimizer's Prometheus collectors.
type Metrics struct {
	units    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	windows  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "backtester",
				Subsystem: "walkforward",
				Name:      "units_total",
				Help:      "Evaluated (window, parameter) units by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "backtester",
				Subsystem: "walkforward",
				Name:      "unit_duration_seconds",
				Help:      "Wall time of one ledger run",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"phase"},
		),
		windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "backtester",
				Subsystem: "walkforward",
				Name:      "windows_total",
				Help:      "Walk-forward windows by status",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.units, m.duration, m.windows)
	}
	return m
}

func (m *Metrics) observeUnit(phase, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(phase, outcome).Inc()
	if outcome == outcomeOK {
		m.duration.WithLabelValues(phase).Observe(took.Seconds())
	}
}

func (m *Metrics) observeWindow(status string) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(status).Inc()
}
