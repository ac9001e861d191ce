package inventory

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the manager
// マネージャーが更新するPrometheusメトリクス
type Metrics struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	recomputes         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serialstock",
			Name:      "transitions_total",
			Help:      "Unit lifecycle transitions by kind and result.",
		}, []string{"kind", "result"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "serialstock",
			Name:      "transition_duration_seconds",
			Help:      "Latency of unit lifecycle transitions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serialstock",
			Name:      "availability_recomputes_total",
			Help:      "Product availability recomputations by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.transitionDuration, m.recomputes)
	}
	return m
}

func (m *Metrics) observeTransition(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, resultLabel(err)).Inc()
	m.transitionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeRecompute(outcome string) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(outcome).Inc()
}

func resultLabel(err error) string {
	var (
		ve *ValidationError
		ce *ConflictError
		ne *NotFoundError
		se *StateError
		pe *PermissionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &ne):
		return "not_found"
	case errors.As(err, &se):
		return "state"
	case errors.As(err, &pe):
		return "forbidden"
	default:
		return "error"
	}
}
