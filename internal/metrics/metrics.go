// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatstream"

// Turn results.
const (
	TurnCompleted        = "completed"
	TurnProviderError    = "provider_error"
	TurnAborted          = "aborted"
	TurnPersistenceError = "persistence_error"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	TurnsTotal              *prometheus.CounterVec
	FragmentsTotal          prometheus.Counter
	TurnDurationSeconds     *prometheus.HistogramVec
	TimeToFirstFragmentSecs prometheus.Histogram
	ActiveStreams           prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Chat turns by result.",
			},
			[]string{"result"},
		),
		FragmentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_total",
				Help:      "Text fragments forwarded to clients.",
			},
		),
		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of a chat turn from request to terminal frame.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		TimeToFirstFragmentSecs: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from turn start to the first forwarded fragment.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Streams currently open.",
			},
		),
	}
}

func (m *Metrics) ObserveRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

func (m *Metrics) FirstFragment(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSecs.Observe(elapsed.Seconds())
}

// TurnFinished records the outcome of one turn.
func (m *Metrics) TurnFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(result).Inc()
	m.TurnDurationSeconds.WithLabelValues(result).Observe(elapsed.Seconds())
}
