// Package metrics provides Prometheus metrics for sportchat.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeSettled   = "settled"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics for sportchat. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	TurnsInFlight prometheus.Gauge
	ChunksTotal   prometheus.Counter

	TitlesTotal *prometheus.CounterVec

	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportchat_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sportchat_turn_duration_seconds",
				Help:    "Duration of chat turns from submission to settlement",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		TurnsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sportchat_turns_in_flight",
				Help: "Number of turns currently streaming",
			},
		),
		ChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sportchat_stream_chunks_total",
				Help: "Total number of streamed response chunks received",
			},
		),
		TitlesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportchat_titles_total",
				Help: "Title generation attempts by result (generated, fallback)",
			},
			[]string{"result"},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportchat_backend_requests_total",
				Help: "Total number of backend requests",
			},
			[]string{"operation", "status"},
		),
		BackendRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sportchat_backend_request_duration_seconds",
				Help:    "Duration of backend requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.TurnsInFlight.Inc()
}

func (m *Metrics) TurnEnded() {
	if m == nil {
		return
	}
	m.TurnsInFlight.Dec()
}

func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
}

// RecordTitle records a title task result: "generated" or "fallback".
func (m *Metrics) RecordTitle(result string) {
	if m == nil {
		return
	}
	m.TitlesTotal.WithLabelValues(result).Inc()
}

// RecordBackendRequest records a backend call.
func (m *Metrics) RecordBackendRequest(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}
