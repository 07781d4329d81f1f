package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantfolio/advisor/internal/saga"
)

// MetricsRegistry holds all Prometheus metrics for the advisor.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Saga lifecycle metrics
	SagasStarted  *prometheus.CounterVec
	SagasFinished *prometheus.CounterVec
	SagaDuration  *prometheus.HistogramVec
	ActiveSagas   prometheus.Gauge

	// Step metrics
	StepTransitions *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	Compensations   *prometheus.CounterVec

	// HTTP metrics
	RequestDuration   *prometheus.HistogramVec
	StreamSubscribers prometheus.Gauge
}

// NewMetricsRegistry creates a metrics registry with all advisor metrics
// registered on its own Prometheus registry.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		SagasStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisor_sagas_started_total",
				Help: "Total number of sagas started by workflow type",
			},
			[]string{"workflow"},
		),

		SagasFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisor_sagas_finished_total",
				Help: "Total number of sagas reaching a terminal status",
			},
			[]string{"workflow", "status"},
		),

		SagaDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advisor_saga_duration_seconds",
				Help:    "End-to-end saga duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"workflow"},
		),

		ActiveSagas: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "advisor_active_sagas",
				Help: "Number of sagas currently executing",
			},
		),

		StepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisor_step_transitions_total",
				Help: "Total step status transitions by step and status",
			},
			[]string{"step", "status"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advisor_step_duration_seconds",
				Help:    "Duration of forward and compensating actions in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"step", "status"},
		),

		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisor_compensations_total",
				Help: "Total compensating actions executed by step",
			},
			[]string{"step"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advisor_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status code",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"route", "method", "status"},
		),

		StreamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "advisor_stream_subscribers",
				Help: "Number of connected transition-stream consumers",
			},
		),
	}

	m.registry.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.SagaDuration,
		m.ActiveSagas,
		m.StepTransitions,
		m.StepDuration,
		m.Compensations,
		m.RequestDuration,
		m.StreamSubscribers,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SagaHooks adapts the registry to the orchestrator's observation points.
func (m *MetricsRegistry) SagaHooks() saga.Hooks {
	return saga.Hooks{
		SagaStarted: func(workflow saga.Workflow) {
			m.SagasStarted.WithLabelValues(string(workflow)).Inc()
			m.ActiveSagas.Inc()
		},
		SagaFinished: func(workflow saga.Workflow, status saga.Status, elapsed time.Duration) {
			m.SagasFinished.WithLabelValues(string(workflow), string(status)).Inc()
			m.SagaDuration.WithLabelValues(string(workflow)).Observe(elapsed.Seconds())
			m.ActiveSagas.Dec()
		},
		Step: func(step string, status saga.StepStatus, elapsed time.Duration) {
			m.StepTransitions.WithLabelValues(step, string(status)).Inc()
			m.StepDuration.WithLabelValues(step, string(status)).Observe(elapsed.Seconds())
			if status == saga.StepCompensated {
				m.Compensations.WithLabelValues(step).Inc()
			}
		},
	}
}

// observeRequest records one completed HTTP request.
func (m *MetricsRegistry) observeRequest(route, method string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
