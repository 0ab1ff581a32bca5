// Package metrics provides Prometheus metrics for the relay
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	MessagesTotal     *prometheus.CounterVec
	DispatchInFlight  prometheus.Gauge
	DispatchDuration  prometheus.Histogram
	ChunksSentTotal   prometheus.Counter
	GatewayPollErrors prometheus.Counter

	// Backend metrics
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Store metrics
	StoreOperationsTotal *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry, so tests and
// multiple instances never collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.MessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_total",
			Help: "Inbound messages by dispatch outcome",
		},
		[]string{"outcome"},
	)

	m.DispatchInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_dispatch_in_flight",
			Help: "Number of messages currently being dispatched",
		},
	)

	m.DispatchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	m.ChunksSentTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_chunks_sent_total",
			Help: "Total number of reply segments delivered",
		},
	)

	m.GatewayPollErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_gateway_poll_errors_total",
			Help: "Total number of failed gateway polls",
		},
	)

	m.BackendRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_backend_requests_total",
			Help: "Model backend calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.BackendRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_backend_request_duration_seconds",
			Help:    "Duration of model backend calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_store_operations_total",
			Help: "Durable store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMessage counts one finished dispatch.
func (m *Metrics) RecordMessage(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(duration.Seconds())
}

// RecordBackend counts one backend call.
func (m *Metrics) RecordBackend(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStore counts one store operation.
func (m *Metrics) RecordStore(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordChunks counts delivered reply segments.
func (m *Metrics) RecordChunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChunksSentTotal.Add(float64(n))
}

// RecordPollError counts one failed gateway poll.
func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.GatewayPollErrors.Inc()
}

// InFlight tracks one dispatch; call the returned func when it finishes.
func (m *Metrics) InFlight() func() {
	if m == nil {
		return func() {}
	}
	m.DispatchInFlight.Inc()
	return m.DispatchInFlight.Dec
}
