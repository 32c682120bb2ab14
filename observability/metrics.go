package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "collateralx/lending"

// LendingMetrics holds the collectors exported by the lending daemon. Each
// instance owns its registry so tests and embedded servers never collide on
// the global default registerer.
type LendingMetrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	throttles     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
	events        *prometheus.CounterVec
	streamClients prometheus.Gauge

	// OTLP mirrors of the lending series, recorded through the global or
	// supplied meter provider.
	otelOperations metric.Int64Counter
	otelLatency    metric.Float64Histogram
	otelEvents     metric.Int64Counter
}

// NewLendingMetrics registers the lending collectors, plus the Go runtime and
// process collectors, under namespace. Operation and event series are also
// recorded through the global OpenTelemetry meter provider.
func NewLendingMetrics(namespace string) *LendingMetrics {
	return NewLendingMetricsWithProvider(namespace, otel.GetMeterProvider())
}

// NewLendingMetricsWithProvider is NewLendingMetrics with an explicit meter
// provider for the OTLP series.
func NewLendingMetricsWithProvider(namespace string, provider metric.MeterProvider) *LendingMetrics {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "collateralx"
	}
	m := &LendingMetrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "operations_total",
			Help:      "Lending operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "rejections_total",
			Help:      "Rejected lending operations segmented by reason code.",
		}, []string{"operation", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lending",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for lending operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttles_total",
			Help:      "Requests rejected by throttling policies.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted segmented by type.",
		}, []string{"type"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_clients",
			Help:      "Connected event stream subscribers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.rejections,
		m.latency,
		m.throttles,
		m.httpRequests,
		m.httpDurations,
		m.events,
		m.streamClients,
	)
	m.initMeter(provider)
	return m
}

func (m *LendingMetrics) initMeter(provider metric.MeterProvider) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	operations, err := meter.Int64Counter("collateralx.lending.operations",
		metric.WithDescription("Lending operations by operation and outcome."))
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		operations, _ = meter.Int64Counter("collateralx.lending.operations")
	}
	latency, err := meter.Float64Histogram("collateralx.lending.operation.duration",
		metric.WithDescription("Lending operation latency."), metric.WithUnit("s"))
	if err != nil {
		latency, _ = noop.NewMeterProvider().Meter(meterName).Float64Histogram("collateralx.lending.operation.duration")
	}
	emitted, err := meter.Int64Counter("collateralx.events.emitted",
		metric.WithDescription("Ledger events by type."))
	if err != nil {
		emitted, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("collateralx.events.emitted")
	}
	m.otelOperations = operations
	m.otelLatency = latency
	m.otelEvents = emitted
}

// Registry exposes the underlying registry.
func (m *LendingMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *LendingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records a lending operation. An empty reason marks
// success; otherwise reason is the stable rejection code.
func (m *LendingMetrics) ObserveOperation(operation, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "rejected"
		m.rejections.WithLabelValues(operation, reason).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	ctx := context.Background()
	m.otelOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.otelLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *LendingMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// ObserveHTTP records the outcome of an HTTP request.
func (m *LendingMetrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(duration.Seconds())
}

// StreamClientConnected adjusts the stream subscriber gauge by delta.
func (m *LendingMetrics) StreamClientConnected(delta int) {
	if m == nil {
		return
	}
	m.streamClients.Add(float64(delta))
}
