package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"collateralx/core/events"
)

// Emit counts evt by type so LendingMetrics can sit in an event fan-out.
func (m *LendingMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
	m.otelEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}
