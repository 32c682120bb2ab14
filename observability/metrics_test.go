package observability

import (
	"context"
	"io"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"collateralx/core/events"
)

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

func TestObserveOperation(t *testing.T) {
	m := NewLendingMetrics("test")
	m.ObserveOperation("borrow", "", 10*time.Millisecond)
	m.ObserveOperation("borrow", "insufficient_collateral", time.Millisecond)
	m.ObserveOperation("borrow", "insufficient_collateral", time.Millisecond)

	require.Equal(t, 1.0, counterValue(t, m.operations.WithLabelValues("borrow", "success")))
	require.Equal(t, 2.0, counterValue(t, m.operations.WithLabelValues("borrow", "rejected")))
	require.Equal(t, 2.0, counterValue(t, m.rejections.WithLabelValues("borrow", "insufficient_collateral")))
}

func TestEmitCountsEventTypes(t *testing.T) {
	m := NewLendingMetrics("test")
	var fanout events.Emitter = events.Fanout{m}
	fanout.Emit(events.CollateralDeposited{Amount: big.NewInt(1)})
	fanout.Emit(events.CollateralDeposited{Amount: big.NewInt(2)})

	require.Equal(t, 2.0, counterValue(t, m.events.WithLabelValues(events.TypeCollateralDeposited)))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewLendingMetrics("test")
	m.ObserveHTTP("/v1/params", "GET", 200, time.Millisecond)
	m.RecordThrottle("rate_limit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `test_http_requests_total{method="GET",route="/v1/params",status="200"} 1`)
	require.Contains(t, string(body), `test_http_throttles_total{reason="rate_limit"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *LendingMetrics
	m.ObserveOperation("borrow", "", time.Second)
	m.RecordThrottle("")
	m.Emit(events.CollateralDeposited{})
	require.Nil(t, m.Registry())
}

func otelSum(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	want := attribute.NewSet(attrs...)
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			for _, point := range sum.DataPoints {
				if point.Attributes.Equals(&want) {
					total += point.Value
				}
			}
		}
	}
	return total
}

func TestOperationsReachMeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := NewLendingMetricsWithProvider("test", provider)
	m.ObserveOperation("repay", "", time.Millisecond)
	m.ObserveOperation("repay", "insufficient_allowance", time.Millisecond)
	m.Emit(events.CollateralDeposited{Amount: big.NewInt(1)})

	require.Equal(t, int64(1), otelSum(t, reader, "collateralx.lending.operations",
		attribute.String("operation", "repay"), attribute.String("outcome", "success")))
	require.Equal(t, int64(1), otelSum(t, reader, "collateralx.lending.operations",
		attribute.String("operation", "repay"), attribute.String("outcome", "rejected"),
		attribute.String("reason", "insufficient_allowance")))
	require.Equal(t, int64(1), otelSum(t, reader, "collateralx.events.emitted",
		attribute.String("type", events.TypeCollateralDeposited)))
}
