package testutil

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricReader collects the instruments created on its Meter on demand.
type MetricReader struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewMetricReader creates a meter provider backed by a manual reader.
func NewMetricReader() *MetricReader {
	r := sdkmetric.NewManualReader()
	return &MetricReader{reader: r, provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(r))}
}

// Meter returns a meter whose instruments this reader collects.
func (r *MetricReader) Meter() metric.Meter {
	return r.provider.Meter("streamkit-test")
}

// Sum adds up the int64 counter or up-down counter name over the series
// carrying every attribute in attrs.
func (r *MetricReader) Sum(t testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	switch data := r.find(t, name).(type) {
	case nil:
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			if matches(dp.Attributes, attrs) {
				total += dp.Value
			}
		}
	default:
		t.Fatalf("%s is %T, not an int64 sum", name, data)
	}
	return total
}

// Gauge returns the last value of the int64 gauge name for the series
// carrying attrs, and whether such a series exists.
func (r *MetricReader) Gauge(t testing.TB, name string, attrs ...attribute.KeyValue) (int64, bool) {
	t.Helper()
	switch data := r.find(t, name).(type) {
	case nil:
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			if matches(dp.Attributes, attrs) {
				return dp.Value, true
			}
		}
	default:
		t.Fatalf("%s is %T, not an int64 gauge", name, data)
	}
	return 0, false
}

// Count returns the number of samples recorded by the float64 histogram
// name over the series carrying attrs.
func (r *MetricReader) Count(t testing.TB, name string, attrs ...attribute.KeyValue) uint64 {
	t.Helper()
	var total uint64
	switch data := r.find(t, name).(type) {
	case nil:
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			if matches(dp.Attributes, attrs) {
				total += dp.Count
			}
		}
	default:
		t.Fatalf("%s is %T, not a float64 histogram", name, data)
	}
	return total
}

func (r *MetricReader) find(t testing.TB, name string) metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m.Data
			}
		}
	}
	return nil
}

func matches(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
