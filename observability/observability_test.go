package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kbukum/streamkit/logger"
)

func TestTracerConfigDefaults(t *testing.T) {
	cfg := TracerConfig{Enabled: true}
	cfg.ApplyDefaults()
	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("Endpoint = %q, want localhost:4318", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want 1.0", cfg.SampleRate)
	}

	disabled := TracerConfig{}
	disabled.ApplyDefaults()
	if disabled.SampleRate != 0 {
		t.Errorf("disabled SampleRate = %v, want 0", disabled.SampleRate)
	}
}

func TestTracerConfigValidate(t *testing.T) {
	tests := []struct {
		rate    float64
		wantErr bool
	}{
		{0, false},
		{0.5, false},
		{1, false},
		{-0.1, true},
		{1.5, true},
	}
	for _, tc := range tests {
		cfg := TracerConfig{SampleRate: tc.rate}
		if err := cfg.Validate(); (err != nil) != tc.wantErr {
			t.Errorf("Validate(sample_rate=%v) error = %v, wantErr %v", tc.rate, err, tc.wantErr)
		}
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{}, ServiceInfo{Name: "test"}, logger.NewNop())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracerEnabled(t *testing.T) {
	cfg := TracerConfig{Enabled: true, Endpoint: "localhost:4318", Insecure: true, SampleRate: 0.5}
	shutdown, err := InitTracer(context.Background(), cfg, ServiceInfo{Name: "test", Version: "1.0.0", Environment: "test"}, logger.NewNop())
	if err != nil {
		// resource.Default may carry a newer schema URL than semconv v1.21.0.
		t.Skipf("InitTracer failed (schema conflict): %v", err)
	}
	_ = shutdown(context.Background())
}

func TestSampler(t *testing.T) {
	tests := map[float64]string{
		1.0: "ParentBased{root:AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.5: "ParentBased{root:TraceIDRatioBased{0.5}",
	}
	for rate, prefix := range tests {
		desc := sampler(rate).Description()
		if len(desc) < len(prefix) || desc[:len(prefix)] != prefix {
			t.Errorf("sampler(%v).Description() = %q, want prefix %q", rate, desc, prefix)
		}
	}
}

func TestSetSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	SetSpanError(span, errors.New("boom"))
	SetSpanError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("events = %d, want 1 recorded error", len(ended[0].Events()))
	}
}

func TestMeterConfig(t *testing.T) {
	var cfg MeterConfig
	cfg.ApplyDefaults()
	if cfg.Endpoint != "localhost:4318" || cfg.Interval != "15s" {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	for _, interval := range []string{"soon", "0s", "-1s"} {
		bad := MeterConfig{Interval: interval}
		if err := bad.Validate(); err == nil {
			t.Errorf("Validate(interval=%q) should fail", interval)
		}
	}
}

func TestInitMeterServesPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := MeterConfig{}
	cfg.ApplyDefaults()
	mp, err := InitMeter(context.Background(), cfg, ServiceInfo{Name: "test"}, reg, logger.NewNop())
	if err != nil {
		t.Fatalf("InitMeter() error = %v", err)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()

	counter, err := mp.Meter("test").Int64Counter("relay.requests")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "relay_requests_total" {
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("relay_requests_total = %v, want 3", got)
			}
			return
		}
	}
	t.Error("relay_requests_total not gathered")
}
