package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/streamkit/logger"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// OTLP turns on periodic OTLP/HTTP export next to the Prometheus reader.
	OTLP bool `mapstructure:"otlp"`
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string `mapstructure:"endpoint"`
	// Insecure allows insecure connections (for development).
	Insecure bool `mapstructure:"insecure"`
	// Interval is the OTLP export interval.
	Interval string `mapstructure:"interval"`
}

// ApplyDefaults fills unset fields.
func (c *MeterConfig) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4318"
	}
	if c.Interval == "" {
		c.Interval = "15s"
	}
}

// Validate checks the meter configuration.
func (c *MeterConfig) Validate() error {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return fmt.Errorf("metrics: interval must be a positive duration, got %q", c.Interval)
	}
	return nil
}

// InitMeter installs a meter provider as the otel global. Every instrument
// is readable through reg, which backs the /metrics endpoint; with OTLP set
// the same instruments are also pushed to the collector. Shut the provider
// down on exit to flush the last OTLP export.
func InitMeter(ctx context.Context, cfg MeterConfig, svc ServiceInfo, reg prometheus.Registerer, log *logger.Logger) (*sdkmetric.MeterProvider, error) {
	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res, err := newResource(svc)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	}
	if cfg.OTLP {
		exporterOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		interval, _ := time.ParseDuration(cfg.Interval)
		var readerOpts []sdkmetric.PeriodicReaderOption
		if interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(interval))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	log.Info("meter initialized", logger.Fields(
		"otlp", cfg.OTLP,
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval,
	))
	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
