// Command streamkit-relay accepts messages over HTTP, publishes them to the
// default Kafka topic and logs every message it consumes back from it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/streamkit/component"
	"github.com/kbukum/streamkit/config"
	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/kafka/consumer"
	"github.com/kbukum/streamkit/kafka/message"
	"github.com/kbukum/streamkit/kafka/producer"
	"github.com/kbukum/streamkit/logger"
	"github.com/kbukum/streamkit/observability"
	"github.com/kbukum/streamkit/server"
)

const (
	serviceName   = "streamkit-relay"
	statsInterval = time.Minute
	stopTimeout   = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg RelayConfig
	if err := config.LoadConfig(serviceName, &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := observability.ServiceInfo{
		Name:        cfg.Name,
		Version:     cfg.Version,
		Environment: cfg.Environment,
	}
	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, svc, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mp, err := observability.InitMeter(ctx, cfg.Metrics, svc, reg, log)
	if err != nil {
		return err
	}

	app, err := build(cfg, log, mp.Meter(kafka.MeterName), reg)
	if err != nil {
		return err
	}

	if err := app.registry.StartAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reportStats(gctx, app.producer, log, statsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return app.registry.StopAll(stopCtx)
	})
	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracer(flushCtx); terr != nil {
		log.Warn("tracer shutdown failed", logger.Fields(logger.FieldError, terr.Error()))
	}
	if merr := mp.Shutdown(flushCtx); merr != nil {
		log.Warn("meter shutdown failed", logger.Fields(logger.FieldError, merr.Error()))
	}
	return err
}

type relay struct {
	registry *component.Registry
	producer *producer.Producer
	consumer *consumer.Consumer
	server   *server.Server
}

// build wires codec, producer, consumer and HTTP server into a registry.
// Kafka instruments are created on meter; /metrics serves gatherer.
func build(cfg RelayConfig, log *logger.Logger, meter metric.Meter, gatherer prometheus.Gatherer, opts ...buildOption) (*relay, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	c := codec.New()
	if err := codec.Register[message.Message](c); err != nil {
		return nil, err
	}

	metrics, err := kafka.NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	prodOpts := append([]producer.Option{
		producer.WithObserver(producer.LogOutcome(log)),
		producer.WithMetrics(metrics),
	}, bo.producer...)
	prod, err := producer.New(cfg.Kafka, c, log, prodOpts...)
	if err != nil {
		return nil, err
	}

	consOpts := append([]consumer.Option{consumer.WithMetrics(metrics)}, bo.consumer...)
	cons, err := consumer.New(cfg.Kafka, c, log, consOpts...)
	if err != nil {
		_ = prod.Close()
		return nil, err
	}

	kc := kafka.NewComponent(cfg.Kafka, log, bo.component...)
	kc.SetProducer(prod)
	kc.AddConsumer(consumer.AsRunner(cons, []string{cfg.Kafka.Topic}, cfg.Kafka.GroupID, consumer.LogMessages(log)))

	registry := component.NewRegistry(log)
	srv := server.New(cfg.Server, log)
	srv.ApplyDefaults(cfg.Name, registry.HealthAll, gatherer)
	registerRoutes(srv.GinEngine(), prod, log)

	if err := registry.Register(kc); err != nil {
		return nil, err
	}
	if err := registry.Register(server.NewComponent(srv)); err != nil {
		return nil, err
	}
	return &relay{registry: registry, producer: prod, consumer: cons, server: srv}, nil
}

type buildOptions struct {
	producer  []producer.Option
	consumer  []consumer.Option
	component []kafka.ComponentOption
}

type buildOption func(*buildOptions)

// reportStats logs the writer statistics until ctx is done.
func reportStats(ctx context.Context, p *producer.Producer, log *logger.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := p.Stats()
			log.Info("kafka producer stats", logger.Fields(
				"writes", st.Writes,
				"messages", st.Messages,
				"errors", st.Errors,
				"avg_write_time_ms", st.AvgWriteTime,
			))
		}
	}
}
