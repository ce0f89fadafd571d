package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/kbukum/streamkit/errors"
)

// WriterMetrics contains structured publisher metrics.
type WriterMetrics struct {
	Writes       int64   `json:"writes"`
	Messages     int64   `json:"messages"`
	Bytes        int64   `json:"bytes"`
	Errors       int64   `json:"errors"`
	Retries      int64   `json:"retries"`
	AvgWriteTime float64 `json:"avg_write_time_ms"`
	MaxWriteTime float64 `json:"max_write_time_ms"`
	Topic        string  `json:"topic,omitempty"`
}

// ReaderMetrics contains structured consumer metrics for one partition reader.
type ReaderMetrics struct {
	Dials      int64  `json:"dials"`
	Fetches    int64  `json:"fetches"`
	Messages   int64  `json:"messages"`
	Bytes      int64  `json:"bytes"`
	Errors     int64  `json:"errors"`
	Rebalances int64  `json:"rebalances"`
	Offset     int64  `json:"offset"`
	Lag        int64  `json:"lag"`
	Topic      string `json:"topic"`
	Partition  string `json:"partition"`
}

// CollectWriterMetrics extracts structured metrics from kafka.WriterStats.
func CollectWriterMetrics(stats kafkago.WriterStats) WriterMetrics {
	return WriterMetrics{
		Writes:       stats.Writes,
		Messages:     stats.Messages,
		Bytes:        stats.Bytes,
		Errors:       stats.Errors,
		Retries:      stats.Retries,
		AvgWriteTime: float64(stats.WriteTime.Avg) / 1e6,
		MaxWriteTime: float64(stats.WriteTime.Max) / 1e6,
		Topic:        stats.Topic,
	}
}

// CollectReaderMetrics extracts structured metrics from kafka.ReaderStats.
func CollectReaderMetrics(stats kafkago.ReaderStats) ReaderMetrics {
	return ReaderMetrics{
		Dials:      stats.Dials,
		Fetches:    stats.Fetches,
		Messages:   stats.Messages,
		Bytes:      stats.Bytes,
		Errors:     stats.Errors,
		Rebalances: stats.Rebalances,
		Offset:     stats.Offset,
		Lag:        stats.Lag,
		Topic:      stats.Topic,
		Partition:  stats.Partition,
	}
}

// MeterName is the instrumentation scope of the Kafka instruments.
const MeterName = "github.com/kbukum/streamkit/kafka"

// Status attribute values.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusDecodeError  = "decode_error"
	StatusHandlerError = "handler_error"
	StatusSkipped      = "skipped"
)

// Instrument names. The Prometheus exporter serves them with dots replaced
// by underscores and a _total suffix on counters.
const (
	MetricPublished        = "streamkit.producer.messages"
	MetricDeliveryDuration = "streamkit.producer.delivery.duration"
	MetricInFlight         = "streamkit.producer.in_flight"
	MetricConsumed         = "streamkit.consumer.messages"
	MetricHandlerDuration  = "streamkit.consumer.handler.duration"
	MetricFetchErrors      = "streamkit.consumer.fetch_errors"
	MetricCommits          = "streamkit.consumer.commits"
	MetricLastCommitted    = "streamkit.consumer.last_committed_offset"
	MetricAssigned         = "streamkit.consumer.assigned_partitions"
	MetricGenerations      = "streamkit.consumer.generations"
)

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds the OpenTelemetry instruments for the producer and consumer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	published        metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	inFlight         metric.Int64UpDownCounter

	consumed        metric.Int64Counter
	handlerDuration metric.Float64Histogram
	fetchErrors     metric.Int64Counter
	commits         metric.Int64Counter
	lastCommitted   metric.Int64Gauge
	assigned        metric.Int64Gauge
	generations     metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		)
		errs = append(errs, err)
		return h
	}

	inFlight, err := meter.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Messages accepted by Publish and not yet completed"))
	errs = append(errs, err)

	m := &Metrics{
		published:        counter(MetricPublished, "Messages published by topic, status and error code"),
		deliveryDuration: histogram(MetricDeliveryDuration, "Time from Publish to broker acknowledgement"),
		inFlight:         inFlight,
		consumed:         counter(MetricConsumed, "Messages consumed by topic and status"),
		handlerDuration:  histogram(MetricHandlerDuration, "Handler execution time"),
		fetchErrors:      counter(MetricFetchErrors, "Failed fetches by topic"),
		commits:          counter(MetricCommits, "Offset commits by group and status"),
		lastCommitted:    gauge(MetricLastCommitted, "Last committed offset by topic and partition"),
		assigned:         gauge(MetricAssigned, "Partitions owned by this process in the current generation"),
		generations:      counter(MetricGenerations, "Consumer group generations joined by group"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating kafka instruments: %w", err)
	}
	return m, nil
}

// PublishStarted records a message accepted for delivery.
func (m *Metrics) PublishStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, 1)
}

// PublishCompleted records a delivery outcome. enqueued is false when the
// message was never accepted (serialization failure, closed producer).
func (m *Metrics) PublishCompleted(ctx context.Context, topic string, err error, elapsed time.Duration, enqueued bool) {
	if m == nil {
		return
	}
	if enqueued {
		m.inFlight.Add(ctx, -1)
		m.deliveryDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("topic", topic)))
	}
	status, code := StatusSuccess, ""
	if err != nil {
		status, code = StatusError, string(apperrors.CodeOf(err))
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
		attribute.String("code", code),
	))
}

// MessageConsumed records one consumed message with its status.
func (m *Metrics) MessageConsumed(ctx context.Context, topic, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	))
	if status == StatusSuccess || status == StatusHandlerError {
		m.handlerDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("topic", topic)))
	}
}

// FetchFailed records a failed fetch.
func (m *Metrics) FetchFailed(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.fetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// Committed records a commit attempt and, on success, the committed offsets.
func (m *Metrics) Committed(ctx context.Context, group string, offsets map[string]map[int]int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.commits.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("status", StatusError),
		))
		return
	}
	m.commits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("status", StatusSuccess),
	))
	for topic, parts := range offsets {
		for partition, offset := range parts {
			m.lastCommitted.Record(ctx, offset, metric.WithAttributes(
				attribute.String("topic", topic),
				attribute.Int("partition", partition),
			))
		}
	}
}

// GenerationJoined records a new group generation with n assigned partitions.
func (m *Metrics) GenerationJoined(ctx context.Context, group string, n int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("group", group))
	m.generations.Add(ctx, 1, attrs)
	m.assigned.Record(ctx, int64(n), attrs)
}
