package producer

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/streamkit/kafka"
)

// Option configures a Producer.
type Option func(*Producer)

// WithWriter replaces the kafka-go writer, e.g. with an in-memory broker.
func WithWriter(w kafka.Writer) Option {
	return func(p *Producer) { p.writer = w }
}

// WithObserver registers an observer for every publish outcome.
func WithObserver(o Observer) Option {
	return func(p *Producer) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithMetrics records publish metrics.
func WithMetrics(m *kafka.Metrics) Option {
	return func(p *Producer) { p.metrics = m }
}

// WithTracer sets the provider of producer spans. Defaults to the global provider.
func WithTracer(tp trace.TracerProvider) Option {
	return func(p *Producer) { p.tracer = tp.Tracer(tracerName) }
}

// PublishOption configures one Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	key     []byte
	headers map[string]string
}

// WithKey sets the partition key. Messages sharing a key keep their order.
func WithKey(key []byte) PublishOption {
	return func(o *publishOptions) { o.key = key }
}

// WithStringKey sets the partition key from a string.
func WithStringKey(key string) PublishOption {
	return func(o *publishOptions) {
		if key != "" {
			o.key = []byte(key)
		}
	}
}

// WithHeaders adds application headers. Reserved streamkit.* names are ignored.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) { o.headers = h }
}
