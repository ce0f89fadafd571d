package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/observability"
)

// HeaderCarrier adapts envelope headers to an OpenTelemetry carrier.
type HeaderCarrier codec.Headers

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

func (c HeaderCarrier) Get(key string) string { return codec.Headers(c).Get(key) }

func (c HeaderCarrier) Set(key, value string) { codec.Headers(c).Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTrace writes the span context of ctx into h.
func InjectTrace(ctx context.Context, h codec.Headers) {
	if h == nil {
		return
	}
	observability.Propagator().Inject(ctx, HeaderCarrier(h))
}

// ExtractTrace returns ctx carrying the remote span context found in h.
func ExtractTrace(ctx context.Context, h codec.Headers) context.Context {
	return observability.Propagator().Extract(ctx, HeaderCarrier(h))
}

// SpanAttributes describes a message for producer and consumer spans.
func SpanAttributes(topic, messageID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKey.String("kafka"),
		semconv.MessagingDestinationName(topic),
	}
	if messageID != "" {
		attrs = append(attrs, attribute.String("messaging.message.id", messageID))
	}
	return attrs
}

// DeliveryAttributes describes where a message is stored.
func DeliveryAttributes(r DeliveryResult) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("messaging.kafka.destination.partition", r.Partition),
		attribute.Int64("messaging.kafka.message.offset", r.Offset),
	}
}
