package consumer

import (
	"context"
	"fmt"
	"reflect"
	"time"

	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/logger"
)

// Handler processes one decoded payload. A returned error, or a panic, is
// logged and the partition moves on to the next message.
type Handler func(ctx context.Context, payload any, headers codec.Headers) error

// Typed adapts a handler for payloads of type T. A payload of another type
// is a handler error.
func Typed[T any](fn func(ctx context.Context, payload T, headers codec.Headers) error) Handler {
	return func(ctx context.Context, payload any, headers codec.Headers) error {
		v, ok := payload.(T)
		if !ok {
			return apperrors.InvalidInput("payload",
				fmt.Sprintf("got %T, handler expects %s", payload, reflect.TypeFor[T]()))
		}
		return fn(ctx, v, headers)
	}
}

// Delivery identifies the message being handled.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Time      time.Time
	MessageID string
	GroupID   string
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery of the message a handler is processing.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// LogMessages returns a handler that logs every payload with its headers.
func LogMessages(log *logger.Logger) Handler {
	return func(ctx context.Context, payload any, headers codec.Headers) error {
		fields := logger.Fields(
			logger.FieldMessage, fmt.Sprint(payload),
			logger.FieldHeaders, headers.Strings(),
		)
		if d, ok := DeliveryFromContext(ctx); ok {
			fields[logger.FieldTopic] = d.Topic
			fields[logger.FieldPartition] = d.Partition
			fields[logger.FieldOffset] = d.Offset
		}
		log.Info("consumer: success", fields)
		return nil
	}
}
