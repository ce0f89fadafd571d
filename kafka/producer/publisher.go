package producer

import (
	"context"

	"github.com/kbukum/streamkit/kafka"
)

// Publisher is the publishing surface of a Producer, for callers that only
// hand messages over and for test doubles.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) *Handle
	Close() error
}

var _ Publisher = (*Producer)(nil)

// PublishAndWait publishes payload and blocks until the broker acknowledges
// it or ctx is done.
func PublishAndWait(ctx context.Context, p Publisher, topic string, payload any, opts ...PublishOption) (kafka.DeliveryResult, error) {
	return p.Publish(ctx, topic, payload, opts...).Wait(ctx)
}

// Completed returns a handle already completed with result and err, for
// Publisher implementations that finish synchronously.
func Completed(topic string, result kafka.DeliveryResult, err error) *Handle {
	h := newHandle(newMessageID(), topic, nil, nil)
	h.complete(result, err, nil)
	return h
}
