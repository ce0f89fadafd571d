package consumer

import (
	"context"
	"sync"

	"github.com/kbukum/streamkit/kafka"
)

// runner binds a handler to topics and a group to satisfy kafka.ConsumerRunner.
type runner struct {
	consumer *Consumer
	topics   []string
	groupID  string
	handler  Handler

	mu  sync.Mutex
	sub *Subscription
}

// AsRunner creates a kafka.ConsumerRunner suitable for kafka.Component.AddConsumer.
// Empty topics and groupID fall back to the consumer's configuration.
func AsRunner(c *Consumer, topics []string, groupID string, h Handler) kafka.ConsumerRunner {
	if len(topics) == 0 {
		topics = c.cfg.Topics
	}
	return &runner{consumer: c, topics: topics, groupID: groupID, handler: h}
}

func (r *runner) Consume(ctx context.Context) error {
	s, err := r.consumer.Subscribe(context.WithoutCancel(ctx), r.topics, r.groupID, r.handler)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	if err := r.stop(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return ctx.Err()
}

// Close stops a subscription still running, e.g. when Consume was abandoned.
func (r *runner) Close() error {
	return r.stop(context.Background())
}

func (r *runner) stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.sub
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, kafka.ParseDuration(r.consumer.cfg.RebalanceTimeout))
	defer cancel()
	return s.Stop(ctx)
}

func (r *runner) Topics() []string { return r.topics }
