package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/logger"
	"github.com/kbukum/streamkit/observability"
)

const tracerName = "github.com/kbukum/streamkit/kafka/consumer"

var errClosed = errors.New("kafka consumer is closed")

// Consumer subscribes handlers to topics under consumer groups. Each
// assigned partition is processed by its own loop.
type Consumer struct {
	cfg     kafka.Config
	codec   *codec.Codec
	log     *logger.Logger
	backend kafka.Backend
	policy  codec.TrustPolicy
	metrics *kafka.Metrics
	tracer  trace.Tracer

	backoffStep time.Duration

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithBackend replaces the kafka-go group transport, e.g. with an in-memory broker.
func WithBackend(b kafka.Backend) Option {
	return func(c *Consumer) { c.backend = b }
}

// WithTrustPolicy overrides the policy built from trusted_namespaces.
func WithTrustPolicy(p codec.TrustPolicy) Option {
	return func(c *Consumer) { c.policy = p }
}

// WithMetrics records consumer metrics.
func WithMetrics(m *kafka.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithTracer sets the provider of consumer spans. Defaults to the global provider.
func WithTracer(tp trace.TracerProvider) Option {
	return func(c *Consumer) { c.tracer = tp.Tracer(tracerName) }
}

// New creates a consumer. Without WithTrustPolicy, only the namespaces
// listed in cfg.TrustedNamespaces are decoded, or, when none are listed,
// the namespaces of types registered on c.
func New(cfg kafka.Config, c *codec.Codec, log *logger.Logger, opts ...Option) (*Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer config: %w", err)
	}
	if !cfg.Enabled {
		return nil, errors.New("kafka is disabled")
	}
	if c == nil {
		return nil, errors.New("kafka consumer: nil codec")
	}

	cons := &Consumer{
		cfg:    cfg,
		codec:  c,
		log:    log.WithComponent("kafka.consumer"),
		tracer: observability.Tracer(tracerName),
		subs:   make(map[*Subscription]struct{}),

		backoffStep: fetchBackoffStep,
	}
	for _, opt := range opts {
		opt(cons)
	}
	if cons.policy == nil {
		cons.policy = codec.ParseTrustPolicy(cfg.TrustedNamespaces, c)
	}
	if cons.backend == nil {
		b, err := kafka.NewGroupBackend(&cons.cfg, cons.log)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer dialer: %w", err)
		}
		cons.backend = b
	}

	cons.log.Info("kafka consumer initialized", logger.Fields(
		"brokers", cfg.Brokers,
		"commit_policy", cfg.CommitPolicy,
		"poll_timeout", cfg.PollTimeout,
	))
	return cons, nil
}

// Subscribe joins groupID for topics and starts processing in the
// background. ctx bounds the subscription and is the parent of handler
// contexts; use Subscription.Stop for a cooperative shutdown. Empty topics
// and groupID fall back to the configured ones.
func (c *Consumer) Subscribe(ctx context.Context, topics []string, groupID string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("kafka consumer: nil handler")
	}
	if len(topics) == 0 {
		topics = c.cfg.Topics
	}
	if groupID == "" {
		groupID = c.cfg.GroupID
	}
	if len(topics) == 0 || groupID == "" {
		return nil, errors.New("kafka consumer: topics and group id are required")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	group, err := c.backend.JoinGroup(ctx, groupID, topics)
	if err != nil {
		return nil, kafka.FromKafka(err, topics[0])
	}

	// Close may have run while joining; it only stops subscriptions it can see.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := group.Close(); err != nil {
			c.log.Warn("consumer: leave group failed", logger.Fields(logger.FieldGroupID, groupID, logger.FieldError, err.Error()))
		}
		return nil, errClosed
	}
	s := newSubscription(ctx, c, slices.Clone(topics), groupID, h, group)
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	c.log.Info("kafka consumer subscribed", logger.Fields(
		"topics", topics,
		logger.FieldGroupID, groupID,
	))
	go s.run()
	return s, nil
}

// Consume subscribes and blocks until ctx is done, then stops the
// subscription cooperatively: the in-flight handler finishes with an
// uncancelled context and processed offsets are committed.
func (c *Consumer) Consume(ctx context.Context, topics []string, groupID string, h Handler) error {
	return AsRunner(c, topics, groupID, h).Consume(ctx)
}

func (c *Consumer) forget(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, s)
}

// Stats returns per-partition reader statistics of every active loop.
func (c *Consumer) Stats() []kafka.ReaderMetrics {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var out []kafka.ReaderMetrics
	for _, s := range subs {
		for _, r := range s.readers() {
			if st, ok := r.(interface{ Stats() kafkago.ReaderStats }); ok {
				out = append(out, kafka.CollectReaderMetrics(st.Stats()))
			}
		}
	}
	return out
}

// Close stops every subscription and waits for them within ctx.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.log.Info("kafka consumer closing", logger.Fields("subscriptions", len(subs)))
	var errs []error
	for _, s := range subs {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
