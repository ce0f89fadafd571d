package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kbukum/streamkit/component"
	"github.com/kbukum/streamkit/logger"
)

// ProducerCloser is satisfied by any producer that can be closed.
type ProducerCloser interface {
	Close() error
}

// ConsumerRunner is satisfied by any consumer that can run a consume loop.
// Consume blocks until ctx is done and then shuts down cooperatively.
type ConsumerRunner interface {
	Consume(ctx context.Context) error
	Close() error
	Topics() []string
}

// Component wraps an injected producer and consumer runners and implements
// component.Component.
type Component struct {
	cfg       Config
	log       *logger.Logger
	check     func(ctx context.Context) error
	producer  ProducerCloser
	consumers []ConsumerRunner
	ctx       context.Context
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

var _ component.Component = (*Component)(nil)
var _ component.Describable = (*Component)(nil)

// ComponentOption configures a Component.
type ComponentOption func(*Component)

// WithHealthCheck replaces the broker ping used by Health.
func WithHealthCheck(check func(ctx context.Context) error) ComponentOption {
	return func(c *Component) { c.check = check }
}

// NewComponent creates a Kafka component for use with the component registry.
func NewComponent(cfg Config, log *logger.Logger, opts ...ComponentOption) *Component {
	c := &Component{
		cfg: cfg,
		log: log.WithComponent("kafka"),
	}
	c.check = func(ctx context.Context) error { return Ping(ctx, &c.cfg) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetProducer injects the producer, closed last on Stop.
func (c *Component) SetProducer(p ProducerCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producer = p
}

// AddConsumer injects a consumer runner. Added while running, it starts at once.
func (c *Component) AddConsumer(cr ConsumerRunner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, cr)
	if c.running {
		c.launch(cr)
	}
}

// Producer returns the underlying ProducerCloser, or nil if not set.
func (c *Component) Producer() ProducerCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}

// Name returns the component name.
func (c *Component) Name() string { return "kafka" }

// Start runs every consumer in its own goroutine.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.ctx, c.cancelFn = context.WithCancel(context.WithoutCancel(ctx))
	for _, cr := range c.consumers {
		c.launch(cr)
	}

	c.running = true
	c.log.Info("kafka component started", logger.Fields("consumers", len(c.consumers)))
	return nil
}

func (c *Component) launch(cr ConsumerRunner) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := cr.Consume(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("kafka consumer stopped with error", logger.Fields(
				"topics", cr.Topics(),
				logger.FieldError, err.Error(),
			))
		}
	}()
}

// Stop shuts consumers down cooperatively, then flushes and closes the
// producer. ctx bounds the wait for consumers.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.log.Info("kafka component stopping")

	c.cancelFn()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("kafka consumers: %w", ctx.Err()))
	}

	for _, cr := range c.consumers {
		if err := cr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.consumers = nil

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka producer: %w", err))
		}
		c.producer = nil
	}

	c.running = false
	return errors.Join(errs...)
}

// Health reports unhealthy until started, then the result of the broker check.
func (c *Component) Health(ctx context.Context) component.Health {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: "kafka not started",
		}
	}
	if err := c.check(ctx); err != nil {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return component.Health{
		Name:   c.Name(),
		Status: component.StatusHealthy,
	}
}

// Describe returns infrastructure summary info for the startup log.
func (c *Component) Describe() component.Description {
	c.mu.Lock()
	defer c.mu.Unlock()

	details := fmt.Sprintf("brokers=%v", c.cfg.Brokers)
	var topics []string
	for _, cr := range c.consumers {
		topics = append(topics, cr.Topics()...)
	}
	if len(topics) > 0 {
		details += " topics=[" + strings.Join(topics, " ") + "]"
	}
	if c.producer != nil {
		details += " producer=yes"
		if c.cfg.Topic != "" {
			details += " default_topic=" + c.cfg.Topic
		}
	}
	return component.Description{
		Name:    "Kafka",
		Type:    "kafka",
		Details: details,
	}
}
