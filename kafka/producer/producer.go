package producer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/logger"
	"github.com/kbukum/streamkit/observability"
)

const tracerName = "github.com/kbukum/streamkit/kafka/producer"

// Producer publishes typed payloads asynchronously. Publish never blocks on
// the broker; every call yields a Handle that completes exactly once.
//
// Publish only encodes and queues. A single writer goroutine drains the
// queue into the transport, which may fetch metadata before accepting a
// message.
type Producer struct {
	cfg       kafka.Config
	codec     *codec.Codec
	log       *logger.Logger
	writer    kafka.Writer
	metrics   *kafka.Metrics
	tracer    trace.Tracer
	observers []Observer

	queue   chan kafkago.Message
	drained chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	obsMu    sync.RWMutex
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	pendMu   sync.Mutex
	pending  map[*Handle]struct{}
}

// New creates a producer. Without WithWriter it builds an asynchronous
// kafka-go writer from cfg.
func New(cfg kafka.Config, c *codec.Codec, log *logger.Logger, opts ...Option) (*Producer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	if !cfg.Enabled {
		return nil, errors.New("kafka is disabled")
	}
	if c == nil {
		return nil, errors.New("kafka producer: nil codec")
	}

	p := &Producer{
		cfg:     cfg,
		codec:   c,
		log:     log.WithComponent("kafka.producer"),
		tracer:  observability.Tracer(tracerName),
		pending: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.writer == nil {
		w, err := kafka.NewWriter(&p.cfg, p.log)
		if err != nil {
			return nil, fmt.Errorf("kafka producer transport: %w", err)
		}
		p.writer = w
	}
	p.writer.SetCompletion(p.onCompletion)

	p.queue = make(chan kafkago.Message, p.cfg.QueueSize)
	p.drained = make(chan struct{})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.drain()

	p.log.Info("kafka producer initialized", logger.Fields(
		"brokers", p.cfg.Brokers,
		"default_topic", p.cfg.Topic,
		"compression", p.cfg.Compression,
		"balancer", p.cfg.Balancer,
	))
	return p, nil
}

// OnResult registers an observer for every publish outcome.
func (p *Producer) OnResult(o Observer) {
	if o == nil {
		return
	}
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Publish encodes payload and enqueues it for topic, or for the configured
// default topic when topic is empty. Failures complete the returned handle
// instead of being returned.
func (p *Producer) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) *Handle {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	if topic == "" {
		topic = p.cfg.Topic
	}

	h := newHandle(newMessageID(), topic, po.key, payload)
	ctx, h.span = p.tracer.Start(ctx, spanName(topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(kafka.SpanAttributes(topic, h.messageID)...),
	)

	if topic == "" {
		p.finish(h, kafka.DeliveryResult{}, apperrors.InvalidInput("topic", "no topic given and no default topic configured"))
		return h
	}

	env, err := p.codec.Encode(payload)
	if err != nil {
		p.finish(h, kafka.DeliveryResult{}, err)
		return h
	}
	env.Key = po.key
	env.WithHeaders(po.headers)
	env.Headers.Set(codec.HeaderMessageID, h.messageID)
	env.Headers.Set(codec.HeaderPublishedAt, h.started.UTC().Format(time.RFC3339Nano))
	kafka.InjectTrace(ctx, env.Headers)

	msg := kafka.NewMessage(topic, env)
	msg.WriterData = h

	if err := p.enqueue(h, msg); err != nil {
		p.finish(h, kafka.DeliveryResult{}, err)
	}
	return h
}

// enqueue queues msg for the writer goroutine. It holds the read lock so
// Close cannot close the queue underneath it, and never waits for space.
func (p *Producer) enqueue(h *Handle, msg kafkago.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return unavailable("producer is closed")
	}

	h.enqueued = true
	p.track(h)
	p.metrics.PublishStarted(p.ctx)
	select {
	case p.queue <- msg:
		return nil
	default:
		p.untrack(h)
		return unavailable("publish queue is full").WithDetail("queue_size", p.cfg.QueueSize)
	}
}

// drain hands queued messages to the writer in publish order. It exits
// once Close has closed the queue and every queued message was handed
// over or failed.
func (p *Producer) drain() {
	defer close(p.drained)
	for msg := range p.queue {
		h, _ := msg.WriterData.(*Handle)
		if p.ctx.Err() != nil {
			p.fail(h, unavailable("closed before acknowledgement"))
			continue
		}
		if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
			if p.ctx.Err() != nil {
				p.fail(h, unavailable("closed before acknowledgement"))
				continue
			}
			p.fail(h, kafka.FromKafka(err, msg.Topic))
		}
	}
}

// fail completes a queued handle that never reached the writer.
func (p *Producer) fail(h *Handle, err error) {
	if h != nil {
		p.settle(h, kafka.DeliveryResult{}, err)
	}
}

func unavailable(reason string) *apperrors.AppError {
	return apperrors.ServiceUnavailable("kafka producer").WithDetail("reason", reason)
}

// onCompletion receives acknowledged or failed messages from the writer.
// In async mode a per-message error arrives as kafkago.WriteErrors.
func (p *Producer) onCompletion(messages []kafkago.Message, err error) {
	var writeErrs kafkago.WriteErrors
	perMessage := errors.As(err, &writeErrs) && len(writeErrs) == len(messages)

	for i, msg := range messages {
		h, ok := msg.WriterData.(*Handle)
		if !ok {
			continue
		}
		msgErr := err
		if perMessage {
			msgErr = writeErrs[i]
		}
		if msgErr != nil {
			p.settle(h, kafka.DeliveryResult{}, kafka.FromKafka(msgErr, msg.Topic))
			continue
		}
		p.settle(h, kafka.DeliveryFromMessage(msg), nil)
	}
}

// finish completes h once: metrics, span, observers, then waiters.
func (p *Producer) finish(h *Handle, result kafka.DeliveryResult, err error) {
	h.complete(result, err, func() {
		p.metrics.PublishCompleted(p.ctx, h.topic, err, time.Since(h.started), h.enqueued)
		if h.span != nil {
			if err != nil {
				observability.SetSpanError(h.span, err)
			} else {
				h.span.SetAttributes(kafka.DeliveryAttributes(result)...)
			}
			h.span.End()
		}

		out := Outcome{
			MessageID: h.messageID,
			Topic:     h.topic,
			Key:       h.key,
			Payload:   h.payload,
			Result:    result,
			Err:       err,
		}
		p.obsMu.RLock()
		observers := p.observers
		p.obsMu.RUnlock()
		for _, o := range observers {
			p.notify(o, out)
		}
	})
}

func (p *Producer) notify(o Observer, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("producer: observer panicked", logger.Fields(
				logger.FieldMessageID, out.MessageID,
				logger.FieldTopic, out.Topic,
				"panic", fmt.Sprint(r),
			))
		}
	}()
	o(out)
}

func (p *Producer) track(h *Handle) {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	p.pending[h] = struct{}{}
	p.inflight.Add(1)
}

// claim removes h from the pending set and reports whether it was still
// there. Only the claiming path completes h.
func (p *Producer) claim(h *Handle) bool {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	if _, ok := p.pending[h]; !ok {
		return false
	}
	delete(p.pending, h)
	return true
}

// untrack drops h without completing it; the caller does.
func (p *Producer) untrack(h *Handle) {
	if p.claim(h) {
		p.inflight.Done()
	}
}

// settle completes a pending h. Close observes the completion only after
// it happened.
func (p *Producer) settle(h *Handle, result kafka.DeliveryResult, err error) {
	if !p.claim(h) {
		return
	}
	defer p.inflight.Done()
	p.finish(h, result, err)
}

// Stats returns writer statistics when the writer exposes them.
func (p *Producer) Stats() kafka.WriterMetrics {
	if s, ok := p.writer.(interface{ Stats() kafkago.WriterStats }); ok {
		return kafka.CollectWriterMetrics(s.Stats())
	}
	return kafka.WriterMetrics{}
}

// Close stops accepting publishes, drains the queue into the writer,
// flushes the writer and waits for the outstanding completions. Messages
// not acknowledged within the write timeout fail with SERVICE_UNAVAILABLE.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.log.Info("kafka producer closing", logger.Fields("queued", len(p.queue)))
	deadline := time.NewTimer(kafka.ParseDuration(p.cfg.WriteTimeout))
	defer deadline.Stop()
	defer p.cancel()

	select {
	case <-p.drained:
	case <-deadline.C:
		p.cancel()
		<-p.drained
	}
	err := p.writer.Close()

	idle := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-deadline.C:
		p.failPending(unavailable("closed before acknowledgement"))
		<-idle
	case <-p.ctx.Done():
		p.failPending(unavailable("closed before acknowledgement"))
		<-idle
	}
	return err
}

func (p *Producer) failPending(err error) {
	p.pendMu.Lock()
	handles := make([]*Handle, 0, len(p.pending))
	for h := range p.pending {
		handles = append(handles, h)
	}
	p.pendMu.Unlock()

	for _, h := range handles {
		p.settle(h, kafka.DeliveryResult{}, err)
	}
}

func spanName(topic string) string {
	if topic == "" {
		return "publish"
	}
	return topic + " publish"
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newMessageID returns a time-sortable ULID.
func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
