package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/logger"
	"github.com/kbukum/streamkit/observability"
)

const (
	fetchBackoffStep = time.Second
	fetchBackoffMax  = 30 * time.Second
)

// Subscription is one group membership with its partition loops.
type Subscription struct {
	c       *Consumer
	ctx     context.Context
	topics  []string
	groupID string
	handler Handler
	group   kafka.Group
	log     *logger.Logger

	// stopCtx ends fetching; nextCtx ends waiting for generations.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	nextCtx    context.Context
	nextCancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	loops    sync.WaitGroup
	active   map[*partitionLoop]kafka.PartitionReader
	done     chan struct{}
}

func newSubscription(ctx context.Context, c *Consumer, topics []string, groupID string, h Handler, group kafka.Group) *Subscription {
	s := &Subscription{
		c:       c,
		ctx:     ctx,
		topics:  topics,
		groupID: groupID,
		handler: h,
		group:   group,
		log:     c.log.WithFields(logger.Fields(logger.FieldGroupID, groupID)),
		active:  make(map[*partitionLoop]kafka.PartitionReader),
		done:    make(chan struct{}),
	}
	s.stopCtx, s.stopCancel = context.WithCancel(ctx)
	s.nextCtx, s.nextCancel = context.WithCancel(ctx)
	return s
}

// Topics returns the subscribed topics.
func (s *Subscription) Topics() []string { return s.topics }

// GroupID returns the consumer group.
func (s *Subscription) GroupID() string { return s.groupID }

// Done is closed once the subscription has left its group.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Stop shuts the subscription down cooperatively: partition loops stop
// fetching, the in-flight handler runs to completion, processed offsets are
// committed, then the group is left. ctx bounds the wait only.
func (s *Subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	first := !s.stopping
	s.stopping = true
	s.mu.Unlock()
	if first {
		s.log.Info("consumer: stopping", logger.Fields("topics", s.topics))
		s.stopCancel()
	}

	loopsDone := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.groupID, ctx.Err())
	}

	s.nextCancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.groupID, ctx.Err())
	}
}

// run drives the group: for every generation it starts one loop per
// assigned partition. It returns when Next fails for good.
func (s *Subscription) run() {
	defer close(s.done)
	defer s.c.forget(s)
	defer func() {
		if err := s.group.Close(); err != nil {
			s.log.Warn("consumer: leave group failed", logger.Fields(logger.FieldError, err.Error()))
		}
		s.log.Info("consumer: left group")
	}()

	failures := 0
	for {
		gen, err := s.group.Next(s.nextCtx)
		if err != nil {
			if s.nextCtx.Err() != nil || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			failures++
			s.log.Error("consumer: join generation failed", logger.Fields(
				logger.FieldError, err.Error(),
				"failures", failures,
			))
			if !sleep(s.nextCtx, s.c.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		assignments := gen.Assignments()
		n := 0
		for _, parts := range assignments {
			n += len(parts)
		}
		s.c.metrics.GenerationJoined(s.ctx, s.groupID, n)
		s.log.Info("consumer: generation assigned", logger.Fields(
			"generation", gen.ID(),
			"partitions", n,
		))

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		s.loops.Add(n)
		s.mu.Unlock()

		for topic, parts := range assignments {
			for _, a := range parts {
				l := newPartitionLoop(s, gen, topic, a)
				gen.Start(func(genCtx context.Context) {
					defer s.loops.Done()
					l.run(genCtx)
				})
			}
		}
	}
}

func (s *Subscription) track(l *partitionLoop, r kafka.PartitionReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[l] = r
}

func (s *Subscription) untrack(l *partitionLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, l)
}

func (s *Subscription) readers() []kafka.PartitionReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kafka.PartitionReader, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	return out
}

// process decodes and handles one message. Every failure is logged and
// counted; none of them stops the partition.
func (s *Subscription) process(msg kafkago.Message) {
	start := time.Now()
	env := kafka.EnvelopeOf(msg)
	messageID := env.Headers.Get(codec.HeaderMessageID)
	fields := func() map[string]interface{} {
		return logger.Fields(
			logger.FieldTopic, msg.Topic,
			logger.FieldPartition, msg.Partition,
			logger.FieldOffset, msg.Offset,
			logger.FieldKey, string(msg.Key),
			logger.FieldType, env.TypeName(),
			logger.FieldMessageID, messageID,
		)
	}

	if env.IsTombstone() {
		s.log.Debug("consumer: tombstone skipped", fields())
		s.c.metrics.MessageConsumed(s.ctx, msg.Topic, kafka.StatusSkipped, time.Since(start))
		return
	}

	ctx := kafka.ExtractTrace(s.ctx, env.Headers)
	delivery := kafka.DeliveryResult{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
	ctx, span := s.c.tracer.Start(ctx, msg.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(kafka.SpanAttributes(msg.Topic, messageID)...),
		trace.WithAttributes(kafka.DeliveryAttributes(delivery)...),
	)
	defer span.End()

	payload, err := s.c.codec.Decode(env, s.c.policy)
	if err != nil {
		observability.SetSpanError(span, err)
		s.log.Error("consumer: decode failed", logger.MergeWithError(fields(), err))
		s.c.metrics.MessageConsumed(s.ctx, msg.Topic, kafka.StatusDecodeError, time.Since(start))
		return
	}

	ctx = withDelivery(ctx, Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Time:      msg.Time,
		MessageID: messageID,
		GroupID:   s.groupID,
	})
	if err := s.invoke(ctx, payload, env.Headers); err != nil {
		observability.SetSpanError(span, err)
		s.log.Error("consumer: handler failed", logger.MergeWithError(fields(), err))
		s.c.metrics.MessageConsumed(s.ctx, msg.Topic, kafka.StatusHandlerError, time.Since(start))
		return
	}
	s.c.metrics.MessageConsumed(s.ctx, msg.Topic, kafka.StatusSuccess, time.Since(start))
}

func (s *Subscription) invoke(ctx context.Context, payload any, headers codec.Headers) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return s.handler(ctx, payload, headers)
}

// partitionLoop owns one assigned partition for one generation.
type partitionLoop struct {
	s          *Subscription
	gen        kafka.Generation
	topic      string
	partition  int
	start      int64
	log        *logger.Logger
	next       int64
	committed  int64
	lastCommit time.Time
	failures   int
}

func newPartitionLoop(s *Subscription, gen kafka.Generation, topic string, a kafka.Assignment) *partitionLoop {
	return &partitionLoop{
		s:         s,
		gen:       gen,
		topic:     topic,
		partition: a.Partition,
		start:     a.Offset,
		log: s.log.WithFields(logger.Fields(
			logger.FieldTopic, topic,
			logger.FieldPartition, a.Partition,
		)),
		next:      -1,
		committed: -1,
	}
}

// run fetches until the generation ends or the subscription stops, then
// commits what was processed. A handler in flight is never interrupted.
func (l *partitionLoop) run(genCtx context.Context) {
	s := l.s
	if genCtx.Err() != nil || s.stopCtx.Err() != nil {
		return
	}

	reader, err := s.c.backend.OpenPartition(l.topic, l.partition, l.start)
	if err != nil {
		l.log.Error("consumer: open partition failed", logger.Fields(logger.FieldError, err.Error()))
		// keep the assignment until it is revoked
		select {
		case <-genCtx.Done():
		case <-s.stopCtx.Done():
		}
		return
	}
	s.track(l, reader)
	defer func() {
		s.untrack(l)
		_ = reader.Close()
	}()
	defer l.commit()

	l.lastCommit = time.Now()
	policy := s.c.cfg.CommitPolicy
	for {
		if genCtx.Err() != nil || s.stopCtx.Err() != nil {
			return
		}

		msg, timedOut, err := l.fetch(genCtx, reader)
		if err != nil {
			if genCtx.Err() != nil || s.stopCtx.Err() != nil {
				return
			}
			if timedOut {
				l.maybeCommit()
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			l.fetchFailed(genCtx, err)
			continue
		}
		l.failures = 0

		s.process(msg)
		l.next = msg.Offset + 1
		if policy == kafka.CommitAfterHandler {
			l.commit()
		} else {
			l.maybeCommit()
		}
	}
}

// fetch waits at most one poll timeout for the next message. Stop cancels
// a pending fetch; it never reaches a running handler.
func (l *partitionLoop) fetch(genCtx context.Context, r kafka.PartitionReader) (kafkago.Message, bool, error) {
	ctx, cancel := context.WithTimeout(genCtx, l.s.c.cfg.PollTimeoutDuration())
	defer cancel()
	stop := context.AfterFunc(l.s.stopCtx, cancel)
	defer stop()

	msg, err := r.FetchMessage(ctx)
	if err != nil {
		return msg, errors.Is(ctx.Err(), context.DeadlineExceeded) && genCtx.Err() == nil, err
	}
	return msg, false, nil
}

func (l *partitionLoop) fetchFailed(genCtx context.Context, err error) {
	l.failures++
	l.s.c.metrics.FetchFailed(l.s.ctx, l.topic)
	if l.failures <= 3 {
		l.log.Error("consumer: fetch failed", logger.Fields(
			logger.FieldError, err.Error(),
			"failures", l.failures,
		))
	}

	wait, cancel := context.WithCancel(genCtx)
	defer cancel()
	stop := context.AfterFunc(l.s.stopCtx, cancel)
	defer stop()
	sleep(wait, l.s.c.backoff(l.failures))
}

func (l *partitionLoop) maybeCommit() {
	if time.Since(l.lastCommit) >= l.s.c.cfg.CommitIntervalDuration() {
		l.commit()
	}
}

// commit stores the offset after the last processed message.
func (l *partitionLoop) commit() {
	if l.next <= l.committed {
		return
	}
	offsets := map[string]map[int]int64{l.topic: {l.partition: l.next}}
	err := l.gen.CommitOffsets(offsets)
	l.s.c.metrics.Committed(l.s.ctx, l.s.groupID, offsets, err)
	if err != nil {
		l.log.Warn("consumer: commit failed", logger.Fields(
			logger.FieldOffset, l.next,
			logger.FieldError, err.Error(),
		))
		return
	}
	l.committed = l.next
	l.lastCommit = time.Now()
}

// backoff grows linearly with consecutive failures, capped at 30 steps.
func (c *Consumer) backoff(failures int) time.Duration {
	d := time.Duration(failures) * c.backoffStep
	if limit := fetchBackoffMax / fetchBackoffStep * c.backoffStep; d > limit {
		d = limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
