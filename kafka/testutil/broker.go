package testutil

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/kafka"
)

// Broker is an in-memory Kafka stand-in. It serves as the producer's
// kafka.Writer (through NewWriter) and as the consumer's kafka.Backend.
// Topics are created on first use with the default partition count.
type Broker struct {
	mu         sync.Mutex
	partitions int
	balancer   kafkago.Balancer
	topics     map[string][][]kafkago.Message
	groups     map[string]*group
	appended   chan struct{}
	writeErr   func(kafkago.Message) error
	fetchErr   error
	fetchFails int
	members    int
}

var _ kafka.Backend = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithPartitions sets the partition count of auto-created topics.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithBalancer sets how written messages are spread over partitions.
func WithBalancer(bal kafkago.Balancer) Option {
	return func(b *Broker) { b.balancer = bal }
}

// NewBroker creates an empty broker. Topics get one partition and keyed
// messages are placed with murmur2 hashing unless configured otherwise.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		partitions: 1,
		balancer:   &kafkago.Murmur2Balancer{},
		topics:     make(map[string][][]kafkago.Message),
		groups:     make(map[string]*group),
		appended:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateTopic creates topic with n partitions. Existing topics are left as is.
func (b *Broker) CreateTopic(topic string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make([][]kafkago.Message, n)
	}
}

func (b *Broker) topicLocked(topic string) [][]kafkago.Message {
	parts, ok := b.topics[topic]
	if !ok {
		parts = make([][]kafkago.Message, b.partitions)
		b.topics[topic] = parts
	}
	return parts
}

// SetWriteError makes every written message for which fn returns an error
// fail with it. A nil fn restores normal writes.
func (b *Broker) SetWriteError(fn func(kafkago.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = fn
}

// FailFetches makes the next n fetches, on any partition, fail with err.
func (b *Broker) FailFetches(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchFails, b.fetchErr = n, err
}

// Produce appends msgs to topic synchronously and returns the stored
// copies with partition and offset set. It bypasses write error injection,
// so tests can place raw or malformed records.
func (b *Broker) Produce(topic string, msgs ...kafkago.Message) []kafkago.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]kafkago.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, b.appendLocked(topic, m))
	}
	return out
}

func (b *Broker) write(msg kafkago.Message) (kafkago.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		if err := b.writeErr(msg); err != nil {
			return msg, err
		}
	}
	stored := b.appendLocked(msg.Topic, msg)
	msg.Partition, msg.Offset, msg.Time = stored.Partition, stored.Offset, stored.Time
	return msg, nil
}

func (b *Broker) appendLocked(topic string, msg kafkago.Message) kafkago.Message {
	parts := b.topicLocked(topic)
	ids := make([]int, len(parts))
	for i := range ids {
		ids[i] = i
	}
	p := b.balancer.Balance(msg, ids...)

	msg.Topic = topic
	msg.Partition = p
	msg.Offset = int64(len(parts[p]))
	msg.WriterData = nil
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	parts[p] = append(parts[p], msg)

	close(b.appended)
	b.appended = make(chan struct{})
	return msg
}

// Messages returns all stored messages of topic, partition by partition.
func (b *Broker) Messages(topic string) []kafkago.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafkago.Message
	for _, p := range b.topics[topic] {
		out = append(out, p...)
	}
	return out
}

// PartitionMessages returns the stored messages of one partition.
func (b *Broker) PartitionMessages(topic string, partition int) []kafkago.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.topics[topic]
	if partition < 0 || partition >= len(parts) {
		return nil
	}
	return slices.Clone(parts[partition])
}

// Writer is an asynchronous kafka.Writer on a Broker. Messages are stored
// and completed in write order by a single goroutine.
type Writer struct {
	broker     *Broker
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []kafkago.Message
	paused     bool
	closed     bool
	completion func([]kafkago.Message, error)
	done       chan struct{}
	stats      kafkago.WriterStats
}

var _ kafka.Writer = (*Writer)(nil)

// NewWriter starts a writer on the broker.
func (b *Broker) NewWriter() *Writer {
	w := &Writer{broker: b, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// SetCompletion implements kafka.Writer.
func (w *Writer) SetCompletion(fn func([]kafkago.Message, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completion = fn
}

// WriteMessages enqueues msgs. It fails only when ctx is done or the
// writer is closed; write failures are reported to the completion function.
func (w *Writer) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	w.queue = append(w.queue, msgs...)
	w.cond.Signal()
	return nil
}

// Pause holds enqueued messages until Resume or Close.
func (w *Writer) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

// Resume releases held messages.
func (w *Writer) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.cond.Signal()
}

// Close flushes every enqueued message, then stops the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.paused = false
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
	return nil
}

// Stats returns write counters in kafka-go form.
func (w *Writer) Stats() kafkago.WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for w.paused || (len(w.queue) == 0 && !w.closed) {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		fn := w.completion
		w.mu.Unlock()

		results := make([]kafkago.Message, len(batch))
		errs := make(kafkago.WriteErrors, len(batch))
		failed := int64(0)
		for i, m := range batch {
			results[i], errs[i] = w.broker.write(m)
			if errs[i] != nil {
				failed++
			}
		}

		w.mu.Lock()
		w.stats.Writes++
		w.stats.Messages += int64(len(batch))
		w.stats.Errors += failed
		w.mu.Unlock()

		var err error
		if failed > 0 {
			err = errs
		}
		if fn != nil {
			fn(results, err)
		}
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s: %s", timeout, fmt.Sprintf(format, args...))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
