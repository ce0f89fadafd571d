package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/kafka/codec"
	"github.com/kbukum/streamkit/kafka/message"
	"github.com/kbukum/streamkit/kafka/testutil"
	"github.com/kbukum/streamkit/logger"
)

func testConfig() kafka.Config {
	return kafka.Config{
		Enabled: true,
		Brokers: []string{"localhost:9092"},
		Topic:   "orders",
	}
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c := codec.New()
	if err := codec.Register[message.Message](c); err != nil {
		t.Fatal(err)
	}
	return c
}

type fixture struct {
	broker   *testutil.Broker
	writer   *testutil.Writer
	codec    *codec.Codec
	producer *Producer
}

func newFixture(t *testing.T, cfg kafka.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{broker: testutil.NewBroker(testutil.WithPartitions(4)), codec: testCodec(t)}
	f.writer = f.broker.NewWriter()
	p, err := New(cfg, f.codec, logger.NewNop(), append([]Option{WithWriter(f.writer)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.producer = p
	t.Cleanup(func() { _ = p.Close() })
	return f
}

func wait(t *testing.T, h *Handle) (kafka.DeliveryResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatalf("handle %s did not complete", h.MessageID())
	}
	return h.Wait(ctx)
}

func TestNew_Config(t *testing.T) {
	c := testCodec(t)
	if _, err := New(kafka.Config{Brokers: []string{"localhost:9092"}}, c, logger.NewNop()); err == nil {
		t.Error("disabled config should fail")
	}
	if _, err := New(kafka.Config{Enabled: true, Brokers: []string{"no-port"}}, c, logger.NewNop()); err == nil {
		t.Error("broker without a port should fail")
	}
	if _, err := New(testConfig(), nil, logger.NewNop()); err == nil {
		t.Error("nil codec should fail")
	}
}

func TestPublish_Delivered(t *testing.T) {
	f := newFixture(t, testConfig())
	in := message.Message{ID: "1", Message: "hello"}

	h := f.producer.Publish(context.Background(), "T", in, WithStringKey("k1"))
	res, err := wait(t, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Topic != "T" || res.Partition < 0 || res.Offset != 0 {
		t.Errorf("result = %+v, want T/>=0/0", res)
	}

	stored := f.broker.PartitionMessages("T", res.Partition)
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	env := kafka.EnvelopeOf(stored[0])
	if string(env.Key) != "k1" {
		t.Errorf("key = %q, want k1", env.Key)
	}
	if got := env.Headers.Get(codec.HeaderMessageID); got != h.MessageID() || len(got) != 26 {
		t.Errorf("message id header = %q, handle id %q", got, h.MessageID())
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Headers.Get(codec.HeaderPublishedAt)); err != nil {
		t.Errorf("published-at header: %v", err)
	}

	out, err := codec.DecodeAs[message.Message](f.codec, env, nil)
	if err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if out != in {
		t.Errorf("decoded %v, want %v", out, in)
	}
}

func TestPublish_DefaultTopicAndHeaders(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.producer.Publish(context.Background(), "", message.Message{ID: "2"},
		WithHeaders(map[string]string{"tenant": "acme", codec.HeaderType: "evil.Type"}))
	res, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	if res.Topic != "orders" {
		t.Errorf("topic = %q, want default topic orders", res.Topic)
	}
	env := kafka.EnvelopeOf(f.broker.Messages("orders")[0])
	if env.Headers.Get("tenant") != "acme" {
		t.Error("application header missing")
	}
	if env.TypeName() != "github.com/kbukum/streamkit/kafka/message.Message" {
		t.Errorf("type header overridden: %q", env.TypeName())
	}
}

func TestPublish_NoTopic(t *testing.T) {
	cfg := testConfig()
	cfg.Topic = ""
	f := newFixture(t, cfg)
	_, err := wait(t, f.producer.Publish(context.Background(), "", message.Message{}))
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

func TestPublish_SerializationErrorCompletesHandle(t *testing.T) {
	var outcomes []Outcome
	f := newFixture(t, testConfig(), WithObserver(func(o Outcome) { outcomes = append(outcomes, o) }))

	h := f.producer.Publish(context.Background(), "T", struct{ X int }{1})
	res, ok, err := h.Poll()
	if !ok {
		t.Fatal("serialization failure should complete the handle before Publish returns")
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeSerialization) {
		t.Errorf("error = %v, want SERIALIZATION_ERROR", err)
	}
	if res.Valid() {
		t.Errorf("result = %+v, want zero", res)
	}
	if len(outcomes) != 1 || outcomes[0].OK() {
		t.Errorf("outcomes = %+v, want one failure", outcomes)
	}
	if len(f.broker.Messages("T")) != 0 {
		t.Error("nothing should be written")
	}
}

func TestPublish_ClassifiesWriteErrors(t *testing.T) {
	tests := []struct {
		value string
		err   error
		code  apperrors.ErrorCode
	}{
		{"unavailable", kafkago.LeaderNotAvailable, apperrors.ErrCodeServiceUnavailable},
		{"refused", errors.New("dial tcp 127.0.0.1:9092: connection refused"), apperrors.ErrCodeServiceUnavailable},
		{"timeout", kafkago.RequestTimedOut, apperrors.ErrCodeTimeout},
		{"too-large", kafkago.MessageSizeTooLarge, apperrors.ErrCodeSerialization},
		{"other", errors.New("boom"), apperrors.ErrCodeExternalService},
	}

	f := newFixture(t, testConfig())
	f.broker.SetWriteError(func(m kafkago.Message) error {
		env := kafka.EnvelopeOf(m)
		for _, tc := range tests {
			if strings.Contains(string(env.Payload), `"`+tc.value+`"`) {
				return tc.err
			}
		}
		return nil
	})

	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			h := f.producer.Publish(context.Background(), "T", message.Message{ID: tc.value})
			_, err := wait(t, h)
			if !apperrors.HasCode(err, tc.code) {
				t.Fatalf("error = %v, want %s", err, tc.code)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("cause %v not kept in %v", tc.err, err)
			}
		})
	}
}

func TestPublish_ExactlyOneNotification(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	f := newFixture(t, testConfig(), WithObserver(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		seen[o.MessageID]++
	}))
	f.broker.SetWriteError(func(m kafkago.Message) error {
		if string(m.Key) == "3" {
			return kafkago.LeaderNotAvailable
		}
		return nil
	})

	const n = 60
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var payload any = message.Message{ID: fmt.Sprint(i)}
			if i%10 == 0 {
				payload = i
			}
			handles[i] = f.producer.Publish(context.Background(), "T", payload, WithStringKey(fmt.Sprint(i%7)))
		}(i)
	}
	wg.Wait()
	if err := f.producer.Close(); err != nil {
		t.Fatal(err)
	}

	for _, h := range handles {
		if _, ok, _ := h.Poll(); !ok {
			t.Errorf("handle %s still in flight after Close", h.MessageID())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Errorf("observed %d distinct publishes, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s notified %d times", id, count)
		}
	}
}

func TestPublish_ReturnsBeforeAcknowledgement(t *testing.T) {
	f := newFixture(t, testConfig())
	f.writer.Pause()

	h := f.producer.Publish(context.Background(), "T", message.Message{ID: "1"})
	if _, ok, _ := h.Poll(); ok {
		t.Fatal("handle completed while the writer is paused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline", err)
	}

	f.writer.Resume()
	if _, err := wait(t, h); err != nil {
		t.Errorf("write after cancelled wait error = %v", err)
	}
}

func TestPublish_SameKeyKeepsOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	var last *Handle
	for i := 0; i < 20; i++ {
		last = f.producer.Publish(context.Background(), "T", message.Message{ID: fmt.Sprint(i)}, WithStringKey("same"))
	}
	res, err := wait(t, last)
	if err != nil {
		t.Fatal(err)
	}

	stored := f.broker.PartitionMessages("T", res.Partition)
	if len(stored) != 20 {
		t.Fatalf("partition %d holds %d messages, want all 20", res.Partition, len(stored))
	}
	for i, m := range stored {
		got, err := codec.DecodeAs[message.Message](f.codec, kafka.EnvelopeOf(m), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != fmt.Sprint(i) {
			t.Fatalf("offset %d holds %s, want %d", i, got.ID, i)
		}
	}
}

func TestPublish_AfterClose(t *testing.T) {
	f := newFixture(t, testConfig())
	if err := f.producer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.producer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	_, err := wait(t, f.producer.Publish(context.Background(), "T", message.Message{ID: "late"}))
	if !apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable) {
		t.Errorf("error = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestHandle_OnComplete(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.producer.Publish(context.Background(), "T", message.Message{ID: "1"})

	called := make(chan kafka.DeliveryResult, 2)
	h.OnComplete(func(r kafka.DeliveryResult, _ error) { called <- r })
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}
	h.OnComplete(func(r kafka.DeliveryResult, _ error) { called <- r })

	for i := 0; i < 2; i++ {
		select {
		case r := <-called:
			if r.Topic != "T" {
				t.Errorf("callback result = %+v", r)
			}
		case <-time.After(time.Second):
			t.Fatal("OnComplete callback not run")
		}
	}
}

func TestObserverPanicIsRecovered(t *testing.T) {
	var after int
	f := newFixture(t, testConfig(),
		WithObserver(func(Outcome) { panic("observer bug") }),
		WithObserver(func(Outcome) { after++ }),
	)
	if _, err := wait(t, f.producer.Publish(context.Background(), "T", message.Message{ID: "1"})); err != nil {
		t.Fatal(err)
	}
	if after != 1 {
		t.Errorf("later observer ran %d times, want 1", after)
	}
}

func TestPublish_Tracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t, testConfig(), WithTracer(tp))

	if _, err := wait(t, f.producer.Publish(context.Background(), "T", message.Message{ID: "1"})); err != nil {
		t.Fatal(err)
	}
	_, err := wait(t, f.producer.Publish(context.Background(), "T", 42))
	if err == nil {
		t.Fatal("unregistered payload should fail")
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "T publish" || spans[0].SpanKind() != trace.SpanKindProducer {
		t.Errorf("span = %s/%v", spans[0].Name(), spans[0].SpanKind())
	}
	if spans[1].Status().Description == "" {
		t.Error("failed publish span should carry an error status")
	}

	env := kafka.EnvelopeOf(f.broker.Messages("T")[0])
	tp2 := env.Headers.Get("traceparent")
	if !strings.Contains(tp2, spans[0].SpanContext().TraceID().String()) {
		t.Errorf("traceparent %q does not carry the producer trace", tp2)
	}
}

func TestLogOutcome(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: "info", Format: logger.FormatJSON, Writer: &buf}, "test")
	obs := LogOutcome(log)

	obs(Outcome{Payload: message.Message{ID: "1", Message: "hello"}, Result: kafka.DeliveryResult{Topic: "T", Partition: 2, Offset: 7}})
	obs(Outcome{Payload: message.Message{ID: "2"}, Topic: "T", Err: errors.New("boom")})

	out := buf.String()
	for _, want := range []string{
		"producer: success", `Message{id='1', message='hello'}`, `"offset":7`,
		"producer: failure", "boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestPublishAndWait(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := PublishAndWait(ctx, f.producer, "T", message.Message{ID: "1"})
	if err != nil || !res.Valid() {
		t.Errorf("PublishAndWait() = (%+v, %v)", res, err)
	}

	h := Completed("T", kafka.DeliveryResult{}, errors.New("x"))
	if _, ok, err := h.Poll(); !ok || err == nil {
		t.Error("Completed() handle should be done with its error")
	}
	if f.producer.Stats().Messages != 1 {
		t.Errorf("Stats().Messages = %d, want 1", f.producer.Stats().Messages)
	}
}

// stalledWriter accepts nothing until ctx is done, like a transport stuck
// fetching metadata.
type stalledWriter struct {
	entered chan struct{}
	once    sync.Once
}

func (w *stalledWriter) WriteMessages(ctx context.Context, _ ...kafkago.Message) error {
	w.once.Do(func() { close(w.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (w *stalledWriter) SetCompletion(func([]kafkago.Message, error)) {}
func (w *stalledWriter) Close() error                                 { return nil }

func TestPublish_DoesNotWaitOnUnresponsiveBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	var (
		connMu sync.Mutex
		conns  []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, conn)
			connMu.Unlock()
		}
	}()
	defer func() {
		connMu.Lock()
		defer connMu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	cfg := testConfig()
	cfg.Brokers = []string{ln.Addr().String()}
	cfg.WriteTimeout = "300ms"
	cfg.DialTimeout = "300ms"
	p, err := New(cfg, testCodec(t), logger.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	h := p.Publish(context.Background(), "T", message.Message{ID: "1", Message: "hello"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Publish returned after %v with a silent broker", elapsed)
	}
	if _, done, _ := h.Poll(); done {
		t.Error("handle completed before the broker answered")
	}

	if err := p.Close(); err != nil {
		t.Logf("Close() error = %v", err)
	}
	if _, err := wait(t, h); err == nil {
		t.Error("delivery to a silent broker should fail")
	}
}

func TestPublish_QueueFullFailsFast(t *testing.T) {
	w := &stalledWriter{entered: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.WriteTimeout = "50ms"
	p, err := New(cfg, testCodec(t), logger.NewNop(), WithWriter(w))
	if err != nil {
		t.Fatal(err)
	}

	first := p.Publish(context.Background(), "T", message.Message{ID: "1"})
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("writer goroutine never picked up the first message")
	}
	queued := p.Publish(context.Background(), "T", message.Message{ID: "2"})
	rejected := p.Publish(context.Background(), "T", message.Message{ID: "3"})

	_, err = wait(t, rejected)
	if !apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable) {
		t.Fatalf("overflow error = %v, want SERVICE_UNAVAILABLE", err)
	}
	if _, done, _ := queued.Poll(); done {
		t.Error("queued message completed while the writer is stalled")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, h := range []*Handle{first, queued} {
		if _, err := wait(t, h); !apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable) {
			t.Errorf("%s after Close: error = %v, want SERVICE_UNAVAILABLE", h.MessageID(), err)
		}
	}
}

func TestClose_DrainsQueue(t *testing.T) {
	f := newFixture(t, testConfig())
	handles := make([]*Handle, 50)
	for i := range handles {
		handles[i] = f.producer.Publish(context.Background(), "T", message.Message{ID: fmt.Sprint(i)})
	}
	if err := f.producer.Close(); err != nil {
		t.Fatal(err)
	}
	for _, h := range handles {
		if _, done, err := h.Poll(); !done || err != nil {
			t.Errorf("%s: done=%v err=%v, want delivered", h.MessageID(), done, err)
		}
	}
	if got := len(f.broker.Messages("T")); got != len(handles) {
		t.Errorf("broker holds %d messages, want %d", got, len(handles))
	}
}
