package kafka

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/streamkit/component"
	"github.com/kbukum/streamkit/logger"
)

// mockProducer implements ProducerCloser for testing
type mockProducer struct {
	closed atomic.Bool
}

func (m *mockProducer) Close() error {
	m.closed.Store(true)
	return nil
}

// mockConsumer implements ConsumerRunner for testing
type mockConsumer struct {
	topics     []string
	consumed   atomic.Bool
	closeCalls atomic.Int32
	block      chan struct{}
}

func (m *mockConsumer) Consume(ctx context.Context) error {
	m.consumed.Store(true)
	<-ctx.Done()
	if m.block != nil {
		<-m.block
	}
	return ctx.Err()
}

func (m *mockConsumer) Close() error {
	m.closeCalls.Add(1)
	return nil
}

func (m *mockConsumer) Topics() []string { return m.topics }

func healthy(context.Context) error { return nil }

func TestComponent_Name(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())
	if comp.Name() != "kafka" {
		t.Errorf("Name() = %q, want kafka", comp.Name())
	}
}

func TestComponent_SetProducer(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())
	mp := &mockProducer{}
	comp.SetProducer(mp)
	if comp.Producer() != mp {
		t.Error("Producer() should return the set producer")
	}
}

func TestComponent_Describe(t *testing.T) {
	cfg := Config{Brokers: []string{"b1:9092", "b2:9092"}, Topic: "cluster"}
	comp := NewComponent(cfg, logger.NewNop())
	comp.SetProducer(&mockProducer{})
	comp.AddConsumer(&mockConsumer{topics: []string{"t1"}})
	comp.AddConsumer(&mockConsumer{topics: []string{"t2", "t3"}})

	desc := comp.Describe()
	if desc.Name != "Kafka" || desc.Type != "kafka" {
		t.Errorf("Describe() = %+v", desc)
	}
	for _, want := range []string{"b1:9092", "topics=[t1 t2 t3]", "producer=yes", "default_topic=cluster"} {
		if !strings.Contains(desc.Details, want) {
			t.Errorf("Details %q missing %q", desc.Details, want)
		}
	}
}

func TestComponent_StartStop(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop(), WithHealthCheck(healthy))
	mc := &mockConsumer{topics: []string{"test"}}
	comp.AddConsumer(mc)
	mp := &mockProducer{}
	comp.SetProducer(mp)

	ctx := context.Background()
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// double start should be no-op
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("double Start() error: %v", err)
	}

	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if !mc.consumed.Load() {
		t.Error("consumer should have been consumed")
	}
	if mc.closeCalls.Load() != 1 {
		t.Errorf("consumer Close() called %d times, want 1", mc.closeCalls.Load())
	}
	if !mp.closed.Load() {
		t.Error("producer should have been closed")
	}
}

func TestComponent_StartContextDoesNotStopConsumers(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())
	mc := &mockConsumer{topics: []string{"test"}}
	comp.AddConsumer(mc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := comp.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	if mc.closeCalls.Load() != 0 {
		t.Error("consumer closed before Stop")
	}
	if err := comp.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestComponent_StopBoundedByContext(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())
	mc := &mockConsumer{topics: []string{"stuck"}, block: make(chan struct{})}
	defer close(mc.block)
	comp.AddConsumer(mc)
	if err := comp.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := comp.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded", err)
	}
	if mc.closeCalls.Load() != 1 {
		t.Error("stuck consumer should still be closed")
	}
}

func TestComponent_StopNotRunning(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())
	if err := comp.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() on not-running component should not error: %v", err)
	}
}

func TestComponent_AddConsumer_WhileRunning(t *testing.T) {
	comp := NewComponent(Config{}, logger.NewNop())

	ctx := context.Background()
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	mc := &mockConsumer{topics: []string{"late-join"}}
	comp.AddConsumer(mc)

	// Stop should wait for the late consumer too
	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if !mc.consumed.Load() {
		t.Error("late-joined consumer should have been consumed")
	}
}

func TestComponent_Health(t *testing.T) {
	var failing atomic.Bool
	comp := NewComponent(Config{}, logger.NewNop(), WithHealthCheck(func(context.Context) error {
		if failing.Load() {
			return errors.New("no brokers reachable")
		}
		return nil
	}))

	if h := comp.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("before Start: status = %q, want unhealthy", h.Status)
	}

	if err := comp.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer comp.Stop(context.Background())

	if h := comp.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("running: status = %q, want healthy", h.Status)
	}
	failing.Store(true)
	h := comp.Health(context.Background())
	if h.Status != component.StatusUnhealthy || h.Message != "no brokers reachable" {
		t.Errorf("failing check: %+v", h)
	}
}

func TestComponent_Interface(t *testing.T) {
	var _ component.Component = (*Component)(nil)
}
