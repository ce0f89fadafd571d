package producer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/streamkit/kafka"
)

// Handle is the in-flight result of one Publish call. It completes exactly
// once, with either a DeliveryResult or an error.
type Handle struct {
	messageID string
	topic     string
	key       []byte
	payload   any
	started   time.Time
	enqueued  bool
	span      trace.Span

	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	result    kafka.DeliveryResult
	err       error
	callbacks []func(kafka.DeliveryResult, error)
}

func newHandle(messageID, topic string, key []byte, payload any) *Handle {
	return &Handle{
		messageID: messageID,
		topic:     topic,
		key:       key,
		payload:   payload,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
}

// MessageID returns the id stamped on the message.
func (h *Handle) MessageID() string { return h.messageID }

// Topic returns the destination topic.
func (h *Handle) Topic() string { return h.topic }

// Done is closed when the handle completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle completes or ctx is done. Cancelling ctx
// abandons the wait only; the write itself continues.
func (h *Handle) Wait(ctx context.Context) (kafka.DeliveryResult, error) {
	select {
	case <-h.done:
		return h.outcome()
	case <-ctx.Done():
		return kafka.DeliveryResult{}, ctx.Err()
	}
}

// Poll returns the outcome without blocking; done is false while in flight.
func (h *Handle) Poll() (result kafka.DeliveryResult, done bool, err error) {
	select {
	case <-h.done:
		result, err = h.outcome()
		return result, true, err
	default:
		return kafka.DeliveryResult{}, false, nil
	}
}

// OnComplete registers fn to run with the outcome. If the handle already
// completed, fn runs immediately on the calling goroutine.
func (h *Handle) OnComplete(fn func(kafka.DeliveryResult, error)) {
	h.mu.Lock()
	select {
	case <-h.done:
		result, err := h.result, h.err
		h.mu.Unlock()
		fn(result, err)
		return
	default:
	}
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

func (h *Handle) outcome() (kafka.DeliveryResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// complete records the outcome and reports whether this call was the one
// that completed the handle. before runs first, and only on that call, so
// observers have seen the outcome by the time waiters wake up.
func (h *Handle) complete(result kafka.DeliveryResult, err error, before func()) bool {
	first := false
	h.once.Do(func() {
		first = true
		if before != nil {
			before()
		}
		h.mu.Lock()
		h.result, h.err = result, err
		callbacks := h.callbacks
		h.callbacks = nil
		close(h.done)
		h.mu.Unlock()

		for _, fn := range callbacks {
			fn(result, err)
		}
	})
	return first
}
