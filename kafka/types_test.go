package kafka

import (
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/kafka/codec"
)

func TestDeliveryResult(t *testing.T) {
	r := DeliveryFromMessage(kafkago.Message{Topic: "events", Partition: 2, Offset: 41})
	if r.Key() != "events/2/41" {
		t.Errorf("Key() = %q, want events/2/41", r.Key())
	}
	if !r.Valid() {
		t.Error("Valid() = false, want true")
	}

	tests := []DeliveryResult{
		{Topic: "", Partition: 0, Offset: 0},
		{Topic: "events", Partition: -1, Offset: 0},
		{Topic: "events", Partition: 0, Offset: -1},
	}
	for _, r := range tests {
		if r.Valid() {
			t.Errorf("%+v.Valid() = true, want false", r)
		}
	}
}

func TestMessageEnvelopeConversion(t *testing.T) {
	env := &codec.Envelope{
		Key:     []byte("order-1"),
		Payload: []byte(`{"id":"1"}`),
		Headers: codec.Headers{
			codec.HeaderType: []byte("acme.Order"),
			"b":              []byte("2"),
			"a":              []byte("1"),
		},
	}

	msg := NewMessage("orders", env)
	if msg.Topic != "orders" || string(msg.Key) != "order-1" || string(msg.Value) != `{"id":"1"}` {
		t.Errorf("NewMessage() = %+v", msg)
	}
	if len(msg.Headers) != 3 || msg.Headers[0].Key != "a" || msg.Headers[1].Key != "b" {
		t.Errorf("headers not sorted: %+v", msg.Headers)
	}

	back := EnvelopeOf(msg)
	if back.TypeName() != "acme.Order" {
		t.Errorf("TypeName() = %q, want acme.Order", back.TypeName())
	}
	if back.Headers.Get("a") != "1" || back.Headers.Get("b") != "2" {
		t.Errorf("headers = %v", back.Headers.Strings())
	}
}

func TestHeaders_EmptyAndDuplicates(t *testing.T) {
	if got := ToKafkaHeaders(nil); got != nil {
		t.Errorf("ToKafkaHeaders(nil) = %v, want nil", got)
	}
	h := FromKafkaHeaders([]kafkago.Header{{Key: "x", Value: []byte("1")}, {Key: "x", Value: []byte("2")}})
	if h.Get("x") != "2" {
		t.Errorf("duplicate header = %q, want last value 2", h.Get("x"))
	}
}
