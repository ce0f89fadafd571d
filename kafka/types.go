package kafka

import (
	"fmt"
	"slices"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/kafka/codec"
)

// DeliveryResult is the broker's acknowledgement of a write.
type DeliveryResult struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// DeliveryFromMessage builds the result from an acknowledged kafka-go
// message, whose Partition and Offset the writer fills in.
func DeliveryFromMessage(msg kafkago.Message) DeliveryResult {
	return DeliveryResult{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}
}

// Key returns "topic/partition/offset", unique per stored message.
func (r DeliveryResult) Key() string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

// Valid reports whether the result points at a stored message.
func (r DeliveryResult) Valid() bool {
	return r.Topic != "" && r.Partition >= 0 && r.Offset >= 0
}

// NewMessage converts an envelope into a kafka-go message for topic.
func NewMessage(topic string, env *codec.Envelope) kafkago.Message {
	return kafkago.Message{
		Topic:   topic,
		Key:     env.Key,
		Value:   env.Payload,
		Headers: ToKafkaHeaders(env.Headers),
	}
}

// EnvelopeOf extracts the envelope of a fetched kafka-go message.
func EnvelopeOf(msg kafkago.Message) *codec.Envelope {
	return &codec.Envelope{
		Key:     msg.Key,
		Payload: msg.Value,
		Headers: FromKafkaHeaders(msg.Headers),
	}
}

// ToKafkaHeaders converts headers to kafka-go form, sorted by name.
func ToKafkaHeaders(h codec.Headers) []kafkago.Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	slices.Sort(names)

	out := make([]kafkago.Header, 0, len(h))
	for _, k := range names {
		out = append(out, kafkago.Header{Key: k, Value: h[k]})
	}
	return out
}

// FromKafkaHeaders converts kafka-go headers. A repeated name keeps its last value.
func FromKafkaHeaders(hs []kafkago.Header) codec.Headers {
	out := make(codec.Headers, len(hs))
	for _, h := range hs {
		out[h.Key] = h.Value
	}
	return out
}
