// Package kafka provides asynchronous Kafka publishing and group
// consumption of typed payloads as a streamkit component.
//
// It wraps segmentio/kafka-go with streamkit conventions including health
// checking, graceful shutdown, Prometheus metrics, trace propagation through
// record headers, and structured logging.
//
// # Architecture
//
//   - Component: manages producer/consumer lifecycle (Start/Stop/Health)
//   - kafka/codec: envelope codec and trust policy for typed payloads
//   - kafka/producer: non-blocking publishing with per-message completion handles
//   - kafka/consumer: group subscriptions with one loop per assigned partition
//   - kafka/testutil: in-memory broker implementing the Writer and Backend seams
//
// # Configuration
//
// All settings are provided via Config with ApplyDefaults()/Validate():
//
//	kafka:
//	  enabled: true
//	  brokers: ["localhost:9092"]
//	  topic: "cluster"
//	  group_id: "relay"
//	  trusted_namespaces: ["github.com/kbukum/streamkit/kafka/message"]
//	  commit_policy: "auto"
package kafka
