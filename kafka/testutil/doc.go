// Package testutil provides an in-memory broker for testing producers and
// consumers without a Kafka cluster.
//
// A Broker stores partitioned topics and implements kafka.Backend, so a
// consumer can join groups, read partitions and commit offsets against it.
// NewWriter returns an asynchronous kafka.Writer on the same broker.
//
//	b := testutil.NewBroker(testutil.WithPartitions(3))
//	p, _ := producer.New(cfg, c, log, producer.WithWriter(b.NewWriter()))
//	cons, _ := consumer.New(cfg, c, log, consumer.WithBackend(b))
//
// Failures are injected with SetWriteError and FailFetches.
package testutil
