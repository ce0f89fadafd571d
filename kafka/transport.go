package kafka

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/logger"
)

// ErrGroupClosed is returned by Group.Next after the group was closed.
var ErrGroupClosed = kafkago.ErrGroupClosed

// Writer is the producer's transport. WriteMessages enqueues and returns;
// the completion function receives every enqueued message exactly once,
// in write order per partition, with the write error if any.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	SetCompletion(fn func(messages []kafkago.Message, err error))
	Close() error
}

// Backend is the consumer's transport: group membership plus partition reads.
type Backend interface {
	JoinGroup(ctx context.Context, groupID string, topics []string) (Group, error)
	OpenPartition(topic string, partition int, offset int64) (PartitionReader, error)
}

// Group is a joined consumer group membership.
type Group interface {
	// Next blocks until the next generation is assigned to this member.
	Next(ctx context.Context) (Generation, error)
	// Close leaves the group and releases its partitions.
	Close() error
}

// Generation is one assignment epoch of a group. Its context, handed to the
// functions passed to Start, ends when the group rebalances.
type Generation interface {
	ID() int32
	Assignments() map[string][]Assignment
	Start(fn func(ctx context.Context))
	// CommitOffsets stores, per topic and partition, the next offset to read.
	CommitOffsets(offsets map[string]map[int]int64) error
}

// Assignment is one partition owned for a generation and the offset to resume from.
type Assignment struct {
	Partition int
	Offset    int64
}

// PartitionReader fetches messages from a single partition in offset order.
type PartitionReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// asyncWriter adapts an asynchronous kafka-go Writer.
type asyncWriter struct {
	*kafkago.Writer
}

func (w asyncWriter) SetCompletion(fn func(messages []kafkago.Message, err error)) {
	w.Completion = fn
}

// NewWriter builds an asynchronous kafka-go writer. Topics are set per message.
func NewWriter(cfg *Config, log *logger.Logger) (Writer, error) {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return nil, err
	}
	return asyncWriter{&kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     ResolveBalancer(cfg.Balancer),
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: ParseDuration(cfg.BatchTimeout),
		WriteTimeout: ParseDuration(cfg.WriteTimeout),
		RequiredAcks: kafkago.RequiredAcks(cfg.RequiredAcks),
		Compression:  ResolveCompression(cfg.Compression),
		Transport:    transport,
		Async:        true,
		ErrorLogger:  errorLogger(log),
	}}, nil
}

type groupBackend struct {
	cfg    Config
	dialer *kafkago.Dialer
	log    *logger.Logger
}

// NewGroupBackend returns a Backend on kafka-go's ConsumerGroup and
// partition Readers.
func NewGroupBackend(cfg *Config, log *logger.Logger) (Backend, error) {
	dialer, err := CreateDialer(cfg)
	if err != nil {
		return nil, err
	}
	return &groupBackend{cfg: *cfg, dialer: dialer, log: log}, nil
}

func (b *groupBackend) JoinGroup(_ context.Context, groupID string, topics []string) (Group, error) {
	g, err := kafkago.NewConsumerGroup(kafkago.ConsumerGroupConfig{
		ID:                groupID,
		Brokers:           b.cfg.Brokers,
		Dialer:            b.dialer,
		Topics:            topics,
		StartOffset:       b.cfg.StartOffsetValue(),
		SessionTimeout:    ParseDuration(b.cfg.SessionTimeout),
		HeartbeatInterval: ParseDuration(b.cfg.HeartbeatInterval),
		RebalanceTimeout:  ParseDuration(b.cfg.RebalanceTimeout),
		ErrorLogger:       errorLogger(b.log),
	})
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", groupID, err)
	}
	return kafkaGroup{g}, nil
}

func (b *groupBackend) OpenPartition(topic string, partition int, offset int64) (PartitionReader, error) {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       topic,
		Partition:   partition,
		Dialer:      b.dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     ParseDuration(b.cfg.PollTimeout),
		ErrorLogger: errorLogger(b.log),
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("seek %s/%d to %d: %w", topic, partition, offset, err)
	}
	return r, nil
}

type kafkaGroup struct {
	*kafkago.ConsumerGroup
}

func (g kafkaGroup) Next(ctx context.Context) (Generation, error) {
	gen, err := g.ConsumerGroup.Next(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaGeneration{gen}, nil
}

type kafkaGeneration struct {
	*kafkago.Generation
}

func (g kafkaGeneration) ID() int32 { return g.Generation.ID }

func (g kafkaGeneration) Assignments() map[string][]Assignment {
	out := make(map[string][]Assignment, len(g.Generation.Assignments))
	for topic, parts := range g.Generation.Assignments {
		for _, p := range parts {
			out[topic] = append(out[topic], Assignment{Partition: p.ID, Offset: p.Offset})
		}
	}
	return out
}

func errorLogger(log *logger.Logger) kafkago.Logger {
	if log == nil {
		return nil
	}
	l := log.WithComponent("kafka-go")
	return kafkago.LoggerFunc(func(msg string, args ...interface{}) {
		l.Warn(fmt.Sprintf(msg, args...))
	})
}
