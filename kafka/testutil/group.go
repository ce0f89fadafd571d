package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/streamkit/kafka"
)

// ErrStaleGeneration is returned when a commit arrives from a generation
// that was superseded by a rebalance.
var ErrStaleGeneration = errors.New("testutil: commit from a stale generation")

type group struct {
	id        string
	members   []*member
	committed map[string]map[int]int64
	epoch     int32
	current   *generation
	last      *generation
	changed   chan struct{}
}

type member struct {
	id     string
	topics []string
	broker *Broker
	group  *group
	seen   int32
	closed chan struct{}
}

type generation struct {
	id     int32
	group  *group
	ctx    context.Context
	cancel context.CancelFunc
	assign map[*member]map[string][]int

	mu    sync.Mutex
	ended bool
	wg    sync.WaitGroup
}

// JoinGroup implements kafka.Backend. Every join or leave rebalances the
// group; a new generation is handed out only after every function started
// on the previous one has returned.
func (b *Broker) JoinGroup(_ context.Context, groupID string, topics []string) (kafka.Group, error) {
	if groupID == "" {
		return nil, errors.New("testutil: empty group id")
	}
	if len(topics) == 0 {
		return nil, errors.New("testutil: no topics to join")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		g = &group{id: groupID, committed: make(map[string]map[int]int64), changed: make(chan struct{})}
		b.groups[groupID] = g
	}
	for _, t := range topics {
		b.topicLocked(t)
	}

	b.members++
	m := &member{
		id:     fmt.Sprintf("%s-%d", groupID, b.members),
		topics: slices.Clone(topics),
		broker: b,
		group:  g,
		closed: make(chan struct{}),
	}
	g.members = append(g.members, m)
	b.rebalanceLocked(g)
	return m, nil
}

func (b *Broker) rebalanceLocked(g *group) {
	g.epoch++
	epoch := g.epoch
	g.current = nil
	prev := g.last

	go func() {
		if prev != nil {
			prev.end()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if g.epoch != epoch {
			return
		}
		gen := b.newGenerationLocked(g, epoch)
		g.current, g.last = gen, gen
		close(g.changed)
		g.changed = make(chan struct{})
	}()
}

// newGenerationLocked spreads each topic's partitions round robin over the
// members subscribed to it, in join order.
func (b *Broker) newGenerationLocked(g *group, id int32) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{id: id, group: g, ctx: ctx, cancel: cancel, assign: make(map[*member]map[string][]int)}

	var topics []string
	for _, m := range g.members {
		gen.assign[m] = make(map[string][]int)
		for _, t := range m.topics {
			if !slices.Contains(topics, t) {
				topics = append(topics, t)
			}
		}
	}
	slices.Sort(topics)

	for _, t := range topics {
		var eligible []*member
		for _, m := range g.members {
			if slices.Contains(m.topics, t) {
				eligible = append(eligible, m)
			}
		}
		for p := range b.topics[t] {
			owner := eligible[p%len(eligible)]
			gen.assign[owner][t] = append(gen.assign[owner][t], p)
		}
	}
	return gen
}

func (gen *generation) start(fn func(ctx context.Context)) {
	gen.mu.Lock()
	if gen.ended {
		gen.mu.Unlock()
		go fn(gen.ctx)
		return
	}
	gen.wg.Add(1)
	gen.mu.Unlock()
	go func() {
		defer gen.wg.Done()
		fn(gen.ctx)
	}()
}

func (gen *generation) end() {
	gen.mu.Lock()
	gen.ended = true
	gen.cancel()
	gen.mu.Unlock()
	gen.wg.Wait()
}

// Next implements kafka.Group.
func (m *member) Next(ctx context.Context) (kafka.Generation, error) {
	b := m.broker
	for {
		b.mu.Lock()
		select {
		case <-m.closed:
			b.mu.Unlock()
			return nil, kafka.ErrGroupClosed
		default:
		}
		if cur := m.group.current; cur != nil && cur.id > m.seen {
			m.seen = cur.id
			b.mu.Unlock()
			return memberGeneration{generation: cur, member: m}, nil
		}
		changed := m.group.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
		case <-changed:
		}
	}
}

// Close implements kafka.Group by leaving the group.
func (m *member) Close() error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-m.closed:
		return nil
	default:
	}
	close(m.closed)
	g := m.group
	g.members = slices.DeleteFunc(g.members, func(o *member) bool { return o == m })
	b.rebalanceLocked(g)
	return nil
}

type memberGeneration struct {
	*generation
	member *member
}

func (mg memberGeneration) ID() int32 { return mg.id }

// Assignments resolves each owned partition to its committed offset, or
// kafkago.FirstOffset when the group has none.
func (mg memberGeneration) Assignments() map[string][]kafka.Assignment {
	b := mg.member.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]kafka.Assignment)
	for topic, parts := range mg.assign[mg.member] {
		for _, p := range parts {
			offset := kafkago.FirstOffset
			if o, ok := mg.group.committed[topic][p]; ok {
				offset = o
			}
			out[topic] = append(out[topic], kafka.Assignment{Partition: p, Offset: offset})
		}
	}
	return out
}

func (mg memberGeneration) Start(fn func(ctx context.Context)) { mg.start(fn) }

// CommitOffsets implements kafka.Generation.
func (mg memberGeneration) CommitOffsets(offsets map[string]map[int]int64) error {
	b := mg.member.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if mg.group.last != mg.generation {
		return ErrStaleGeneration
	}
	for topic, parts := range offsets {
		if mg.group.committed[topic] == nil {
			mg.group.committed[topic] = make(map[int]int64)
		}
		for p, o := range parts {
			mg.group.committed[topic][p] = o
		}
	}
	return nil
}

// Committed returns the offset committed by groupID for a partition: the
// next offset the group will read.
func (b *Broker) Committed(groupID, topic string, partition int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return 0, false
	}
	o, ok := g.committed[topic][partition]
	return o, ok
}

// Members returns the number of live members of groupID.
func (b *Broker) Members(groupID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[groupID]; ok {
		return len(g.members)
	}
	return 0
}

type partitionReader struct {
	broker    *Broker
	topic     string
	partition int
	next      int64
	fetches   int64
	messages  int64
	closed    bool
}

// OpenPartition implements kafka.Backend. kafkago.FirstOffset and
// kafkago.LastOffset resolve to the start and the end of the partition.
func (b *Broker) OpenPartition(topic string, partition int, offset int64) (kafka.PartitionReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.topics[topic]
	if !ok || partition < 0 || partition >= len(parts) {
		return nil, fmt.Errorf("testutil: unknown partition %s/%d", topic, partition)
	}
	switch offset {
	case kafkago.FirstOffset:
		offset = 0
	case kafkago.LastOffset:
		offset = int64(len(parts[partition]))
	}
	return &partitionReader{broker: b, topic: topic, partition: partition, next: offset}, nil
}

// FetchMessage blocks until the next message is stored or ctx is done.
func (r *partitionReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	b := r.broker
	for {
		b.mu.Lock()
		if r.closed {
			b.mu.Unlock()
			return kafkago.Message{}, io.EOF
		}
		r.fetches++
		if b.fetchFails > 0 {
			b.fetchFails--
			err := b.fetchErr
			b.mu.Unlock()
			return kafkago.Message{}, err
		}
		log := b.topics[r.topic][r.partition]
		if r.next < int64(len(log)) {
			msg := log[r.next]
			r.next++
			r.messages++
			b.mu.Unlock()
			return msg, nil
		}
		appended := b.appended
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafkago.Message{}, ctx.Err()
		case <-appended:
		}
	}
}

func (r *partitionReader) Close() error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.closed = true
	return nil
}

// Stats returns reader counters in kafka-go form.
func (r *partitionReader) Stats() kafkago.ReaderStats {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return kafkago.ReaderStats{
		Topic:     r.topic,
		Partition: strconv.Itoa(r.partition),
		Offset:    r.next,
		Lag:       int64(len(b.topics[r.topic][r.partition])) - r.next,
		Fetches:   r.fetches,
		Messages:  r.messages,
	}
}
