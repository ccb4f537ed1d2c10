// Package memory is an in-process implementation of the message channel.
//
// It keeps every message for the lifetime of the Broker and tracks offsets
// per consumer group, so it behaves like the durable log minus persistence.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
)

const fetchLimit = 64

var errClosed = errors.New("broker closed")

// Broker holds the topics of one process.
type Broker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][]*partitionLog
	offsets    map[string]int64
	closed     bool
	now        func() time.Time
}

// New creates a broker with the given partition count per topic.
func New(partitions int) *Broker {
	if partitions < 1 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		topics:     make(map[string][]*partitionLog),
		offsets:    make(map[string]int64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (b *Broker) topic(name string) []*partitionLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	logs, ok := b.topics[name]
	if !ok {
		logs = make([]*partitionLog, b.partitions)
		for i := range logs {
			logs[i] = newPartitionLog()
			if b.closed {
				logs[i].Close()
			}
		}
		b.topics[name] = logs
	}
	return logs
}

// Publish appends a message to the partition owning key and returns its offset.
func (b *Broker) Publish(ctx context.Context, topic, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.TransportUnavailable("publish "+topic, err)
	}
	if b.isClosed() {
		return 0, domain.TransportUnavailable("publish "+topic, errClosed)
	}

	p := channel.Partition(key, b.partitions)
	msg := channel.Message{
		Topic:     topic,
		Partition: p,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Timestamp: b.now(),
	}
	stored, ok := b.topic(topic)[p].Append(msg)
	if !ok {
		return 0, domain.TransportUnavailable("publish "+topic, errClosed)
	}
	return stored.Offset, nil
}

// Ping fails once the broker is closed.
func (b *Broker) Ping(ctx context.Context) error {
	if b.isClosed() {
		return domain.TransportUnavailable("broker ping", errClosed)
	}
	return nil
}

// Close stops all partitions. Running consumers drain what is already
// published and return.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var logs []*partitionLog
	for _, t := range b.topics {
		logs = append(logs, t...)
	}
	b.mu.Unlock()

	for _, l := range logs {
		l.Close()
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Messages returns every message of topic ordered by partition and offset.
func (b *Broker) Messages(topic string) []channel.Message {
	var out []channel.Message
	for _, l := range b.topic(topic) {
		out = append(out, l.After(0, 0)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

// Committed returns the committed offset of group on a partition.
func (b *Broker) Committed(group, topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsets[offsetKey(group, topic, partition)]
}

func (b *Broker) commit(group, topic string, partition int, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := offsetKey(group, topic, partition)
	if offset > b.offsets[k] {
		b.offsets[k] = offset
	}
}

func offsetKey(group, topic string, partition int) string {
	return fmt.Sprintf("%s/%s/%d", group, topic, partition)
}

// Consumer reads topics of a Broker on behalf of a consumer group.
type Consumer struct {
	broker *Broker
	group  string
}

// Consumer returns a consumer for group.
func (b *Broker) Consumer(group string) *Consumer {
	return &Consumer{broker: b, group: group}
}

// Ping fails once the broker is closed.
func (c *Consumer) Ping(ctx context.Context) error { return c.broker.Ping(ctx) }

// Consume runs one loop per partition until ctx is cancelled or the broker
// is closed and drained.
func (c *Consumer) Consume(ctx context.Context, topic string, h channel.Handler) error {
	logs := c.broker.topic(topic)
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range logs {
		partition, plog := i, l
		g.Go(func() error {
			c.consumePartition(gctx, topic, partition, plog, h)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) consumePartition(ctx context.Context, topic string, partition int, plog *partitionLog, h channel.Handler) {
	offset := c.broker.Committed(c.group, topic, partition)
	for {
		if ctx.Err() != nil {
			return
		}

		// Grab the signal before reading so an append in between still wakes us.
		wait := plog.Wait()
		msgs := plog.After(offset, fetchLimit)

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			if err := h(context.WithoutCancel(ctx), msg); err != nil {
				slog.Error("message handling failed",
					"group", c.group,
					"topic", topic,
					"partition", partition,
					"offset", msg.Offset,
					"key", msg.Key,
					"error", err,
				)
			}
			offset = msg.Offset
			c.broker.commit(c.group, topic, partition, offset)
		}
		if len(msgs) > 0 {
			continue
		}
		if plog.Closed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}
