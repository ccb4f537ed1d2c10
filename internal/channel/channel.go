// Package channel defines the partitioned, keyed message channel that
// connects regelapi to the external rule engine and to downstream consumers.
//
// Messages with the same key always land on the same partition and are
// delivered to a consumer group in publish order. Delivery is at-least-once:
// the group offset is committed only after the handler has returned, so a
// crash between handling and committing redelivers the message.
//
// Two implementations exist: sqlitelog (durable, shared between processes)
// and memory (in-process, used by tests and single-binary demos).
package channel

import (
	"context"
	"hash/fnv"
	"time"
)

// Message is a single record on a topic partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message. A returned error is logged by the consumer
// and the offset still advances; handlers retry their own transient failures.
type Handler func(ctx context.Context, msg Message) error

// Producer publishes keyed messages.
type Producer interface {
	// Publish blocks until the message is durable on its partition and
	// returns the assigned offset.
	Publish(ctx context.Context, topic, key string, value []byte) (int64, error)
	Ping(ctx context.Context) error
}

// Consumer delivers messages of a topic to a handler on behalf of a group.
type Consumer interface {
	// Consume blocks until ctx is cancelled. Each partition is handled by its
	// own goroutine so ordering holds per key. On cancellation the message
	// in flight is finished and committed before Consume returns nil.
	Consume(ctx context.Context, topic string, h Handler) error
	Ping(ctx context.Context) error
}

// Partition maps key to one of n partitions (FNV-1a).
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
