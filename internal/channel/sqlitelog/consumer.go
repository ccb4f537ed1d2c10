package sqlitelog

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/regelapi/internal/channel"
)

// Consumer reads a topic on behalf of a consumer group.
type Consumer struct {
	log   *Log
	group string
}

// Consumer returns a consumer for group.
func (l *Log) Consumer(group string) *Consumer {
	return &Consumer{log: l, group: group}
}

// Group returns the consumer group name.
func (c *Consumer) Group() string { return c.group }

// Ping reports whether the underlying log is reachable.
func (c *Consumer) Ping(ctx context.Context) error { return c.log.Ping(ctx) }

// Consume runs one loop per partition until ctx is cancelled.
//
// Handler errors are logged with the message coordinates and the offset
// still advances. Consume returns nil on cancellation and an error only when
// a partition cannot read its starting offset.
func (c *Consumer) Consume(ctx context.Context, topic string, h channel.Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.log.partitions; p++ {
		partition := p
		g.Go(func() error {
			return c.consumePartition(gctx, topic, partition, h)
		})
	}
	return g.Wait()
}

func (c *Consumer) consumePartition(ctx context.Context, topic string, partition int, h channel.Handler) error {
	offset, err := c.log.Committed(ctx, c.group, topic, partition)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	slog.Debug("partition consumer starting",
		"group", c.group,
		"topic", topic,
		"partition", partition,
		"offset", offset,
	)

	ticker := time.NewTicker(c.log.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.log.Fetch(ctx, topic, partition, offset, c.log.batchSize)
		if err != nil && ctx.Err() == nil {
			slog.Warn("fetch failed",
				"group", c.group,
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return nil
			}
			c.deliver(ctx, h, msg)
			offset = msg.Offset
			// The commit must land even when shutdown began mid-message.
			if err := c.log.Commit(context.WithoutCancel(ctx), c.group, topic, partition, offset); err != nil {
				slog.Warn("commit failed",
					"group", c.group,
					"topic", topic,
					"partition", partition,
					"offset", offset,
					"error", err,
				)
			}
		}

		if len(msgs) == c.log.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// deliver runs h on a context that outlives cancellation so the message in
// flight is finished rather than abandoned.
func (c *Consumer) deliver(ctx context.Context, h channel.Handler, msg channel.Message) {
	if err := h(context.WithoutCancel(ctx), msg); err != nil {
		slog.Error("message handling failed",
			"group", c.group,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", msg.Key,
			"error", err,
		)
	}
}
