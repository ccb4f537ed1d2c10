package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
)

// collector records delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []channel.Message
}

func (c *collector) handle(ctx context.Context, msg channel.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Value)
	}
	return out
}

func requirePublished(t *testing.T, b *Broker, ctx context.Context, topic, key string, value []byte) int64 {
	t.Helper()
	offset, err := b.Publish(ctx, topic, key, value)
	require.NoError(t, err)
	return offset
}

func consumeAsync(t *testing.T, c *Consumer, topic string, h channel.Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, topic, h) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestBroker_DeliversInKeyOrder(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		requirePublished(t, b, ctx, "behov", "same-key", []byte(fmt.Sprintf("%02d", i)))
	}

	col := &collector{}
	cancel, done := consumeAsync(t, b.Consumer("g"), "behov", col.handle)

	require.Eventually(t, func() bool { return col.len() == 20 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for i, v := range col.values() {
		assert.Equal(t, fmt.Sprintf("%02d", i), v)
	}
}

func TestBroker_WakesOnPublish(t *testing.T) {
	b := New(2)
	col := &collector{}
	cancel, done := consumeAsync(t, b.Consumer("g"), "t", col.handle)

	requirePublished(t, b, context.Background(), "t", "k", []byte("v"))
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBroker_GroupsAreIndependent(t *testing.T) {
	b := New(1)
	ctx := context.Background()
	assert.Equal(t, int64(1), requirePublished(t, b, ctx, "t", "k", []byte("a")))
	assert.Equal(t, int64(2), requirePublished(t, b, ctx, "t", "k", []byte("b")))

	first, second := &collector{}, &collector{}
	cancel1, done1 := consumeAsync(t, b.Consumer("one"), "t", first.handle)
	cancel2, done2 := consumeAsync(t, b.Consumer("two"), "t", second.handle)

	require.Eventually(t, func() bool { return first.len() == 2 && second.len() == 2 }, time.Second, time.Millisecond)
	cancel1()
	cancel2()
	require.NoError(t, <-done1)
	require.NoError(t, <-done2)

	assert.Equal(t, int64(2), b.Committed("one", "t", 0))
	assert.Equal(t, int64(2), b.Committed("two", "t", 0))
}

func TestBroker_ResumesFromCommittedOffset(t *testing.T) {
	b := New(1)
	ctx := context.Background()
	requirePublished(t, b, ctx, "t", "k", []byte("a"))

	col := &collector{}
	cancel, done := consumeAsync(t, b.Consumer("g"), "t", col.handle)
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	requirePublished(t, b, ctx, "t", "k", []byte("b"))

	again := &collector{}
	cancel, done = consumeAsync(t, b.Consumer("g"), "t", again.handle)
	require.Eventually(t, func() bool { return again.len() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"b"}, again.values())
}

func TestBroker_HandlerErrorAdvancesOffset(t *testing.T) {
	b := New(1)
	ctx := context.Background()
	requirePublished(t, b, ctx, "t", "k", []byte("bad"))
	requirePublished(t, b, ctx, "t", "k", []byte("good"))

	col := &collector{}
	h := func(ctx context.Context, msg channel.Message) error {
		if string(msg.Value) == "bad" {
			return errors.New("poison")
		}
		return col.handle(ctx, msg)
	}
	cancel, done := consumeAsync(t, b.Consumer("g"), "t", h)

	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), b.Committed("g", "t", 0))
}

func TestBroker_InFlightMessageFinishesOnCancel(t *testing.T) {
	b := New(1)
	requirePublished(t, b, context.Background(), "t", "k", []byte("slow"))

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	h := func(ctx context.Context, msg channel.Message) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	}
	cancel, done := consumeAsync(t, b.Consumer("g"), "t", h)

	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	assert.NoError(t, handlerCtxErr, "handler context must survive shutdown")
	assert.Equal(t, int64(1), b.Committed("g", "t", 0))
}

func TestBroker_Close(t *testing.T) {
	b := New(2)
	ctx := context.Background()
	requirePublished(t, b, ctx, "t", "k", []byte("a"))

	col := &collector{}
	_, done := consumeAsync(t, b.Consumer("g"), "t", col.handle)
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)

	b.Close()
	b.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after broker close")
	}

	_, err := b.Publish(ctx, "t", "k", []byte("b"))
	require.Error(t, err)
	assert.True(t, domain.IsTransportUnavailable(err))
	assert.Error(t, b.Ping(ctx))
	assert.Error(t, b.Consumer("g").Ping(ctx))
}

func TestBroker_ConsumeAfterCloseReturns(t *testing.T) {
	b := New(1)
	b.Close()
	assert.NoError(t, b.Consumer("g").Consume(context.Background(), "never-created", func(context.Context, channel.Message) error {
		return nil
	}))
}

func TestBroker_Messages(t *testing.T) {
	b := New(3)
	ctx := context.Background()
	requirePublished(t, b, ctx, "t", "a", []byte("1"))
	requirePublished(t, b, ctx, "t", "b", []byte("2"))
	requirePublished(t, b, ctx, "t", "a", []byte("3"))

	msgs := b.Messages("t")
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, channel.Partition(m.Key, 3), m.Partition)
		assert.Equal(t, "t", m.Topic)
	}
	assert.Empty(t, b.Messages("other"))
}

func TestBroker_PublishCopiesValue(t *testing.T) {
	b := New(1)
	value := []byte("abc")
	requirePublished(t, b, context.Background(), "t", "k", value)
	value[0] = 'x'

	assert.Equal(t, "abc", string(b.Messages("t")[0].Value))
}
