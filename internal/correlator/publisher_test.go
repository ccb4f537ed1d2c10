package correlator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/channel/memory"
	"github.com/roach88/regelapi/internal/domain"
)

type failingProducer struct {
	calls atomic.Int32
	err   error
}

func (p *failingProducer) Publish(ctx context.Context, topic, key string, value []byte) (int64, error) {
	p.calls.Add(1)
	return 0, p.err
}

func (p *failingProducer) Ping(ctx context.Context) error { return nil }

// blockingProducer publishes only after release is closed.
type blockingProducer struct {
	release chan struct{}
}

func (p *blockingProducer) Publish(ctx context.Context, topic, key string, value []byte) (int64, error) {
	select {
	case <-p.release:
		return 7, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *blockingProducer) Ping(ctx context.Context) error { return nil }

func testRequest(id domain.CorrelationID) domain.Request {
	return domain.Request{
		ID:           id,
		Reference:    domain.ExternalReference{Key: "123", Context: domain.ContextDecision},
		RequestInput: testInput(),
	}
}

func TestPublisher_PublishesKeyedByCorrelationID(t *testing.T) {
	broker := memory.New(4)
	p := NewPublisher(broker, "behov")

	offset, err := p.PublishSync(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), offset)

	msgs := broker.Messages("behov")
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].Key)

	want, err := EncodeRequest(testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, want, msgs[0].Value)
}

func TestPublisher_HandleResolvesAfterCallerCancels(t *testing.T) {
	producer := &blockingProducer{release: make(chan struct{})}
	p := NewPublisher(producer, "behov")

	ctx, cancel := context.WithCancel(context.Background())
	h := p.Publish(ctx, testRequest("r1"))
	cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(producer.release)
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery handle never resolved")
	}
	offset, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), offset)
	assert.Equal(t, domain.CorrelationID("r1"), h.RequestID)
}

func TestPublisher_FailureIsTransportUnavailable(t *testing.T) {
	p := NewPublisher(&failingProducer{err: errors.New("connection refused")}, "behov")

	_, err := p.PublishSync(context.Background(), testRequest("r1"))
	require.Error(t, err)
	assert.True(t, domain.IsTransportUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPublisher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	producer := &failingProducer{err: errors.New("connection refused")}
	p := NewPublisher(producer, "behov", WithBreaker(2, time.Hour))
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	for i := 0; i < 2; i++ {
		_, err := p.PublishSync(ctx, testRequest("r1"))
		require.Error(t, err)
	}

	_, err := p.PublishSync(ctx, testRequest("r1"))
	require.Error(t, err)
	assert.True(t, domain.IsTransportUnavailable(err))
	assert.Equal(t, int32(2), producer.calls.Load(), "open breaker must not reach the producer")

	err = p.Ping(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsTransportUnavailable(err))
}

func TestPublisher_BreakerRecoversAfterCooldown(t *testing.T) {
	producer := &failingProducer{err: errors.New("connection refused")}
	p := NewPublisher(producer, "behov", WithBreaker(1, 20*time.Millisecond))
	ctx := context.Background()

	_, err := p.PublishSync(ctx, testRequest("r1"))
	require.Error(t, err)
	require.Error(t, p.Ping(ctx))

	producer.err = nil
	require.Eventually(t, func() bool {
		_, err := p.PublishSync(ctx, testRequest("r1"))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Ping(ctx))
}

func TestPublisher_PingFollowsProducer(t *testing.T) {
	broker := memory.New(1)
	p := NewPublisher(broker, "behov")

	assert.Equal(t, "request-producer", p.Name())
	require.NoError(t, p.Ping(context.Background()))

	broker.Close()
	assert.Error(t, p.Ping(context.Background()))
}
