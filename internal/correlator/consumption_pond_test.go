package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/channel/memory"
	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/store"
)

// storeResult stores a complete result set rs-1 for a new request.
func storeResult(t *testing.T, s *store.Store) domain.Request {
	t.Helper()
	req := createTestRequest(t, s, "123")
	pond := newTestResultPond(t, s)
	require.NoError(t, pond.Handle(context.Background(), resultMessage(string(req.ID), resultJSON(t, req.ID, "rs-1", allKinds...))))
	return req
}

func consumptionMessage(t *testing.T, m ConsumptionMessage) channel.Message {
	t.Helper()
	data, err := EncodeConsumption(m)
	require.NoError(t, err)
	return channel.Message{Topic: "subsumsjon-brukt", Key: m.ResultID, Value: data, Offset: 1}
}

func newTestConsumptionPond(t *testing.T, s *store.Store, opts ...PondOption) *ConsumptionPond {
	t.Helper()
	opts = append([]PondOption{WithStoreRetry(time.Millisecond, 3)}, opts...)
	return NewConsumptionPond(memory.New(1).Consumer("test"), "subsumsjon-brukt", s, createTestValidator(t), opts...)
}

func TestConsumptionPond_RecordsByComponentID(t *testing.T) {
	for _, id := range []string{"rs-1", "rs-1-thresholdResult", "rs-1-periodResult", "rs-1-baseResult", "rs-1-dailyRateResult"} {
		t.Run(id, func(t *testing.T) {
			s := createTestStore(t)
			storeResult(t, s)
			received := time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
			pond := newTestConsumptionPond(t, s, WithPondClock(func() time.Time { return received }))
			consumed := time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)

			err := pond.Handle(context.Background(), consumptionMessage(t, ConsumptionMessage{ResultID: id, Consumer: "vedtak-42", ConsumedAt: consumed}))
			require.NoError(t, err)

			rec, ok, err := s.GetConsumption(context.Background(), "rs-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "vedtak-42", rec.Consumer)
			assert.True(t, consumed.Equal(rec.ConsumedAt))
			assert.True(t, received.Equal(rec.ReceivedAt))
		})
	}
}

func TestConsumptionPond_FirstRecordWins(t *testing.T) {
	s := createTestStore(t)
	storeResult(t, s)
	pond := newTestConsumptionPond(t, s)
	ctx := context.Background()

	require.NoError(t, pond.Handle(ctx, consumptionMessage(t, ConsumptionMessage{ResultID: "rs-1", Consumer: "first"})))
	require.NoError(t, pond.Handle(ctx, consumptionMessage(t, ConsumptionMessage{ResultID: "rs-1", Consumer: "second"})))

	rec, ok, err := s.GetConsumption(ctx, "rs-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", rec.Consumer)
}

func TestConsumptionPond_DefaultsConsumedAtToMessageTime(t *testing.T) {
	s := createTestStore(t)
	storeResult(t, s)
	pond := newTestConsumptionPond(t, s)

	msg := consumptionMessage(t, ConsumptionMessage{ResultID: "rs-1", Consumer: "vedtak-42"})
	msg.Timestamp = time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, pond.Handle(context.Background(), msg))

	rec, _, err := s.GetConsumption(context.Background(), "rs-1")
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(rec.ConsumedAt))
}

func TestConsumptionPond_DropsUnknownResult(t *testing.T) {
	s := createTestStore(t)
	pond := newTestConsumptionPond(t, s)

	err := pond.Handle(context.Background(), consumptionMessage(t, ConsumptionMessage{ResultID: "nope", Consumer: "vedtak-42"}))
	assert.NoError(t, err)
}

func TestConsumptionPond_Malformed(t *testing.T) {
	s := createTestStore(t)
	pond := newTestConsumptionPond(t, s)

	err := pond.Handle(context.Background(), channel.Message{Key: "k", Value: []byte(`{"resultId":"rs-1"}`)})
	require.Error(t, err)
	assert.True(t, domain.IsMalformed(err))
}

func TestConsumptionPond_Run(t *testing.T) {
	s := createTestStore(t)
	storeResult(t, s)
	broker := memory.New(2)
	pond := NewConsumptionPond(broker.Consumer("regelapi"), "subsumsjon-brukt", s, createTestValidator(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pond.Run(ctx) }()

	data, err := EncodeConsumption(ConsumptionMessage{ResultID: "rs-1-baseResult", Consumer: "vedtak-42"})
	require.NoError(t, err)
	_, err = broker.Publish(ctx, "subsumsjon-brukt", "rs-1-baseResult", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, err := s.GetConsumption(context.Background(), "rs-1")
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "consumption-consumer", pond.Name())
	assert.NoError(t, pond.Ping(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
