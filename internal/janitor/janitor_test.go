package janitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/store"
	"github.com/roach88/regelapi/internal/testutil"
)

var (
	sweepTime = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	day       = 24 * time.Hour
	policy    = Policy{Retention: 30 * day, HardCeiling: 90 * day}
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedResult stores a request keyed by id with result set id created at
// createdAt. A non-zero consumedAt also records a consumption.
func seedResult(t *testing.T, s *store.Store, id string, createdAt, consumedAt time.Time) domain.CorrelationID {
	t.Helper()
	ctx := context.Background()
	requestID, err := s.ResolveOrCreate(ctx, domain.ExternalReference{Key: id, Context: domain.ContextDecision})
	require.NoError(t, err)
	_, err = s.InsertRequest(ctx, domain.Request{
		ID: requestID,
		RequestInput: domain.RequestInput{
			SubjectID:       "1234",
			CaseID:          1,
			ComputationDate: createdAt,
		},
		CreatedAt: createdAt,
	})
	require.NoError(t, err)

	rs := domain.ResultSet{
		ID:        id,
		RequestID: requestID,
		Results: map[domain.ResultKind]domain.SubResult{
			domain.KindBase:      {domain.SubResultIDKey: id + "-base"},
			domain.KindDailyRate: {domain.SubResultIDKey: id + "-rate"},
		},
	}
	_, err = s.InsertResultSetAt(ctx, rs, createdAt)
	require.NoError(t, err)

	if !consumedAt.IsZero() {
		_, err = s.InsertConsumption(ctx, domain.ConsumptionRecord{ResultSetID: id, Consumer: "vedtak", ConsumedAt: consumedAt})
		require.NoError(t, err)
	}
	return requestID
}

func exists(t *testing.T, s *store.Store, id string) bool {
	t.Helper()
	_, err := s.GetResultSetByComponentID(context.Background(), id)
	if domain.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestSweep_RespectsRetentionAndHardCeiling(t *testing.T) {
	s := createTestStore(t)
	clock := testutil.NewManualClock(sweepTime)

	consumedOld := seedResult(t, s, "consumed-old", sweepTime.Add(-40*day), sweepTime.Add(-31*day))
	seedResult(t, s, "consumed-recent", sweepTime.Add(-40*day), sweepTime.Add(-29*day))
	unconsumedOld := seedResult(t, s, "unconsumed-old", sweepTime.Add(-91*day), time.Time{})
	seedResult(t, s, "unconsumed-recent", sweepTime.Add(-89*day), time.Time{})
	seedResult(t, s, "ancient-but-just-consumed", sweepTime.Add(-100*day), sweepTime.Add(-day))

	j := New(s, policy, WithClock(clock.Now))
	report, err := j.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Consumed: 1, Unconsumed: 1}, report)
	assert.Equal(t, 2, report.Reclaimed())

	assert.False(t, exists(t, s, "consumed-old"))
	assert.False(t, exists(t, s, "unconsumed-old"))
	assert.True(t, exists(t, s, "consumed-recent"))
	assert.True(t, exists(t, s, "unconsumed-recent"))
	assert.True(t, exists(t, s, "ancient-but-just-consumed"))

	// Requests and mappings survive; the consumption record goes with its result set.
	for _, id := range []domain.CorrelationID{consumedOld, unconsumedOld} {
		_, err := s.GetRequest(context.Background(), id)
		assert.NoError(t, err)
	}
	_, ok, err := s.GetConsumption(context.Background(), "consumed-old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.LookupMapping(context.Background(), domain.ExternalReference{Key: "consumed-old", Context: domain.ContextDecision})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweep_SecondPassIsNoop(t *testing.T) {
	s := createTestStore(t)
	clock := testutil.NewManualClock(sweepTime)
	seedResult(t, s, "unconsumed-old", sweepTime.Add(-91*day), time.Time{})
	j := New(s, policy, WithClock(clock.Now))

	first, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Reclaimed())

	second, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, second)
}

func TestSweep_LaterClockReclaimsMore(t *testing.T) {
	s := createTestStore(t)
	clock := testutil.NewManualClock(sweepTime)
	seedResult(t, s, "consumed", sweepTime.Add(-40*day), sweepTime.Add(-29*day))
	j := New(s, policy, WithClock(clock.Now))

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reclaimed())

	clock.Advance(2 * day)
	report, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Consumed: 1}, report)
}

func TestSweep_WorksThroughBatches(t *testing.T) {
	s := createTestStore(t)
	for i := 0; i < 5; i++ {
		seedResult(t, s, fmt.Sprintf("old-%d", i), sweepTime.Add(-100*day), time.Time{})
	}
	j := New(s, policy, WithClock(func() time.Time { return sweepTime }), WithBatchSize(2))

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Unconsumed: 5}, report)
}

// failingDeletes fails Delete for the listed ids.
type failingDeletes struct {
	*store.Store
	fail map[string]bool
}

func (f *failingDeletes) Delete(ctx context.Context, rs domain.ResultSet) error {
	if f.fail[rs.ID] {
		return errors.New("disk I/O error")
	}
	return f.Store.Delete(ctx, rs)
}

func TestSweep_ContinuesAfterFailedDelete(t *testing.T) {
	s := createTestStore(t)
	for i := 0; i < 4; i++ {
		seedResult(t, s, fmt.Sprintf("old-%d", i), sweepTime.Add(-100*day+time.Duration(i)*time.Minute), time.Time{})
	}
	fs := &failingDeletes{Store: s, fail: map[string]bool{"old-0": true}}
	j := New(fs, policy, WithClock(func() time.Time { return sweepTime }), WithBatchSize(2))

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Unconsumed: 3, Failed: 1}, report)
	assert.True(t, exists(t, s, "old-0"))
	assert.False(t, exists(t, s, "old-3"))
}

func TestSweep_StuckRecordDoesNotHideTheRest(t *testing.T) {
	s := createTestStore(t)
	seedResult(t, s, "stuck", sweepTime.Add(-100*day), time.Time{})
	seedResult(t, s, "behind", sweepTime.Add(-99*day), time.Time{})
	seedResult(t, s, "consumed-stuck", sweepTime.Add(-100*day), sweepTime.Add(-60*day))
	seedResult(t, s, "consumed-behind", sweepTime.Add(-100*day), sweepTime.Add(-50*day))
	fs := &failingDeletes{Store: s, fail: map[string]bool{"stuck": true, "consumed-stuck": true}}
	j := New(fs, policy, WithClock(func() time.Time { return sweepTime }), WithBatchSize(1))

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Consumed: 1, Unconsumed: 1, Failed: 2}, report)
	assert.True(t, exists(t, s, "stuck"))
	assert.True(t, exists(t, s, "consumed-stuck"))
	assert.False(t, exists(t, s, "behind"))
	assert.False(t, exists(t, s, "consumed-behind"))

	// The next sweep tries the stuck records again.
	report, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 2}, report)
}

// staleListing lists a fixed candidate regardless of the cutoff.
type staleListing struct {
	*store.Store
	candidate domain.ReclaimCandidate
}

func (s staleListing) ConsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error) {
	if !after.IsZero() {
		return nil, nil
	}
	return []domain.ReclaimCandidate{s.candidate}, nil
}

func TestSweep_SkipsCandidatesThePolicyRejects(t *testing.T) {
	s := createTestStore(t)
	seedResult(t, s, "fresh", sweepTime.Add(-40*day), sweepTime.Add(-day))
	rs, err := s.GetResultSetByComponentID(context.Background(), "fresh")
	require.NoError(t, err)

	listing := staleListing{Store: s, candidate: domain.ReclaimCandidate{ResultSet: rs, ConsumedAt: sweepTime.Add(-day)}}
	j := New(listing, policy, WithClock(func() time.Time { return sweepTime }))

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.True(t, exists(t, s, "fresh"))
}

type brokenStore struct{ *store.Store }

func (brokenStore) ConsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error) {
	return nil, errors.New("no such table")
}

func TestSweep_ListFailure(t *testing.T) {
	j := New(brokenStore{createTestStore(t)}, policy)

	_, err := j.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list consumed result sets")
}

func TestSweep_InvalidPolicy(t *testing.T) {
	j := New(createTestStore(t), Policy{Retention: 0, HardCeiling: day})
	_, err := j.Sweep(context.Background())
	assert.Error(t, err)
}

func TestPolicy_Eligible(t *testing.T) {
	tests := []struct {
		name       string
		createdAt  time.Time
		consumedAt time.Time
		want       bool
	}{
		{"consumed past retention", sweepTime.Add(-40 * day), sweepTime.Add(-31 * day), true},
		{"consumed within retention", sweepTime.Add(-40 * day), sweepTime.Add(-29 * day), false},
		{"unconsumed past ceiling", sweepTime.Add(-91 * day), time.Time{}, true},
		{"unconsumed within ceiling", sweepTime.Add(-89 * day), time.Time{}, false},
		{"old but recently consumed", sweepTime.Add(-100 * day), sweepTime.Add(-day), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Eligible(sweepTime, tt.createdAt, tt.consumedAt))
			if tt.want {
				// Monotonic: once eligible, always eligible.
				assert.True(t, policy.Eligible(sweepTime.Add(365*day), tt.createdAt, tt.consumedAt))
			}
		})
	}
}

func TestRun_SweepsAfterInitialDelay(t *testing.T) {
	s := createTestStore(t)
	seedResult(t, s, "unconsumed-old", time.Now().UTC().Add(-100*day), time.Time{})
	j := New(s, policy, WithSchedule(5*time.Millisecond, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := s.GetResultSetByComponentID(context.Background(), "unconsumed-old")
		return domain.IsNotFound(err)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_StopsDuringInitialDelay(t *testing.T) {
	j := New(createTestStore(t), policy, WithSchedule(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, j.Run(ctx))
}

func TestRun_RejectsInvalidSchedule(t *testing.T) {
	j := New(createTestStore(t), policy, WithSchedule(0, 0))
	assert.Error(t, j.Run(context.Background()))
}
