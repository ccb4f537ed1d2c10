package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/domain"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testInput() domain.RequestInput {
	return domain.RequestInput{
		SubjectID:       "1234",
		CaseID:          1234,
		ComputationDate: time.Date(2019, 5, 20, 0, 0, 0, 0, time.UTC),
		ChildCount:      2,
		IncomeID:        "inntekt-1",
	}
}

// createTestRequest maps key in the decision context and inserts a request for it.
func createTestRequest(t *testing.T, s *Store, key string) domain.CorrelationID {
	t.Helper()
	ctx := context.Background()
	id, err := s.ResolveOrCreate(ctx, domain.ExternalReference{Key: key, Context: domain.ContextDecision})
	require.NoError(t, err)
	_, err = s.InsertRequest(ctx, domain.Request{ID: id, RequestInput: testInput()})
	require.NoError(t, err)
	return id
}

// createTestResultSet builds a complete result set whose component ids are
// derived from id.
func createTestResultSet(id string, requestID domain.CorrelationID) domain.ResultSet {
	return domain.ResultSet{
		ID:        id,
		RequestID: requestID,
		Results: map[domain.ResultKind]domain.SubResult{
			domain.KindThreshold: {domain.SubResultIDKey: id + "-threshold", domain.QualifiedKey: true},
			domain.KindPeriod:    {domain.SubResultIDKey: id + "-period", "weeks": float64(52)},
			domain.KindBase:      {domain.SubResultIDKey: id + "-base", "reduced": "354000"},
			domain.KindDailyRate: {domain.SubResultIDKey: id + "-rate", "dailyRate": float64(1259)},
		},
	}
}
