package correlator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/store"
)

func createTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
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

// createTestRequest maps key in the decision context and stores a pending
// request for it.
func createTestRequest(t *testing.T, s *store.Store, key string) domain.Request {
	t.Helper()
	ctx := context.Background()
	ref := domain.ExternalReference{Key: key, Context: domain.ContextDecision}
	id, err := s.ResolveOrCreate(ctx, ref)
	require.NoError(t, err)
	req := domain.Request{ID: id, Reference: ref, RequestInput: testInput()}
	_, err = s.InsertRequest(ctx, req)
	require.NoError(t, err)
	return req
}

// resultJSON builds a result message carrying the given kinds. Sub-result ids
// are derived from resultSetID.
func resultJSON(t *testing.T, requestID domain.CorrelationID, resultSetID string, kinds ...domain.ResultKind) []byte {
	t.Helper()
	return resultJSONWith(t, requestID, resultSetID, nil, kinds...)
}

func resultJSONWith(t *testing.T, requestID domain.CorrelationID, resultSetID string, extra map[string]any, kinds ...domain.ResultKind) []byte {
	t.Helper()
	msg := map[string]any{"requestId": string(requestID)}
	if resultSetID != "" {
		msg["resultSetId"] = resultSetID
	}
	for _, kind := range kinds {
		sub := map[string]any{domain.SubResultIDKey: resultSetID + "-" + string(kind)}
		if kind == domain.KindThreshold {
			sub[domain.QualifiedKey] = true
		}
		msg[string(kind)] = sub
	}
	for k, v := range extra {
		msg[k] = v
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}
