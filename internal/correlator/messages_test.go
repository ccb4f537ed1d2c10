package correlator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/regelapi/internal/domain"
)

func TestAccept(t *testing.T) {
	sub := domain.SubResult{domain.SubResultIDKey: "x"}
	manual := json.RawMessage(`354000`)

	tests := []struct {
		name string
		msg  ResultMessage
		want bool
	}{
		{"empty", ResultMessage{}, false},
		{"all four", ResultMessage{ThresholdResult: sub, PeriodResult: sub, BaseResult: sub, DailyRateResult: sub}, true},
		{"missing rate", ResultMessage{ThresholdResult: sub, PeriodResult: sub, BaseResult: sub}, false},
		{"missing period", ResultMessage{ThresholdResult: sub, BaseResult: sub, DailyRateResult: sub}, false},
		{"base and rate only", ResultMessage{BaseResult: sub, DailyRateResult: sub}, false},
		{"manual with base and rate", ResultMessage{ManualBase: manual, BaseResult: sub, DailyRateResult: sub}, true},
		{"manual without rate", ResultMessage{ManualBase: manual, BaseResult: sub}, false},
		{"manual without base", ResultMessage{ManualBase: manual, DailyRateResult: sub}, false},
		{"null manual is no manual", ResultMessage{ManualBase: json.RawMessage(`null`), BaseResult: sub, DailyRateResult: sub}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Accept(tt.msg))
		})
	}
}

func TestResultMessage_DecodesSparseResults(t *testing.T) {
	data := []byte(`{"requestId":"r1","manualBase":354000,"baseResult":{"resultId":"b1"},"dailyRateResult":null}`)

	var m ResultMessage
	require.NoError(t, json.Unmarshal(data, &m))

	assert.True(t, m.HasManualBase())
	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "b1", results[domain.KindBase].ID())
	assert.False(t, Accept(m))
}

func TestEncodeRequest_Golden(t *testing.T) {
	manualBase := int64(354000)

	tests := []struct {
		name string
		req  domain.Request
	}{
		{
			name: "decision_request",
			req: domain.Request{
				ID:           "01890a5d-ac96-774b-bcce-b302099a8057",
				Reference:    domain.ExternalReference{Key: "123", Context: domain.ContextDecision},
				RequestInput: testInput(),
			},
		},
		{
			name: "revaluation_request",
			req: domain.Request{
				ID:        "01890a5d-ac96-774b-bcce-b302099a8058",
				Reference: domain.ExternalReference{Key: "01890a5d-ac96-774b-bcce-b302099a8057@2020-01-01", Context: domain.ContextRevaluation},
				RequestInput: domain.RequestInput{
					SubjectID:                "1234",
					CaseID:                   -9999,
					ComputationDate:          time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
					CompletedMilitaryService: true,
					Apprentice:               true,
					ManualBase:               &manualBase,
					UsedIncomePeriod:         &domain.IncomePeriod{FirstMonth: "2018-05", LastMonth: "2019-04"},
				},
			},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(tt.req)
			require.NoError(t, err)
			g.Assert(t, tt.name, data)
		})
	}
}

func TestEncodeRequest_Deterministic(t *testing.T) {
	req := domain.Request{ID: "r1", Reference: domain.ExternalReference{Key: "k", Context: domain.ContextDecision}, RequestInput: testInput()}

	first, err := EncodeRequest(req)
	require.NoError(t, err)
	second, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeConsumption(t *testing.T) {
	data, err := EncodeConsumption(ConsumptionMessage{ResultID: "rs-1", Consumer: "vedtak-42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"resultId":"rs-1","consumer":"vedtak-42"}`, string(data))

	at := time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err = EncodeConsumption(ConsumptionMessage{ResultID: "rs-1", Consumer: "vedtak-42", ConsumedAt: at})
	require.NoError(t, err)

	var decoded ConsumptionMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, at.Equal(decoded.ConsumedAt))
}
