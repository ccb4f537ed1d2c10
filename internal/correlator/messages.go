package correlator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/regelapi/internal/domain"
)

// RequestMessage is the outbound behov message. The external engine echoes
// these fields back on the result topic together with its sub-results.
type RequestMessage struct {
	RequestID       string         `json:"requestId"`
	Context         domain.Context `json:"context"`
	ComputationDate string         `json:"computationDate"`
	domain.RequestInput
}

// EncodeRequest builds the outbound message for req.
// The output is deterministic for a given request.
func EncodeRequest(req domain.Request) ([]byte, error) {
	msg := RequestMessage{
		RequestID:       string(req.ID),
		Context:         req.Reference.Context,
		ComputationDate: req.ComputationDate.Format(domain.DateLayout),
		RequestInput:    req.RequestInput,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ResultMessage is an inbound result from the external engine. Sub-results
// are sparse: the engine emits the message several times as it fills them in.
type ResultMessage struct {
	RequestID   string `json:"requestId"`
	ResultSetID string `json:"resultSetId,omitempty"`

	// ManualBase marks a request whose benefit base was set by hand.
	ManualBase json.RawMessage `json:"manualBase,omitempty"`

	ThresholdResult domain.SubResult `json:"thresholdResult,omitempty"`
	PeriodResult    domain.SubResult `json:"periodResult,omitempty"`
	BaseResult      domain.SubResult `json:"baseResult,omitempty"`
	DailyRateResult domain.SubResult `json:"dailyRateResult,omitempty"`
}

// HasManualBase reports whether the manual-override marker is present.
func (m ResultMessage) HasManualBase() bool {
	raw := strings.TrimSpace(string(m.ManualBase))
	return raw != "" && raw != "null"
}

// Results returns the present sub-results keyed by kind.
func (m ResultMessage) Results() map[domain.ResultKind]domain.SubResult {
	out := make(map[domain.ResultKind]domain.SubResult, 4)
	for kind, sub := range map[domain.ResultKind]domain.SubResult{
		domain.KindThreshold: m.ThresholdResult,
		domain.KindPeriod:    m.PeriodResult,
		domain.KindBase:      m.BaseResult,
		domain.KindDailyRate: m.DailyRateResult,
	} {
		if sub != nil {
			out[kind] = sub
		}
	}
	return out
}

// Accept is the acceptance filter for inbound results: a manual-override
// request needs the benefit-base and daily-rate results, every other request
// needs all four.
func Accept(m ResultMessage) bool {
	baseAndRate := m.BaseResult != nil && m.DailyRateResult != nil
	if !baseAndRate {
		return false
	}
	if m.HasManualBase() {
		return true
	}
	return m.ThresholdResult != nil && m.PeriodResult != nil
}

// ConsumptionMessage reports that a downstream system used a result (brukt).
// ResultID may name the result set or any of its sub-results.
type ConsumptionMessage struct {
	ResultID   string    `json:"resultId"`
	Consumer   string    `json:"consumer"`
	ConsumedAt time.Time `json:"consumedAt,omitzero"`
}

// EncodeConsumption builds a consumption message.
func EncodeConsumption(m ConsumptionMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode consumption %s: %w", m.ResultID, err)
	}
	return data, nil
}
