package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/regelapi/internal/domain"
)

// encodeJSON serializes v with HTML escaping disabled and no trailing newline.
func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func marshalInput(in domain.RequestInput) (string, error) {
	data, err := encodeJSON(in)
	if err != nil {
		return "", fmt.Errorf("marshal request input: %w", err)
	}
	return data, nil
}

func unmarshalInput(data, computationDate string) (domain.RequestInput, error) {
	var in domain.RequestInput
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return domain.RequestInput{}, fmt.Errorf("unmarshal request input: %w", err)
	}
	date, err := time.Parse(domain.DateLayout, computationDate)
	if err != nil {
		return domain.RequestInput{}, fmt.Errorf("unmarshal computation date: %w", err)
	}
	in.ComputationDate = date
	return in, nil
}

func marshalResults(results map[domain.ResultKind]domain.SubResult) (string, error) {
	if results == nil {
		results = map[domain.ResultKind]domain.SubResult{}
	}
	data, err := encodeJSON(results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return data, nil
}

func unmarshalResults(data string) (map[domain.ResultKind]domain.SubResult, error) {
	results := map[domain.ResultKind]domain.SubResult{}
	if data == "" || data == "{}" {
		return results, nil
	}
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	return results, nil
}

// nullableID maps an absent component id to SQL NULL so it never matches a lookup.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
