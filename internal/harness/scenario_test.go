package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: One request
flow:
  - submit: { as: first, key: "123", computationDate: 2019-05-20, subjectId: "1234" }
assertions:
  - type: status
    request: first
    is: PENDING
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.True(t, scenario.Start.IsZero())
	require.Len(t, scenario.Flow, 1)
	require.NotNil(t, scenario.Flow[0].Submit)
	assert.Equal(t, "first", scenario.Flow[0].Submit.As)
	assert.Equal(t, "2019-05-20", scenario.Flow[0].Submit.ComputationDate)
	assert.Equal(t, "1234", scenario.Flow[0].Submit.SubjectID)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertStatus, scenario.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Start(t *testing.T) {
	scenario, err := ParseScenario([]byte("start: 2020-02-01T06:00:00Z\n" + minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 2, 1, 6, 0, 0, 0, time.UTC), scenario.Start.UTC())
}

func TestParseScenario_UnknownFieldsRejected(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing name",
			doc:     "description: d\nflow: [{sweep: true}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			doc:     "name: n\nflow: [{sweep: true}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "description is required",
		},
		{
			name:    "missing flow",
			doc:     "name: n\ndescription: d\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow list is required",
		},
		{
			name:    "missing assertions",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "empty step",
			doc:     "name: n\ndescription: d\nflow: [{}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow[0]: exactly one action is required, got 0",
		},
		{
			name:    "two actions in one step",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true, advance: 1h}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow[0]: exactly one action is required, got 2",
		},
		{
			name:    "submit without alias",
			doc:     "name: n\ndescription: d\nflow: [{submit: {key: \"1\", computationDate: 2019-05-20}}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow[0].submit: as is required",
		},
		{
			name:    "submit with bad date",
			doc:     "name: n\ndescription: d\nflow: [{submit: {as: a, key: \"1\", computationDate: 20.05.2019}}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "invalid computationDate",
		},
		{
			name:    "unknown result kind",
			doc:     "name: n\ndescription: d\nflow: [{result: {request: a, kinds: [rate]}}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: `unknown kind "rate"`,
		},
		{
			name:    "negative advance",
			doc:     "name: n\ndescription: d\nflow: [{advance: -1h}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow[0].advance: must be positive",
		},
		{
			name:    "reevaluate without results",
			doc:     "name: n\ndescription: d\nflow: [{reevaluate: {date: 2020-01-01}}]\nassertions: [{type: published, topic: behov}]\n",
			wantErr: "flow[0].reevaluate: results are required",
		},
		{
			name:    "unknown assertion type",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "bad status",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true}]\nassertions: [{type: status, request: a, is: ANSWERED}]\n",
			wantErr: "is must be PENDING, DONE or NOT_FOUND",
		},
		{
			name:    "negative published count",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true}]\nassertions: [{type: published, topic: behov, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "consumed without result set",
			doc:     "name: n\ndescription: d\nflow: [{sweep: true}]\nassertions: [{type: consumed}]\n",
			wantErr: "resultSet is required for consumed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}
