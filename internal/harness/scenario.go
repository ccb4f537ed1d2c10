package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/regelapi/internal/domain"
)

// DefaultStart is the clock reading when a scenario does not set start.
var DefaultStart = time.Date(2019, 5, 20, 12, 0, 0, 0, time.UTC)

// Scenario defines a correlation scenario: a flow of steps and assertions
// on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock reading. Zero means DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow action. Exactly one field is set.
type Step struct {
	Submit     *SubmitStep     `yaml:"submit,omitempty"`
	Result     *ResultStep     `yaml:"result,omitempty"`
	Consume    *ConsumeStep    `yaml:"consume,omitempty"`
	Advance    string          `yaml:"advance,omitempty"`
	Sweep      bool            `yaml:"sweep,omitempty"`
	Reevaluate *ReevaluateStep `yaml:"reevaluate,omitempty"`
}

// SubmitStep creates (or finds) a request.
type SubmitStep struct {
	// As names the request for later steps and assertions.
	As              string         `yaml:"as"`
	Key             string         `yaml:"key"`
	Context         domain.Context `yaml:"context"`
	ComputationDate string         `yaml:"computationDate"`
	SubjectID       string         `yaml:"subjectId"`
	CaseID          int64          `yaml:"caseId"`
	ChildCount      int            `yaml:"childCount"`
	ManualBase      *int64         `yaml:"manualBase,omitempty"`
}

// ResultStep delivers a result message from the rule engine.
type ResultStep struct {
	Request     string `yaml:"request"`
	ResultSetID string `yaml:"resultSetId"`
	// Kinds lists the sub-results present: threshold, period, base, dailyRate.
	Kinds      []string `yaml:"kinds"`
	Qualified  bool     `yaml:"qualified"`
	ManualBase *int64   `yaml:"manualBase,omitempty"`
}

// ConsumeStep delivers a consumption message.
type ConsumeStep struct {
	Result   string `yaml:"result"`
	Consumer string `yaml:"consumer"`
}

// ReevaluateStep asks whether results change outcome at Date. The scripted
// engine answers every derived request with Qualified.
type ReevaluateStep struct {
	Results   []string `yaml:"results"`
	Date      string   `yaml:"date"`
	Qualified bool     `yaml:"qualified"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Request and Is are used by status; ResultSet optionally narrows DONE.
	Request   string `yaml:"request,omitempty"`
	Is        string `yaml:"is,omitempty"`
	ResultSet string `yaml:"resultSet,omitempty"`

	// Topic and Count are used by published.
	Topic string `yaml:"topic,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Consumer optionally narrows consumed.
	Consumer string `yaml:"consumer,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus    = "status"
	AssertPublished = "published"
	AssertConsumed  = "consumed"
)

// Status names accepted by status assertions.
const (
	StatusPending  = "PENDING"
	StatusDone     = "DONE"
	StatusNotFound = "NOT_FOUND"
)

var resultKinds = map[string]domain.ResultKind{
	"threshold": domain.KindThreshold,
	"period":    domain.KindPeriod,
	"base":      domain.KindBase,
	"dailyRate": domain.KindDailyRate,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	for _, present := range []bool{
		step.Submit != nil,
		step.Result != nil,
		step.Consume != nil,
		step.Advance != "",
		step.Sweep,
		step.Reevaluate != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case step.Submit != nil:
		if step.Submit.As == "" {
			return fmt.Errorf("flow[%d].submit: as is required", index)
		}
		if _, err := time.Parse(domain.DateLayout, step.Submit.ComputationDate); err != nil {
			return fmt.Errorf("flow[%d].submit: invalid computationDate: %w", index, err)
		}
	case step.Result != nil:
		if step.Result.Request == "" {
			return fmt.Errorf("flow[%d].result: request is required", index)
		}
		for _, kind := range step.Result.Kinds {
			if _, ok := resultKinds[kind]; !ok {
				return fmt.Errorf("flow[%d].result: unknown kind %q", index, kind)
			}
		}
	case step.Consume != nil:
		if step.Consume.Result == "" || step.Consume.Consumer == "" {
			return fmt.Errorf("flow[%d].consume: result and consumer are required", index)
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("flow[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("flow[%d].advance: must be positive", index)
		}
	case step.Reevaluate != nil:
		if len(step.Reevaluate.Results) == 0 {
			return fmt.Errorf("flow[%d].reevaluate: results are required", index)
		}
		if _, err := time.Parse(domain.DateLayout, step.Reevaluate.Date); err != nil {
			return fmt.Errorf("flow[%d].reevaluate: invalid date: %w", index, err)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for status", index)
		}
		switch a.Is {
		case StatusPending, StatusDone, StatusNotFound:
		default:
			return fmt.Errorf("assertions[%d]: is must be PENDING, DONE or NOT_FOUND, got %q", index, a.Is)
		}
	case AssertPublished:
		if a.Topic == "" {
			return fmt.Errorf("assertions[%d]: topic is required for published", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for published", index)
		}
	case AssertConsumed:
		if a.ResultSet == "" {
			return fmt.Errorf("assertions[%d]: resultSet is required for consumed", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
