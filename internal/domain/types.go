package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// Context namespaces external keys so the same key can be mapped
// independently for different purposes.
type Context string

const (
	// ContextDecision is used for requests tied to a case decision (vedtak).
	ContextDecision Context = "decision"
	// ContextRevaluation is used for derived requests issued by re-evaluation.
	ContextRevaluation Context = "revaluation"
)

// Valid reports whether c is a known context.
func (c Context) Valid() bool {
	switch c {
	case ContextDecision, ContextRevaluation:
		return true
	}
	return false
}

// ExternalReference identifies a caller-supplied entity.
// Unique per (Key, Context) pair.
type ExternalReference struct {
	Key     string  `json:"key"`
	Context Context `json:"context"`
}

// Validate checks that the reference can be mapped.
func (r ExternalReference) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("external reference: key is required")
	}
	if !r.Context.Valid() {
		return fmt.Errorf("external reference: unknown context %q", r.Context)
	}
	return nil
}

func (r ExternalReference) String() string {
	return string(r.Context) + ":" + r.Key
}

// CorrelationID is the internally generated id linking a Request to its
// eventual ResultSet. Time-ordered and lexicographically sortable.
type CorrelationID string

func (id CorrelationID) String() string { return string(id) }

// IncomePeriod is a closed range of months, formatted "2006-01".
type IncomePeriod struct {
	FirstMonth string `json:"firstMonth" yaml:"firstMonth"`
	LastMonth  string `json:"lastMonth" yaml:"lastMonth"`
}

// RequestInput carries everything the external engine needs to compute a
// result. It is immutable once a Request has been created from it.
type RequestInput struct {
	SubjectID                string        `json:"subjectId" yaml:"subjectId"`
	CaseID                   int64         `json:"caseId" yaml:"caseId"`
	ComputationDate          time.Time     `json:"-" yaml:"-"`
	CompletedMilitaryService bool          `json:"completedMilitaryService" yaml:"completedMilitaryService"`
	FishingIncomeQualified   bool          `json:"fishingIncomeQualified" yaml:"fishingIncomeQualified"`
	Apprentice               bool          `json:"apprentice" yaml:"apprentice"`
	ChildCount               int           `json:"childCount" yaml:"childCount"`
	ManualBase               *int64        `json:"manualBase,omitempty" yaml:"manualBase,omitempty"`
	IncomeID                 string        `json:"incomeId,omitempty" yaml:"incomeId,omitempty"`
	UsedIncomePeriod         *IncomePeriod `json:"usedIncomePeriod,omitempty" yaml:"usedIncomePeriod,omitempty"`
}

// Validate checks the fields every request must carry.
func (in RequestInput) Validate() error {
	if strings.TrimSpace(in.SubjectID) == "" {
		return fmt.Errorf("request input: subject id is required")
	}
	if in.ComputationDate.IsZero() {
		return fmt.Errorf("request input: computation date is required")
	}
	if in.ChildCount < 0 {
		return fmt.Errorf("request input: child count must not be negative")
	}
	return nil
}

// Request is a submitted unit of work awaiting computation (behov).
type Request struct {
	ID        CorrelationID
	Reference ExternalReference
	RequestInput
	CreatedAt time.Time
}

// ResultKind names one of the four independent sub-results.
type ResultKind string

const (
	KindThreshold ResultKind = "thresholdResult"
	KindPeriod    ResultKind = "periodResult"
	KindBase      ResultKind = "baseResult"
	KindDailyRate ResultKind = "dailyRateResult"
)

// AllKinds lists every ResultKind in storage order.
var AllKinds = []ResultKind{KindThreshold, KindPeriod, KindBase, KindDailyRate}

// Sub-result payload keys read by the correlation engine.
const (
	// SubResultIDKey holds the component result id inside a sub-result payload.
	SubResultIDKey = "resultId"
	// QualifiedKey holds the qualification outcome of the threshold sub-result.
	QualifiedKey = "qualified"
)

// SubResult is an opaque sub-result payload produced by the external engine.
type SubResult map[string]any

// ID returns the component result id, or "" when absent.
func (s SubResult) ID() string {
	if s == nil {
		return ""
	}
	id, _ := s[SubResultIDKey].(string)
	return id
}

// ResultSet is the persisted outcome of a Request (subsumsjon).
type ResultSet struct {
	ID        string
	RequestID CorrelationID
	CreatedAt time.Time
	UpdatedAt time.Time
	Results   map[ResultKind]SubResult
}

// Has reports whether the sub-result of the given kind is present.
func (rs ResultSet) Has(kind ResultKind) bool {
	_, ok := rs.Results[kind]
	return ok
}

// Complete reports whether all four sub-results are present.
func (rs ResultSet) Complete() bool {
	for _, k := range AllKinds {
		if !rs.Has(k) {
			return false
		}
	}
	return true
}

// ComponentID returns the id of the sub-result of the given kind.
func (rs ResultSet) ComponentID(kind ResultKind) string {
	return rs.Results[kind].ID()
}

// Qualified returns the qualification outcome of the threshold sub-result.
func (rs ResultSet) Qualified() (any, bool) {
	sub, ok := rs.Results[KindThreshold]
	if !ok {
		return nil, false
	}
	v, ok := sub[QualifiedKey]
	return v, ok
}

// StatusKind tags a Status.
type StatusKind int

const (
	StatusPending StatusKind = iota + 1
	StatusDone
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "PENDING"
	case StatusDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Status is derived from the store, never persisted.
// ResultSetID is set only when Kind is StatusDone.
type Status struct {
	Kind        StatusKind
	ResultSetID string
}

// Pending returns the status of a request without a result set.
func Pending() Status { return Status{Kind: StatusPending} }

// Done returns the status of a request answered by resultSetID.
func Done(resultSetID string) Status {
	return Status{Kind: StatusDone, ResultSetID: resultSetID}
}

// IsDone reports whether the status is terminal.
func (s Status) IsDone() bool { return s.Kind == StatusDone }

func (s Status) String() string {
	if s.IsDone() {
		return fmt.Sprintf("%s(%s)", s.Kind, s.ResultSetID)
	}
	return s.Kind.String()
}

// ConsumptionRecord marks that a downstream system has taken ownership of a
// ResultSet (brukt).
type ConsumptionRecord struct {
	ResultSetID string
	Consumer    string
	ConsumedAt  time.Time
	ReceivedAt  time.Time
}

// ReclaimCandidate is a result set listed for retention cleanup. ConsumedAt
// is zero when the result set was never consumed.
type ReclaimCandidate struct {
	ResultSet
	ConsumedAt time.Time
}

// ReclaimCursor is a position in a candidate listing ordered by (At, ID).
// The zero cursor is the start of the listing.
type ReclaimCursor struct {
	At time.Time
	ID string
}

// IsZero reports whether the cursor is the start of the listing.
func (c ReclaimCursor) IsZero() bool { return c.ID == "" }

// Cursor is the listing position of c: its consumption time when consumed,
// otherwise its creation time.
func (c ReclaimCandidate) Cursor() ReclaimCursor {
	if !c.ConsumedAt.IsZero() {
		return ReclaimCursor{At: c.ConsumedAt, ID: c.ID}
	}
	return ReclaimCursor{At: c.CreatedAt, ID: c.ID}
}
