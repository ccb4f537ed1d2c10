package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/regelapi/internal/domain"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStatus:
			err = h.assertStatus(ctx, a)
		case AssertPublished:
			err = h.assertPublished(a)
		case AssertConsumed:
			err = h.assertConsumed(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) assertStatus(ctx context.Context, a Assertion) error {
	id := h.resolve(a.Request)
	status, err := h.store.Status(ctx, id)

	var actual string
	switch {
	case domain.IsNotFound(err):
		actual = StatusNotFound
	case err != nil:
		return err
	case status.IsDone():
		actual = StatusDone + " by " + status.ResultSetID
	default:
		actual = StatusPending
	}

	expected := a.Is
	if a.Is == StatusDone {
		if a.ResultSet != "" {
			expected += " by " + a.ResultSet
		} else if status.IsDone() {
			return nil
		}
	}
	if expected != actual {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.Request, expected),
			Actual:   actual,
		}
	}
	return nil
}

func (h *Harness) assertPublished(a Assertion) error {
	got := len(h.broker.Messages(a.Topic))
	if got != a.Count {
		return &AssertionError{
			Type:     AssertPublished,
			Expected: fmt.Sprintf("%d message(s) on %s", a.Count, a.Topic),
			Actual:   fmt.Sprintf("%d message(s)", got),
		}
	}
	return nil
}

func (h *Harness) assertConsumed(ctx context.Context, a Assertion) error {
	rec, found, err := h.store.GetConsumption(ctx, a.ResultSet)
	if err != nil {
		return err
	}
	expected := a.ResultSet + " consumed"
	if a.Consumer != "" {
		expected += " by " + a.Consumer
	}
	switch {
	case !found:
		return &AssertionError{Type: AssertConsumed, Expected: expected, Actual: "no consumption record"}
	case a.Consumer != "" && rec.Consumer != a.Consumer:
		return &AssertionError{Type: AssertConsumed, Expected: expected, Actual: "consumed by " + rec.Consumer}
	}
	return nil
}
