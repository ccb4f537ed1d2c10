// Package reevaluation decides whether an existing result must be
// recalculated for a new computation date.
//
// The decider re-submits the original request's input under the
// revaluation context, waits a bounded time for the external engine to
// answer, and compares the qualification outcome of the two result sets.
package reevaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/retry"
	"github.com/roach88/regelapi/internal/telemetry"
)

const (
	// PlaceholderCaseID marks derived requests so they are never mistaken
	// for a real case decision.
	PlaceholderCaseID = -9999

	DefaultInterval = time.Second
	DefaultAttempts = 15
)

// Store is the read side the decider needs.
type Store interface {
	GetRequest(ctx context.Context, id domain.CorrelationID) (domain.Request, error)
	GetResultSet(ctx context.Context, requestID domain.CorrelationID) (domain.ResultSet, error)
	GetResultSetByComponentID(ctx context.Context, id string) (domain.ResultSet, error)
	Status(ctx context.Context, id domain.CorrelationID) (domain.Status, error)
	LookupMapping(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, bool, error)
	Reclaimed(ctx context.Context, id domain.CorrelationID) (bool, error)
}

// Submitter creates a request (idempotently) and publishes it.
type Submitter interface {
	Submit(ctx context.Context, ref domain.ExternalReference, input domain.RequestInput) (domain.Request, error)
}

// Decider runs re-evaluation checks. Each check runs its own poll loop.
type Decider struct {
	store     Store
	submitter Submitter
	interval  time.Duration
	attempts  int
}

// Option configures a Decider.
type Option func(*Decider)

// WithPolling sets the status poll interval and the number of probes.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(d *Decider) {
		d.interval = interval
		d.attempts = attempts
	}
}

// New creates a Decider.
func New(store Store, submitter Submitter, opts ...Option) *Decider {
	d := &Decider{
		store:     store,
		submitter: submitter,
		interval:  DefaultInterval,
		attempts:  DefaultAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DerivedReference is the mapping key of the re-evaluation of request id at
// date. Generation 0 is the first derived request for that date; a new
// generation is started once the previous one's result set is reclaimed.
func DerivedReference(id domain.CorrelationID, date time.Time, generation int) domain.ExternalReference {
	key := string(id) + "@" + date.Format(domain.DateLayout)
	if generation > 0 {
		key += "#" + strconv.Itoa(generation)
	}
	return domain.ExternalReference{Key: key, Context: domain.ContextRevaluation}
}

// derivedReference picks the reference for a check: the newest generation
// for the date unless its result set has been reclaimed. Repeating a check
// reuses the derived request while its answer is still stored.
func (d *Decider) derivedReference(ctx context.Context, id domain.CorrelationID, date time.Time) (domain.ExternalReference, error) {
	for generation := 0; ; generation++ {
		ref := DerivedReference(id, date, generation)
		derivedID, found, err := d.store.LookupMapping(ctx, ref)
		if err != nil || !found {
			return ref, err
		}
		reclaimed, err := d.store.Reclaimed(ctx, derivedID)
		if err != nil || !reclaimed {
			return ref, err
		}
		slog.Debug("derived request reclaimed, starting a new generation",
			"request_id", derivedID,
			"generation", generation+1,
		)
	}
}

// DerivedInput copies every input flag of the original and replaces the
// computation date and case id.
func DerivedInput(original domain.RequestInput, date time.Time) domain.RequestInput {
	in := original
	in.ComputationDate = date
	in.CaseID = PlaceholderCaseID
	if original.ManualBase != nil {
		v := *original.ManualBase
		in.ManualBase = &v
	}
	if original.UsedIncomePeriod != nil {
		p := *original.UsedIncomePeriod
		in.UsedIncomePeriod = &p
	}
	return in
}

// RequiresReevaluation reports whether the result set identified by
// resultID (its own id or any sub-result id) qualifies differently when
// computed for date.
//
// Fails with NOT_FOUND for an unknown result id and with CORRELATION_TIMEOUT
// when the derived request is still pending after every probe. Cancelling
// ctx stops waiting; the derived request stays in place and a later check
// for the same date picks it up. Once retention cleanup has reclaimed the
// derived result, a later check submits a fresh derived request.
func (d *Decider) RequiresReevaluation(ctx context.Context, resultID string, date time.Time) (changed bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reevaluation.RequiresReevaluation",
		attribute.String("result_id", resultID),
		attribute.String("date", date.Format(domain.DateLayout)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	original, err := d.store.GetResultSetByComponentID(ctx, resultID)
	if err != nil {
		return false, err
	}
	return d.check(ctx, original, date)
}

// AnyRequiresReevaluation is RequiresReevaluation over several result ids.
// Stops at the first result that must be recalculated. An empty list needs
// no recalculation.
func (d *Decider) AnyRequiresReevaluation(ctx context.Context, resultIDs []string, date time.Time) (bool, error) {
	for _, id := range resultIDs {
		changed, err := d.RequiresReevaluation(ctx, id, date)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

func (d *Decider) check(ctx context.Context, original domain.ResultSet, date time.Time) (bool, error) {
	req, err := d.store.GetRequest(ctx, original.RequestID)
	if err != nil {
		return false, fmt.Errorf("load original request: %w", err)
	}

	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	ref, err := d.derivedReference(ctx, req.ID, date)
	if err != nil {
		return false, fmt.Errorf("resolve derived reference: %w", err)
	}
	derived, err := d.submitter.Submit(ctx, ref, DerivedInput(req.RequestInput, date))
	if err != nil {
		return false, fmt.Errorf("submit derived request: %w", err)
	}

	slog.Info("waiting for re-evaluation result",
		"request_id", derived.ID,
		"original_request_id", req.ID,
		"result_set_id", original.ID,
		"date", date.Format(domain.DateLayout),
	)

	probes := 0
	err = retry.Poll(ctx, d.interval, d.attempts, func(ctx context.Context) (bool, error) {
		probes++
		status, err := d.store.Status(ctx, derived.ID)
		if err != nil {
			return false, err
		}
		slog.Debug("re-evaluation status", "request_id", derived.ID, "probe", probes, "status", status.String())
		return status.IsDone(), nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return false, domain.CorrelationTimeout(derived.ID, probes)
	}
	if err != nil {
		return false, err
	}

	current, err := d.store.GetResultSet(ctx, derived.ID)
	if err != nil {
		return false, err
	}

	changed := !sameQualification(original, current)
	slog.Info("re-evaluation decided",
		"request_id", derived.ID,
		"result_set_id", original.ID,
		"changed", changed,
	)
	return changed, nil
}

func sameQualification(a, b domain.ResultSet) bool {
	av, aok := a.Qualified()
	bv, bok := b.Qualified()
	return aok == bok && reflect.DeepEqual(av, bv)
}
