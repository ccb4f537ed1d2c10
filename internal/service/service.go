// Package service holds the caller-facing operations of regelapi: create a
// request, read its status and result, and ask whether a result needs
// recalculation. Transports (CLI today) call these and nothing else.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/regelapi/internal/correlator"
	"github.com/roach88/regelapi/internal/domain"
)

// Store is the persistence the service orchestrates.
type Store interface {
	ResolveOrCreate(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, error)
	InsertRequest(ctx context.Context, req domain.Request) (int64, error)
	LookupMapping(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, bool, error)
	GetRequest(ctx context.Context, id domain.CorrelationID) (domain.Request, error)
	Status(ctx context.Context, id domain.CorrelationID) (domain.Status, error)
	GetResultSet(ctx context.Context, requestID domain.CorrelationID) (domain.ResultSet, error)
	GetResultSetByComponentID(ctx context.Context, id string) (domain.ResultSet, error)
}

// Publisher sends requests to the external engine.
type Publisher interface {
	Publish(ctx context.Context, req domain.Request) *correlator.DeliveryHandle
}

// Reevaluator answers re-evaluation checks.
type Reevaluator interface {
	AnyRequiresReevaluation(ctx context.Context, resultIDs []string, date time.Time) (bool, error)
}

// Submitter creates requests and publishes them.
type Submitter struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewSubmitter creates a Submitter.
func NewSubmitter(store Store, publisher Publisher) *Submitter {
	return &Submitter{
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submission is the outcome of Create.
type Submission struct {
	Request domain.Request
	// Created is false when the reference was already known and the stored
	// request was returned unchanged.
	Created bool
	// Delivery is nil when nothing was published because the request is done.
	Delivery *correlator.DeliveryHandle
}

// Create maps ref to its correlation id and stores a request with input,
// unless one exists already. A request that is not done yet is (re)published;
// the engine tolerates duplicates and result insertion is idempotent.
func (s *Submitter) Create(ctx context.Context, ref domain.ExternalReference, input domain.RequestInput) (Submission, error) {
	if err := ref.Validate(); err != nil {
		return Submission{}, err
	}
	if err := input.Validate(); err != nil {
		return Submission{}, err
	}

	id, err := s.store.ResolveOrCreate(ctx, ref)
	if err != nil {
		return Submission{}, err
	}

	req := domain.Request{
		ID:           id,
		Reference:    ref,
		RequestInput: input,
		CreatedAt:    s.now(),
	}
	inserted, err := s.store.InsertRequest(ctx, req)
	if err != nil {
		return Submission{}, fmt.Errorf("create request %s: %w", id, err)
	}

	sub := Submission{Created: inserted == 1}
	if sub.Created {
		sub.Request = req
	} else {
		stored, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		stored.Reference = ref
		sub.Request = stored
	}

	status, err := s.store.Status(ctx, id)
	switch {
	case domain.IsNotFound(err):
		// Answered, and the result set has since been reclaimed.
		slog.Info("request already answered and reclaimed", "request_id", id)
		return sub, nil
	case err != nil:
		return Submission{}, err
	case status.IsDone():
		slog.Info("request already done",
			"request_id", id,
			"result_set_id", status.ResultSetID,
		)
		return sub, nil
	}

	sub.Delivery = s.publisher.Publish(ctx, sub.Request)
	slog.Info("request submitted",
		"request_id", id,
		"reference", ref.String(),
		"created", sub.Created,
	)
	return sub, nil
}

// Submit creates the request and waits for its publish acknowledgment.
// Cancelling ctx stops the wait, not the publish.
func (s *Submitter) Submit(ctx context.Context, ref domain.ExternalReference, input domain.RequestInput) (domain.Request, error) {
	sub, err := s.Create(ctx, ref, input)
	if err != nil {
		return domain.Request{}, err
	}
	if sub.Delivery != nil {
		if _, err := sub.Delivery.Wait(ctx); err != nil {
			return sub.Request, err
		}
	}
	return sub.Request, nil
}

// Service bundles the caller-facing operations.
type Service struct {
	store       Store
	submitter   *Submitter
	reevaluator Reevaluator
}

// New creates a Service.
func New(store Store, submitter *Submitter, reevaluator Reevaluator) *Service {
	return &Service{store: store, submitter: submitter, reevaluator: reevaluator}
}

// CreateRequest creates (or finds) the request for ref and waits until it
// has been handed to the channel.
func (s *Service) CreateRequest(ctx context.Context, ref domain.ExternalReference, input domain.RequestInput) (domain.Request, error) {
	return s.submitter.Submit(ctx, ref, input)
}

// Status returns the status of request id. An unknown id is NOT_FOUND,
// which is distinct from Pending.
func (s *Service) Status(ctx context.Context, id domain.CorrelationID) (domain.Status, error) {
	return s.store.Status(ctx, id)
}

// StatusByReference resolves ref without creating a mapping and returns the
// status of its request.
func (s *Service) StatusByReference(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, domain.Status, error) {
	if err := ref.Validate(); err != nil {
		return "", domain.Status{}, err
	}
	id, found, err := s.store.LookupMapping(ctx, ref)
	if err != nil {
		return "", domain.Status{}, err
	}
	if !found {
		return "", domain.Status{}, domain.RequestNotFound(domain.CorrelationID(ref.String()))
	}
	status, err := s.store.Status(ctx, id)
	return id, status, err
}

// Result returns the result set answering request id.
func (s *Service) Result(ctx context.Context, id domain.CorrelationID) (domain.ResultSet, error) {
	if _, err := s.store.GetRequest(ctx, id); err != nil {
		return domain.ResultSet{}, err
	}
	return s.store.GetResultSet(ctx, id)
}

// ResultByComponent returns the result set with the given id, or the one
// containing a sub-result with that id.
func (s *Service) ResultByComponent(ctx context.Context, id string) (domain.ResultSet, error) {
	return s.store.GetResultSetByComponentID(ctx, id)
}

// RequiresReevaluation reports whether any of the results must be
// recalculated for date.
func (s *Service) RequiresReevaluation(ctx context.Context, resultIDs []string, date time.Time) (bool, error) {
	changed, err := s.reevaluator.AnyRequiresReevaluation(ctx, resultIDs, date)
	slog.Info("re-evaluation check",
		"result_ids", resultIDs,
		"date", date.Format(domain.DateLayout),
		"changed", changed,
		"error", err,
	)
	return changed, err
}
