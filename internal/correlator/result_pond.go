package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/retry"
	"github.com/roach88/regelapi/internal/telemetry"
)

// ResultWriter is the part of the result store the result pond needs.
type ResultWriter interface {
	Status(ctx context.Context, id domain.CorrelationID) (domain.Status, error)
	InsertResultSetAt(ctx context.Context, rs domain.ResultSet, observedAt time.Time) (int64, error)
}

// PondOption configures a ResultPond or ConsumptionPond.
type PondOption func(*pondConfig)

type pondConfig struct {
	ids           domain.IDGenerator
	now           func() time.Time
	retryInterval time.Duration
	retryAttempts int
}

func newPondConfig(opts []PondOption) pondConfig {
	cfg := pondConfig{
		ids:           domain.UUIDv7Generator{},
		now:           func() time.Time { return time.Now().UTC() },
		retryInterval: defaultStoreRetryInterval,
		retryAttempts: defaultStoreRetryAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithResultSetIDs sets the generator for result sets whose message carries
// no id of its own.
func WithResultSetIDs(g domain.IDGenerator) PondOption {
	return func(c *pondConfig) { c.ids = g }
}

// WithPondClock sets the clock used when a message has no timestamp.
func WithPondClock(now func() time.Time) PondOption {
	return func(c *pondConfig) { c.now = now }
}

// WithStoreRetry bounds the retries of transient store failures.
func WithStoreRetry(interval time.Duration, attempts int) PondOption {
	return func(c *pondConfig) {
		c.retryInterval = interval
		c.retryAttempts = attempts
	}
}

// ResultPond consumes result messages from the external engine and writes
// accepted ones to the store while their request is still pending.
type ResultPond struct {
	loop
	store     ResultWriter
	validator *Validator
	cfg       pondConfig
}

// NewResultPond creates a pond reading topic through consumer.
func NewResultPond(consumer channel.Consumer, topic string, store ResultWriter, validator *Validator, opts ...PondOption) *ResultPond {
	return &ResultPond{
		loop:      loop{name: "result-consumer", consumer: consumer, topic: topic},
		store:     store,
		validator: validator,
		cfg:       newPondConfig(opts),
	}
}

// Run consumes until ctx is cancelled.
func (p *ResultPond) Run(ctx context.Context) error {
	return p.run(ctx, p.Handle)
}

// Name identifies the pond in health reports.
func (p *ResultPond) Name() string { return p.name }

// Ping reports the health of the consumption loop.
func (p *ResultPond) Ping(ctx context.Context) error { return p.ping(ctx) }

// Handle processes one result message.
//
// Messages that fail the acceptance filter and results for requests that are
// already done are discarded without error. Malformed messages and orphan
// results are returned as typed errors for the consumer to log.
func (p *ResultPond) Handle(ctx context.Context, msg channel.Message) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "correlator.HandleResult",
		attribute.String("request_id", msg.Key),
		attribute.Int64("offset", msg.Offset),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	result, err := p.decode(msg)
	if err != nil {
		return err
	}

	if !Accept(result) {
		slog.Debug("result not accepted yet",
			"request_id", result.RequestID,
			"offset", msg.Offset,
		)
		return nil
	}

	id := domain.CorrelationID(result.RequestID)
	var status domain.Status
	err = retry.Do(ctx, p.cfg.retryInterval, p.cfg.retryAttempts, transient, func(ctx context.Context) error {
		var err error
		status, err = p.store.Status(ctx, id)
		return err
	})
	switch {
	case err == nil && status.IsDone():
		slog.Info("ignoring result for done request",
			"request_id", id,
			"result_set_id", status.ResultSetID,
			"offset", msg.Offset,
		)
		return nil
	case err != nil && !domain.IsNotFound(err):
		return fmt.Errorf("status %s: %w", id, err)
	}

	// Pending, or unknown to the store: the insert decides between a new
	// result set, an orphan and a reclaimed request.
	rs := domain.ResultSet{
		ID:        result.ResultSetID,
		RequestID: id,
		Results:   result.Results(),
	}
	if rs.ID == "" {
		rs.ID = p.cfg.ids.Generate()
	}
	observedAt := msg.Timestamp
	if observedAt.IsZero() {
		observedAt = p.cfg.now()
	}

	var inserted int64
	err = retry.Do(ctx, p.cfg.retryInterval, p.cfg.retryAttempts, transient, func(ctx context.Context) error {
		var err error
		inserted, err = p.store.InsertResultSetAt(ctx, rs, observedAt)
		return err
	})
	if err != nil {
		return err
	}

	if inserted == 0 {
		slog.Info("result set already stored",
			"request_id", id,
			"result_set_id", rs.ID,
			"offset", msg.Offset,
		)
		return nil
	}
	slog.Info("result set stored",
		"request_id", id,
		"result_set_id", rs.ID,
		"offset", msg.Offset,
	)
	return nil
}

func (p *ResultPond) decode(msg channel.Message) (ResultMessage, error) {
	if p.validator != nil {
		if err := p.validator.ValidateResult(msg.Value); err != nil {
			return ResultMessage{}, domain.MalformedMessage(msg.Key, err)
		}
	}

	var result ResultMessage
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return ResultMessage{}, domain.MalformedMessage(msg.Key, err)
	}
	if result.RequestID == "" {
		return ResultMessage{}, domain.MalformedMessage(msg.Key, fmt.Errorf("requestId is required"))
	}
	if msg.Key != "" && msg.Key != result.RequestID {
		return ResultMessage{}, domain.MalformedMessage(msg.Key,
			fmt.Errorf("key does not match requestId %q", result.RequestID))
	}
	return result, nil
}
