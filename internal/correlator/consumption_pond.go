package correlator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/retry"
)

// ConsumptionWriter is the part of the result store the consumption pond needs.
type ConsumptionWriter interface {
	GetResultSetByComponentID(ctx context.Context, id string) (domain.ResultSet, error)
	InsertConsumption(ctx context.Context, rec domain.ConsumptionRecord) (int64, error)
}

// ConsumptionPond records that downstream systems have used a result set.
// A consumed result set becomes eligible for retention cleanup.
type ConsumptionPond struct {
	loop
	store     ConsumptionWriter
	validator *Validator
	cfg       pondConfig
}

// NewConsumptionPond creates a pond reading topic through consumer.
func NewConsumptionPond(consumer channel.Consumer, topic string, store ConsumptionWriter, validator *Validator, opts ...PondOption) *ConsumptionPond {
	return &ConsumptionPond{
		loop:      loop{name: "consumption-consumer", consumer: consumer, topic: topic},
		store:     store,
		validator: validator,
		cfg:       newPondConfig(opts),
	}
}

// Run consumes until ctx is cancelled.
func (p *ConsumptionPond) Run(ctx context.Context) error {
	return p.run(ctx, p.Handle)
}

func (p *ConsumptionPond) Name() string { return p.name }

func (p *ConsumptionPond) Ping(ctx context.Context) error { return p.ping(ctx) }

// Handle records one consumption message. Unknown result ids are logged and
// dropped.
func (p *ConsumptionPond) Handle(ctx context.Context, msg channel.Message) error {
	if p.validator != nil {
		if err := p.validator.ValidateConsumption(msg.Value); err != nil {
			return domain.MalformedMessage(msg.Key, err)
		}
	}
	var m ConsumptionMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return domain.MalformedMessage(msg.Key, err)
	}

	var rs domain.ResultSet
	err := retry.Do(ctx, p.cfg.retryInterval, p.cfg.retryAttempts, transient, func(ctx context.Context) error {
		var err error
		rs, err = p.store.GetResultSetByComponentID(ctx, m.ResultID)
		return err
	})
	if domain.IsNotFound(err) {
		slog.Warn("consumption for unknown result",
			"result_id", m.ResultID,
			"consumer", m.Consumer,
			"offset", msg.Offset,
		)
		return nil
	}
	if err != nil {
		return err
	}

	consumedAt := m.ConsumedAt
	if consumedAt.IsZero() {
		consumedAt = msg.Timestamp
	}
	rec := domain.ConsumptionRecord{
		ResultSetID: rs.ID,
		Consumer:    m.Consumer,
		ConsumedAt:  consumedAt,
		ReceivedAt:  p.cfg.now(),
	}
	if rec.ConsumedAt.IsZero() {
		rec.ConsumedAt = rec.ReceivedAt
	}

	var inserted int64
	err = retry.Do(ctx, p.cfg.retryInterval, p.cfg.retryAttempts, transient, func(ctx context.Context) error {
		var err error
		inserted, err = p.store.InsertConsumption(ctx, rec)
		return err
	})
	if domain.IsNotFound(err) {
		// Reclaimed between lookup and insert.
		slog.Warn("consumption for reclaimed result",
			"result_set_id", rs.ID,
			"offset", msg.Offset,
		)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("result set consumed",
		"result_set_id", rs.ID,
		"request_id", rs.RequestID,
		"consumer", m.Consumer,
		"recorded", inserted == 1,
	)
	return nil
}
