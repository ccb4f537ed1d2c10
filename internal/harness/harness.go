package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/channel/memory"
	"github.com/roach88/regelapi/internal/correlator"
	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/janitor"
	"github.com/roach88/regelapi/internal/reevaluation"
	"github.com/roach88/regelapi/internal/service"
	"github.com/roach88/regelapi/internal/store"
	"github.com/roach88/regelapi/internal/testutil"
)

const (
	requestTopic     = "behov"
	resultTopic      = "subsumsjon"
	consumptionTopic = "subsumsjon-brukt"
)

// Harness is the scenario execution engine.
type Harness struct {
	store        *store.Store
	broker       *memory.Broker
	clock        *testutil.ManualClock
	submitter    *service.Submitter
	results      *correlator.ResultPond
	consumptions *correlator.ConsumptionPond
	janitor      *janitor.Janitor
	decider      *reevaluation.Decider
	engine       *scriptedEngine

	// aliases maps submit "as" names to correlation ids.
	aliases map[string]domain.CorrelationID
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. A step whose operation
// fails is traced with the error code; only infrastructure failures abort
// the run.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewManualClock(start)

	st, err := store.Open(":memory:",
		store.WithIDGenerator(testutil.NewSequenceGenerator("req")),
		store.WithClock(clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	validator, err := correlator.NewValidator()
	if err != nil {
		return nil, err
	}

	broker := memory.New(1)
	defer broker.Close()

	submitter := service.NewSubmitter(st, correlator.NewPublisher(broker, requestTopic))
	h := &Harness{
		store:     st,
		broker:    broker,
		clock:     clock,
		submitter: submitter,
		results: correlator.NewResultPond(broker.Consumer("harness"), resultTopic, st, validator,
			correlator.WithPondClock(clock.Now)),
		consumptions: correlator.NewConsumptionPond(broker.Consumer("harness"), consumptionTopic, st, validator,
			correlator.WithPondClock(clock.Now)),
		janitor: janitor.New(st,
			janitor.Policy{Retention: janitor.DefaultRetention, HardCeiling: janitor.DefaultHardCeiling},
			janitor.WithClock(clock.Now),
		),
		aliases: make(map[string]domain.CorrelationID),
	}
	h.engine = &scriptedEngine{submitter: submitter, harness: h}
	h.decider = reevaluation.New(st, h.engine, reevaluation.WithPolling(time.Millisecond, 3))

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Submit != nil:
		return h.submit(ctx, step.Submit, result)
	case step.Result != nil:
		return h.deliverResult(ctx, step.Result, result)
	case step.Consume != nil:
		return h.consume(ctx, step.Consume, result)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		result.record("advance", d.String(), now.Format(time.RFC3339))
		return nil
	case step.Sweep:
		report, err := h.janitor.Sweep(ctx)
		if err != nil {
			return err
		}
		result.record("sweep", "", fmt.Sprintf("consumed=%d unconsumed=%d failed=%d",
			report.Consumed, report.Unconsumed, report.Failed))
		return nil
	case step.Reevaluate != nil:
		return h.reevaluate(ctx, step.Reevaluate, result)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) submit(ctx context.Context, step *SubmitStep, result *Result) error {
	date, err := time.Parse(domain.DateLayout, step.ComputationDate)
	if err != nil {
		return err
	}
	ref := domain.ExternalReference{Key: step.Key, Context: step.Context}
	if ref.Context == "" {
		ref.Context = domain.ContextDecision
	}
	input := domain.RequestInput{
		SubjectID:       step.SubjectID,
		CaseID:          step.CaseID,
		ComputationDate: date,
		ChildCount:      step.ChildCount,
		ManualBase:      step.ManualBase,
	}

	sub, err := h.submitter.Create(ctx, ref, input)
	if err != nil {
		result.record("submit", ref.String(), rejected(err))
		return nil
	}
	h.aliases[step.As] = sub.Request.ID

	outcome := string(sub.Request.ID)
	if sub.Created {
		outcome += " created"
	} else {
		outcome += " existing"
	}
	if sub.Delivery != nil {
		if _, err := sub.Delivery.Wait(ctx); err != nil {
			outcome += ", " + rejected(err)
		} else {
			outcome += ", published"
		}
	}
	result.record("submit", ref.String(), outcome)
	return nil
}

func (h *Harness) deliverResult(ctx context.Context, step *ResultStep, result *Result) error {
	id := h.resolve(step.Request)
	value, err := resultMessage(id, step)
	if err != nil {
		return err
	}

	if err := h.results.Handle(ctx, h.message(resultTopic, string(id), value)); err != nil {
		result.record("result", step.ResultSetID, rejected(err))
		return nil
	}

	status, err := h.store.Status(ctx, id)
	switch {
	case domain.IsNotFound(err):
		result.record("result", step.ResultSetID, "reclaimed")
	case err != nil:
		return err
	case !status.IsDone():
		result.record("result", step.ResultSetID, "discarded")
	case status.ResultSetID == step.ResultSetID:
		result.record("result", step.ResultSetID, "stored for "+string(id))
	default:
		result.record("result", step.ResultSetID,
			fmt.Sprintf("ignored, %s done by %s", id, status.ResultSetID))
	}
	return nil
}

func (h *Harness) consume(ctx context.Context, step *ConsumeStep, result *Result) error {
	value, err := correlator.EncodeConsumption(correlator.ConsumptionMessage{
		ResultID: step.Result,
		Consumer: step.Consumer,
	})
	if err != nil {
		return err
	}

	rs, lookupErr := h.store.GetResultSetByComponentID(ctx, step.Result)
	if err := h.consumptions.Handle(ctx, h.message(consumptionTopic, step.Result, value)); err != nil {
		result.record("consume", step.Result, rejected(err))
		return nil
	}
	if lookupErr != nil {
		result.record("consume", step.Result, "unknown result")
		return nil
	}

	rec, found, err := h.store.GetConsumption(ctx, rs.ID)
	if err != nil {
		return err
	}
	if !found {
		result.record("consume", step.Result, "not recorded")
		return nil
	}
	result.record("consume", step.Result, fmt.Sprintf("consumed %s by %s", rs.ID, rec.Consumer))
	return nil
}

func (h *Harness) reevaluate(ctx context.Context, step *ReevaluateStep, result *Result) error {
	date, err := time.Parse(domain.DateLayout, step.Date)
	if err != nil {
		return err
	}
	subject := strings.Join(step.Results, ",") + " at " + step.Date

	h.engine.qualified = step.Qualified
	changed, err := h.decider.AnyRequiresReevaluation(ctx, step.Results, date)
	switch {
	case err != nil:
		result.record("reevaluate", subject, rejected(err))
	case changed:
		result.record("reevaluate", subject, "changed")
	default:
		result.record("reevaluate", subject, "unchanged")
	}
	return nil
}

// resolve maps an alias to its correlation id; anything else is taken as an id.
func (h *Harness) resolve(name string) domain.CorrelationID {
	if id, ok := h.aliases[name]; ok {
		return id
	}
	return domain.CorrelationID(name)
}

func (h *Harness) message(topic, key string, value []byte) channel.Message {
	return channel.Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Timestamp: h.clock.Now(),
	}
}

func resultMessage(id domain.CorrelationID, step *ResultStep) ([]byte, error) {
	msg := map[string]any{
		"requestId":   string(id),
		"resultSetId": step.ResultSetID,
	}
	if step.ManualBase != nil {
		msg["manualBase"] = *step.ManualBase
	}
	for _, name := range step.Kinds {
		kind := resultKinds[name]
		sub := map[string]any{domain.SubResultIDKey: step.ResultSetID + "-" + name}
		if kind == domain.KindThreshold {
			sub[domain.QualifiedKey] = step.Qualified
		}
		msg[string(kind)] = sub
	}
	return json.Marshal(msg)
}

func rejected(err error) string {
	if code := domain.CodeOf(err); code != "" {
		return "rejected: " + string(code)
	}
	return "rejected: " + err.Error()
}

// scriptedEngine submits derived requests and answers each at once with a
// complete result whose qualification is fixed by the current step.
type scriptedEngine struct {
	submitter *service.Submitter
	harness   *Harness
	qualified bool
}

func (e *scriptedEngine) Submit(ctx context.Context, ref domain.ExternalReference, input domain.RequestInput) (domain.Request, error) {
	req, err := e.submitter.Submit(ctx, ref, input)
	if err != nil {
		return req, err
	}
	step := &ResultStep{
		ResultSetID: "rs-" + string(req.ID),
		Kinds:       []string{"threshold", "period", "base", "dailyRate"},
		Qualified:   e.qualified,
	}
	value, err := resultMessage(req.ID, step)
	if err != nil {
		return req, err
	}
	return req, e.harness.results.Handle(ctx, e.harness.message(resultTopic, string(req.ID), value))
}
