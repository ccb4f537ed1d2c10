package correlator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/telemetry"
)

const (
	defaultPublishTimeout  = 10 * time.Second
	defaultTripAfter       = 5
	defaultBreakerCooldown = 30 * time.Second
)

// DeliveryHandle resolves to the offset acknowledgment of one publish.
type DeliveryHandle struct {
	RequestID domain.CorrelationID

	done   chan struct{}
	offset int64
	err    error
}

func newDeliveryHandle(id domain.CorrelationID) *DeliveryHandle {
	return &DeliveryHandle{RequestID: id, done: make(chan struct{})}
}

func (h *DeliveryHandle) resolve(offset int64, err error) {
	h.offset, h.err = offset, err
	close(h.done)
}

// Done is closed once the publish has been acknowledged or has failed.
func (h *DeliveryHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the publish resolves or ctx is done. A ctx error leaves
// the publish running.
func (h *DeliveryHandle) Wait(ctx context.Context) (int64, error) {
	select {
	case <-h.done:
		return h.offset, h.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Publisher sends outbound requests through a circuit breaker. While the
// breaker is open, publishes fail fast with TRANSPORT_UNAVAILABLE and the
// publisher reports DOWN.
type Publisher struct {
	producer channel.Producer
	topic    string
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	timeout   time.Duration
	tripAfter uint32
	cooldown  time.Duration
}

// WithPublishTimeout bounds a single publish attempt.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(c *publisherConfig) { c.timeout = d }
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open before a trial publish.
func WithBreaker(tripAfter uint32, cooldown time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		c.tripAfter = tripAfter
		c.cooldown = cooldown
	}
}

// NewPublisher creates a publisher for topic.
func NewPublisher(producer channel.Producer, topic string, opts ...PublisherOption) *Publisher {
	cfg := publisherConfig{
		timeout:   defaultPublishTimeout,
		tripAfter: defaultTripAfter,
		cooldown:  defaultBreakerCooldown,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	settings := gobreaker.Settings{
		Name:        "publisher:" + topic,
		MaxRequests: 1,
		Timeout:     cfg.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Publisher{
		producer: producer,
		topic:    topic,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		timeout:  cfg.timeout,
	}
}

// Publish encodes req and sends it in the background, keyed by its
// correlation id. The returned handle resolves to the partition offset or to
// a TRANSPORT_UNAVAILABLE error. Cancelling ctx does not abort the send.
func (p *Publisher) Publish(ctx context.Context, req domain.Request) *DeliveryHandle {
	h := newDeliveryHandle(req.ID)

	value, err := EncodeRequest(req)
	if err != nil {
		h.resolve(0, err)
		return h
	}

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		offset, err := p.send(sendCtx, string(req.ID), value)
		h.resolve(offset, err)
	}()
	return h
}

// PublishSync is Publish followed by Wait.
func (p *Publisher) PublishSync(ctx context.Context, req domain.Request) (int64, error) {
	return p.Publish(ctx, req).Wait(ctx)
}

func (p *Publisher) send(ctx context.Context, key string, value []byte) (offset int64, err error) {
	ctx, span := telemetry.StartSpan(ctx, "correlator.Publish",
		attribute.String("request_id", key),
		attribute.String("topic", p.topic),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.producer.Publish(ctx, p.topic, key, value)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.TransportUnavailable("publish "+p.topic, err)
		} else if domain.CodeOf(err) == "" {
			err = domain.TransportUnavailable("publish "+p.topic, err)
		}
		slog.Error("publish failed",
			"request_id", key,
			"topic", p.topic,
			"error", err,
		)
		return 0, err
	}

	offset = result.(int64)
	slog.Debug("request published",
		"request_id", key,
		"topic", p.topic,
		"offset", offset,
	)
	return offset, nil
}

// Name identifies the publisher in health reports.
func (p *Publisher) Name() string { return "request-producer" }

// Ping is DOWN while the breaker is open or the producer is unreachable.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.breaker.State() == gobreaker.StateOpen {
		return domain.TransportUnavailable("publisher", gobreaker.ErrOpenState)
	}
	return p.producer.Ping(ctx)
}
