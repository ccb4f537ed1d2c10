// Package health aggregates UP/DOWN probes of the store, the message channel
// and the consumption loops into a single report.
package health

import (
	"context"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Checker is implemented by every probed subsystem. Ping returns nil when
// the subsystem is UP. Ping must not change any state.
type Checker interface {
	Name() string
	Ping(ctx context.Context) error
}

// Status is UP or DOWN.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Component is the result of one probe.
type Component struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

// Report is the aggregate. Status is DOWN when any required component is DOWN.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
}

// Up reports whether the aggregate status is UP.
func (r Report) Up() bool { return r.Status == StatusUp }

type registration struct {
	checker  Checker
	required bool
}

// Aggregator probes registered checkers. Safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	checks  []registration
	timeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCheckTimeout bounds each probe.
func WithCheckTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{timeout: defaultCheckTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Require registers a checker whose DOWN makes the aggregate DOWN.
func (a *Aggregator) Require(c Checker) {
	a.register(c, true)
}

// Observe registers a checker that is reported but does not affect the aggregate.
func (a *Aggregator) Observe(c Checker) {
	a.register(c, false)
}

func (a *Aggregator) register(c Checker, required bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, registration{checker: c, required: required})
}

// Check probes every checker concurrently. Components are listed in
// registration order.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.RLock()
	checks := append([]registration(nil), a.checks...)
	a.mu.RUnlock()

	components := make([]Component, len(checks))
	var wg sync.WaitGroup
	for i, reg := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = a.probe(ctx, reg)
		}()
	}
	wg.Wait()

	report := Report{Status: StatusUp, Components: components}
	for _, c := range components {
		if c.Required && c.Status == StatusDown {
			report.Status = StatusDown
			break
		}
	}
	return report
}

func (a *Aggregator) probe(ctx context.Context, reg registration) Component {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c := Component{Name: reg.checker.Name(), Status: StatusUp, Required: reg.required}
	if err := reg.checker.Ping(ctx); err != nil {
		c.Status = StatusDown
		c.Error = err.Error()
	}
	return c
}
