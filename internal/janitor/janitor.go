// Package janitor reclaims result sets that downstream systems no longer
// need.
//
// A result set is eligible when it was consumed longer ago than the
// retention window, or when it was never consumed and is older than the
// hard ceiling. Requests and identity mappings are never removed.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/regelapi/internal/domain"
	"github.com/roach88/regelapi/internal/telemetry"
)

const (
	DefaultInitialDelay = 10 * time.Minute
	DefaultPeriod       = 12 * time.Hour
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultHardCeiling  = 90 * 24 * time.Hour

	defaultBatchSize = 100
)

// Store is what a sweep reads and deletes.
type Store interface {
	ConsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error)
	UnconsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error)
	Delete(ctx context.Context, rs domain.ResultSet) error
}

// Policy decides which result sets are reclaimed.
type Policy struct {
	// Retention is how long a consumed result set is kept after consumption.
	Retention time.Duration
	// HardCeiling is how long an unconsumed result set is kept after creation.
	HardCeiling time.Duration
}

// Validate rejects windows that would reclaim everything.
func (p Policy) Validate() error {
	if p.Retention <= 0 {
		return fmt.Errorf("retention window must be positive, got %s", p.Retention)
	}
	if p.HardCeiling <= 0 {
		return fmt.Errorf("hard ceiling must be positive, got %s", p.HardCeiling)
	}
	return nil
}

// Eligible reports whether a result set created at createdAt, and consumed
// at consumedAt (zero when unconsumed), may be reclaimed at now. Once true
// for some now it stays true for every later now.
func (p Policy) Eligible(now, createdAt, consumedAt time.Time) bool {
	if !consumedAt.IsZero() {
		return consumedAt.Before(now.Add(-p.Retention))
	}
	return createdAt.Before(now.Add(-p.HardCeiling))
}

// Report summarizes one sweep.
type Report struct {
	Consumed   int // reclaimed after consumption
	Unconsumed int // reclaimed at the hard ceiling
	Failed     int
}

// Reclaimed is the total number of deleted result sets.
func (r Report) Reclaimed() int { return r.Consumed + r.Unconsumed }

// Janitor runs sweeps on a schedule.
type Janitor struct {
	store        Store
	policy       Policy
	initialDelay time.Duration
	period       time.Duration
	batchSize    int
	now          func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule sets the delay before the first sweep and the period between sweeps.
func WithSchedule(initialDelay, period time.Duration) Option {
	return func(j *Janitor) {
		j.initialDelay = initialDelay
		j.period = period
	}
}

// WithBatchSize sets how many candidates are read per query.
func WithBatchSize(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a Janitor.
func New(store Store, policy Policy, opts ...Option) *Janitor {
	j := &Janitor{
		store:        store,
		policy:       policy,
		initialDelay: DefaultInitialDelay,
		period:       DefaultPeriod,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps after the initial delay and then once per period until ctx is
// cancelled. A failed sweep is logged and the schedule continues.
func (j *Janitor) Run(ctx context.Context) error {
	if err := j.policy.Validate(); err != nil {
		return err
	}
	if j.period <= 0 {
		return fmt.Errorf("janitor period must be positive, got %s", j.period)
	}

	slog.Info("janitor scheduled",
		"initial_delay", j.initialDelay,
		"period", j.period,
		"retention", j.policy.Retention,
		"hard_ceiling", j.policy.HardCeiling,
	)

	timer := time.NewTimer(j.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	ticker := time.NewTicker(j.period)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass: consumed result sets first, then unconsumed ones past
// the hard ceiling. A failed delete is logged and counted; the sweep moves on.
// Errors are returned only when candidates cannot be listed.
func (j *Janitor) Sweep(ctx context.Context) (report Report, err error) {
	now := j.now()
	ctx, span := telemetry.StartSpan(ctx, "janitor.Sweep",
		attribute.String("now", now.Format(time.RFC3339)),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("reclaimed", report.Reclaimed()),
			attribute.Int("failed", report.Failed),
		)
		telemetry.EndSpan(span, err)
	}()

	if err := j.policy.Validate(); err != nil {
		return report, err
	}

	consumedCutoff := now.Add(-j.policy.Retention)
	report.Consumed, report.Failed, err = j.reclaim(ctx, now, "consumed", func(ctx context.Context, after domain.ReclaimCursor) ([]domain.ReclaimCandidate, error) {
		return j.store.ConsumedBefore(ctx, consumedCutoff, after, j.batchSize)
	})
	if err != nil {
		return report, err
	}

	ceilingCutoff := now.Add(-j.policy.HardCeiling)
	var failed int
	report.Unconsumed, failed, err = j.reclaim(ctx, now, "unconsumed", func(ctx context.Context, after domain.ReclaimCursor) ([]domain.ReclaimCandidate, error) {
		return j.store.UnconsumedBefore(ctx, ceilingCutoff, after, j.batchSize)
	})
	report.Failed += failed
	if err != nil {
		return report, err
	}

	slog.Info("sweep finished",
		"consumed", report.Consumed,
		"unconsumed", report.Unconsumed,
		"failed", report.Failed,
	)
	return report, nil
}

// reclaim pages through candidates in listing order and deletes each one
// the policy still finds eligible. The cursor moves past failed records, so
// they cannot hide the rest of the listing.
func (j *Janitor) reclaim(ctx context.Context, now time.Time, category string, list func(context.Context, domain.ReclaimCursor) ([]domain.ReclaimCandidate, error)) (deleted, failed int, err error) {
	var after domain.ReclaimCursor
	for {
		if err := ctx.Err(); err != nil {
			return deleted, failed, err
		}
		batch, err := list(ctx, after)
		if err != nil {
			return deleted, failed, fmt.Errorf("list %s result sets: %w", category, err)
		}

		for _, c := range batch {
			after = c.Cursor()
			if !j.policy.Eligible(now, c.CreatedAt, c.ConsumedAt) {
				slog.Warn("listed result set is not eligible",
					"category", category,
					"result_set_id", c.ID,
				)
				continue
			}
			if err := j.store.Delete(ctx, c.ResultSet); err != nil {
				if errors.Is(err, context.Canceled) {
					return deleted, failed, err
				}
				failed++
				slog.Error("reclaim failed",
					"category", category,
					"result_set_id", c.ID,
					"request_id", c.RequestID,
					"error", err,
				)
				continue
			}
			deleted++
			slog.Debug("result set reclaimed",
				"category", category,
				"result_set_id", c.ID,
				"request_id", c.RequestID,
			)
		}

		if len(batch) < j.batchSize {
			return deleted, failed, nil
		}
	}
}
