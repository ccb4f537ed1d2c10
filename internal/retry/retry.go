// Package retry provides the bounded retry combinators used across regelapi.
//
// Poll waits for a condition to become true. Do retries an operation that
// fails with a transient error. Both run on a constant backoff and stop early
// when the context is cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned by Poll when every attempt finished without the
// condition becoming true.
var ErrExhausted = errors.New("retry: attempts exhausted")

var errNotYet = errors.New("retry: condition not met")

// Probe reports whether the awaited condition holds. A non-nil error stops
// polling immediately.
type Probe func(ctx context.Context) (bool, error)

// Poll runs probe up to attempts times with interval between attempts.
//
// Returns nil as soon as probe reports true, the probe's error as soon as it
// fails, ErrExhausted when attempts run out, and ctx.Err() when ctx is
// cancelled while waiting.
func Poll(ctx context.Context, interval time.Duration, attempts int, probe Probe) error {
	b, err := constant(ctx, interval, attempts)
	if err != nil {
		return err
	}

	err = backoff.Retry(func() error {
		done, err := probe(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotYet
		}
		return nil
	}, b)
	if errors.Is(err, errNotYet) {
		return ErrExhausted
	}
	return err
}

// Do runs op up to attempts times with interval between attempts, retrying
// only while retryable(err) is true. The last error is returned unchanged.
func Do(ctx context.Context, interval time.Duration, attempts int, retryable func(error) bool, op func(ctx context.Context) error) error {
	b, err := constant(ctx, interval, attempts)
	if err != nil {
		return err
	}

	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func constant(ctx context.Context, interval time.Duration, attempts int) (backoff.BackOff, error) {
	if attempts < 1 {
		return nil, fmt.Errorf("retry: attempts must be positive, got %d", attempts)
	}
	if interval < 0 {
		return nil, fmt.Errorf("retry: interval must not be negative, got %s", interval)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
	return backoff.WithContext(b, ctx), nil
}
