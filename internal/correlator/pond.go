package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
)

const (
	defaultStoreRetryInterval = 200 * time.Millisecond
	defaultStoreRetryAttempts = 5
)

// loop runs a handler over one topic and remembers how it ended, which is
// what the ponds report to health.
type loop struct {
	name     string
	consumer channel.Consumer
	topic    string

	mu      sync.Mutex
	running bool
	failure error
}

func (l *loop) run(ctx context.Context, h channel.Handler) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("%s: already running", l.name)
	}
	l.running = true
	l.failure = nil
	l.mu.Unlock()

	slog.Info("consumption loop starting", "name", l.name, "topic", l.topic)
	err := l.consumer.Consume(ctx, l.topic, h)

	l.mu.Lock()
	l.running = false
	if err != nil && !errors.Is(err, context.Canceled) {
		l.failure = err
	}
	l.mu.Unlock()

	if err != nil {
		slog.Error("consumption loop stopped", "name", l.name, "topic", l.topic, "error", err)
		return fmt.Errorf("%s: %w", l.name, err)
	}
	slog.Info("consumption loop stopped", "name", l.name, "topic", l.topic)
	return nil
}

// ping is DOWN after the loop ended with an error or when the channel is
// unreachable.
func (l *loop) ping(ctx context.Context) error {
	l.mu.Lock()
	failure := l.failure
	l.mu.Unlock()
	if failure != nil {
		return domain.TransportUnavailable(l.name+" stopped", failure)
	}
	return l.consumer.Ping(ctx)
}

// transient reports whether a store error is worth retrying from a handler.
// Typed domain failures other than outages are final.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := domain.CodeOf(err)
	return code == "" || domain.IsTransportUnavailable(err)
}
