package memory

import (
	"sync"

	"github.com/roach88/regelapi/internal/channel"
)

// partitionLog is an append-only, thread-safe message list for one
// (topic, partition). Messages are retained so every consumer group reads
// the full history from its own offset.
//
// Waiters select on the channel returned by Wait, which is closed and
// replaced on every append and on Close, so all groups wake up.
type partitionLog struct {
	mu     sync.Mutex
	msgs   []channel.Message
	closed bool
	signal chan struct{}
}

func newPartitionLog() *partitionLog {
	return &partitionLog{
		msgs:   make([]channel.Message, 0, 64),
		signal: make(chan struct{}),
	}
}

// Append stores msg with the next offset (1-based) and wakes waiters.
// Returns false if the log is closed.
func (p *partitionLog) Append(msg channel.Message) (channel.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return channel.Message{}, false
	}

	msg.Offset = int64(len(p.msgs)) + 1
	p.msgs = append(p.msgs, msg)

	close(p.signal)
	p.signal = make(chan struct{})
	return msg, true
}

// After returns up to limit messages with offsets above offset without blocking.
func (p *partitionLog) After(offset int64, limit int) []channel.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset >= int64(len(p.msgs)) {
		return nil
	}
	end := len(p.msgs)
	if limit > 0 && int(offset)+limit < end {
		end = int(offset) + limit
	}
	out := make([]channel.Message, end-int(offset))
	copy(out, p.msgs[offset:end])
	return out
}

// Wait returns a channel that is closed when new messages may be available.
// Use with select for context-aware waiting.
func (p *partitionLog) Wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

// Len returns the number of messages appended so far.
func (p *partitionLog) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// Closed reports whether Close has been called.
func (p *partitionLog) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops further appends and wakes all waiters.
func (p *partitionLog) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.signal)
}
