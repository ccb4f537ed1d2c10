// Package sqlitelog is a durable partitioned topic log on SQLite.
//
// Producers append rows to a shared messages table; consumer groups poll
// their partitions and keep committed offsets in consumer_offsets. Several
// processes may share one log file.
package sqlitelog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/regelapi/internal/channel"
	"github.com/roach88/regelapi/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	DefaultPartitions   = 4
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBatchSize    = 64
)

var errClosed = errors.New("log closed")

// Log is a SQLite-backed channel.Producer and the source of Consumers.
type Log struct {
	db           *sql.DB
	partitions   int
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
	closed       atomic.Bool
}

// Option configures a Log.
type Option func(*Log)

// WithPartitions sets the partition count used for new messages.
// All processes sharing a log file must agree on it.
func WithPartitions(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.partitions = n
		}
	}
}

// WithPollInterval sets how long an idle partition waits before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithBatchSize caps the number of messages fetched per poll.
func WithBatchSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Open creates or opens a log at path.
func Open(path string, opts ...Option) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("log pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("log schema: %w", err)
	}

	l := &Log{
		db:           db,
		partitions:   DefaultPartitions,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the underlying database. Publish and Ping fail afterwards.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.db.Close()
}

// Partitions returns the partition count.
func (l *Log) Partitions() int { return l.partitions }

// Publish appends a message to the partition owning key and returns its
// offset. Failures are reported as TRANSPORT_UNAVAILABLE.
func (l *Log) Publish(ctx context.Context, topic, key string, value []byte) (int64, error) {
	if l.closed.Load() {
		return 0, domain.TransportUnavailable("publish "+topic, errClosed)
	}
	if value == nil {
		value = []byte{}
	}
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (topic, part, msg_key, value, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, topic, channel.Partition(key, l.partitions), key, value, l.now().UnixMilli())
	if err != nil {
		return 0, domain.TransportUnavailable("publish "+topic, err)
	}
	offset, err := result.LastInsertId()
	if err != nil {
		return 0, domain.TransportUnavailable("publish "+topic, err)
	}
	return offset, nil
}

// Ping reports whether the log file is reachable.
func (l *Log) Ping(ctx context.Context) error {
	if l.closed.Load() {
		return domain.TransportUnavailable("log ping", errClosed)
	}
	var one int
	if err := l.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return domain.TransportUnavailable("log ping", err)
	}
	return nil
}

// Committed returns the last committed offset of group on a partition,
// or 0 when the group has never committed.
func (l *Log) Committed(ctx context.Context, group, topic string, partition int) (int64, error) {
	var offset int64
	err := l.db.QueryRowContext(ctx, `
		SELECT committed FROM consumer_offsets
		WHERE group_id = ? AND topic = ? AND part = ?
	`, group, topic, partition).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("committed offset %s/%s/%d: %w", group, topic, partition, err)
	}
	return offset, nil
}

// Commit stores offset as the last handled message of group on a partition.
// Offsets never move backwards.
func (l *Log) Commit(ctx context.Context, group, topic string, partition int, offset int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO consumer_offsets (group_id, topic, part, committed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, topic, part) DO UPDATE SET
			committed = MAX(committed, excluded.committed),
			updated_at = excluded.updated_at
	`, group, topic, partition, offset, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("commit offset %s/%s/%d: %w", group, topic, partition, err)
	}
	return nil
}

// Fetch returns up to limit messages of a partition with offsets above after,
// in offset order.
func (l *Log) Fetch(ctx context.Context, topic string, partition int, after int64, limit int) ([]channel.Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, msg_key, value, created_at
		FROM messages
		WHERE topic = ? AND part = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, topic, partition, after, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
	}
	defer rows.Close()

	var msgs []channel.Message
	for rows.Next() {
		m := channel.Message{Topic: topic, Partition: partition}
		var createdAt int64
		if err := rows.Scan(&m.Offset, &m.Key, &m.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Lag returns how many messages of topic the group has not committed yet.
func (l *Log) Lag(ctx context.Context, group, topic string) (int64, error) {
	var lag int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		LEFT JOIN consumer_offsets o
			ON o.group_id = ? AND o.topic = m.topic AND o.part = m.part
		WHERE m.topic = ? AND m.seq > COALESCE(o.committed, 0)
	`, group, topic).Scan(&lag)
	if err != nil {
		return 0, fmt.Errorf("lag %s/%s: %w", group, topic, err)
	}
	return lag, nil
}
