package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/pkg/clients"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

const (
	// DefaultTimeout bounds a single Redis round-trip.
	DefaultTimeout = time.Second
	// DefaultMaxLen is the per-channel trim threshold. Streams are trimmed
	// approximately (MAXLEN ~) on every append.
	DefaultMaxLen = 1000
)

// Entry is one stream record.
type Entry struct {
	ID     string
	Fields map[string]interface{}
}

// Log is the append-only event log over Redis Streams. Entry ids are assigned
// by Redis and are strictly monotonic per key, which is what gives channels
// their total order.
type Log struct {
	client  goredis.UniversalClient
	logger  logging.Logger
	exec    *clients.Executor
	timeout time.Duration
	maxLen  int64
}

// Option adjusts Log construction.
type Option func(*Log)

// WithMaxLen overrides the default trim threshold.
func WithMaxLen(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxLen = n
		}
	}
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New wires a Log over a shared Redis client.
func New(client goredis.UniversalClient, logger logging.Logger, opts ...Option) *Log {
	l := &Log{
		client:  client,
		logger:  logger,
		timeout: DefaultTimeout,
		maxLen:  DefaultMaxLen,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.exec = clients.NewExecutor(clients.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		RetryIf:    models.IsTransient,
	}, nil)
	return l
}

// Key builds the stream key for a channel.
func Key(organizationID, channel string) string {
	return fmt.Sprintf("events:%s:%s", organizationID, channel)
}

// transient tags Redis failures as retryable. redis.Nil is absence, not failure.
func transient(err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}

// Append adds an entry and trims the stream to the configured threshold.
// Returns the assigned entry id.
func (l *Log) Append(ctx context.Context, key string, fields map[string]interface{}) (string, error) {
	return l.AppendWithMaxLen(ctx, key, fields, l.maxLen)
}

// AppendWithMaxLen adds an entry with an explicit trim threshold. A threshold
// of zero disables trimming.
func (l *Log) AppendWithMaxLen(ctx context.Context, key string, fields map[string]interface{}, maxLen int64) (string, error) {
	var id string
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		args := &goredis.XAddArgs{Stream: key, Values: fields}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		res, err := l.client.XAdd(opCtx, args).Result()
		if err != nil {
			return transient(err)
		}
		id = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", key, err)
	}
	return id, nil
}

// Read returns up to count entries starting at fromID inclusive. Pass "0" (or
// "-") to read from the beginning. Reads are lazy: callers page forward by
// passing the last seen id through ReadAfter.
func (l *Log) Read(ctx context.Context, key, fromID string, count int64) ([]Entry, error) {
	if fromID == "" || fromID == "0" {
		fromID = "-"
	}
	if count <= 0 {
		count = 100
	}

	var entries []Entry
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		msgs, err := l.client.XRangeN(opCtx, key, fromID, "+", count).Result()
		if err != nil {
			return transient(err)
		}
		entries = toEntries(msgs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", key, fromID, err)
	}
	return entries, nil
}

// ReadAfter returns up to count entries strictly after afterID. This is the
// resume path: pass the last delivered or acknowledged id.
func (l *Log) ReadAfter(ctx context.Context, key, afterID string, count int64) ([]Entry, error) {
	if afterID == "" || afterID == "0" {
		return l.Read(ctx, key, "-", count)
	}
	return l.Read(ctx, key, "("+afterID, count)
}

// ReadLast returns the count most recent entries, oldest first. Timelines use
// it to show the tail of a stream without paging through the whole key.
func (l *Log) ReadLast(ctx context.Context, key string, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}

	var entries []Entry
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		msgs, err := l.client.XRevRangeN(opCtx, key, "+", "-", count).Result()
		if err != nil {
			return transient(err)
		}
		entries = toEntries(msgs)
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read last %d of %s: %w", count, key, err)
	}
	return entries, nil
}

// CreateGroup creates a consumer group at startID, tolerating groups that
// already exist so every node can call it at boot.
func (l *Log) CreateGroup(ctx context.Context, key, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		err := l.client.XGroupCreateMkStream(opCtx, key, group, startID).Err()
		if err != nil && isBusyGroup(err) {
			return nil
		}
		return transient(err)
	})
	if err != nil {
		return fmt.Errorf("create group %s on %s: %w", group, key, err)
	}
	return nil
}

// ReadGroup reads new entries for a consumer group. Delivery is at-least-once:
// entries stay pending until acknowledged, and pending entries survive
// consumer crashes. blockFor of zero means a non-blocking poll.
func (l *Log) ReadGroup(ctx context.Context, key, group, consumer string, count int64, blockFor time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 10
	}

	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
	}
	if blockFor > 0 {
		args.Block = blockFor
	} else {
		args.Block = -1
	}

	streams, err := l.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", group, key, transient(err))
	}

	var entries []Entry
	for _, stream := range streams {
		entries = append(entries, toEntries(stream.Messages)...)
	}
	return entries, nil
}

// Ack acknowledges delivered entries for a group.
func (l *Log) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return transient(l.client.XAck(opCtx, key, group, ids...).Err())
	})
	if err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), key, err)
	}
	return nil
}

// Length returns the number of entries currently retained for a key.
func (l *Log) Length(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.exec.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		res, err := l.client.XLen(opCtx, key).Result()
		if err != nil {
			return transient(err)
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", key, err)
	}
	return n, nil
}

func toEntries(msgs []goredis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Fields: m.Values})
	}
	return entries
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// CompareIDs orders two stream entry ids. Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func splitID(id string) (int64, int64) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			ms, _ := strconv.ParseInt(id[:i], 10, 64)
			seq, _ := strconv.ParseInt(id[i+1:], 10, 64)
			return ms, seq
		}
	}
	ms, _ := strconv.ParseInt(id, 10, 64)
	return ms, 0
}
