package stream

import (
	"context"
	"fmt"
	"time"

	"ripple/internal/event"
)

// Entry is one delivered log entry: the assigned ID plus the decoded event.
type Entry struct {
	ID    string
	Event event.Event
}

// Log is the append-only, per-key ordered change log with consumer groups.
// Guarantees the pipeline relies on: durability once Append returns, FIFO
// ordering of entries within a stream key, and at-least-once delivery to each
// consumer group. There is no ordering guarantee across keys.
//
// Two implementations exist: a Redis Streams one for production and an
// in-memory one with the same semantics for tests and single-process runs.
type Log interface {
	// Append writes one event to the stream identified by key and returns
	// the assigned entry ID. IDs are opaque, totally ordered strings within
	// a key.
	Append(ctx context.Context, key string, ev event.Event) (string, error)

	// EnsureGroup creates the consumer group on the stream if it does not
	// exist yet, starting from the beginning of the log. Idempotent.
	EnsureGroup(ctx context.Context, group, key string) error

	// ReadGroup delivers up to count new entries to the named consumer
	// within the group, blocking up to block when the stream is empty.
	// Delivered entries become pending for that consumer until acked.
	ReadGroup(ctx context.Context, group, consumer, key string, count int64, block time.Duration) ([]Entry, error)

	// ReadPending re-delivers entries that the named consumer has already
	// been delivered but never acked. Used on startup to drain work left
	// over from a crash.
	ReadPending(ctx context.Context, group, consumer, key string, count int64) ([]Entry, error)

	// Claim transfers pending entries that have been idle for at least
	// minIdle from any group member to the named consumer. This is the
	// takeover half of redelivery: a peer picks up entries a dead member
	// read but never acked.
	Claim(ctx context.Context, group, consumer, key string, minIdle time.Duration, count int64) ([]Entry, error)

	// Ack acknowledges one entry for the group, advancing the group past it.
	Ack(ctx context.Context, group, key, id string) error

	// Pending reports how many delivered-but-unacked entries the group has.
	Pending(ctx context.Context, group, key string) (int64, error)

	// Lag reports how many entries the group has not yet processed,
	// counting both undelivered entries and the pending list.
	Lag(ctx context.Context, group, key string) (int64, error)

	// Tail returns the ID of the newest entry in the stream, or empty when
	// the stream has no entries yet.
	Tail(ctx context.Context, key string) (string, error)

	// Follow reads entries after fromID (empty means from the start of the
	// log) without group bookkeeping, blocking
	// up to block when caught up. It returns the entries and the cursor to
	// resume from. Used by the notification fan-out, which keeps no durable
	// cursor by design.
	Follow(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]Entry, string, error)
}

// AppendError reports that the log rejected or could not durably store an
// append. Sustained append failure is fatal to the producer.
type AppendError struct {
	Key string
	Err error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("stream append to %q failed: %v", e.Key, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }
