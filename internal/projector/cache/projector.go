// Package cache folds change events into a denormalized key-value
// representation used by read paths. Writes are full replacements, never
// merges, so replaying an event is harmless.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ripple/internal/event"
	"ripple/internal/projector"
)

var staleSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ripple_cache_stale_events_skipped_total",
	Help: "Events skipped because the cached document was already newer",
})

// Store is the capability the projector needs from its backing engine:
// versioned keyed puts, tombstoning deletes, and reads. Every write carries
// the source timestamp and is applied atomically only when it is at least as
// new as the stored version, so a concurrent group member cannot regress a
// key. Deletes tombstone the version rather than erase it, which keeps the
// guard in force for writes redelivered after the delete.
type Store interface {
	// Put writes value at key and reports whether it was applied; a stored
	// version newer than ts wins and the write is skipped.
	Put(ctx context.Context, key string, ts int64, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete tombstones key at ts and reports whether it was applied.
	Delete(ctx context.Context, key string, ts int64) (bool, error)
}

// Projector folds events into the cache store. State machine per identity:
// absent → present on create, present → present on update (full replace),
// present → absent on delete.
type Projector struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Projector {
	return &Projector{store: store, logger: logger}
}

// Key computes the cache key for an entity identity, e.g. "cache:movies:1".
func Key(identity string) string { return "cache:" + identity }

// Apply implements projector.Handler. It never acks a failed store write:
// any error is returned wrapped so the runner leaves the entry pending.
func (p *Projector) Apply(ctx context.Context, ev event.Event) error {
	identity, ok := ev.Identity()
	if !ok {
		// The producer guarantees an identity; an entry without one can
		// never be applied, so retrying it forever would only pin the lag.
		p.logger.Error("event without identity reached cache projector",
			"stream", ev.StreamKey, "entry", ev.ID)
		return nil
	}
	key := Key(identity)
	ts := ev.SourceTS.UnixMilli()

	if ev.Op == event.OpDelete {
		applied, err := p.store.Delete(ctx, key, ts)
		if err != nil {
			return &projector.WriteError{Store: "cache", Key: key, Err: err}
		}
		if !applied {
			staleSkipped.Inc()
		}
		return nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode cache document for %q: %w", key, err)
	}
	applied, err := p.store.Put(ctx, key, ts, raw)
	if err != nil {
		return &projector.WriteError{Store: "cache", Key: key, Err: err}
	}
	if !applied {
		staleSkipped.Inc()
	}
	return nil
}
