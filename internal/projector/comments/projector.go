// Package comments materializes the comments stream into a keyed store. It
// is intentionally minimal: put the full payload on create/update, delete on
// delete. Compare with the cache and graph projectors for the richer
// variants; all three share the same runner.
package comments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ripple/internal/event"
	"ripple/internal/projector"
)

// Store is the keyed write capability the projector needs. Writes carry the
// source timestamp and the store applies them only when not older than the
// stored version; the cache package's stores satisfy this.
type Store interface {
	Put(ctx context.Context, key string, ts int64, value []byte) (bool, error)
	Delete(ctx context.Context, key string, ts int64) (bool, error)
}

// Projector folds comment events into the store, keyed by identity
// ("comments:{id}"). Full-replace writes keep replays idempotent.
type Projector struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Projector {
	return &Projector{store: store, logger: logger}
}

// Apply implements projector.Handler.
func (p *Projector) Apply(ctx context.Context, ev event.Event) error {
	identity, ok := ev.Identity()
	if !ok {
		p.logger.Error("event without identity reached comments projector",
			"stream", ev.StreamKey, "entry", ev.ID)
		return nil
	}
	ts := ev.SourceTS.UnixMilli()

	if ev.Op == event.OpDelete {
		if _, err := p.store.Delete(ctx, identity, ts); err != nil {
			return &projector.WriteError{Store: "comments", Key: identity, Err: err}
		}
		return nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode comment %q: %w", identity, err)
	}
	if _, err := p.store.Put(ctx, identity, ts, raw); err != nil {
		return &projector.WriteError{Store: "comments", Key: identity, Err: err}
	}
	return nil
}
