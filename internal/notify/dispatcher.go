package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ripple/internal/stream"
)

// Dispatcher follows a set of streams and fans matching entries out to the
// hub. It deliberately does not join a consumer group: it starts at the
// current tail of each stream, keeps its cursor in memory only, and therefore
// never replays and never competes with the projectors. An event produced
// while no dispatcher is running is simply not notified.
type Dispatcher struct {
	log    stream.Log
	hub    *Hub
	keys   []string
	logger *slog.Logger
	batch  int64
	block  time.Duration
}

func NewDispatcher(log stream.Log, hub *Hub, keys []string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:    log,
		hub:    hub,
		keys:   keys,
		logger: logger,
		batch:  64,
		block:  time.Second,
	}
}

// Run follows all streams until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range d.keys {
		g.Go(func() error { return d.followKey(ctx, key) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) followKey(ctx context.Context, key string) error {
	cursor, err := d.log.Tail(ctx, key)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, next, err := d.log.Follow(ctx, key, cursor, d.batch, d.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("stream follow failed", "stream", key, "error", err)
			time.Sleep(d.block)
			continue
		}
		for _, entry := range entries {
			d.hub.Publish(Notification{
				Topic:     key,
				Operation: string(entry.Event.Op),
				Payload:   entry.Event.Payload,
			})
		}
		cursor = next
	}
}
