// Package projector runs consumer-group members that fold stream entries
// into derived stores. The runner owns the read/apply/ack loop and its retry
// and redelivery behavior; what an event means for a given store lives in the
// Handler implementations under this package.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"ripple/internal/event"
	"ripple/internal/stream"
)

var (
	entriesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_projector_entries_applied_total",
		Help: "Entries applied and acknowledged, by group and stream",
	}, []string{"group", "stream"})

	applyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_projector_apply_retries_total",
		Help: "Projection writes that had to be retried",
	}, []string{"group", "stream"})

	applyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_projector_apply_failures_total",
		Help: "Entries left unacked after the retry budget was exhausted",
	}, []string{"group", "stream"})

	groupLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ripple_projector_lag",
		Help: "Entries the group has not finished processing, by group and stream",
	}, []string{"group", "stream"})
)

// Handler applies one event to a projection store. Implementations must be
// idempotent: the runner guarantees at-least-once delivery, not exactly-once.
type Handler interface {
	Apply(ctx context.Context, ev event.Event) error
}

// WriteError reports a projection store write that failed. Entries whose
// apply fails are never acked, so they stay pending and are redelivered.
type WriteError struct {
	Store string
	Key   string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write for %q failed: %v", e.Store, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Status is an operator-visible snapshot of one runner.
type Status struct {
	Group    string           `json:"group"`
	Consumer string           `json:"consumer"`
	Lag      map[string]int64 `json:"lag"`
	LastErr  string           `json:"last_error,omitempty"`
}

// Runner is one consumer-group member. It consumes a set of stream keys, one
// goroutine per key, applying each delivery in order through the Handler with
// a bounded retry budget before leaving the entry pending for redelivery.
// A group may run several members against the same stream and Redis spreads
// a stream's entries across them, so there is no cross-member ordering; the
// projection stores keep per-identity state monotonic with a timestamped
// compare-and-set.
type Runner struct {
	log      stream.Log
	handler  Handler
	logger   *slog.Logger
	group    string
	consumer string
	keys     []string

	batch      int64
	block      time.Duration
	claimIdle  time.Duration
	claimEvery time.Duration
	retries    uint64
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	lastErr error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBatchSize sets how many entries one read delivers at most.
func WithBatchSize(n int64) RunnerOption {
	return func(r *Runner) { r.batch = n }
}

// WithBlock sets how long an empty read blocks before polling again.
func WithBlock(d time.Duration) RunnerOption {
	return func(r *Runner) { r.block = d }
}

// WithClaim sets how often the runner scans for stalled pending entries and
// how long an entry must sit idle before it is taken over.
func WithClaim(every, minIdle time.Duration) RunnerOption {
	return func(r *Runner) {
		r.claimEvery = every
		r.claimIdle = minIdle
	}
}

// WithMaxApplyRetries bounds how often a failing projection write is retried
// within one delivery before the entry is left pending.
func WithMaxApplyRetries(n uint64) RunnerOption {
	return func(r *Runner) { r.retries = n }
}

// WithRetryBackOff overrides the apply retry policy. Tests use a constant
// zero interval.
func WithRetryBackOff(factory func() backoff.BackOff) RunnerOption {
	return func(r *Runner) { r.newBackOff = factory }
}

func NewRunner(log stream.Log, handler Handler, group, consumer string, keys []string, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		log:        log,
		handler:    handler,
		logger:     logger,
		group:      group,
		consumer:   consumer,
		keys:       keys,
		batch:      64,
		block:      time.Second,
		claimIdle:  30 * time.Second,
		claimEvery: 15 * time.Second,
		retries:    5,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run consumes until the context is cancelled. On startup each key's loop
// first drains entries this consumer read before a previous crash, then tails
// new entries; a periodic claim pass picks up entries stalled on dead peers
// and re-attempts entries this member failed earlier.
func (r *Runner) Run(ctx context.Context) error {
	for _, key := range r.keys {
		if err := r.log.EnsureGroup(ctx, r.group, key); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range r.keys {
		g.Go(func() error { return r.consumeKey(ctx, key) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) consumeKey(ctx context.Context, key string) error {
	if err := r.drainPending(ctx, key); err != nil {
		return err
	}

	nextClaim := time.Now().Add(r.claimEvery)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := r.log.ReadGroup(ctx, r.group, r.consumer, key, r.batch, r.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.recordErr(err)
			r.logger.Error("stream read failed", "group", r.group, "stream", key, "error", err)
			continue
		}
		r.processBatch(ctx, key, entries)

		if time.Now().After(nextClaim) {
			claimed, err := r.log.Claim(ctx, r.group, r.consumer, key, r.claimIdle, r.batch)
			if err != nil {
				r.recordErr(err)
			} else {
				r.processBatch(ctx, key, claimed)
			}
			nextClaim = time.Now().Add(r.claimEvery)
		}

		if lag, err := r.log.Lag(ctx, r.group, key); err == nil {
			groupLag.WithLabelValues(r.group, key).Set(float64(lag))
		}
	}
}

// drainPending re-applies entries this consumer read before a previous
// crash. It stops as soon as a pass acks nothing, leaving the stubborn
// entries to the claim cycle so a poisoned batch cannot keep the key from
// tailing new entries.
func (r *Runner) drainPending(ctx context.Context, key string) error {
	for {
		entries, err := r.log.ReadPending(ctx, r.group, r.consumer, key, r.batch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		acked := r.processBatch(ctx, key, entries)
		if acked == 0 || int64(len(entries)) < r.batch {
			return nil
		}
	}
}

// processBatch applies entries strictly in delivered order and returns how
// many were acked. A failed entry is left unacked and logged, and the loop
// keeps going: the stores' timestamped compare-and-set rejects any
// old-after-new replay that results, deletes included.
func (r *Runner) processBatch(ctx context.Context, key string, entries []stream.Entry) int {
	acked := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return acked
		}
		if err := r.applyWithRetry(ctx, key, entry); err != nil {
			applyFailures.WithLabelValues(r.group, key).Inc()
			r.recordErr(err)
			r.logger.Error("projection apply failed, leaving entry pending",
				"group", r.group, "stream", key, "entry", entry.ID, "error", err)
			continue
		}
		if err := r.log.Ack(ctx, r.group, key, entry.ID); err != nil {
			// The apply went through; a lost ack only means a harmless
			// idempotent replay later.
			r.recordErr(err)
			r.logger.Warn("ack failed after successful apply",
				"group", r.group, "stream", key, "entry", entry.ID, "error", err)
			continue
		}
		entriesApplied.WithLabelValues(r.group, key).Inc()
		acked++
	}
	return acked
}

func (r *Runner) applyWithRetry(ctx context.Context, key string, entry stream.Entry) error {
	ctx, span := otel.Tracer("ripple/projector").Start(ctx, "projector.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("group", r.group),
		attribute.String("stream", key),
		attribute.String("entry", entry.ID),
	)

	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.retries), ctx)
	return backoff.Retry(func() error {
		err := r.handler.Apply(ctx, entry.Event)
		if err != nil {
			applyRetries.WithLabelValues(r.group, key).Inc()
		}
		return err
	}, bo)
}

func (r *Runner) recordErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Status reports current lag per stream and the last error the runner saw.
func (r *Runner) Status(ctx context.Context) Status {
	st := Status{Group: r.group, Consumer: r.consumer, Lag: make(map[string]int64, len(r.keys))}
	for _, key := range r.keys {
		lag, err := r.log.Lag(ctx, r.group, key)
		if err != nil {
			continue
		}
		st.Lag[key] = lag
	}
	r.mu.Lock()
	if r.lastErr != nil {
		st.LastErr = r.lastErr.Error()
	}
	r.mu.Unlock()
	return st
}
