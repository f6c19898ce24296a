// Package producer converts upstream row-change notifications into normalized
// events and appends them to the stream log, one stream per source table.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ripple/internal/event"
	"ripple/internal/stream"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_producer_events_total",
		Help: "Events appended to the stream log, by stream key",
	}, []string{"stream"})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_producer_decode_failures_total",
		Help: "Upstream changes rejected during normalization, by table",
	}, []string{"table"})

	orderingViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_producer_ordering_violations_total",
		Help: "Changes whose source timestamp regressed for a row key",
	}, []string{"stream"})

	appendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripple_producer_append_retries_total",
		Help: "Stream log append attempts that had to be retried",
	})
)

// RowChange is one normalized upstream change as handed over by the feed
// adapter: raw column values, before-values when the source provides them,
// and the instant the change occurred at the source.
type RowChange struct {
	Table  string
	Op     event.Op
	Before map[string]any
	After  map[string]any
	TS     time.Time
}

// Tables restricts which source tables the producer accepts. Unknown tables
// fail fast instead of silently flowing through with untrusted shapes.
type Tables map[string]struct{}

// Producer appends normalized events to the stream log. It preserves the
// order changes were observed in: Publish never reorders, and a source
// timestamp that regresses for a row key is surfaced as a warning while the
// event is still appended in received order.
type Producer struct {
	log        stream.Log
	logger     *slog.Logger
	tables     Tables
	retries    uint64
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	lastTS map[string]time.Time
}

// Option configures a Producer.
type Option func(*Producer)

// WithMaxAppendRetries bounds how often a failed append is retried before the
// error is surfaced to the caller.
func WithMaxAppendRetries(n uint64) Option {
	return func(p *Producer) { p.retries = n }
}

// WithBackOff overrides the retry policy for appends. Tests use a constant
// zero interval to avoid real sleeps.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(p *Producer) { p.newBackOff = factory }
}

func New(log stream.Log, tables Tables, logger *slog.Logger, opts ...Option) *Producer {
	p := &Producer{
		log:     log,
		logger:  logger,
		tables:  tables,
		retries: 5,
		lastTS:  make(map[string]time.Time),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish normalizes one upstream change and appends it to the stream for its
// table, returning the assigned entry ID. It fails with *DecodeError when the
// change cannot be normalized (nothing is appended) and with
// *stream.AppendError when the log stays unavailable through the retry budget.
func (p *Producer) Publish(ctx context.Context, change RowChange) (string, error) {
	ctx, span := otel.Tracer("ripple/producer").Start(ctx, "producer.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("table", change.Table), attribute.String("op", string(change.Op)))

	ev, err := p.normalize(change)
	if err != nil {
		decodeFailures.WithLabelValues(change.Table).Inc()
		return "", err
	}

	p.noteOrdering(ev)

	bo := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.retries), ctx)
	var id string
	err = backoff.Retry(func() error {
		var appendErr error
		id, appendErr = p.log.Append(ctx, ev.StreamKey, ev)
		if appendErr != nil {
			appendRetries.Inc()
			p.logger.Warn("stream append failed, retrying",
				"stream", ev.StreamKey, "error", appendErr)
		}
		return appendErr
	}, bo)
	if err != nil {
		return "", err
	}

	eventsPublished.WithLabelValues(ev.StreamKey).Inc()
	return id, nil
}

// normalize maps source column values onto the flat payload contract. The
// stream key is the table name; the identity field must be present for every
// operation so projectors can address their records.
func (p *Producer) normalize(change RowChange) (event.Event, error) {
	if _, ok := p.tables[change.Table]; !ok {
		return event.Event{}, &DecodeError{Table: change.Table, Reason: "unknown table"}
	}
	if !change.Op.Valid() {
		return event.Event{}, &DecodeError{Table: change.Table, Reason: fmt.Sprintf("unknown operation %q", change.Op)}
	}

	src := change.After
	if change.Op == event.OpDelete && len(src) == 0 {
		// Deletes may carry only the before image.
		src = change.Before
	}
	payload, err := flatten(change.Table, src)
	if err != nil {
		return event.Event{}, err
	}
	if _, ok := payload[event.IdentityField]; !ok {
		return event.Event{}, &DecodeError{Table: change.Table, Reason: "change carries no identity field"}
	}

	var before event.Fields
	if change.Op != event.OpCreate && change.Before != nil {
		if before, err = flatten(change.Table, change.Before); err != nil {
			return event.Event{}, err
		}
	}

	ts := change.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	return event.Event{
		StreamKey: change.Table,
		Entity:    change.Table,
		Op:        change.Op,
		Payload:   payload,
		Before:    before,
		SourceTS:  ts,
	}, nil
}

// flatten validates that every column value is a primitive. Nested structures
// are a schema the pipeline does not understand; failing here keeps the
// payload-completeness promise instead of dropping fields.
func flatten(table string, cols map[string]any) (event.Fields, error) {
	out := make(event.Fields, len(cols))
	for name, v := range cols {
		switch v.(type) {
		case nil, string, bool,
			int, int32, int64, uint, uint32, uint64,
			float32, float64:
			out[name] = v
		default:
			return nil, &DecodeError{
				Table:  table,
				Reason: fmt.Sprintf("column %q has unsupported type %T", name, v),
			}
		}
	}
	return out, nil
}

// noteOrdering tracks the last source timestamp per row identity and logs a
// non-fatal warning when a change arrives with an older one. The event is
// still appended in received order; projectors resolve the conflict with
// last-write-wins on the source timestamp.
func (p *Producer) noteOrdering(ev event.Event) {
	identity, ok := ev.Identity()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastTS[identity]; ok && ev.SourceTS.Before(last) {
		orderingViolations.WithLabelValues(ev.StreamKey).Inc()
		p.logger.Warn("source delivered change out of order",
			"identity", identity,
			"source_ts", ev.SourceTS,
			"previous_ts", last)
		return
	}
	p.lastTS[identity] = ev.SourceTS
}
