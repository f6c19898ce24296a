package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"ripple/internal/event"
)

var feedSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ripple_feed_unprocessable_total",
	Help: "Upstream feed records skipped because they were provably unprocessable",
})

// envelope is the Debezium-shaped change record the upstream CDC source
// publishes to Kafka. Only the fields the pipeline needs are decoded.
type envelope struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source struct {
		Table string `json:"table"`
	} `json:"source"`
	TSMs int64 `json:"ts_ms"`
}

func (e envelope) rowChange() (RowChange, error) {
	var op event.Op
	switch e.Op {
	case "c", "r": // "r" is a snapshot read, treated as create
		op = event.OpCreate
	case "u":
		op = event.OpUpdate
	case "d":
		op = event.OpDelete
	default:
		return RowChange{}, fmt.Errorf("unknown envelope op %q", e.Op)
	}
	return RowChange{
		Table:  e.Source.Table,
		Op:     op,
		Before: e.Before,
		After:  e.After,
		TS:     time.UnixMilli(e.TSMs),
	}, nil
}

// Feed consumes the upstream change topic and drives the producer. Offsets
// are committed only after the corresponding event has been appended to the
// stream log, so a crash re-delivers rather than loses changes. Kafka keeps
// per-partition order, which is the per-row-key order the producer must
// preserve as long as the source partitions by row key.
type Feed struct {
	client   *kgo.Client
	producer *Producer
	logger   *slog.Logger
}

// FeedConfig carries the Kafka wiring for the upstream change topic.
type FeedConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

func NewFeed(cfg FeedConfig, p *Producer, logger *slog.Logger) (*Feed, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Feed{client: client, producer: p, logger: logger}, nil
}

// EnsureTopic creates the change topic if the broker does not know it yet.
func (f *Feed) EnsureTopic(ctx context.Context, topic string, partitions int32) error {
	adm := kadm.NewClient(f.client)
	resp, err := adm.CreateTopics(ctx, partitions, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %q: %w", topic, err)
	}
	for _, res := range resp.Sorted() {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %q: %w", topic, res.Err)
		}
	}
	return nil
}

// Run polls the change topic until the context is cancelled. Error policy per
// record: malformed JSON is provably unprocessable and is skipped (logged and
// counted); a normalization failure halts the feed, because continuing would
// silently lose data for a schema the pipeline does not understand; a
// sustained append failure is fatal and propagates to the supervisor.
func (f *Feed) Run(ctx context.Context) error {
	defer f.client.Close()
	for {
		fetches := f.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s/%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
		}

		var publishErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if publishErr != nil {
				return
			}
			publishErr = f.handle(ctx, rec)
		})
		if publishErr != nil {
			return publishErr
		}
	}
}

func (f *Feed) handle(ctx context.Context, rec *kgo.Record) error {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		feedSkipped.Inc()
		f.logger.Error("skipping unprocessable feed record",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return f.commit(ctx, rec)
	}

	change, err := env.rowChange()
	if err != nil {
		feedSkipped.Inc()
		f.logger.Error("skipping unprocessable feed record",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return f.commit(ctx, rec)
	}

	if _, err := f.producer.Publish(ctx, change); err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			// Not provably unprocessable: the schema may be real and the
			// pipeline misconfigured. Halt instead of dropping rows.
			return fmt.Errorf("halting feed at %s/%d offset %d: %w",
				rec.Topic, rec.Partition, rec.Offset, err)
		}
		return fmt.Errorf("publish change from %s/%d offset %d: %w",
			rec.Topic, rec.Partition, rec.Offset, err)
	}
	return f.commit(ctx, rec)
}

func (f *Feed) commit(ctx context.Context, rec *kgo.Record) error {
	if err := f.client.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("commit offset %d on %s/%d: %w", rec.Offset, rec.Topic, rec.Partition, err)
	}
	return nil
}
