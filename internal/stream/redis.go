package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ripple/internal/event"
)

// RedisLog implements Log on Redis Streams. One Redis stream per stream key;
// consumer groups, pending lists and claim/takeover map directly onto
// XREADGROUP, XPENDING and XAUTOCLAIM, so group coordination stays in the
// store instead of being reimplemented here.
type RedisLog struct {
	client *redis.Client
}

func NewRedisLog(client *redis.Client) *RedisLog {
	return &RedisLog{client: client}
}

const (
	fieldEntity  = "entity"
	fieldOp      = "op"
	fieldTS      = "ts"
	fieldPayload = "payload"
	fieldBefore  = "before"
)

func encodeValues(ev event.Event) (map[string]any, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	values := map[string]any{
		fieldEntity:  ev.Entity,
		fieldOp:      string(ev.Op),
		fieldTS:      ev.SourceTS.UnixMilli(),
		fieldPayload: string(payload),
	}
	if ev.Before != nil {
		before, err := json.Marshal(ev.Before)
		if err != nil {
			return nil, fmt.Errorf("encode before image: %w", err)
		}
		values[fieldBefore] = string(before)
	}
	return values, nil
}

func decodeMessage(key string, msg redis.XMessage) (Entry, error) {
	str := func(field string) (string, bool) {
		v, ok := msg.Values[field]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}

	entity, ok := str(fieldEntity)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: missing entity field", msg.ID)
	}
	op, ok := str(fieldOp)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: missing op field", msg.ID)
	}
	tsRaw, ok := str(fieldTS)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: missing ts field", msg.ID)
	}
	var tsMilli int64
	if _, err := fmt.Sscanf(tsRaw, "%d", &tsMilli); err != nil {
		return Entry{}, fmt.Errorf("entry %s: bad ts %q: %w", msg.ID, tsRaw, err)
	}

	ev := event.Event{
		StreamKey: key,
		ID:        msg.ID,
		Entity:    entity,
		Op:        event.Op(op),
		SourceTS:  time.UnixMilli(tsMilli),
	}
	if raw, ok := str(fieldPayload); ok {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode payload: %w", msg.ID, err)
		}
	}
	if raw, ok := str(fieldBefore); ok {
		if err := json.Unmarshal([]byte(raw), &ev.Before); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode before image: %w", msg.ID, err)
		}
	}
	return Entry{ID: msg.ID, Event: ev}, nil
}

func decodeMessages(key string, msgs []redis.XMessage) ([]Entry, error) {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeMessage(key, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *RedisLog) Append(ctx context.Context, key string, ev event.Event) (string, error) {
	values, err := encodeValues(ev)
	if err != nil {
		return "", &AppendError{Key: key, Err: err}
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
	if err != nil {
		return "", &AppendError{Key: key, Err: err}
	}
	return id, nil
}

func (l *RedisLog) EnsureGroup(ctx context.Context, group, key string) error {
	err := l.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %q on %q: %w", group, key, err)
	}
	return nil
}

func (l *RedisLog) ReadGroup(ctx context.Context, group, consumer, key string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %q on %q: %w", group, key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeMessages(key, res[0].Messages)
}

func (l *RedisLog) ReadPending(ctx context.Context, group, consumer, key string, count int64) ([]Entry, error) {
	// Reading from "0" returns this consumer's pending entries list.
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, "0"},
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending for %q on %q: %w", group, key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeMessages(key, res[0].Messages)
}

func (l *RedisLog) Claim(ctx context.Context, group, consumer, key string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("autoclaim for %q on %q: %w", group, key, err)
	}
	return decodeMessages(key, msgs)
}

func (l *RedisLog) Ack(ctx context.Context, group, key, id string) error {
	if err := l.client.XAck(ctx, key, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s for %q on %q: %w", id, group, key, err)
	}
	return nil
}

func (l *RedisLog) Pending(ctx context.Context, group, key string) (int64, error) {
	res, err := l.client.XPending(ctx, key, group).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending for %q on %q: %w", group, key, err)
	}
	return res.Count, nil
}

func (l *RedisLog) Lag(ctx context.Context, group, key string) (int64, error) {
	groups, err := l.client.XInfoGroups(ctx, key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("stream info for %q: %w", key, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag + g.Pending, nil
		}
	}
	return 0, fmt.Errorf("stream %q: no such group %q", key, group)
}

func (l *RedisLog) Tail(ctx context.Context, key string) (string, error) {
	info, err := l.client.XInfoStream(ctx, key).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "no such key") {
			return "", nil
		}
		return "", fmt.Errorf("stream info for %q: %w", key, err)
	}
	return info.LastGeneratedID, nil
}

func (l *RedisLog) Follow(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]Entry, string, error) {
	start := fromID
	if start == "" {
		start = "0"
	}
	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, start},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, fromID, nil
	}
	if err != nil {
		return nil, fromID, fmt.Errorf("follow %q: %w", key, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, fromID, nil
	}
	entries, err := decodeMessages(key, res[0].Messages)
	if err != nil {
		return nil, fromID, err
	}
	return entries, entries[len(entries)-1].ID, nil
}
