package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tombstoneTTL bounds how long a deleted key's version marker is kept. It
// must comfortably exceed the stream's redelivery horizon so a stale write
// redelivered after the delete still meets the tombstone.
const tombstoneTTL = 24 * time.Hour

// casAttempts bounds retries of a write whose WATCH was invalidated by a
// concurrent writer on the same key.
const casAttempts = 5

// RedisStore implements Store on one hash per key with fields "ts" and
// "data". Writes run as an optimistic WATCH transaction comparing the stored
// "ts", so the version check and the write are atomic even with several
// group members projecting the same stream. A delete keeps the hash with
// only "ts" as a tombstone, expiring after tombstoneTTL.
//
// An optional TTL bounds staleness of live documents; zero means they live
// until a delete event evicts them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithTTL sets an expiry on every cached document.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Put(ctx context.Context, key string, ts int64, value []byte) (bool, error) {
	var applied bool
	cas := func(tx *redis.Tx) error {
		cur, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur > ts {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "ts", ts, "data", value)
			if s.ttl > 0 {
				pipe.PExpire(ctx, key, s.ttl)
			} else {
				pipe.Persist(ctx, key)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	return s.runCAS(ctx, cas, &applied, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string, ts int64) (bool, error) {
	var applied bool
	cas := func(tx *redis.Tx) error {
		cur, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur > ts {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "ts", ts)
			pipe.HDel(ctx, key, "data")
			pipe.PExpire(ctx, key, tombstoneTTL)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	return s.runCAS(ctx, cas, &applied, key)
}

func (s *RedisStore) runCAS(ctx context.Context, cas func(*redis.Tx) error, applied *bool, key string) (bool, error) {
	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, cas, key)
		if errors.Is(err, redis.TxFailedErr) {
			*applied = false
			continue
		}
		return *applied, err
	}
	return false, fmt.Errorf("cache write for %q: %w", key, redis.TxFailedErr)
}

// storedVersion reads the version of a key inside a WATCH. Absent keys
// report version 0 so any real timestamp wins.
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.HGet(ctx, key, "ts").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache key %q: bad ts %q: %w", key, raw, err)
	}
	return ts, nil
}
