package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tombstoneTTL bounds how long a deleted node's version marker is kept. It
// must comfortably exceed the stream's redelivery horizon so a stale write
// redelivered after the delete still meets the tombstone.
const tombstoneTTL = 24 * time.Hour

// casAttempts bounds retries of a write whose WATCH was invalidated by a
// concurrent writer on the same node.
const casAttempts = 5

// RedisStore implements Store and AtomicWriter on Redis. Nodes are hashes,
// edge sets are sets. Every write runs as an optimistic WATCH transaction
// comparing the stored "ts", so the version check and the multi-key write
// are atomic even with several group members projecting the same stream,
// and a concurrent reader never observes a node without its edges. A delete
// keeps the node hash with only "ts" and "deleted" as a tombstone, expiring
// after tombstoneTTL.
//
// Keyspace:
//
//	graph:node:{identity} - hash: entity, ts, props (JSON), deleted
//	graph:out:{identity}  - set of "rel|to"
//	graph:in:{identity}   - set of "rel|from" (reverse index for deletes)
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func nodeKey(id string) string { return "graph:node:" + id }
func outKey(id string) string  { return "graph:out:" + id }
func inKey(id string) string   { return "graph:in:" + id }

func edgeMember(rel, other string) string { return rel + "|" + other }

func splitEdgeMember(member string) (rel, other string, ok bool) {
	rel, other, ok = strings.Cut(member, "|")
	return
}

func (s *RedisStore) UpsertNode(ctx context.Context, n Node) (bool, error) {
	props, err := json.Marshal(n.Props)
	if err != nil {
		return false, fmt.Errorf("encode props for %q: %w", n.ID, err)
	}
	var applied bool
	cas := func(tx *redis.Tx) error {
		cur, err := nodeVersion(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		if cur > n.TS {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeNode(ctx, pipe, n, props)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	return s.runCAS(ctx, cas, &applied, n.ID, nodeKey(n.ID))
}

func (s *RedisStore) ReplaceEdges(ctx context.Context, nodeID string, edges []Edge) error {
	old, err := s.client.SMembers(ctx, outKey(nodeID)).Result()
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	s.rewriteEdges(ctx, pipe, nodeID, old, edges)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpsertWithEdges(ctx context.Context, n Node, edges []Edge) (bool, error) {
	props, err := json.Marshal(n.Props)
	if err != nil {
		return false, fmt.Errorf("encode props for %q: %w", n.ID, err)
	}
	var applied bool
	cas := func(tx *redis.Tx) error {
		cur, err := nodeVersion(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		if cur > n.TS {
			return nil
		}
		old, err := tx.SMembers(ctx, outKey(n.ID)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeNode(ctx, pipe, n, props)
			s.rewriteEdges(ctx, pipe, n.ID, old, edges)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	return s.runCAS(ctx, cas, &applied, n.ID, nodeKey(n.ID), outKey(n.ID))
}

// writeNode queues the node hash write, clearing any tombstone state.
func (s *RedisStore) writeNode(ctx context.Context, pipe redis.Pipeliner, n Node, props []byte) {
	pipe.HSet(ctx, nodeKey(n.ID), map[string]any{
		"entity": n.Entity,
		"ts":     n.TS,
		"props":  string(props),
	})
	pipe.HDel(ctx, nodeKey(n.ID), "deleted")
	pipe.Persist(ctx, nodeKey(n.ID))
}

// rewriteEdges queues a full delete-then-reinsert of a node's outgoing edges,
// keeping the reverse index in step.
func (s *RedisStore) rewriteEdges(ctx context.Context, pipe redis.Pipeliner, nodeID string, old []string, edges []Edge) {
	for _, member := range old {
		if rel, to, ok := splitEdgeMember(member); ok {
			pipe.SRem(ctx, inKey(to), edgeMember(rel, nodeID))
		}
	}
	pipe.Del(ctx, outKey(nodeID))
	for _, e := range edges {
		pipe.SAdd(ctx, outKey(nodeID), edgeMember(e.Rel, e.To))
		pipe.SAdd(ctx, inKey(e.To), edgeMember(e.Rel, nodeID))
	}
}

func (s *RedisStore) DeleteNode(ctx context.Context, nodeID string, ts int64) (bool, error) {
	var applied bool
	cas := func(tx *redis.Tx) error {
		cur, err := nodeVersion(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if cur > ts {
			return nil
		}
		out, err := tx.SMembers(ctx, outKey(nodeID)).Result()
		if err != nil {
			return err
		}
		in, err := tx.SMembers(ctx, inKey(nodeID)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, nodeKey(nodeID), "ts", ts, "deleted", 1)
			pipe.HDel(ctx, nodeKey(nodeID), "entity", "props")
			pipe.PExpire(ctx, nodeKey(nodeID), tombstoneTTL)
			pipe.Del(ctx, outKey(nodeID), inKey(nodeID))
			for _, member := range out {
				if rel, to, ok := splitEdgeMember(member); ok {
					pipe.SRem(ctx, inKey(to), edgeMember(rel, nodeID))
				}
			}
			for _, member := range in {
				if rel, from, ok := splitEdgeMember(member); ok {
					pipe.SRem(ctx, outKey(from), edgeMember(rel, nodeID))
				}
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	return s.runCAS(ctx, cas, &applied, nodeID, nodeKey(nodeID), outKey(nodeID), inKey(nodeID))
}

func (s *RedisStore) runCAS(ctx context.Context, cas func(*redis.Tx) error, applied *bool, nodeID string, watch ...string) (bool, error) {
	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, cas, watch...)
		if errors.Is(err, redis.TxFailedErr) {
			*applied = false
			continue
		}
		return *applied, err
	}
	return false, fmt.Errorf("graph write for %q: %w", nodeID, redis.TxFailedErr)
}

func (s *RedisStore) Node(ctx context.Context, nodeID string) (Node, bool, error) {
	fields, err := s.client.HGetAll(ctx, nodeKey(nodeID)).Result()
	if err != nil {
		return Node{}, false, err
	}
	if len(fields) == 0 {
		return Node{}, false, nil
	}
	if _, tombstoned := fields["deleted"]; tombstoned {
		return Node{}, false, nil
	}

	n := Node{ID: nodeID, Entity: fields["entity"]}
	if raw, ok := fields["ts"]; ok {
		if n.TS, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Node{}, false, fmt.Errorf("node %q: bad ts %q: %w", nodeID, raw, err)
		}
	}
	if raw, ok := fields["props"]; ok {
		if err := json.Unmarshal([]byte(raw), &n.Props); err != nil {
			return Node{}, false, fmt.Errorf("node %q: decode props: %w", nodeID, err)
		}
	}
	return n, true, nil
}

// nodeVersion reads a node's version inside a WATCH. Absent nodes report
// version 0 so any real timestamp wins.
func nodeVersion(ctx context.Context, tx *redis.Tx, nodeID string) (int64, error) {
	raw, err := tx.HGet(ctx, nodeKey(nodeID), "ts").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node %q: bad ts %q: %w", nodeID, raw, err)
	}
	return ts, nil
}

// Edges returns the current outgoing edge set of a node.
func (s *RedisStore) Edges(ctx context.Context, nodeID string) ([]Edge, error) {
	members, err := s.client.SMembers(ctx, outKey(nodeID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Edge, 0, len(members))
	for _, member := range members {
		if rel, to, ok := splitEdgeMember(member); ok {
			out = append(out, Edge{From: nodeID, Rel: rel, To: to})
		}
	}
	return out, nil
}
