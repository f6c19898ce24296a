// Package graph folds change events into nodes and edges. Create and update
// upsert the node and rewrite its outgoing edges wholesale
// (delete-then-reinsert, never an incremental diff), which keeps the
// operation idempotent under redelivery; delete removes the node and every
// edge referencing it.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ripple/internal/event"
	"ripple/internal/projector"
)

var staleSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ripple_graph_stale_events_skipped_total",
	Help: "Events skipped because the graph node was already newer",
})

// Node is one graph node keyed by entity identity, e.g. "movies:1".
type Node struct {
	ID     string
	Entity string
	Props  event.Fields
	// TS is the source timestamp (unix milliseconds) of the event the node
	// currently reflects; used for last-write-wins.
	TS int64
}

// Edge is one directed edge. Rel is the foreign-key field name without its
// "_id" suffix, To the identity of the referenced node.
type Edge struct {
	From string
	Rel  string
	To   string
}

// Store is the capability interface for the graph engine. Writes are
// versioned on the node timestamp and must be applied atomically only when
// not older than the stored version, so concurrent group members cannot
// regress a node; deletes tombstone the version so a write redelivered after
// the delete is still rejected.
type Store interface {
	// UpsertNode writes the node and reports whether it was applied; a
	// stored version newer than n.TS wins and the write is skipped.
	UpsertNode(ctx context.Context, n Node) (bool, error)
	ReplaceEdges(ctx context.Context, nodeID string, edges []Edge) error
	// DeleteNode tombstones the node at ts and removes its outgoing edges
	// and every edge that references it; reports whether it was applied.
	DeleteNode(ctx context.Context, nodeID string, ts int64) (bool, error)
	Node(ctx context.Context, nodeID string) (Node, bool, error)
}

// AtomicWriter is implemented by stores that can apply node upsert and edge
// rewrite as one atomic multi-write, so concurrent readers never observe a
// node without its edges. Stores without it fall back to sequential calls;
// partial failure is then healed by retrying the whole operation, which is
// safe because the operation is idempotent.
type AtomicWriter interface {
	UpsertWithEdges(ctx context.Context, n Node, edges []Edge) (bool, error)
}

// Refs declares which payload fields are foreign keys and which entity they
// point at, e.g. {"actor_id": "actors"}. Fields not listed here are ordinary
// attributes even if their name ends in "_id".
type Refs map[string]string

// Projector folds events into the graph store.
type Projector struct {
	store  Store
	refs   Refs
	logger *slog.Logger
}

func New(store Store, refs Refs, logger *slog.Logger) *Projector {
	return &Projector{store: store, refs: refs, logger: logger}
}

// Apply implements projector.Handler.
func (p *Projector) Apply(ctx context.Context, ev event.Event) error {
	identity, ok := ev.Identity()
	if !ok {
		p.logger.Error("event without identity reached graph projector",
			"stream", ev.StreamKey, "entry", ev.ID)
		return nil
	}
	ts := ev.SourceTS.UnixMilli()

	if ev.Op == event.OpDelete {
		applied, err := p.store.DeleteNode(ctx, identity, ts)
		if err != nil {
			return &projector.WriteError{Store: "graph", Key: identity, Err: err}
		}
		if !applied {
			staleSkipped.Inc()
		}
		return nil
	}

	node := Node{
		ID:     identity,
		Entity: ev.Entity,
		Props:  ev.Payload.Clone(),
		TS:     ts,
	}
	edges := p.edges(identity, ev.Payload)

	if aw, ok := p.store.(AtomicWriter); ok {
		applied, err := aw.UpsertWithEdges(ctx, node, edges)
		if err != nil {
			return &projector.WriteError{Store: "graph", Key: identity, Err: err}
		}
		if !applied {
			staleSkipped.Inc()
		}
		return nil
	}

	// Sequential fallback: on partial failure the runner retries the whole
	// operation, re-upserting the node before rewriting edges again.
	applied, err := p.store.UpsertNode(ctx, node)
	if err != nil {
		return &projector.WriteError{Store: "graph", Key: identity, Err: err}
	}
	if !applied {
		staleSkipped.Inc()
		return nil
	}
	if err := p.store.ReplaceEdges(ctx, identity, edges); err != nil {
		return &projector.WriteError{Store: "graph", Key: identity, Err: err}
	}
	return nil
}

// edges derives the outgoing edge set from the declared foreign-key fields.
// The result is sorted so rewrites are deterministic.
func (p *Projector) edges(from string, payload event.Fields) []Edge {
	var out []Edge
	for field, target := range p.refs {
		v, ok := payload[field]
		if !ok || v == nil {
			continue
		}
		out = append(out, Edge{
			From: from,
			Rel:  strings.TrimSuffix(field, "_id"),
			To:   fmt.Sprintf("%s:%v", target, v),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rel != out[j].Rel {
			return out[i].Rel < out[j].Rel
		}
		return out[i].To < out[j].To
	})
	return out
}
