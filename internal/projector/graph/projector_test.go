package graph

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ripple/internal/event"
)

var movieRefs = Refs{"actor_id": "actors"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func movieEvent(op event.Op, ts time.Time, fields event.Fields) event.Event {
	return event.Event{
		StreamKey: "movies",
		Entity:    "movies",
		Op:        op,
		Payload:   fields,
		SourceTS:  ts,
	}
}

func TestUpdateRewritesEdgeSet(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "1", "title": "Arrival", "actor_id": "9"})))

	node, found, err := store.Node(ctx, "movies:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "movies", node.Entity)
	assert.Equal(t, []Edge{{From: "movies:1", Rel: "actor", To: "actors:9"}}, store.Edges("movies:1"))

	// Update moves the edge from actor 9 to actor 10; the old edge must be
	// gone, not diffed around.
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base.Add(time.Second),
		event.Fields{"id": "1", "title": "Arrival", "actor_id": "10"})))

	assert.Equal(t, []Edge{{From: "movies:1", Rel: "actor", To: "actors:10"}}, store.Edges("movies:1"))
}

func TestReplayIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	ev := movieEvent(event.OpCreate, time.Now(),
		event.Fields{"id": "1", "actor_id": "9"})
	require.NoError(t, p.Apply(ctx, ev))
	require.NoError(t, p.Apply(ctx, ev))

	node, found, err := store.Node(ctx, "movies:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "movies:1", node.ID)
	assert.Len(t, store.Edges("movies:1"), 1)
}

func TestDeleteRemovesNodeAndReferencingEdges(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "1", "actor_id": "9"})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "2", "actor_id": "9"})))

	// Deleting the referenced actor node must clear the movies' edges to it.
	actors := New(store, nil, discardLogger())
	require.NoError(t, actors.Apply(ctx, event.Event{
		StreamKey: "actors",
		Entity:    "actors",
		Op:        event.OpDelete,
		Payload:   event.Fields{"id": "9"},
		SourceTS:  base.Add(time.Second),
	}))

	_, found, err := store.Node(ctx, "actors:9")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, store.Edges("movies:1"))
	assert.Empty(t, store.Edges("movies:2"))
}

func TestDeleteThenRecreateKeepsNoResidue(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "1", "title": "Arrival", "actor_id": "9"})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpDelete, base.Add(time.Second),
		event.Fields{"id": "1"})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base.Add(2*time.Second),
		event.Fields{"id": "1", "title": "Arrival"})))

	node, found, err := store.Node(ctx, "movies:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, node.Props, "actor_id")
	assert.Empty(t, store.Edges("movies:1"))
}

func TestStaleUpdateAfterDeleteIsNotApplied(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	base := time.Now()
	create := movieEvent(event.OpCreate, base, event.Fields{"id": "1", "actor_id": "9"})
	require.NoError(t, p.Apply(ctx, create))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpDelete, base.Add(time.Second),
		event.Fields{"id": "1"})))

	// Redelivery of the create after the delete: the tombstone's newer
	// version must win, node and edges must stay gone.
	require.NoError(t, p.Apply(ctx, create))

	_, found, err := store.Node(ctx, "movies:1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, store.Edges("movies:1"))
}

func TestStaleEventDoesNotOverwriteNewerNode(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base,
		event.Fields{"id": "1", "year": 2017})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base.Add(-time.Minute),
		event.Fields{"id": "1", "year": 2016})))

	node, _, err := store.Node(ctx, "movies:1")
	require.NoError(t, err)
	assert.Equal(t, 2017, node.Props["year"])
}

func TestUndeclaredIDFieldIsAnAttribute(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, movieRefs, discardLogger())

	require.NoError(t, p.Apply(context.Background(), movieEvent(event.OpCreate, time.Now(),
		event.Fields{"id": "1", "imdb_id": "tt2543164"})))

	node, _, err := store.Node(context.Background(), "movies:1")
	require.NoError(t, err)
	assert.Equal(t, "tt2543164", node.Props["imdb_id"])
	assert.Empty(t, store.Edges("movies:1"))
}
