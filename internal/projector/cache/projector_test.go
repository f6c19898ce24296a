package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ripple/internal/event"
	"ripple/internal/projector"
	"ripple/internal/stream"
)

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

func cachedData(t *testing.T, store Store, key string) event.Fields {
	t.Helper()
	raw, found, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "expected %q to be cached", key)
	var data event.Fields
	require.NoError(t, json.Unmarshal(raw, &data))
	return data
}

func TestCreateThenUpdateReplacesWholeDocument(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "1", "title": "Arrival", "year": float64(2016)})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base.Add(time.Second),
		event.Fields{"id": "1", "title": "Arrival", "year": float64(2017)})))

	got := cachedData(t, store, Key("movies:1"))
	assert.Equal(t, event.Fields{"id": "1", "title": "Arrival", "year": float64(2017)}, got)
}

func TestReplayIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, discardLogger())
	ctx := context.Background()

	ev := movieEvent(event.OpCreate, time.Now(), event.Fields{"id": "1", "title": "Arrival"})
	require.NoError(t, p.Apply(ctx, ev))
	once := cachedData(t, store, Key("movies:1"))

	require.NoError(t, p.Apply(ctx, ev))
	require.NoError(t, p.Apply(ctx, ev))
	twice := cachedData(t, store, Key("movies:1"))

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, store.Len())
}

func TestDeleteThenRecreateKeepsNoResidue(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base,
		event.Fields{"id": "1", "title": "Arrival", "director": "Villeneuve"})))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpDelete, base.Add(time.Second),
		event.Fields{"id": "1"})))

	_, found, err := store.Get(ctx, Key("movies:1"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, p.Apply(ctx, movieEvent(event.OpCreate, base.Add(2*time.Second),
		event.Fields{"id": "1", "title": "Arrival"})))

	got := cachedData(t, store, Key("movies:1"))
	assert.Equal(t, event.Fields{"id": "1", "title": "Arrival"}, got)
	assert.NotContains(t, got, "director")
}

func TestStaleEventDoesNotOverwriteNewerDocument(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, discardLogger())
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base,
		event.Fields{"id": "1", "year": float64(2017)})))

	// An out-of-order older change must not win.
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpUpdate, base.Add(-time.Minute),
		event.Fields{"id": "1", "year": float64(2016)})))

	got := cachedData(t, store, Key("movies:1"))
	assert.Equal(t, float64(2017), got["year"])
}

func TestStaleUpdateAfterDeleteIsNotApplied(t *testing.T) {
	store := NewMemoryStore()
	p := New(store, discardLogger())
	ctx := context.Background()

	base := time.Now()
	update := movieEvent(event.OpUpdate, base, event.Fields{"id": "1", "title": "Arrival"})
	require.NoError(t, p.Apply(ctx, update))
	require.NoError(t, p.Apply(ctx, movieEvent(event.OpDelete, base.Add(time.Second),
		event.Fields{"id": "1"})))

	// Redelivery of the update after the delete: the tombstone's newer
	// version must win, the record must stay gone.
	require.NoError(t, p.Apply(ctx, update))

	_, found, err := store.Get(ctx, Key("movies:1"))
	require.NoError(t, err)
	assert.False(t, found)
}

// flakyStore fails the first n puts, then forwards to the real store.
type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Put(ctx context.Context, key string, ts int64, value []byte) (bool, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return false, assert.AnError
	}
	f.mu.Unlock()
	return f.MemoryStore.Put(ctx, key, ts, value)
}

// A delivery of an update exhausts its retry budget, the delete for the same
// row applies and acks, then the claim cycle redelivers the update. The
// tombstone must keep the redelivered update from resurrecting the record.
func TestRedeliveredUpdateDoesNotResurrectDeletedRecord(t *testing.T) {
	log := stream.NewMemoryLog()
	ctx := context.Background()

	base := time.Now()
	_, err := log.Append(ctx, "movies", movieEvent(event.OpUpdate, base,
		event.Fields{"id": "1", "title": "Arrival"}))
	require.NoError(t, err)
	_, err = log.Append(ctx, "movies", movieEvent(event.OpDelete, base.Add(time.Second),
		event.Fields{"id": "1"}))
	require.NoError(t, err)

	store := &flakyStore{MemoryStore: NewMemoryStore(), fails: 1}
	runner := projector.NewRunner(log, New(store, discardLogger()),
		"cache", "member-1", []string{"movies"}, discardLogger(),
		projector.WithBlock(20*time.Millisecond),
		projector.WithClaim(20*time.Millisecond, 0),
		projector.WithMaxApplyRetries(0),
		projector.WithRetryBackOff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(0)
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	require.Eventually(t, func() bool {
		lag, err := log.Lag(ctx, "cache", "movies")
		return err == nil && lag == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	_, found, err := store.Get(ctx, Key("movies:1"))
	require.NoError(t, err)
	assert.False(t, found, "deleted record must stay deleted after the redelivery")
}

// failingStore rejects every write.
type failingStore struct{ *MemoryStore }

func (f *failingStore) Put(ctx context.Context, key string, ts int64, value []byte) (bool, error) {
	return false, assert.AnError
}

func TestStoreFailureSurfacesAsWriteError(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	p := New(store, discardLogger())

	err := p.Apply(context.Background(), movieEvent(event.OpCreate, time.Now(),
		event.Fields{"id": "1"}))
	var writeErr *projector.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "cache", writeErr.Store)
}
