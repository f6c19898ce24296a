//go:build integration

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ripple/pkg/testutil/containers"
)

func TestRedisStoreVersionedWrites(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	store := NewRedisStore(rc.Client)
	key := Key("movies:1")

	applied, err := store.Put(ctx, key, 200, []byte(`{"year":2017}`))
	require.NoError(t, err)
	require.True(t, applied)

	// An older write must be skipped, not applied.
	applied, err = store.Put(ctx, key, 100, []byte(`{"year":2016}`))
	require.NoError(t, err)
	assert.False(t, applied)

	raw, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"year":2017}`, string(raw))
}

func TestRedisStoreTombstoneOutlivesDelete(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	store := NewRedisStore(rc.Client)
	key := Key("movies:1")

	applied, err := store.Put(ctx, key, 100, []byte(`{"title":"Arrival"}`))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.Delete(ctx, key, 200)
	require.NoError(t, err)
	require.True(t, applied)

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// A write older than the delete must not resurrect the key.
	applied, err = store.Put(ctx, key, 150, []byte(`{"title":"Arrival"}`))
	require.NoError(t, err)
	assert.False(t, applied)

	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// A genuinely newer write revives it.
	applied, err = store.Put(ctx, key, 300, []byte(`{"title":"Arrival 2"}`))
	require.NoError(t, err)
	require.True(t, applied)

	raw, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"title":"Arrival 2"}`, string(raw))
}
