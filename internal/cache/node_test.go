package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedigrid/relay/internal/db"
)

func TestNodeCacheOutdated(t *testing.T) {
	store := openTestStore(t)
	n := NewNodeCache(store)
	ctx := context.Background()
	actorID := "https://a.example/actor"

	// Never seen: everything is outdated.
	assert.True(t, n.NodeInfoOutdated(ctx, actorID))
	assert.True(t, n.InstanceOutdated(ctx, actorID))
	assert.True(t, n.ContactOutdated(ctx, actorID))

	require.NoError(t, n.SetNodeInfo(ctx, actorID, db.Info{Software: "mastodon", Version: "4.2.0"}))
	assert.False(t, n.NodeInfoOutdated(ctx, actorID))
	// The other tuples are still untouched.
	assert.True(t, n.InstanceOutdated(ctx, actorID))

	require.NoError(t, n.SetInstance(ctx, actorID, db.Instance{Title: "A Server"}))
	require.NoError(t, n.SetContact(ctx, actorID, db.Contact{Username: "admin"}))
	assert.False(t, n.InstanceOutdated(ctx, actorID))
	assert.False(t, n.ContactOutdated(ctx, actorID))

	n.Forget(actorID)
	// Persisted timestamps survive a Forget; freshness comes back from disk.
	assert.False(t, n.NodeInfoOutdated(ctx, actorID))
}

func TestNodeCacheLoadsPersistedTimes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	actorID := "https://a.example/actor"

	// Stale write straight to storage, as if from a previous run.
	require.NoError(t, store.SaveNodeInfo(ctx, actorID, db.Info{
		Software: "pleroma", Updated: time.Now().Add(-time.Hour),
	}))

	n := NewNodeCache(store)
	assert.True(t, n.NodeInfoOutdated(ctx, actorID), "hour-old data is stale")

	require.NoError(t, store.SaveInstance(ctx, actorID, db.Instance{
		Title: "Fresh", Updated: time.Now(),
	}))
	fresh := NewNodeCache(store)
	assert.False(t, fresh.InstanceOutdated(ctx, actorID))
}

func TestMediaCache(t *testing.T) {
	store := openTestStore(t)
	m := NewMediaCache(store)
	ctx := context.Background()

	id, err := m.StoreURL(ctx, "https://a.example/avatar.png")
	require.NoError(t, err)

	url, err := m.URL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/avatar.png", url)

	require.NoError(t, m.StoreBytes(ctx, id, "image/png", []byte("png")))
	ct, data, err := m.Bytes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("png"), data)
}
