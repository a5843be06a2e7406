package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	// Running migrations twice must be harmless.
	require.NoError(t, store.Migrate())
	return store
}

// backdate moves an actor's updated_at outside the freshness window so lookups
// surface it.
func backdate(t *testing.T, store *Store, actorID string, age time.Duration) {
	t.Helper()
	_, err := store.db.Exec(store.q(`UPDATE actors SET updated_at = ? WHERE actor_id = ?`),
		time.Now().Add(-age).Unix(), actorID)
	require.NoError(t, err)
}

func testActor(id, inbox string) Actor {
	return Actor{
		ID:           id,
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nAAA\n-----END PUBLIC KEY-----",
		PublicKeyID:  id + "#main-key",
		Inbox:        inbox,
	}
}

func TestUpsertListenerIsStable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertListener(ctx, "https://a.example/inbox")
	require.NoError(t, err)
	second, err := store.UpsertListener(ctx, "https://a.example/inbox")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := store.UpsertListener(ctx, "https://b.example/inbox")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestUpdateActorTouchesExistingRowsOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// An unknown actor must not gain a row or a listener from an update.
	stranger := testActor("https://stranger.example/actor", "https://stranger.example/inbox")
	require.NoError(t, store.UpdateActor(ctx, stranger))

	ids, err := store.AllActorIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	inboxes, err := store.ListenerInboxes(ctx)
	require.NoError(t, err)
	assert.Empty(t, inboxes)

	// A subscribed actor gets its key fields refreshed.
	actor := testActor("https://a.example/actor", "https://a.example/inbox")
	require.NoError(t, store.UpsertActor(ctx, actor))

	rotated := actor
	rotated.PublicKeyPEM = "-----BEGIN PUBLIC KEY-----\nBBB\n-----END PUBLIC KEY-----"
	rotated.PublicKeyID = actor.ID + "#rotated-key"
	require.NoError(t, store.UpdateActor(ctx, rotated))

	backdate(t, store, actor.ID, 5*time.Minute)
	found, err := store.FindActorByID(ctx, actor.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rotated.PublicKeyPEM, found.PublicKeyPEM)
	assert.Equal(t, rotated.PublicKeyID, found.PublicKeyID)
}

func TestActorLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	actor := testActor("https://a.example/actor", "https://a.example/inbox")
	require.NoError(t, store.UpsertActor(ctx, actor))

	// A freshly written row is inside the freshness window: lookups skip it so
	// callers refetch instead of trusting a row the memory layer should own.
	found, err := store.FindActorByID(ctx, actor.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	backdate(t, store, actor.ID, 5*time.Minute)
	found, err = store.FindActorByID(ctx, actor.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, actor.ID, found.ID)
	assert.Equal(t, actor.Inbox, found.Inbox)
	assert.Equal(t, actor.PublicKeyPEM, found.PublicKeyPEM)
	assert.Equal(t, actor.PublicKeyID, found.PublicKeyID)

	ids, err := store.AllActorIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{actor.ID}, ids)
}

func TestDeleteActorCascadesListener(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Two actors on the same shared inbox.
	a := testActor("https://a.example/users/one", "https://a.example/inbox")
	b := testActor("https://a.example/users/two", "https://a.example/inbox")
	require.NoError(t, store.UpsertActor(ctx, a))
	require.NoError(t, store.UpsertActor(ctx, b))

	_, cascaded, err := store.DeleteActor(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, cascaded, "listener still has another actor")

	listenerID, cascaded, err := store.DeleteActor(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, cascaded, "last actor takes the listener with it")
	assert.NotEmpty(t, listenerID)

	inboxes, err := store.ListenerInboxes(ctx)
	require.NoError(t, err)
	assert.Empty(t, inboxes)

	// Deleting an unknown actor is a no-op.
	_, cascaded, err = store.DeleteActor(ctx, "https://nowhere.example/actor")
	require.NoError(t, err)
	assert.False(t, cascaded)
}

func TestPolicyLists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Allow(ctx, "good.example"))
	require.NoError(t, store.Allow(ctx, "good.example")) // idempotent
	require.NoError(t, store.Block(ctx, "bad.example"))

	allowed, err := store.IsAllowed(ctx, "good.example")
	require.NoError(t, err)
	assert.True(t, allowed)
	blocked, err := store.IsBlocked(ctx, "bad.example")
	require.NoError(t, err)
	assert.True(t, blocked)
	blocked, err = store.IsBlocked(ctx, "good.example")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, store.Unblock(ctx, "bad.example"))
	require.NoError(t, store.Disallow(ctx, "good.example"))

	allowedList, err := store.Allowed(ctx)
	require.NoError(t, err)
	assert.Empty(t, allowedList)
	blockedList, err := store.Blocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, blockedList)
}

func TestLastOnlineRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, store.SetLastOnline(ctx, map[string]time.Time{
		"a.example": now,
		"b.example": now.Add(-time.Hour),
	}))
	// Upserts win over prior values.
	require.NoError(t, store.SetLastOnline(ctx, map[string]time.Time{
		"b.example": now,
	}))

	seen, err := store.LastOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), seen["a.example"].Unix())
	assert.Equal(t, now.Unix(), seen["b.example"].Unix())
}

func TestMedia(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.MediaPutURL(ctx, "https://a.example/avatar.png")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := store.MediaPutURL(ctx, "https://a.example/avatar.png")
	require.NoError(t, err)
	assert.Equal(t, id, again, "same URL maps to the same uuid")

	url, err := store.MediaGetURL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/avatar.png", url)

	// No bytes cached yet.
	ct, data, err := store.MediaGetBytes(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, ct)
	assert.Nil(t, data)

	require.NoError(t, store.MediaPutBytes(ctx, id, "image/png", []byte{1, 2, 3}))
	ct, data, err = store.MediaGetBytes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte{1, 2, 3}, data)

	missing, err := store.MediaGetURL(ctx, "no-such-uuid")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestKV(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetKV(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetKV(ctx, "k", "v1"))
	require.NoError(t, store.SetKV(ctx, "k", "v2"))
	v, ok, err := store.GetKV(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestJobClaimAndLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.EnqueueJob(ctx, Job{
		ID: "j1", Kind: "Deliver", Queue: "deliver",
		Payload: []byte(`{"inbox":"https://a.example/inbox"}`),
		NextRunAt: now, CreatedAt: now,
	}))

	claimed, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "j1", claimed.ID)
	assert.Equal(t, "Deliver", claimed.Kind)
	assert.JSONEq(t, `{"inbox":"https://a.example/inbox"}`, string(claimed.Payload))

	// Leased jobs are invisible to other workers.
	second, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Other queues see nothing either way.
	other, err := store.ClaimJob(ctx, "apub", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.RenewJobLease(ctx, "j1", time.Minute))
	require.NoError(t, store.DeleteJob(ctx, "j1"))

	gone, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestJobRescheduleReleasesLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.EnqueueJob(ctx, Job{
		ID: "j1", Kind: "Deliver", Queue: "deliver",
		Payload: []byte(`{}`), NextRunAt: now, CreatedAt: now,
	}))

	claimed, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Rescheduled into the past: claimable again, with the new attempt count.
	require.NoError(t, store.RescheduleJob(ctx, "j1", 3, now.Add(-time.Second)))
	again, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 3, again.Attempt)

	// Future jobs are not runnable yet.
	require.NoError(t, store.RescheduleJob(ctx, "j1", 4, now.Add(time.Hour)))
	future, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, future)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.EnqueueJob(ctx, Job{
		ID: "j1", Kind: "Deliver", Queue: "deliver",
		Payload: []byte(`{}`), NextRunAt: now, CreatedAt: now,
	}))

	claimed, err := store.ClaimJob(ctx, "deliver", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The lease is already expired, so another worker may pick it up.
	reclaimed, err := store.ClaimJob(ctx, "deliver", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "j1", reclaimed.ID)
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertActor(ctx, testActor("https://a.example/actor", "https://a.example/inbox")))
	require.NoError(t, store.Block(ctx, "bad.example"))

	counts, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Listeners)
	assert.Equal(t, 1, counts.Actors)
	assert.Equal(t, 1, counts.Blocked)
	assert.Equal(t, 0, counts.Allowed)
	assert.Equal(t, 0, counts.Jobs)
}

func TestNodeTuples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	actorID := "https://a.example/actor"

	info, err := store.GetNodeInfo(ctx, actorID)
	require.NoError(t, err)
	assert.Nil(t, info)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, store.SaveNodeInfo(ctx, actorID, Info{
		Software: "mastodon", Version: "4.2.0", OpenRegistrations: true, Updated: now,
	}))
	require.NoError(t, store.SaveInstance(ctx, actorID, Instance{
		Title: "A Server", Description: "a description", Version: "4.2.0", Updated: now,
	}))
	require.NoError(t, store.SaveContact(ctx, actorID, Contact{
		Username: "admin", DisplayName: "Admin", URL: "https://a.example/@admin", Updated: now,
	}))

	info, err = store.GetNodeInfo(ctx, actorID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "mastodon", info.Software)
	assert.Equal(t, now.Unix(), info.Updated.Unix())

	instance, err := store.GetInstance(ctx, actorID)
	require.NoError(t, err)
	require.NotNil(t, instance)
	assert.Equal(t, "A Server", instance.Title)

	contact, err := store.GetContact(ctx, actorID)
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "admin", contact.Username)
}

func TestPlaceholderRewrite(t *testing.T) {
	s := &Store{driver: "postgres"}
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, s.q(`SELECT a FROM t WHERE x = ? AND y = ?`))
	s.driver = "sqlite"
	assert.Equal(t, `SELECT a FROM t WHERE x = ?`, s.q(`SELECT a FROM t WHERE x = ?`))
}

func TestDetectDriver(t *testing.T) {
	driver, dsn := detectDriver("postgres://u:p@h/db")
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://u:p@h/db", dsn)

	driver, dsn = detectDriver("sqlite:///tmp/relay.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "/tmp/relay.db", dsn)

	driver, dsn = detectDriver("relay.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "relay.db", dsn)
}
