package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/cache"
	"github.com/fedigrid/relay/internal/config"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/requests"
	"github.com/fedigrid/relay/internal/signer"
)

type noopQueue struct{}

func (noopQueue) Deliver(ctx context.Context, inbox string, activity apub.Activity) error { return nil }
func (noopQueue) Announce(ctx context.Context, objectID, actorID string) error            { return nil }
func (noopQueue) Forward(ctx context.Context, actorID string, raw json.RawMessage) error  { return nil }
func (noopQueue) QueryInstance(ctx context.Context, actorID string) error                 { return nil }

type fixture struct {
	cfg    *config.Config
	store  *db.Store
	server *Server
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())

	ctx := context.Background()
	keyPair, err := apub.LoadOrGenerateKeyPair(ctx, store)
	require.NoError(t, err)

	pool := signer.NewPool(2)
	t.Cleanup(pool.Close)

	reqs := requests.New(pool, keyPair.Private, cfg.KeyID(), cfg.UserAgent(), 5*time.Second)
	actors := cache.NewActorCache(store, reqs)
	activity := cache.NewActivityCache()
	nodes := cache.NewNodeCache(store)
	media := cache.NewMediaCache(store)
	inbox := apub.NewInbox(cfg, store, actors, activity, nodes, pool, noopQueue{})

	srv, err := New(cfg, store, keyPair, inbox, media, reqs, pool)
	require.NoError(t, err)
	return &fixture{cfg: cfg, store: store, server: srv}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func testServerConfig() *config.Config {
	return &config.Config{
		Hostname: "relay.example.com",
		HTTPS:    true,
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, testServerConfig())
	w := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestActorDocument(t *testing.T) {
	f := newFixture(t, testServerConfig())
	w := f.get(t, "/actor")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, activityJSONType, w.Header().Get("Content-Type"))

	var actor apub.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, "https://relay.example.com/actor", actor.ID)
	assert.Equal(t, "Application", actor.Type)
	require.NotNil(t, actor.PublicKey)
	assert.Contains(t, actor.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY")
}

func TestWebFinger(t *testing.T) {
	f := newFixture(t, testServerConfig())

	w := f.get(t, "/.well-known/webfinger?resource=acct:relay@relay.example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/jrd+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "https://relay.example.com/actor")

	assert.Equal(t, http.StatusNotFound, f.get(t, "/.well-known/webfinger?resource=acct:other@x.example").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/.well-known/webfinger").Code)
}

func TestNodeInfo(t *testing.T) {
	cfg := testServerConfig()
	cfg.PublishBlocks = true
	f := newFixture(t, cfg)

	ctx := context.Background()
	require.NoError(t, f.store.UpsertActor(ctx, db.Actor{
		ID: "https://a.example/actor", Inbox: "https://a.example/inbox",
		PublicKeyPEM: "pem", PublicKeyID: "k",
	}))
	require.NoError(t, f.store.Block(ctx, "bad.example"))

	w := f.get(t, "/.well-known/nodeinfo")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/nodeinfo/2.0.json")

	w = f.get(t, "/nodeinfo/2.0.json")
	require.Equal(t, http.StatusOK, w.Code)

	var doc apub.NodeInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "2.0", doc.Version)
	assert.Contains(t, doc.Metadata.Peers, "a.example")
	assert.Contains(t, doc.Metadata.Blocks, "bad.example")
}

func TestFollowersCollection(t *testing.T) {
	f := newFixture(t, testServerConfig())
	require.NoError(t, f.store.UpsertActor(context.Background(), db.Actor{
		ID: "https://a.example/actor", Inbox: "https://a.example/inbox",
		PublicKeyPEM: "pem", PublicKeyID: "k",
	}))

	w := f.get(t, "/followers")
	require.Equal(t, http.StatusOK, w.Code)

	var col apub.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &col))
	assert.Equal(t, 1, col.TotalItems)
}

func TestInboxRejectsGarbage(t *testing.T) {
	f := newFixture(t, testServerConfig())

	req := httptest.NewRequest("POST", "/inbox", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "type")
}

func TestInboxBodyLimit(t *testing.T) {
	f := newFixture(t, testServerConfig())

	big := strings.Repeat("x", int(requests.JSONLimit)+1)
	req := httptest.NewRequest("POST", "/inbox", strings.NewReader(big))
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndexListsInstances(t *testing.T) {
	f := newFixture(t, testServerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.UpsertActor(ctx, db.Actor{
		ID: "https://a.example/actor", Inbox: "https://a.example/inbox",
		PublicKeyPEM: "pem", PublicKeyID: "k",
	}))
	require.NoError(t, f.store.SaveInstance(ctx, "https://a.example/actor", db.Instance{
		Title: "A Server", Description: "Cozy", Updated: time.Now(),
	}))

	w := f.get(t, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "A Server")
	assert.Contains(t, w.Body.String(), "a.example")
}

func TestMediaServing(t *testing.T) {
	f := newFixture(t, testServerConfig())
	ctx := context.Background()

	media := cache.NewMediaCache(f.store)
	id, err := media.StoreURL(ctx, "https://a.example/avatar.png")
	require.NoError(t, err)
	require.NoError(t, media.StoreBytes(ctx, id, "image/png", []byte("png-bytes")))

	w := f.get(t, "/media/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Contains(t, w.Header().Get("Cache-Control"), "max-age=86400")

	assert.Equal(t, http.StatusNotFound, f.get(t, "/media/nope").Code)
}

// ─── Admin API ────────────────────────────────────────────────────────────────

func (f *fixture) admin(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Api-Token", token)
	}
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, testServerConfig())
	w := f.admin(t, "GET", "/api/v1/admin/stats", "secret", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuth(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIToken = "secret"
	f := newFixture(t, cfg)

	w := f.admin(t, "GET", "/api/v1/admin/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "No API token supplied")

	w = f.admin(t, "GET", "/api/v1/admin/stats", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.admin(t, "GET", "/api/v1/admin/stats", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var counts db.Counts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.Zero(t, counts.Actors)
}

func TestAdminBlockRoundtrip(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIToken = "secret"
	f := newFixture(t, cfg)

	w := f.admin(t, "POST", "/api/v1/admin/block", "secret", `{"domains":["bad.example","worse.example"]}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.admin(t, "GET", "/api/v1/admin/blocked", "secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bad.example")
	assert.Contains(t, w.Body.String(), "worse.example")

	w = f.admin(t, "POST", "/api/v1/admin/unblock", "secret", `{"domains":["bad.example"]}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.admin(t, "GET", "/api/v1/admin/blocked", "secret", "")
	assert.NotContains(t, w.Body.String(), "bad.example")
	assert.Contains(t, w.Body.String(), "worse.example")
}

func TestAdminAllowValidation(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIToken = "secret"
	f := newFixture(t, cfg)

	w := f.admin(t, "POST", "/api/v1/admin/allow", "secret", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.admin(t, "POST", "/api/v1/admin/allow", "secret", `{"domains":["good.example"]}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.admin(t, "GET", "/api/v1/admin/allowed", "secret", "")
	assert.Contains(t, w.Body.String(), "good.example")
}

func TestAdminLastSeen(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIToken = "secret"
	f := newFixture(t, cfg)

	at := time.Now().Truncate(time.Second)
	require.NoError(t, f.store.SetLastOnline(context.Background(), map[string]time.Time{"a.example": at}))

	w := f.admin(t, "GET", "/api/v1/admin/last_seen", "secret", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		LastSeen map[string]string `json:"last_seen"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, at.UTC().Format(time.RFC3339), resp.LastSeen["a.example"])
}
