package cache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/errs"
)

const (
	actorTTL = 30 * time.Minute
	actorCap = 8192
)

// Fetcher fetches a JSON document over the signed client.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string, v any) error
}

// MaybeCached is an actor plus its provenance. Cached actors may carry a
// rotated-away key; callers that fail to verify against one should retry once
// with a fresh fetch.
type MaybeCached struct {
	Actor  db.Actor
	Cached bool
}

// remoteActor is the subset of a remote actor document the relay needs.
type remoteActor struct {
	ID        string `json:"id"`
	Inbox     string `json:"inbox"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

// ActorCache resolves actor IRIs to verified actors, layering an in-memory TTL
// map over the database over the network. It also maintains the follower set
// used to authorize forwarded payloads.
type ActorCache struct {
	store   *db.Store
	fetcher Fetcher
	cache   *ttlMap[db.Actor]

	mu          sync.RWMutex
	followers   map[string]struct{}
	authorities map[string]int
}

func NewActorCache(store *db.Store, fetcher Fetcher) *ActorCache {
	return &ActorCache{
		store:       store,
		fetcher:     fetcher,
		cache:       newTTLMap[db.Actor](actorTTL, actorCap),
		followers:   make(map[string]struct{}),
		authorities: make(map[string]int),
	}
}

func host(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return u.Host
}

// Get resolves an actor IRI. Memory and database hits come back Cached; only a
// network fetch comes back fresh.
func (c *ActorCache) Get(ctx context.Context, id string) (MaybeCached, error) {
	if actor, ok := c.cache.get(id); ok {
		return MaybeCached{Actor: actor, Cached: true}, nil
	}

	if actor, err := c.store.FindActorByID(ctx, id); err != nil {
		return MaybeCached{}, err
	} else if actor != nil {
		c.cache.set(id, *actor)
		return MaybeCached{Actor: *actor, Cached: true}, nil
	}

	actor, err := c.GetNoCache(ctx, id)
	if err != nil {
		return MaybeCached{}, err
	}
	return MaybeCached{Actor: actor}, nil
}

// GetNoCache fetches and validates an actor, bypassing both cache layers. Key
// fields of an already-subscribed actor are refreshed in storage; a stranger's
// document only lands in the memory layer, so resolving a signer can never
// create a subscription.
func (c *ActorCache) GetNoCache(ctx context.Context, id string) (db.Actor, error) {
	var doc remoteActor
	if err := c.fetcher.FetchJSON(ctx, id, &doc); err != nil {
		return db.Actor{}, err
	}

	actor, err := validateActor(id, doc)
	if err != nil {
		return db.Actor{}, err
	}

	if err := c.store.UpdateActor(ctx, actor); err != nil {
		return db.Actor{}, err
	}
	c.cache.set(id, actor)
	return actor, nil
}

// validateActor checks that the fetched document actually describes the
// requested IRI and that its key belongs to the same authority. A document
// failing these checks could let one server impersonate another.
func validateActor(requested string, doc remoteActor) (db.Actor, error) {
	if doc.ID == "" {
		return db.Actor{}, errs.MissingID()
	}

	reqURL, err := url.Parse(requested)
	if err != nil || reqURL.Host == "" {
		return db.Actor{}, errs.MissingDomain()
	}
	docURL, err := url.Parse(doc.ID)
	if err != nil || docURL.Host == "" {
		return db.Actor{}, errs.MissingDomain()
	}
	if docURL.Host != reqURL.Host {
		return db.Actor{}, errs.HostMismatch(reqURL.Host, docURL.Host)
	}

	if doc.PublicKey.Owner != doc.ID {
		return db.Actor{}, errs.WrongActor(doc.ID, doc.PublicKey.Owner)
	}
	keyURL, err := url.Parse(doc.PublicKey.ID)
	if err != nil || keyURL.Host != docURL.Host {
		return db.Actor{}, errs.HostMismatch(docURL.Host, keyURL.Host)
	}

	inbox := doc.Inbox
	if doc.Endpoints.SharedInbox != "" {
		inbox = doc.Endpoints.SharedInbox
	}
	if inbox == "" {
		return db.Actor{}, errs.MissingID()
	}

	return db.Actor{
		ID:           doc.ID,
		PublicKeyPEM: doc.PublicKey.PublicKeyPem,
		PublicKeyID:  doc.PublicKey.ID,
		Inbox:        inbox,
	}, nil
}

// AddFollower persists actor as a subscriber and adds it to the follower set.
func (c *ActorCache) AddFollower(ctx context.Context, actor db.Actor) error {
	if err := c.store.UpsertActor(ctx, actor); err != nil {
		return err
	}
	c.cache.set(actor.ID, actor)

	c.mu.Lock()
	if _, ok := c.followers[actor.ID]; !ok {
		c.followers[actor.ID] = struct{}{}
		c.authorities[host(actor.ID)]++
	}
	c.mu.Unlock()
	return nil
}

// RemoveFollower unsubscribes an actor. When it was the last actor on its
// listener, the listener goes too and cascaded is true.
func (c *ActorCache) RemoveFollower(ctx context.Context, id string) (listenerID string, cascaded bool, err error) {
	listenerID, cascaded, err = c.store.DeleteActor(ctx, id)
	if err != nil {
		return "", false, err
	}
	c.cache.delete(id)

	c.mu.Lock()
	if _, ok := c.followers[id]; ok {
		delete(c.followers, id)
		if h := host(id); c.authorities[h] > 1 {
			c.authorities[h]--
		} else {
			delete(c.authorities, h)
		}
	}
	c.mu.Unlock()
	return listenerID, cascaded, nil
}

// IsFollower reports whether the actor IRI is currently subscribed.
func (c *ActorCache) IsFollower(id string) bool {
	c.mu.RLock()
	_, ok := c.followers[id]
	c.mu.RUnlock()
	return ok
}

// IsFollowerAuthority reports whether any subscribed actor lives on the given
// host. Activities from a subscribed server's other actors count as
// subscribed.
func (c *ActorCache) IsFollowerAuthority(authority string) bool {
	c.mu.RLock()
	n := c.authorities[authority]
	c.mu.RUnlock()
	return n > 0
}

// Evict drops an actor from the in-memory layer, forcing the next Get through
// the database or the network.
func (c *ActorCache) Evict(id string) {
	c.cache.delete(id)
}

// Rehydrate rebuilds the follower set from the database. The replacement is
// built outside the lock and swapped in whole, so readers never see a
// half-built set.
func (c *ActorCache) Rehydrate(ctx context.Context) error {
	ids, err := c.store.AllActorIDs(ctx)
	if err != nil {
		return err
	}
	followers := make(map[string]struct{}, len(ids))
	authorities := make(map[string]int)
	for _, id := range ids {
		followers[id] = struct{}{}
		authorities[host(id)]++
	}

	c.mu.Lock()
	c.followers = followers
	c.authorities = authorities
	c.mu.Unlock()

	slog.Debug("rehydrated follower set", "actors", len(ids))
	return nil
}
