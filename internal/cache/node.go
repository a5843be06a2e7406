package cache

import (
	"context"
	"sync"
	"time"

	"github.com/fedigrid/relay/internal/db"
)

// nodeOutdated is how long a node metadata tuple stays fresh before the
// background jobs refetch it.
const nodeOutdated = 10 * time.Minute

type nodeTimes struct {
	info     time.Time
	instance time.Time
	contact  time.Time
}

// NodeCache tracks how fresh each connected server's metadata is, so the
// periodic query jobs only hit servers whose data has gone stale. Writes go
// through to the database.
type NodeCache struct {
	store *db.Store

	mu    sync.Mutex
	times map[string]nodeTimes
}

func NewNodeCache(store *db.Store) *NodeCache {
	return &NodeCache{store: store, times: make(map[string]nodeTimes)}
}

func (n *NodeCache) loadTimes(ctx context.Context, actorID string) nodeTimes {
	n.mu.Lock()
	t, ok := n.times[actorID]
	n.mu.Unlock()
	if ok {
		return t
	}

	// First sight since startup; pull persisted timestamps.
	if info, err := n.store.GetNodeInfo(ctx, actorID); err == nil && info != nil {
		t.info = info.Updated
	}
	if instance, err := n.store.GetInstance(ctx, actorID); err == nil && instance != nil {
		t.instance = instance.Updated
	}
	if contact, err := n.store.GetContact(ctx, actorID); err == nil && contact != nil {
		t.contact = contact.Updated
	}

	n.mu.Lock()
	n.times[actorID] = t
	n.mu.Unlock()
	return t
}

func outdated(at time.Time) bool {
	return at.IsZero() || time.Since(at) > nodeOutdated
}

// NodeInfoOutdated reports whether the server's nodeinfo needs a refetch.
func (n *NodeCache) NodeInfoOutdated(ctx context.Context, actorID string) bool {
	return outdated(n.loadTimes(ctx, actorID).info)
}

// InstanceOutdated reports whether the server's instance data needs a refetch.
func (n *NodeCache) InstanceOutdated(ctx context.Context, actorID string) bool {
	return outdated(n.loadTimes(ctx, actorID).instance)
}

// ContactOutdated reports whether the server's contact data needs a refetch.
func (n *NodeCache) ContactOutdated(ctx context.Context, actorID string) bool {
	return outdated(n.loadTimes(ctx, actorID).contact)
}

// SetNodeInfo persists a freshly fetched nodeinfo tuple.
func (n *NodeCache) SetNodeInfo(ctx context.Context, actorID string, info db.Info) error {
	info.Updated = time.Now()
	if err := n.store.SaveNodeInfo(ctx, actorID, info); err != nil {
		return err
	}
	n.touch(actorID, func(t *nodeTimes) { t.info = info.Updated })
	return nil
}

// SetInstance persists a freshly fetched instance tuple.
func (n *NodeCache) SetInstance(ctx context.Context, actorID string, instance db.Instance) error {
	instance.Updated = time.Now()
	if err := n.store.SaveInstance(ctx, actorID, instance); err != nil {
		return err
	}
	n.touch(actorID, func(t *nodeTimes) { t.instance = instance.Updated })
	return nil
}

// SetContact persists a freshly fetched contact tuple.
func (n *NodeCache) SetContact(ctx context.Context, actorID string, contact db.Contact) error {
	contact.Updated = time.Now()
	if err := n.store.SaveContact(ctx, actorID, contact); err != nil {
		return err
	}
	n.touch(actorID, func(t *nodeTimes) { t.contact = contact.Updated })
	return nil
}

func (n *NodeCache) touch(actorID string, fn func(*nodeTimes)) {
	n.mu.Lock()
	t := n.times[actorID]
	fn(&t)
	n.times[actorID] = t
	n.mu.Unlock()
}

// Forget drops a server's freshness state, typically after it unsubscribes.
func (n *NodeCache) Forget(actorID string) {
	n.mu.Lock()
	delete(n.times, actorID)
	n.mu.Unlock()
}
