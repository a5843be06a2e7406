package cache

import (
	"context"

	"github.com/fedigrid/relay/internal/db"
)

// MediaCache maps remote media URLs to stable local uuids so the relay can
// serve avatars from its own origin, and stores the bytes once a cache job has
// pulled them.
type MediaCache struct {
	store *db.Store
}

func NewMediaCache(store *db.Store) *MediaCache {
	return &MediaCache{store: store}
}

// StoreURL returns the local uuid for a remote URL, minting one on first use.
func (m *MediaCache) StoreURL(ctx context.Context, url string) (string, error) {
	return m.store.MediaPutURL(ctx, url)
}

// URL returns the remote URL behind a uuid, or "" when unknown.
func (m *MediaCache) URL(ctx context.Context, id string) (string, error) {
	return m.store.MediaGetURL(ctx, id)
}

// StoreBytes caches the fetched body for a uuid.
func (m *MediaCache) StoreBytes(ctx context.Context, id, contentType string, data []byte) error {
	return m.store.MediaPutBytes(ctx, id, contentType, data)
}

// Bytes returns the cached body for a uuid, or nil when only the URL mapping
// exists.
func (m *MediaCache) Bytes(ctx context.Context, id string) (contentType string, data []byte, err error) {
	return m.store.MediaGetBytes(ctx, id)
}
