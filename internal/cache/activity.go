package cache

import "time"

const (
	activityTTL = time.Hour
	activityCap = 16384
)

// ActivityCache remembers which objects the relay has already announced, keyed
// by object IRI. A repeated submission within the window maps to the same
// relayed activity id instead of a second announcement.
type ActivityCache struct {
	cache *ttlMap[string]
}

func NewActivityCache() *ActivityCache {
	return &ActivityCache{cache: newTTLMap[string](activityTTL, activityCap)}
}

// Get returns the relayed activity id for an object, if one is still in the
// window.
func (a *ActivityCache) Get(objectID string) (string, bool) {
	return a.cache.get(objectID)
}

// Store records that objectID was relayed as activityID.
func (a *ActivityCache) Store(objectID, activityID string) {
	a.cache.set(objectID, activityID)
}
