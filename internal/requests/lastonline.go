package requests

import (
	"sync"
	"time"
)

// LastOnline accumulates the last time each authority answered a request. The
// map is drained periodically into the database so liveness survives restarts
// without a write per request.
type LastOnline struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewLastOnline() *LastOnline {
	return &LastOnline{seen: make(map[string]time.Time)}
}

// Mark records that authority answered just now.
func (l *LastOnline) Mark(authority string) {
	l.mu.Lock()
	l.seen[authority] = time.Now()
	l.mu.Unlock()
}

// Merge folds timestamps back in, keeping the newer of two sightings. Used
// when a flush to the database fails and the batch must not be lost.
func (l *LastOnline) Merge(seen map[string]time.Time) {
	l.mu.Lock()
	for authority, at := range seen {
		if cur, ok := l.seen[authority]; !ok || at.After(cur) {
			l.seen[authority] = at
		}
	}
	l.mu.Unlock()
}

// Take drains and returns the accumulated timestamps.
func (l *LastOnline) Take() map[string]time.Time {
	l.mu.Lock()
	seen := l.seen
	l.seen = make(map[string]time.Time)
	l.mu.Unlock()
	return seen
}
