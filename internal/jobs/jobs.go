// Package jobs is the relay's background work system: a database-backed
// at-least-once queue with leased claims, retry classification, and scheduled
// maintenance jobs. All network side effects of inbound activities happen
// here, never in a request handler.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fedigrid/relay/internal/cache"
	"github.com/fedigrid/relay/internal/config"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/requests"
)

// Queue names. Deliveries get their own lane so a slow remote server cannot
// starve protocol work, and vice versa.
const (
	QueueDeliver = "deliver"
	QueueApub    = "apub"
)

// Env carries the shared dependencies jobs run against.
type Env struct {
	Cfg      *config.Config
	Store    *db.Store
	Requests *requests.Requests
	Actors   *cache.ActorCache
	Activity *cache.ActivityCache
	Nodes    *cache.NodeCache
	Media    *cache.MediaCache
	Server   *Server
}

// Job is a unit of background work. Exported fields are the persisted payload.
type Job interface {
	Name() string
	Queue() string
	Run(ctx context.Context, env *Env) error
}

var registry = map[string]func() Job{}

func register(fn func() Job) {
	name := fn().Name()
	if _, dup := registry[name]; dup {
		panic("duplicate job kind: " + name)
	}
	registry[name] = fn
}

func decode(kind string, payload []byte) (Job, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	job := fn()
	if err := json.Unmarshal(payload, job); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return job, nil
}
