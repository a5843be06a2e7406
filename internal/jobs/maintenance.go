package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedigrid/relay/internal/errs"
)

func init() {
	register(func() Job { return &ListenersJob{} })
	register(func() Job { return &RefreshAllActorsJob{} })
	register(func() Job { return &FlushLastOnlineJob{} })
}

// ListenersJob sweeps the subscriber list and schedules metadata discovery for
// every actor. The discovery jobs no-op while their data is fresh.
type ListenersJob struct{}

func (*ListenersJob) Name() string  { return "Listeners" }
func (*ListenersJob) Queue() string { return QueueApub }

func (j *ListenersJob) Run(ctx context.Context, env *Env) error {
	ids, err := env.Store.AllActorIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := env.Server.QueryInstance(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAllActorsJob refetches every subscriber's actor document, picking up
// key rotations and inbox moves, and unsubscribing accounts that no longer
// exist. Fetches are spaced out so the sweep does not read as a burst.
type RefreshAllActorsJob struct{}

func (*RefreshAllActorsJob) Name() string  { return "RefreshAllActors" }
func (*RefreshAllActorsJob) Queue() string { return QueueApub }

const refreshSpacing = 300 * time.Millisecond

func (j *RefreshAllActorsJob) Run(ctx context.Context, env *Env) error {
	ids, err := env.Store.AllActorIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := env.Actors.GetNoCache(ctx, id); err != nil {
			if code, ok := errs.StatusCode(err); ok && (code == http.StatusGone || code == http.StatusNotFound) {
				slog.Info("actor no longer exists, unsubscribing", "actor", id)
				if _, _, err := env.Actors.RemoveFollower(ctx, id); err != nil {
					return err
				}
				env.Nodes.Forget(id)
			} else {
				slog.Debug("actor refresh failed", "actor", id, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return errs.Canceled()
		case <-time.After(refreshSpacing):
		}
	}
	return nil
}

// FlushLastOnlineJob drains the in-memory liveness map into the database. A
// failed write folds the batch back in so no sighting is lost.
type FlushLastOnlineJob struct{}

func (*FlushLastOnlineJob) Name() string  { return "FlushLastOnline" }
func (*FlushLastOnlineJob) Queue() string { return QueueApub }

func (j *FlushLastOnlineJob) Run(ctx context.Context, env *Env) error {
	seen := env.Requests.LastOnline().Take()
	if len(seen) == 0 {
		return nil
	}
	if err := env.Store.SetLastOnline(ctx, seen); err != nil {
		env.Requests.LastOnline().Merge(seen)
		return err
	}
	return nil
}
