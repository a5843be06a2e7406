package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fedigrid/relay/internal/errs"
)

func init() {
	register(func() Job { return &DeliverJob{} })
	register(func() Job { return &DeliverManyJob{} })
	register(func() Job { return &UnfollowJob{} })
}

// DeliverJob POSTs one activity to one inbox.
type DeliverJob struct {
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

func (*DeliverJob) Name() string  { return "Deliver" }
func (*DeliverJob) Queue() string { return QueueDeliver }

func (j *DeliverJob) Run(ctx context.Context, env *Env) error {
	err := env.Requests.Deliver(ctx, j.Inbox, j.Activity)
	if code, ok := errs.StatusCode(err); ok && code == http.StatusGone {
		// The server is gone for good; unsubscribe it instead of retrying.
		slog.Info("inbox gone, unsubscribing", "inbox", j.Inbox)
		return env.Server.Enqueue(ctx, &UnfollowJob{Inbox: j.Inbox})
	}
	return err
}

// DeliverManyJob splits a fan-out into one DeliverJob per inbox, so each
// delivery retries on its own clock.
type DeliverManyJob struct {
	Inboxes  []string        `json:"inboxes"`
	Activity json.RawMessage `json:"activity"`
}

func (*DeliverManyJob) Name() string  { return "DeliverMany" }
func (*DeliverManyJob) Queue() string { return QueueDeliver }

func (j *DeliverManyJob) Run(ctx context.Context, env *Env) error {
	for _, inbox := range j.Inboxes {
		if err := env.Server.Enqueue(ctx, &DeliverJob{Inbox: inbox, Activity: j.Activity}); err != nil {
			return err
		}
	}
	return nil
}

// UnfollowJob removes every subscription behind an inbox whose server has
// permanently gone away.
type UnfollowJob struct {
	Inbox string `json:"inbox"`
}

func (*UnfollowJob) Name() string  { return "Unfollow" }
func (*UnfollowJob) Queue() string { return QueueApub }

func (j *UnfollowJob) Run(ctx context.Context, env *Env) error {
	listenerID, err := env.Store.ListenerByInbox(ctx, j.Inbox)
	if err != nil {
		return err
	}
	if listenerID == "" {
		return nil
	}

	ids, err := env.Store.ActorIDsForListener(ctx, listenerID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, _, err := env.Actors.RemoveFollower(ctx, id); err != nil {
			return err
		}
		env.Nodes.Forget(id)
		slog.Info("unsubscribed gone actor", "actor", id)
	}
	return nil
}
