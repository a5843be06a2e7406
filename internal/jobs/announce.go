package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/errs"
)

func init() {
	register(func() Job { return &AnnounceJob{} })
	register(func() Job { return &ForwardJob{} })
}

// AnnounceJob wraps a submitted object in the relay's Announce and fans it out
// to every listener except the object's own server and the server that
// submitted it. The two differ when a subscriber relays an object hosted
// elsewhere; skipping both keeps the submitter from hearing its own echo.
type AnnounceJob struct {
	ObjectID string `json:"object_id"`
	Actor    string `json:"actor"`
}

func (*AnnounceJob) Name() string  { return "Announce" }
func (*AnnounceJob) Queue() string { return QueueApub }

func (j *AnnounceJob) Run(ctx context.Context, env *Env) error {
	origin, err := apub.Authority(j.ObjectID)
	if err != nil {
		return err
	}
	skip := []string{origin}
	if j.Actor != "" {
		submitter, err := apub.Authority(j.Actor)
		if err != nil {
			return err
		}
		skip = append(skip, submitter)
	}

	localID := uuid.NewString()
	announce := apub.NewAnnounce(env.Cfg, localID, j.ObjectID)
	payload, err := json.Marshal(announce)
	if err != nil {
		return errs.Storage(err)
	}

	inboxes, err := targets(ctx, env, skip...)
	if err != nil {
		return err
	}
	if err := env.Server.Enqueue(ctx, &DeliverManyJob{Inboxes: inboxes, Activity: payload}); err != nil {
		return err
	}

	// Mark the object relayed only after the fan-out is safely queued, so a
	// crash in between re-announces instead of silently dropping.
	env.Activity.Store(j.ObjectID, localID)

	slog.Info("announcing object", "object", j.ObjectID, "activity", localID, "inboxes", len(inboxes))
	return nil
}

// ForwardJob sends a payload verbatim to every listener except the origin
// server. Used for Delete and Update, where rewrapping would break the
// original signature semantics.
type ForwardJob struct {
	ActorID string          `json:"actor_id"`
	Raw     json.RawMessage `json:"raw"`
}

func (*ForwardJob) Name() string  { return "Forward" }
func (*ForwardJob) Queue() string { return QueueApub }

func (j *ForwardJob) Run(ctx context.Context, env *Env) error {
	origin, err := apub.Authority(j.ActorID)
	if err != nil {
		return err
	}
	inboxes, err := targets(ctx, env, origin)
	if err != nil {
		return err
	}
	return env.Server.Enqueue(ctx, &DeliverManyJob{Inboxes: inboxes, Activity: j.Raw})
}

// targets returns every listener inbox except those on the skipped authorities
// and those since blocked.
func targets(ctx context.Context, env *Env, origins ...string) ([]string, error) {
	inboxes, err := env.Store.ListenerInboxes(ctx)
	if err != nil {
		return nil, err
	}
	blockedList, err := env.Store.Blocked(ctx)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(blockedList)+len(origins))
	for _, domain := range blockedList {
		skip[domain] = struct{}{}
	}
	for _, origin := range origins {
		skip[origin] = struct{}{}
	}

	out := inboxes[:0]
	for _, inbox := range inboxes {
		authority, err := apub.Authority(inbox)
		if err != nil {
			continue
		}
		if _, ok := skip[authority]; ok {
			continue
		}
		out = append(out, inbox)
	}
	return out, nil
}
