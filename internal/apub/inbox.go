package apub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-fed/httpsig"
	"github.com/google/uuid"

	"github.com/fedigrid/relay/internal/cache"
	"github.com/fedigrid/relay/internal/config"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/errs"
	"github.com/fedigrid/relay/internal/signer"
)

// Queue enqueues the background work an inbound activity triggers. Implemented
// by the job server; the inbox never does network work inline.
type Queue interface {
	Deliver(ctx context.Context, inbox string, activity Activity) error
	Announce(ctx context.Context, objectID, actorID string) error
	Forward(ctx context.Context, actorID string, raw json.RawMessage) error
	QueryInstance(ctx context.Context, actorID string) error
}

// Inbox is the inbound activity state machine: verify, authorize, dispatch.
type Inbox struct {
	cfg      *config.Config
	store    *db.Store
	actors   *cache.ActorCache
	activity *cache.ActivityCache
	nodes    *cache.NodeCache
	pool     *signer.Pool
	queue    Queue
}

func NewInbox(cfg *config.Config, store *db.Store, actors *cache.ActorCache, activity *cache.ActivityCache, nodes *cache.NodeCache, pool *signer.Pool, queue Queue) *Inbox {
	return &Inbox{
		cfg:      cfg,
		store:    store,
		actors:   actors,
		activity: activity,
		nodes:    nodes,
		pool:     pool,
		queue:    queue,
	}
}

// Handle processes one inbound activity. A nil return means accepted; errors
// carry their own HTTP status.
func (i *Inbox) Handle(r *http.Request, body []byte) error {
	ctx := r.Context()

	var act IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return errs.MissingKind()
	}
	if act.Type == "" {
		return errs.MissingKind()
	}
	if act.ID == "" || act.Actor == "" {
		return errs.MissingID()
	}

	// The signature, not the payload, decides who we are talking to.
	signerID := act.Actor
	var verifier httpsig.Verifier
	if i.cfg.ValidateSignatures {
		v, err := httpsig.NewVerifier(r)
		if err != nil {
			return errs.NoSignature()
		}
		verifier = v
		signerID = KeyOwner(v.KeyId())
	}

	if err := i.checkPolicy(ctx, signerID); err != nil {
		return err
	}

	mc, err := i.actors.Get(ctx, signerID)
	if err != nil {
		return err
	}
	actor := mc.Actor

	if verifier != nil {
		if err := i.verify(verifier, actor); err != nil {
			// A cached key may have rotated; refetch once and retry.
			if !mc.Cached {
				return err
			}
			fresh, ferr := i.actors.GetNoCache(ctx, signerID)
			if ferr != nil {
				return err
			}
			actor = fresh
			if err := i.verify(verifier, actor); err != nil {
				return err
			}
		}
	}

	// A signer may only speak for another actor when it is itself a
	// subscriber (a forwarding server we already federate with).
	if act.Actor != signerID && !i.actors.IsFollower(signerID) {
		return errs.BadActor(signerID, act.Actor)
	}

	slog.Debug("inbound activity", "type", act.Type, "actor", act.Actor, "id", act.ID)

	switch act.Type {
	case "Follow":
		return i.handleFollow(ctx, &act, actor, signerID)
	case "Undo":
		return i.handleUndo(ctx, &act)
	case "Accept":
		// Our reciprocal Follow was accepted; nothing to do.
		return nil
	case "Announce", "Create":
		return i.handleAnnounce(ctx, &act)
	case "Delete", "Update":
		return i.handleForward(ctx, &act, body)
	case "Add", "Remove":
		// Collection management from other servers is none of our business.
		return nil
	default:
		return errs.KindError(act.Type)
	}
}

func (i *Inbox) checkPolicy(ctx context.Context, actorID string) error {
	authority, err := Authority(actorID)
	if err != nil {
		return err
	}
	blocked, err := i.store.IsBlocked(ctx, authority)
	if err != nil {
		return err
	}
	if blocked {
		return errs.NotAllowed(actorID)
	}
	if i.cfg.RestrictedMode {
		allowed, err := i.store.IsAllowed(ctx, authority)
		if err != nil {
			return err
		}
		if !allowed {
			return errs.NotAllowed(actorID)
		}
	}
	return nil
}

func (i *Inbox) verify(v httpsig.Verifier, actor db.Actor) error {
	return i.pool.Verify(func() error {
		key, err := ParseRSAPublicKey(actor.PublicKeyPEM)
		if err != nil {
			return errs.VerifySignature()
		}
		if err := v.Verify(key, httpsig.RSA_SHA256); err != nil {
			return errs.VerifySignature()
		}
		return nil
	})
}

// subscribed reports whether the actor, or any actor on its server, follows
// the relay.
func (i *Inbox) subscribed(actorID string) bool {
	if i.actors.IsFollower(actorID) {
		return true
	}
	authority, err := Authority(actorID)
	if err != nil {
		return false
	}
	return i.actors.IsFollowerAuthority(authority)
}

func (i *Inbox) handleFollow(ctx context.Context, act *IncomingActivity, actor db.Actor, signerID string) error {
	objectID, err := act.ObjectID()
	if err != nil {
		return err
	}
	if objectID != i.cfg.ActorID() && objectID != PublicURI {
		return errs.WrongActor(i.cfg.ActorID(), objectID)
	}

	follower := actor
	if act.Actor != signerID {
		mc, err := i.actors.Get(ctx, act.Actor)
		if err != nil {
			return err
		}
		follower = mc.Actor
	}

	if err := i.actors.AddFollower(ctx, follower); err != nil {
		return err
	}
	slog.Info("new follower", "actor", follower.ID)

	accept := NewAccept(i.cfg, uuid.NewString(), act)
	if err := i.queue.Deliver(ctx, follower.Inbox, accept); err != nil {
		return err
	}

	// Follow back so software that only relays to mutuals federates too.
	follow := NewFollow(i.cfg, uuid.NewString(), follower.ID)
	if err := i.queue.Deliver(ctx, follower.Inbox, follow); err != nil {
		return err
	}
	return i.queue.QueryInstance(ctx, follower.ID)
}

func (i *Inbox) handleUndo(ctx context.Context, act *IncomingActivity) error {
	var follow IncomingActivity
	if err := json.Unmarshal(act.Object, &follow); err != nil || follow.Type != "Follow" {
		// Undo of announces and likes does not concern the relay.
		return nil
	}
	if follow.Actor != "" && follow.Actor != act.Actor {
		return errs.WrongActor(act.Actor, follow.Actor)
	}

	inbox := ""
	if mc, err := i.actors.Get(ctx, act.Actor); err == nil {
		inbox = mc.Actor.Inbox
	}

	if _, _, err := i.actors.RemoveFollower(ctx, act.Actor); err != nil {
		return err
	}
	i.nodes.Forget(act.Actor)
	slog.Info("follower left", "actor", act.Actor)

	// Revoke the relay's own follow; best effort, the server may be gone.
	if inbox != "" {
		undo := NewUndoFollow(i.cfg, uuid.NewString(), uuid.NewString(), act.Actor)
		return i.queue.Deliver(ctx, inbox, undo)
	}
	return nil
}

func (i *Inbox) handleAnnounce(ctx context.Context, act *IncomingActivity) error {
	if !i.subscribed(act.Actor) {
		return errs.NotSubscribed(act.Actor)
	}

	objectID, err := act.ObjectID()
	if err != nil {
		return err
	}
	if _, ok := i.activity.Get(objectID); ok {
		return errs.Duplicate()
	}
	return i.queue.Announce(ctx, objectID, act.Actor)
}

func (i *Inbox) handleForward(ctx context.Context, act *IncomingActivity, body []byte) error {
	if !i.subscribed(act.Actor) {
		return errs.NotSubscribed(act.Actor)
	}

	objectID, err := act.ObjectID()
	if err != nil {
		return err
	}
	if objectID == act.Actor {
		i.actors.Evict(act.Actor)
		if act.Type == "Delete" {
			if _, _, err := i.actors.RemoveFollower(ctx, act.Actor); err != nil {
				return err
			}
			i.nodes.Forget(act.Actor)
		}
	}
	return i.queue.Forward(ctx, act.Actor, body)
}
