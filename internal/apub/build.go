package apub

import (
	"time"

	"github.com/fedigrid/relay/internal/config"
)

// ServiceActor builds the relay's own actor document.
func ServiceActor(cfg *config.Config, publicPEM string) Actor {
	summary := "An ActivityPub relay"
	if cfg.LocalBlurb != "" {
		summary = cfg.LocalBlurb
	}
	return Actor{
		Context:           DefaultContext,
		ID:                cfg.ActorID(),
		Type:              "Application",
		Name:              cfg.Hostname,
		PreferredUsername: "relay",
		Summary:           summary,
		Inbox:             cfg.InboxURL(),
		Followers:         cfg.FollowersURL(),
		PublicKey: &PublicKey{
			ID:           cfg.KeyID(),
			Owner:        cfg.ActorID(),
			PublicKeyPem: publicPEM,
		},
		Endpoints: &Endpoints{SharedInbox: cfg.InboxURL()},
		URL:       cfg.BaseURL("/"),
	}
}

// NewAccept builds the Accept sent back for an inbound Follow.
func NewAccept(cfg *config.Config, localID string, follow *IncomingActivity) Activity {
	return Activity{
		Context: DefaultContext,
		ID:      cfg.ActivityURL(localID),
		Type:    "Accept",
		Actor:   cfg.ActorID(),
		Object: Activity{
			ID:     follow.ID,
			Type:   "Follow",
			Actor:  follow.Actor,
			Object: cfg.ActorID(),
		},
		To: []string{follow.Actor},
	}
}

// NewFollow builds the relay's reciprocal Follow of a subscriber.
func NewFollow(cfg *config.Config, localID, actorID string) Activity {
	return Activity{
		Context: DefaultContext,
		ID:      cfg.ActivityURL(localID),
		Type:    "Follow",
		Actor:   cfg.ActorID(),
		Object:  actorID,
		To:      []string{actorID},
	}
}

// NewUndoFollow revokes the relay's side of a subscription, sent when a
// subscriber's server has gone away.
func NewUndoFollow(cfg *config.Config, localID, followID, actorID string) Activity {
	return Activity{
		Context: DefaultContext,
		ID:      cfg.ActivityURL(localID),
		Type:    "Undo",
		Actor:   cfg.ActorID(),
		Object: Activity{
			ID:     cfg.ActivityURL(followID),
			Type:   "Follow",
			Actor:  cfg.ActorID(),
			Object: actorID,
		},
		To: []string{actorID},
	}
}

// NewAnnounce wraps an object IRI in the relay's Announce, addressed to the
// followers collection.
func NewAnnounce(cfg *config.Config, localID, objectID string) Activity {
	return Activity{
		Context:   DefaultContext,
		ID:        cfg.ActivityURL(localID),
		Type:      "Announce",
		Actor:     cfg.ActorID(),
		Object:    objectID,
		To:        []string{cfg.FollowersURL(), PublicURI},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// FollowersCollection builds the relay's followers collection document. Only
// the count is published; member IRIs stay private.
func FollowersCollection(cfg *config.Config, total int) OrderedCollection {
	return OrderedCollection{
		Context:      DefaultContext,
		ID:           cfg.FollowersURL(),
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: []string{},
	}
}

// WebFinger answers acct:relay@hostname lookups.
func WebFinger(cfg *config.Config) WebFingerResponse {
	return WebFingerResponse{
		Subject: "acct:relay@" + cfg.Hostname,
		Aliases: []string{cfg.ActorID()},
		Links: []WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: cfg.ActorID(),
			},
		},
	}
}

// BuildNodeInfo builds the relay's nodeinfo 2.0 document. The blocked list is
// published only when the operator opted in with PUBLISH_BLOCKS.
func BuildNodeInfo(cfg *config.Config, version string, peers, blocked []string) NodeInfo {
	info := NodeInfo{
		Version: "2.0",
		Software: NodeInfoSoftware{
			Name:    "aprelay",
			Version: version,
		},
		Protocols:         []string{"activitypub"},
		Services:          NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Usage:             NodeInfoUsage{Users: NodeInfoUsers{Total: 1}},
		OpenRegistrations: !cfg.RestrictedMode,
	}
	info.Metadata.Peers = peers
	if info.Metadata.Peers == nil {
		info.Metadata.Peers = []string{}
	}
	if cfg.PublishBlocks {
		info.Metadata.Blocks = blocked
	}
	return info
}

// NodeInfoDiscovery points /.well-known/nodeinfo at the 2.0 document.
func NodeInfoDiscovery(cfg *config.Config) NodeInfoLinks {
	return NodeInfoLinks{
		Links: []WebFingerLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: cfg.BaseURL("/nodeinfo/2.0.json"),
			},
		},
	}
}
