// Package apub implements the ActivityPub surface of the relay: the service
// actor, activity construction, and the inbound activity state machine.
package apub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fedigrid/relay/internal/errs"
)

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the JSON-LD @context attached to outbound objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
}

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Actor is the relay's own service actor document.
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Name              string      `json:"name,omitempty"`
	PreferredUsername string      `json:"preferredUsername"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	URL               string      `json:"url,omitempty"`
}

// PublicKey is an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints holds the shared inbox endpoint.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Activity is an outbound activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity parses inbound activities, where the object may be a string
// reference, an embedded object, or (invalidly, for this relay) an array.
type IncomingActivity struct {
	Context json.RawMessage `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	To      StringOrArray   `json:"to,omitempty"`
	CC      StringOrArray   `json:"cc,omitempty"`
}

// ObjectID extracts the object's IRI, whether the object is a bare string or
// an embedded object with an id. Arrays are rejected: the relay announces one
// object per activity.
func (a *IncomingActivity) ObjectID() (string, error) {
	raw := strings.TrimSpace(string(a.Object))
	if raw == "" {
		return "", errs.MissingID()
	}
	switch raw[0] {
	case '[':
		return "", errs.ObjectCount()
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(a.Object, &obj); err != nil || obj.ID == "" {
			return "", errs.MissingID()
		}
		return obj.ID, nil
	default:
		var id string
		if err := json.Unmarshal(a.Object, &id); err != nil || id == "" {
			return "", errs.MissingID()
		}
		return id, nil
	}
}

// ObjectType extracts the embedded object's type, or "" when the object is a
// bare IRI.
func (a *IncomingActivity) ObjectType() string {
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return ""
	}
	return obj.Type
}

// OrderedCollection is the relay's followers collection.
type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFinger response structures.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures, served at /nodeinfo/2.0.json.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

type NodeInfoMetadata struct {
	Peers  []string `json:"peers"`
	Blocks []string `json:"blocks,omitempty"`
}

// NodeInfoLinks points content negotiation at the 2.0 document.
type NodeInfoLinks struct {
	Links []WebFingerLink `json:"links"`
}

// Authority returns the host part of an IRI.
func Authority(iri string) (string, error) {
	rest, ok := strings.CutPrefix(iri, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(iri, "http://")
	}
	if !ok || rest == "" {
		return "", errs.MissingDomain()
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, "?")
	host, _, _ = strings.Cut(host, "#")
	if host == "" {
		return "", errs.MissingDomain()
	}
	return host, nil
}

// KeyOwner strips the fragment from a key id, yielding the owning actor IRI.
func KeyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}
