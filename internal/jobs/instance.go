package jobs

import (
	"context"
	"html"
	"strings"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/db"
)

func init() {
	register(func() Job { return &QueryInstanceJob{} })
}

// instanceDoc is the subset of a Mastodon-compatible /api/v1/instance response
// the relay keeps.
type instanceDoc struct {
	Title            string `json:"title"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Version          string `json:"version"`
	Registrations    bool   `json:"registrations"`
	ApprovalRequired bool   `json:"approval_required"`
	ContactAccount   *struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		URL         string `json:"url"`
		Avatar      string `json:"avatar"`
	} `json:"contact_account"`
}

// QueryInstanceJob refreshes a server's instance metadata when it has gone
// stale. Descriptions are stripped to plain text before storage; avatars are
// rehosted through the media cache so the relay's pages never hotlink.
type QueryInstanceJob struct {
	ActorID string `json:"actor_id"`
}

func (*QueryInstanceJob) Name() string  { return "QueryInstance" }
func (*QueryInstanceJob) Queue() string { return QueueApub }

func (j *QueryInstanceJob) Run(ctx context.Context, env *Env) error {
	if !env.Nodes.InstanceOutdated(ctx, j.ActorID) {
		return nil
	}

	authority, err := apub.Authority(j.ActorID)
	if err != nil {
		return err
	}

	var doc instanceDoc
	if err := env.Requests.FetchJSONPlain(ctx, "https://"+authority+"/api/v1/instance", &doc); err != nil {
		return err
	}

	title := doc.Title
	if title == "" {
		title = authority
	}
	description := doc.ShortDescription
	if description == "" {
		description = doc.Description
	}

	instance := db.Instance{
		Title:             StripHTML(title),
		Description:       StripHTML(description),
		Version:           doc.Version,
		OpenRegistrations: doc.Registrations,
		ApprovalRequired:  doc.ApprovalRequired,
	}
	if err := env.Nodes.SetInstance(ctx, j.ActorID, instance); err != nil {
		return err
	}

	if doc.ContactAccount == nil {
		return nil
	}
	contact := db.Contact{
		Username:    doc.ContactAccount.Username,
		DisplayName: StripHTML(doc.ContactAccount.DisplayName),
		URL:         doc.ContactAccount.URL,
	}
	if avatar := doc.ContactAccount.Avatar; avatar != "" {
		id, err := env.Media.StoreURL(ctx, avatar)
		if err != nil {
			return err
		}
		if err := env.Server.Enqueue(ctx, &CacheMediaJob{ID: id}); err != nil {
			return err
		}
		contact.AvatarURL = env.Cfg.MediaURL(id)
	}
	return env.Nodes.SetContact(ctx, j.ActorID, contact)
}

// StripHTML reduces remote HTML to plain text: tags go, entities unescape.
// Remote markup never reaches the relay's pages intact.
func StripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
			}
		case r == '<':
			inTag = true
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
