package jobs

import (
	"context"
	"strings"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/errs"
)

func init() {
	register(func() Job { return &QueryNodeinfoJob{} })
}

// QueryNodeinfoJob refreshes a server's nodeinfo when it has gone stale,
// following the well-known discovery document to the schema link.
type QueryNodeinfoJob struct {
	ActorID string `json:"actor_id"`
}

func (*QueryNodeinfoJob) Name() string  { return "QueryNodeinfo" }
func (*QueryNodeinfoJob) Queue() string { return QueueApub }

func (j *QueryNodeinfoJob) Run(ctx context.Context, env *Env) error {
	if !env.Nodes.NodeInfoOutdated(ctx, j.ActorID) {
		return nil
	}

	authority, err := apub.Authority(j.ActorID)
	if err != nil {
		return err
	}

	var discovery apub.NodeInfoLinks
	if err := env.Requests.FetchJSONPlain(ctx, "https://"+authority+"/.well-known/nodeinfo", &discovery); err != nil {
		return err
	}

	href := ""
	for _, link := range discovery.Links {
		if strings.HasSuffix(link.Rel, "/2.0") || strings.HasSuffix(link.Rel, "/2.1") {
			href = link.Href
		}
	}
	if href == "" && len(discovery.Links) > 0 {
		href = discovery.Links[0].Href
	}
	if href == "" {
		return errs.MissingID()
	}

	var doc struct {
		Software struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"software"`
		OpenRegistrations bool `json:"openRegistrations"`
	}
	if err := env.Requests.FetchJSONPlain(ctx, href, &doc); err != nil {
		return err
	}

	return env.Nodes.SetNodeInfo(ctx, j.ActorID, db.Info{
		Software:          doc.Software.Name,
		Version:           doc.Software.Version,
		OpenRegistrations: doc.OpenRegistrations,
	})
}
