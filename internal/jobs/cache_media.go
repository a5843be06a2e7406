package jobs

import (
	"context"
	"log/slog"

	"github.com/fedigrid/relay/internal/errs"
	"github.com/fedigrid/relay/internal/requests"
)

func init() {
	register(func() Job { return &CacheMediaJob{} })
}

// CacheMediaJob pulls the bytes behind a media uuid so the media route can
// serve them locally. Oversized media stays uncached and is proxied instead.
type CacheMediaJob struct {
	ID string `json:"id"`
}

func (*CacheMediaJob) Name() string  { return "CacheMedia" }
func (*CacheMediaJob) Queue() string { return QueueApub }

func (j *CacheMediaJob) Run(ctx context.Context, env *Env) error {
	url, err := env.Media.URL(ctx, j.ID)
	if err != nil {
		return err
	}
	if url == "" {
		return nil
	}

	contentType, data, err := env.Requests.FetchBytes(ctx, url, requests.MediaLimit)
	if err != nil {
		if errs.IsKind(err, errs.KindBodyTooLarge) {
			slog.Debug("media too large to cache", "id", j.ID, "url", url)
			return nil
		}
		return err
	}
	return env.Media.StoreBytes(ctx, j.ID, contentType, data)
}
