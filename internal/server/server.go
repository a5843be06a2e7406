// Package server implements the relay's HTTP surface: the ActivityPub
// endpoints, discovery documents, the media route, the index page, and the
// admin API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/cache"
	"github.com/fedigrid/relay/internal/config"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/errs"
	"github.com/fedigrid/relay/internal/requests"
	"github.com/fedigrid/relay/internal/signer"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// Server is the relay's HTTP server.
type Server struct {
	cfg      *config.Config
	store    *db.Store
	keyPair  *apub.KeyPair
	inbox    *apub.Inbox
	media    *cache.MediaCache
	requests *requests.Requests
	pool     *signer.Pool
	router   *chi.Mux

	apiTokenHash []byte
	startedAt    time.Time
}

// New creates a new Server.
func New(cfg *config.Config, store *db.Store, keyPair *apub.KeyPair, inbox *apub.Inbox, media *cache.MediaCache, reqs *requests.Requests, pool *signer.Pool) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		store:     store,
		keyPair:   keyPair,
		inbox:     inbox,
		media:     media,
		requests:  reqs,
		pool:      pool,
		startedAt: time.Now(),
	}
	if cfg.APIToken != "" {
		hash, err := hashAPIToken(pool, cfg.APIToken)
		if err != nil {
			return nil, err
		}
		s.apiTokenHash = hash
	}
	s.router = s.buildRouter()
	return s, nil
}

// Start runs the HTTP server until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr + ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "hostname", s.cfg.Hostname)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/actor", s.handleActor)
	r.Post("/inbox", s.handleInbox)
	r.Get("/followers", s.handleFollowers)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/nodeinfo/2.0.json", s.handleNodeInfo)

	r.Get("/media/{id}", s.handleMedia)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StaticDir))))

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(s.apiAuth)
		r.Post("/allow", s.handleAllow)
		r.Post("/disallow", s.handleDisallow)
		r.Post("/block", s.handleBlock)
		r.Post("/unblock", s.handleUnblock)
		r.Get("/allowed", s.handleAllowed)
		r.Get("/blocked", s.handleBlocked)
		r.Get("/connected", s.handleConnected)
		r.Get("/stats", s.handleStats)
		r.Get("/last_seen", s.handleLastSeen)
	})

	return r
}

// ─── ActivityPub Handlers ─────────────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	actor := apub.ServiceActor(s.cfg, s.keyPair.PublicPEM)
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(actor); err != nil {
		slog.Error("encode actor", "error", err)
	}
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, requests.JSONLimit+1))
	if err != nil {
		jsonResponse(w, map[string]string{"error": "read error"}, http.StatusBadRequest)
		return
	}
	if int64(len(body)) > requests.JSONLimit {
		jsonResponse(w, map[string]string{"error": errs.BodyTooLarge(requests.JSONLimit).Error()}, http.StatusBadRequest)
		return
	}

	if err := s.inbox.Handle(r, body); err != nil {
		status := errs.HTTPStatus(err)
		if status >= 500 {
			slog.Error("inbox error", "error", err, "remote", r.RemoteAddr)
		} else {
			slog.Debug("inbox rejected", "status", status, "error", err, "remote", r.RemoteAddr)
		}
		jsonResponse(w, map[string]string{"error": err.Error()}, status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.AllActorIDs(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	collection := apub.FollowersCollection(s.cfg, len(ids))
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(collection); err != nil {
		slog.Error("encode followers", "error", err)
	}
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}
	if resource != "acct:relay@"+s.cfg.Hostname && resource != s.cfg.ActorID() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	if err := json.NewEncoder(w).Encode(apub.WebFinger(s.cfg)); err != nil {
		slog.Error("encode webfinger", "error", err)
	}
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, apub.NodeInfoDiscovery(s.cfg), http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	var peers []string
	inboxes, err := s.store.ListenerInboxes(r.Context())
	if err == nil {
		for _, inbox := range inboxes {
			if authority, err := apub.Authority(inbox); err == nil {
				peers = append(peers, authority)
			}
		}
	}
	var blocked []string
	if s.cfg.PublishBlocks {
		if domains, err := s.store.Blocked(r.Context()); err == nil {
			blocked = domains
		}
	}
	jsonResponse(w, apub.BuildNodeInfo(s.cfg, version, peers, blocked), http.StatusOK)
}

// ─── Media ────────────────────────────────────────────────────────────────────

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	contentType, data, err := s.media.Bytes(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if data != nil {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		cacheHeaders(w, 86400)
		w.Write(data)
		return
	}

	// Not cached yet; proxy through, still bounded.
	url, err := s.media.URL(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if url == "" {
		http.NotFound(w, r)
		return
	}

	resp, err := s.requests.FetchResponse(r.Context(), url)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	cacheHeaders(w, 3600)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, requests.MediaLimit)); err != nil {
		slog.Debug("media proxy interrupted", "id", id, "error", err)
	}
}

// ─── Index ────────────────────────────────────────────────────────────────────

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Hostname}}</title><link rel="stylesheet" href="/static/styles.css"></head>
<body>
<h1>{{.Hostname}}</h1>
<p>An ActivityPub relay. Follow <code>{{.ActorID}}</code> to join.</p>
{{if .LocalBlurb}}<p>{{.LocalBlurb}}</p>{{end}}
<h2>Connected servers ({{len .Instances}})</h2>
<ul>
{{range .Instances}}<li><strong>{{.Title}}</strong> — {{.Authority}}{{if .Description}}<br>{{.Description}}{{end}}</li>
{{end}}</ul>
{{if .FooterBlurb}}<footer><p>{{.FooterBlurb}}</p></footer>{{end}}
</body>
</html>
`))

type indexInstance struct {
	Authority   string
	Title       string
	Description string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.AllActorIDs(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	seen := make(map[string]struct{})
	var instances []indexInstance
	for _, id := range ids {
		authority, err := apub.Authority(id)
		if err != nil {
			continue
		}
		if _, dup := seen[authority]; dup {
			continue
		}
		seen[authority] = struct{}{}

		row := indexInstance{Authority: authority, Title: authority}
		if instance, err := s.store.GetInstance(r.Context(), id); err == nil && instance != nil {
			if instance.Title != "" {
				row.Title = instance.Title
			}
			row.Description = instance.Description
		}
		instances = append(instances, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, map[string]any{
		"Hostname":    s.cfg.Hostname,
		"ActorID":     s.cfg.ActorID(),
		"LocalBlurb":  s.cfg.LocalBlurb,
		"FooterBlurb": s.cfg.FooterBlurb,
		"Instances":   instances,
	}); err != nil {
		slog.Error("render index", "error", err)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
