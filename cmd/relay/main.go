// relay is an ActivityPub relay: servers follow its actor, and anything they
// submit is announced to every other follower. It runs as a single binary with
// SQLite by default, requiring no external database for small deployments.
//
// Usage:
//
//	export HOSTNAME=relay.example.com
//	export API_TOKEN=<admin token>
//	./relay
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/cache"
	"github.com/fedigrid/relay/internal/config"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/jobs"
	"github.com/fedigrid/relay/internal/requests"
	"github.com/fedigrid/relay/internal/server"
	"github.com/fedigrid/relay/internal/signer"
)

func main() {
	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()

	// Structured JSON logging by default — easy to parse with any log
	// aggregator. PRETTY_LOG switches to text for local runs.
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.PrettyLog {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting relay",
		"hostname", cfg.Hostname,
		"database", cfg.DatabaseURL,
		"restricted", cfg.RestrictedMode,
		"validate_signatures", cfg.ValidateSignatures,
	)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── RSA Key Pair (auto-generated if missing) ─────────────────────────────
	keyPair, err := apub.LoadOrGenerateKeyPair(ctx, store)
	if err != nil {
		slog.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	slog.Info("signing key ready", "key_id", cfg.KeyID())

	// ─── Crypto pool and outbound engine ──────────────────────────────────────
	pool := signer.NewPool(cfg.SignatureThreads)
	defer pool.Close()

	reqs := requests.New(pool, keyPair.Private, cfg.KeyID(), cfg.UserAgent(), cfg.ClientTimeout)

	// ─── Caches ───────────────────────────────────────────────────────────────
	actors := cache.NewActorCache(store, reqs)
	activities := cache.NewActivityCache()
	nodes := cache.NewNodeCache(store)
	media := cache.NewMediaCache(store)

	if err := actors.Rehydrate(ctx); err != nil {
		slog.Error("failed to load follower set", "error", err)
		os.Exit(1)
	}

	// ─── Job system ───────────────────────────────────────────────────────────
	jobServer := jobs.NewServer(&jobs.Env{
		Cfg:      cfg,
		Store:    store,
		Requests: reqs,
		Actors:   actors,
		Activity: activities,
		Nodes:    nodes,
		Media:    media,
	})
	if err := jobServer.Start(ctx); err != nil {
		slog.Error("failed to start job server", "error", err)
		os.Exit(1)
	}
	defer jobServer.Stop()

	// ─── Inbox and HTTP server ────────────────────────────────────────────────
	inbox := apub.NewInbox(cfg, store, actors, activities, nodes, pool, jobServer)

	srv, err := server.New(cfg, store, keyPair, inbox, media, reqs, pool)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("relay stopped")
}
