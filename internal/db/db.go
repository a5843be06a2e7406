// Package db handles database connectivity, migrations, and data access for
// the relay. It supports both SQLite (default, no external dependencies) and
// PostgreSQL (for larger deployments).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fedigrid/relay/internal/errs"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "relay.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Timestamps are unix seconds (BIGINT) so the same DDL works on both drivers.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS listeners (
		id         TEXT PRIMARY KEY,
		inbox      TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS actors (
		actor_id      TEXT PRIMARY KEY,
		public_key    TEXT NOT NULL,
		public_key_id TEXT NOT NULL,
		listener_id   TEXT NOT NULL REFERENCES listeners(id),
		created_at    BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actors_listener ON actors(listener_id)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		actor_id         TEXT PRIMARY KEY,
		info             TEXT,
		info_updated     BIGINT,
		instance         TEXT,
		instance_updated BIGINT,
		contact          TEXT,
		contact_updated  BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id           TEXT PRIMARY KEY,
		url          TEXT NOT NULL UNIQUE,
		content_type TEXT,
		bytes        BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS allowed (
		domain TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS blocked (
		domain TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS last_online (
		domain  TEXT PRIMARY KEY,
		seen_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		queue       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		attempt     BIGINT NOT NULL DEFAULT 0,
		next_run_at BIGINT NOT NULL,
		lease_until BIGINT,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_queue_next ON jobs(queue, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// q rewrites ?-placeholders to $n for PostgreSQL. SQLite takes ? as-is.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// storage wraps a driver error in the taxonomy, passing nil through.
func storage(err error) error {
	if err == nil {
		return nil
	}
	return errs.Storage(err)
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

// SetKV upserts a key-value pair.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`),
		key, value)
	return storage(err)
}

// GetKV retrieves a value by key. Returns ("", false, nil) if not found.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage(err)
	}
	return value, true, nil
}
