package db

import (
	"context"
	"time"
)

// Allow adds an authority to the allow list.
func (s *Store) Allow(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO allowed (domain) VALUES (?) ON CONFLICT(domain) DO NOTHING`), domain)
	return storage(err)
}

// Disallow removes an authority from the allow list.
func (s *Store) Disallow(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM allowed WHERE domain = ?`), domain)
	return storage(err)
}

// Block adds an authority to the block list.
func (s *Store) Block(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO blocked (domain) VALUES (?) ON CONFLICT(domain) DO NOTHING`), domain)
	return storage(err)
}

// Unblock removes an authority from the block list.
func (s *Store) Unblock(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM blocked WHERE domain = ?`), domain)
	return storage(err)
}

// Allowed returns the allow list.
func (s *Store) Allowed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM allowed ORDER BY domain`)
	if err != nil {
		return nil, storage(err)
	}
	domains, err := scanStringRows(rows)
	return domains, storage(err)
}

// Blocked returns the block list.
func (s *Store) Blocked(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM blocked ORDER BY domain`)
	if err != nil {
		return nil, storage(err)
	}
	domains, err := scanStringRows(rows)
	return domains, storage(err)
}

// IsAllowed reports membership in the allow list.
func (s *Store) IsAllowed(ctx context.Context, domain string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM allowed WHERE domain = ?`, domain)
}

// IsBlocked reports membership in the block list.
func (s *Store) IsBlocked(ctx context.Context, domain string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM blocked WHERE domain = ?`, domain)
}

func (s *Store) exists(ctx context.Context, query, arg string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&n); err != nil {
		return false, storage(err)
	}
	return n > 0, nil
}

// SetLastOnline upserts last-seen timestamps for a batch of authorities.
func (s *Store) SetLastOnline(ctx context.Context, seen map[string]time.Time) error {
	for domain, at := range seen {
		_, err := s.db.ExecContext(ctx,
			s.q(`INSERT INTO last_online (domain, seen_at) VALUES (?, ?)
			     ON CONFLICT(domain) DO UPDATE SET seen_at = excluded.seen_at`),
			domain, at.Unix())
		if err != nil {
			return storage(err)
		}
	}
	return nil
}

// LastOnline returns persisted last-seen timestamps per authority.
func (s *Store) LastOnline(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, seen_at FROM last_online`)
	if err != nil {
		return nil, storage(err)
	}
	defer rows.Close()

	seen := make(map[string]time.Time)
	for rows.Next() {
		var domain string
		var at int64
		if err := rows.Scan(&domain, &at); err != nil {
			return nil, storage(err)
		}
		seen[domain] = time.Unix(at, 0)
	}
	return seen, storage(rows.Err())
}
