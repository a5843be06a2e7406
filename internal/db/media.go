package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// MediaPutURL maps a remote URL to a stable local uuid, minting one on first
// sight. The same URL always maps to the same uuid.
func (s *Store) MediaPutURL(ctx context.Context, url string) (string, error) {
	if id, err := s.MediaGetUUID(ctx, url); err != nil || id != "" {
		return id, err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO media (id, url) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`),
		id, url)
	if err != nil {
		return "", storage(err)
	}
	// A concurrent insert may have won; read back the canonical id.
	return s.MediaGetUUID(ctx, url)
}

// MediaGetURL returns the remote URL for a uuid, or "" when unknown.
func (s *Store) MediaGetURL(ctx context.Context, id string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT url FROM media WHERE id = ?`), id).Scan(&url)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return url, storage(err)
}

// MediaGetUUID returns the uuid for a remote URL, or "" when unknown.
func (s *Store) MediaGetUUID(ctx context.Context, url string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM media WHERE url = ?`), url).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, storage(err)
}

// MediaPutBytes stores pre-fetched media bytes so the media route can serve
// them without contacting the origin.
func (s *Store) MediaPutBytes(ctx context.Context, id, contentType string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE media SET content_type = ?, bytes = ? WHERE id = ?`),
		contentType, data, id)
	return storage(err)
}

// MediaGetBytes returns cached media bytes, or nil when only the URL mapping
// exists.
func (s *Store) MediaGetBytes(ctx context.Context, id string) (contentType string, data []byte, err error) {
	var ct sql.NullString
	err = s.db.QueryRowContext(ctx, s.q(`SELECT content_type, bytes FROM media WHERE id = ?`), id).
		Scan(&ct, &data)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	return ct.String, data, storage(err)
}
