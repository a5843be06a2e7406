package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Info is a server's nodeinfo, as published at /.well-known/nodeinfo.
type Info struct {
	Software          string    `json:"software"`
	Version           string    `json:"version"`
	OpenRegistrations bool      `json:"reg"`
	Updated           time.Time `json:"-"`
}

// Instance is a server's self-description from its instance API.
type Instance struct {
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Version           string    `json:"version"`
	OpenRegistrations bool      `json:"reg"`
	ApprovalRequired  bool      `json:"requires_approval"`
	Updated           time.Time `json:"-"`
}

// Contact is a server's admin contact.
type Contact struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	URL         string    `json:"url"`
	AvatarURL   string    `json:"avatar"`
	Updated     time.Time `json:"-"`
}

func (s *Store) saveNodeColumn(ctx context.Context, actorID, column string, v any, updated time.Time) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return storage(err)
	}
	// Column names come from call sites below, never from input.
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO nodes (actor_id, `+column+`, `+column+`_updated) VALUES (?, ?, ?)
		     ON CONFLICT(actor_id) DO UPDATE SET `+column+` = excluded.`+column+`,
		        `+column+`_updated = excluded.`+column+`_updated`),
		actorID, string(blob), updated.Unix())
	return storage(err)
}

func (s *Store) loadNodeColumn(ctx context.Context, actorID, column string, v any) (time.Time, bool, error) {
	var blob sql.NullString
	var updated sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+column+`, `+column+`_updated FROM nodes WHERE actor_id = ?`),
		actorID).Scan(&blob, &updated)
	if err == sql.ErrNoRows || (err == nil && !blob.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storage(err)
	}
	if err := json.Unmarshal([]byte(blob.String), v); err != nil {
		return time.Time{}, false, storage(err)
	}
	return time.Unix(updated.Int64, 0), true, nil
}

// SaveNodeInfo persists a server's nodeinfo tuple.
func (s *Store) SaveNodeInfo(ctx context.Context, actorID string, info Info) error {
	return s.saveNodeColumn(ctx, actorID, "info", info, info.Updated)
}

// SaveInstance persists a server's instance tuple.
func (s *Store) SaveInstance(ctx context.Context, actorID string, instance Instance) error {
	return s.saveNodeColumn(ctx, actorID, "instance", instance, instance.Updated)
}

// SaveContact persists a server's contact tuple.
func (s *Store) SaveContact(ctx context.Context, actorID string, contact Contact) error {
	return s.saveNodeColumn(ctx, actorID, "contact", contact, contact.Updated)
}

// GetNodeInfo returns the persisted nodeinfo tuple, or nil.
func (s *Store) GetNodeInfo(ctx context.Context, actorID string) (*Info, error) {
	var info Info
	updated, ok, err := s.loadNodeColumn(ctx, actorID, "info", &info)
	if err != nil || !ok {
		return nil, err
	}
	info.Updated = updated
	return &info, nil
}

// GetInstance returns the persisted instance tuple, or nil.
func (s *Store) GetInstance(ctx context.Context, actorID string) (*Instance, error) {
	var instance Instance
	updated, ok, err := s.loadNodeColumn(ctx, actorID, "instance", &instance)
	if err != nil || !ok {
		return nil, err
	}
	instance.Updated = updated
	return &instance, nil
}

// GetContact returns the persisted contact tuple, or nil.
func (s *Store) GetContact(ctx context.Context, actorID string) (*Contact, error) {
	var contact Contact
	updated, ok, err := s.loadNodeColumn(ctx, actorID, "contact", &contact)
	if err != nil || !ok {
		return nil, err
	}
	contact.Updated = updated
	return &contact, nil
}
