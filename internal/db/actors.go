package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Actor is a remote ActivityPub identity the relay federates with.
type Actor struct {
	ID           string `json:"id"`
	PublicKeyPEM string `json:"public_key"`
	PublicKeyID  string `json:"public_key_id"`
	Inbox        string `json:"inbox"`
}

// freshWindow is how recently an actor row must have been written for the
// lookup path to skip it: rows updated within the window are considered
// covered by the in-memory TTL layer, so lookup forces the caller on to a
// refetch instead of resurfacing them.
const freshWindow = 120 * time.Second

// UpsertListener returns the listener id for an inbox, creating the row when
// the authority is seen for the first time.
func (s *Store) UpsertListener(ctx context.Context, inbox string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM listeners WHERE inbox = ?`), inbox).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", storage(err)
	}

	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO listeners (id, inbox, created_at) VALUES (?, ?, ?) ON CONFLICT(inbox) DO NOTHING`),
		id, inbox, time.Now().Unix())
	if err != nil {
		return "", storage(err)
	}

	// A concurrent insert may have won; read back the canonical id.
	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM listeners WHERE inbox = ?`), inbox).Scan(&id)
	if err != nil {
		return "", storage(err)
	}
	return id, nil
}

// UpsertActor persists an actor under the listener for its inbox.
func (s *Store) UpsertActor(ctx context.Context, actor Actor) error {
	listenerID, err := s.UpsertListener(ctx, actor.Inbox)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO actors (actor_id, public_key, public_key_id, listener_id, created_at, updated_at)
		     VALUES (?, ?, ?, ?, ?, ?)
		     ON CONFLICT(actor_id) DO UPDATE SET
		        public_key = excluded.public_key,
		        public_key_id = excluded.public_key_id,
		        listener_id = excluded.listener_id,
		        updated_at = excluded.updated_at`),
		actor.ID, actor.PublicKeyPEM, actor.PublicKeyID, listenerID, now, now)
	return storage(err)
}

// UpdateActor refreshes the key fields of an actor that is already persisted.
// Unknown actors are left unpersisted: rows (and their listeners) are created
// only when a Follow is accepted, never as a side effect of resolving a
// signer.
func (s *Store) UpdateActor(ctx context.Context, actor Actor) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE actors SET public_key = ?, public_key_id = ?, updated_at = ? WHERE actor_id = ?`),
		actor.PublicKeyPEM, actor.PublicKeyID, time.Now().Unix(), actor.ID)
	return storage(err)
}

// DeleteActor removes an actor row. When it was the last actor referencing its
// listener, the listener is deleted too and its id returned.
func (s *Store) DeleteActor(ctx context.Context, actorID string) (listenerID string, cascaded bool, err error) {
	err = s.db.QueryRowContext(ctx, s.q(`SELECT listener_id FROM actors WHERE actor_id = ?`), actorID).Scan(&listenerID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage(err)
	}

	if _, err = s.db.ExecContext(ctx, s.q(`DELETE FROM actors WHERE actor_id = ?`), actorID); err != nil {
		return "", false, storage(err)
	}

	var remaining int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM actors WHERE listener_id = ?`), listenerID).Scan(&remaining)
	if err != nil {
		return "", false, storage(err)
	}
	if remaining > 0 {
		return listenerID, false, nil
	}

	if _, err = s.db.ExecContext(ctx, s.q(`DELETE FROM listeners WHERE id = ?`), listenerID); err != nil {
		return "", false, storage(err)
	}
	return listenerID, true, nil
}

// FindActorByID returns the persisted actor, joining the listener for its
// inbox. Rows updated within the freshness window return nil so the caller
// falls through to a refetch.
func (s *Store) FindActorByID(ctx context.Context, actorID string) (*Actor, error) {
	cutoff := time.Now().Add(-freshWindow).Unix()
	var a Actor
	a.ID = actorID
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT listeners.inbox, actors.public_key, actors.public_key_id
		     FROM listeners
		     INNER JOIN actors ON actors.listener_id = listeners.id
		     WHERE actors.actor_id = ? AND actors.updated_at < ?
		     LIMIT 1`),
		actorID, cutoff).Scan(&a.Inbox, &a.PublicKeyPEM, &a.PublicKeyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage(err)
	}
	return &a, nil
}

// AllActorIDs returns every persisted actor IRI.
func (s *Store) AllActorIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM actors`)
	if err != nil {
		return nil, storage(err)
	}
	ids, err := scanStringRows(rows)
	return ids, storage(err)
}

// ConnectedIDs returns the actor IRIs of servers currently federated with.
func (s *Store) ConnectedIDs(ctx context.Context) ([]string, error) {
	return s.AllActorIDs(ctx)
}

// ListenerInboxes returns every listener's shared inbox.
func (s *Store) ListenerInboxes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT inbox FROM listeners`)
	if err != nil {
		return nil, storage(err)
	}
	inboxes, err := scanStringRows(rows)
	return inboxes, storage(err)
}

// ListenerByInbox returns the listener id for an inbox, or "" when unknown.
func (s *Store) ListenerByInbox(ctx context.Context, inbox string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM listeners WHERE inbox = ?`), inbox).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, storage(err)
}

// ActorIDsForListener returns the actors belonging to a listener.
func (s *Store) ActorIDsForListener(ctx context.Context, listenerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT actor_id FROM actors WHERE listener_id = ?`), listenerID)
	if err != nil {
		return nil, storage(err)
	}
	ids, err := scanStringRows(rows)
	return ids, storage(err)
}

// DeleteListener removes a listener and any actors still referencing it.
func (s *Store) DeleteListener(ctx context.Context, listenerID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM actors WHERE listener_id = ?`), listenerID); err != nil {
		return storage(err)
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM listeners WHERE id = ?`), listenerID)
	return storage(err)
}

// Counts returns aggregate row counts for the admin stats endpoint.
type Counts struct {
	Listeners int `json:"listeners"`
	Actors    int `json:"actors"`
	Allowed   int `json:"allowed"`
	Blocked   int `json:"blocked"`
	Jobs      int `json:"queued_jobs"`
	Media     int `json:"cached_media"`
}

// Stats returns aggregate counts in a single round-trip per table.
func (s *Store) Stats(ctx context.Context) (Counts, error) {
	var c Counts
	const q = `
		SELECT
			(SELECT COUNT(*) FROM listeners),
			(SELECT COUNT(*) FROM actors),
			(SELECT COUNT(*) FROM allowed),
			(SELECT COUNT(*) FROM blocked),
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM media)`
	err := s.db.QueryRowContext(ctx, q).Scan(&c.Listeners, &c.Actors, &c.Allowed, &c.Blocked, &c.Jobs, &c.Media)
	return c, storage(err)
}
