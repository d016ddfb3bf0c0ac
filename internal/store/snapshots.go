package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coordd/internal/models"
)

// SnapshotStore handles state-snapshot persistence on SQLite.
type SnapshotStore struct {
	db *DB
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Upsert writes a snapshot with latest-wins semantics per (session, scope,
// type). The payload fully replaces any previous one; snapshots are never
// merged. Scope is a group id or models.GlobalScope.
func (s *SnapshotStore) Upsert(snap *models.StateSnapshot) error {
	if err := ValidateID("session id", snap.SessionID); err != nil {
		return err
	}
	if snap.Scope != models.GlobalScope {
		if err := ValidateID("scope", snap.Scope); err != nil {
			return err
		}
	}
	if err := ValidateID("state type", snap.Type); err != nil {
		return err
	}
	if len(snap.Payload) == 0 || !json.Valid(snap.Payload) {
		return models.Validationf("payload", "must be valid JSON")
	}

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO state_snapshots (session_id, scope, state_type, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, scope, state_type) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, snap.SessionID, snap.Scope, snap.Type, string(snap.Payload), now)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get fetches the latest snapshot for (session, scope, type). A missing
// snapshot returns nil, not an error: callers treat it as "no prior record".
func (s *SnapshotStore) Get(sessionID, scope, stateType string) (*models.StateSnapshot, error) {
	var (
		snap    models.StateSnapshot
		payload string
	)
	err := s.db.QueryRow(`
		SELECT session_id, scope, state_type, payload, updated_at
		FROM state_snapshots WHERE session_id = ? AND scope = ? AND state_type = ?
	`, sessionID, scope, stateType).Scan(
		&snap.SessionID, &snap.Scope, &snap.Type, &payload, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}
