package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coordd/internal/models"
)

// EventStore handles append-only event persistence on SQLite.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// EventFilter narrows a QueryEvents call. Zero values mean "no constraint".
type EventFilter struct {
	GroupID string
	Type    models.EventType
	Since   int64 // unix seconds; only events at or after this instant
	Limit   int
}

// Append writes an event. The write is idempotent on the dedup key: a repeat
// insert with the same key leaves the original record untouched and returns
// it with inserted=false. Events are immutable once written.
func (s *EventStore) Append(e *models.Event) (stored *models.Event, inserted bool, err error) {
	if err := ValidateID("session id", e.SessionID); err != nil {
		return nil, false, err
	}
	if e.GroupID != "" {
		if err := ValidateID("group id", e.GroupID); err != nil {
			return nil, false, err
		}
	}
	if err := ValidateID("dedup key", e.DedupKey); err != nil {
		return nil, false, err
	}
	if !e.Type.IsValid() {
		return nil, false, models.Validationf("event type", "unknown type %q", e.Type)
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return nil, false, models.Validationf("payload", "must be valid JSON")
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`
		INSERT INTO events (session_id, group_id, event_type, payload, created_at, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, e.SessionID, e.GroupID, string(e.Type), string(e.Payload), now, e.DedupKey)
	if err != nil {
		return nil, false, fmt.Errorf("append event: %w", err)
	}

	n, _ := res.RowsAffected()
	existing, err := s.GetByDedupKey(e.DedupKey)
	if err != nil {
		return nil, false, err
	}
	return existing, n > 0, nil
}

// GetByDedupKey fetches the event stored under a dedup key.
func (s *EventStore) GetByDedupKey(key string) (*models.Event, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, group_id, event_type, payload, created_at, dedup_key
		FROM events WHERE dedup_key = ?
	`, key)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event by dedup key: %w", err)
	}
	return e, nil
}

// Query returns events for a session matching the filter, oldest first.
// No matches yields an empty slice so orchestration can proceed conservatively.
func (s *EventStore) Query(sessionID string, f EventFilter) ([]*models.Event, error) {
	query := `
		SELECT id, session_id, group_id, event_type, payload, created_at, dedup_key
		FROM events WHERE session_id = ?`
	args := []any{sessionID}

	if f.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	if f.Since > 0 {
		query += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Latest returns the most recent event of a type for a group, or nil when no
// such event exists.
func (s *EventStore) Latest(sessionID, groupID string, t models.EventType) (*models.Event, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, group_id, event_type, payload, created_at, dedup_key
		FROM events WHERE session_id = ? AND group_id = ? AND event_type = ?
		ORDER BY id DESC LIMIT 1
	`, sessionID, groupID, string(t))
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	return e, nil
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		e       models.Event
		groupID *string
		payload string
	)
	err := row.Scan(&e.ID, &e.SessionID, &groupID, &e.Type, &payload, &e.CreatedAt, &e.DedupKey)
	if err != nil {
		return nil, err
	}
	if groupID != nil {
		e.GroupID = *groupID
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
