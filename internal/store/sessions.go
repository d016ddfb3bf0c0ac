package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coordd/internal/models"
)

// SessionStore handles session persistence on SQLite.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new active session. An empty id gets a generated UUID.
// Creating an id that already exists returns the existing session unchanged,
// so a crashed-and-retried create produces no duplicate side effect.
func (s *SessionStore) Create(id string, scope []models.ScopeItem, mode models.ExecutionMode) (*models.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if err := ValidateID("session id", id); err != nil {
		return nil, err
	}
	if !mode.IsValid() {
		return nil, models.Validationf("mode", "unknown execution mode %q", mode)
	}
	for _, item := range scope {
		if err := ValidateID("scope item id", item.ID); err != nil {
			return nil, err
		}
	}

	if existing, err := s.Get(id); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, status, scope, mode, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(models.SessionActive), string(scopeJSON), string(mode), now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &models.Session{
		ID:        id,
		Status:    models.SessionActive,
		Scope:     scope,
		Mode:      mode,
		CreatedAt: now,
	}, nil
}

// Get fetches a session by id.
func (s *SessionStore) Get(id string) (*models.Session, error) {
	var (
		sess      models.Session
		scopeJSON string
		closedAt  sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT id, status, scope, mode, created_at, closed_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Status, &scopeJSON, &sess.Mode, &sess.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(scopeJSON), &sess.Scope); err != nil {
		return nil, fmt.Errorf("decode session scope: %w", err)
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Int64
	}
	return &sess, nil
}

// Close marks a session closed. Only the validator gate calls this, and only
// on accept. Closing an already-closed session is a no-op.
func (s *SessionStore) Close(id string) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, string(models.SessionClosed), now, id, string(models.SessionActive))
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, getErr := s.Get(id)
		if getErr != nil {
			return getErr
		}
		if existing.Status == models.SessionClosed {
			return nil
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
