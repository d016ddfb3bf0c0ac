package store

import (
	"database/sql"
	"fmt"
	"time"

	"coordd/internal/models"
)

// groupColumns is the canonical column list for all SELECT queries.
// Order must match scanGroup.
const groupColumns = `session_id, id, name, status, assigned_role,
	review_iteration, no_progress_count, blocking_issues, complexity,
	created_at, updated_at`

// GroupStore handles task-group persistence on SQLite.
type GroupStore struct {
	db *DB
}

// NewGroupStore creates a new group store.
func NewGroupStore(db *DB) *GroupStore {
	return &GroupStore{db: db}
}

// Upsert creates or updates a task group. Groups are never deleted; terminal
// states are retained for audit. The review iteration is monotonic: an upsert
// that would decrease it is rejected before anything is written.
func (s *GroupStore) Upsert(g *models.TaskGroup) (*models.TaskGroup, error) {
	if err := ValidateID("session id", g.SessionID); err != nil {
		return nil, err
	}
	if err := ValidateID("group id", g.ID); err != nil {
		return nil, err
	}
	if g.Name == "" {
		return nil, models.Validationf("group name", "must not be empty")
	}
	if !g.Status.IsValid() {
		return nil, models.Validationf("group status", "unknown status %q", g.Status)
	}
	if !g.AssignedRole.IsValid() {
		return nil, models.Validationf("assigned role", "unknown role %q", g.AssignedRole)
	}
	if g.ReviewIteration < 0 || g.NoProgressCount < 0 || g.BlockingIssues < 0 {
		return nil, models.Validationf("group counters", "must not be negative")
	}

	existing, err := s.Get(g.SessionID, g.ID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if existing != nil && g.ReviewIteration < existing.ReviewIteration {
		return nil, models.Validationf("review_iteration",
			"may not decrease (%d -> %d)", existing.ReviewIteration, g.ReviewIteration)
	}

	now := time.Now().Unix()
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	_, err = s.db.Exec(`
		INSERT INTO task_groups (
			session_id, id, name, status, assigned_role,
			review_iteration, no_progress_count, blocking_issues, complexity,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			assigned_role = excluded.assigned_role,
			review_iteration = excluded.review_iteration,
			no_progress_count = excluded.no_progress_count,
			blocking_issues = excluded.blocking_issues,
			complexity = excluded.complexity,
			updated_at = excluded.updated_at
	`, g.SessionID, g.ID, g.Name, string(g.Status), string(g.AssignedRole),
		g.ReviewIteration, g.NoProgressCount, g.BlockingIssues, g.Complexity,
		createdAt, now)
	if err != nil {
		return nil, fmt.Errorf("upsert task group: %w", err)
	}

	return s.Get(g.SessionID, g.ID)
}

// Get fetches a task group by session and id.
func (s *GroupStore) Get(sessionID, groupID string) (*models.TaskGroup, error) {
	row := s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM task_groups WHERE session_id = ? AND id = ?`, groupColumns),
		sessionID, groupID)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get group %s/%s: %w", sessionID, groupID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// List returns all task groups for a session. A session with no groups yields
// an empty slice, not an error.
func (s *GroupStore) List(sessionID string) ([]*models.TaskGroup, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM task_groups WHERE session_id = ? ORDER BY created_at, id`, groupColumns),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.TaskGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*models.TaskGroup, error) {
	var g models.TaskGroup
	err := row.Scan(
		&g.SessionID, &g.ID, &g.Name, &g.Status, &g.AssignedRole,
		&g.ReviewIteration, &g.NoProgressCount, &g.BlockingIssues, &g.Complexity,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
