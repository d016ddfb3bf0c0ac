package policy

import (
	"encoding/json"
	"fmt"

	"coordd/internal/models"
	"coordd/internal/store"
)

// SnapshotType is the state_snapshot type under which the per-session policy
// lives, scoped to models.GlobalScope.
const SnapshotType = "policy"

// Pin persists the policy as the session's immutable snapshot. Called once at
// session creation; an existing snapshot is left untouched so a retried
// create cannot swap policy mid-session.
func Pin(snaps *store.SnapshotStore, sessionID string, p *Policy) error {
	existing, err := snaps.Get(sessionID, models.GlobalScope, SnapshotType)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return snaps.Upsert(&models.StateSnapshot{
		SessionID: sessionID,
		Scope:     models.GlobalScope,
		Type:      SnapshotType,
		Payload:   payload,
	})
}

// ForSession loads the policy pinned to a session. A session with no pinned
// policy falls back to the default, so orchestration proceeds conservatively
// on a failed read.
func ForSession(snaps *store.SnapshotStore, sessionID string) *Policy {
	snap, err := snaps.Get(sessionID, models.GlobalScope, SnapshotType)
	if err != nil || snap == nil {
		return Default()
	}
	var p Policy
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		return Default()
	}
	if err := p.Validate(); err != nil {
		return Default()
	}
	return &p
}
