// Package engine maps (current role, reported status) to the next action in
// the review pipeline. The lookup itself is a pure function over the
// session's immutable policy snapshot; Advance wraps it with the store
// bookkeeping (iteration counters, progress streaks, audit events).
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/policy"
	"coordd/internal/progress"
	"coordd/internal/store"
)

// Decision is the engine's answer to one reported status.
type Decision struct {
	GroupID  string             `json:"groupId"`
	Status   models.GroupStatus `json:"status"`   // resulting group status
	NextRole models.Role        `json:"nextRole"` // who acts next
	Action   models.Action      `json:"action"`
	Carry    []string           `json:"carry,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Stale    bool               `json:"stale,omitempty"` // late response to a terminal group; dropped
}

// Engine drives task groups through the status graph.
type Engine struct {
	sessions *store.SessionStore
	groups   *store.GroupStore
	events   *store.EventStore
	snaps    *store.SnapshotStore
	ledger   *ledger.Ledger
	log      *slog.Logger
}

// New creates a transition engine over the coordination store.
func New(
	sessions *store.SessionStore,
	groups *store.GroupStore,
	events *store.EventStore,
	snaps *store.SnapshotStore,
	lg *ledger.Ledger,
	log *slog.Logger,
) *Engine {
	return &Engine{
		sessions: sessions,
		groups:   groups,
		events:   events,
		snaps:    snaps,
		ledger:   lg,
		log:      log,
	}
}

// DecideReview maps issue counts to a review outcome: any blocking issue
// forces ChangesRequired; otherwise notes demote a clean Approved to
// ApprovedWithNotes.
func DecideReview(blocking, nonBlocking int) models.GroupStatus {
	switch {
	case blocking > 0:
		return models.StatusChangesRequired
	case nonBlocking > 0:
		return models.StatusApprovedWithNotes
	default:
		return models.StatusApproved
	}
}

// ReviewOutcome computes the review status for a group's iteration from the
// ledger's unresolved-blocking view and the raised issue counts.
func (e *Engine) ReviewOutcome(sessionID, groupID string, iteration int) (models.GroupStatus, error) {
	issues, err := e.ledger.IssuesForIteration(sessionID, groupID, iteration)
	if err != nil {
		return "", err
	}
	unresolved, err := e.ledger.UnresolvedBlocking(sessionID, groupID)
	if err != nil {
		return "", err
	}
	_, nonBlocking := ledger.Counts(issues)
	return DecideReview(len(unresolved), nonBlocking), nil
}

// Advance processes one reported status for a group and returns what happens
// next. Each group's lookup reads only its own state plus the session's
// global scope, so concurrent groups never block each other. dedupKey is the
// caller's idempotence handle: a retry carrying the key of an already-stored
// transition replays the recorded decision without moving the group again.
func (e *Engine) Advance(sessionID, groupID string, from models.Role, status models.GroupStatus, dedupKey string) (*Decision, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	group, err := e.groups.Get(sessionID, groupID)
	if err != nil {
		return nil, err
	}
	if !from.IsValid() {
		return nil, models.Validationf("role", "unknown role %q", from)
	}

	if dedupKey != "" {
		prior, err := e.priorDecision(dedupKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	// Late responses to a settled group are stale: log and drop. A report
	// from the currently assigned role is not late; approval routes the
	// group onward and the next role must still be able to act on it.
	if sess.Status == models.SessionClosed ||
		(group.Status.IsTerminal() && from != group.AssignedRole) {
		e.log.Warn("dropping stale status for terminal group",
			"session", sessionID, "group", groupID, "role", from, "status", status)
		return &Decision{GroupID: groupID, Status: group.Status, Stale: true}, nil
	}

	pol := policy.ForSession(e.snaps, sessionID)

	// Unknown status codes fail closed: route to the managing role rather
	// than silently continuing.
	if !status.IsValid() {
		return e.failClosed(sessionID, group, from, status, pol, "unknown status code")
	}

	// Absolute ceiling on total iterations, independent of tier.
	if progress.HardCapReached(group.ReviewIteration, pol.HardCap) && !status.IsSignedOff() {
		return e.escalate(sessionID, group, from, pol, dedupKey,
			fmt.Sprintf("hard iteration cap %d reached", pol.HardCap))
	}

	switch status {
	case models.StatusReadyForReview:
		// A new review pass begins; the iteration counter is monotonic.
		group.ReviewIteration++

	case models.StatusChangesRequired:
		return e.advanceAfterReview(sessionID, group, from, status, pol, dedupKey)

	case models.StatusEscalated:
		iteration, err := e.ledger.LatestIteration(sessionID, groupID)
		if err != nil {
			return nil, err
		}
		if iteration == 0 {
			// Escalation with no issue history contradicts itself; resolve
			// through the safe default path instead of crashing.
			incons := &models.StateInconsistency{
				Detail: fmt.Sprintf("group %s escalated with no issue history", groupID),
			}
			e.log.Warn("resolving state inconsistency via manager route",
				"session", sessionID, "group", groupID, "error", incons)
		}
		return e.escalate(sessionID, group, from, pol, dedupKey, "escalation requested")
	}

	t, ok := pol.Lookup(from, status)
	if !ok {
		return e.failClosed(sessionID, group, from, status, pol, "no transition for role/status")
	}

	group.Status = status
	group.AssignedRole = t.Next
	if _, err := e.groups.Upsert(group); err != nil {
		return nil, err
	}

	d := &Decision{
		GroupID:  groupID,
		Status:   status,
		NextRole: t.Next,
		Action:   t.Action,
		Carry:    t.Carry,
	}
	if err := e.audit(sessionID, group, from, status, d, dedupKey); err != nil {
		return nil, err
	}
	return d, nil
}

// priorDecision replays the decision recorded under a transition dedup key,
// or returns nil when no such event exists.
func (e *Engine) priorDecision(dedupKey string) (*Decision, error) {
	ev, err := e.events.GetByDedupKey(dedupKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.TransitionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode transition event %s: %w", dedupKey, err)
	}
	return &Decision{
		GroupID:  p.GroupID,
		Status:   p.Status,
		NextRole: p.NextRole,
		Action:   p.Action,
		Carry:    p.Carry,
		Reason:   p.Reason,
	}, nil
}

// RecordDeadlineMiss records a synthetic no-progress event for a role
// invocation that produced nothing by its deadline, and advances the
// no-progress streak exactly as a stalled review pass would.
func (e *Engine) RecordDeadlineMiss(sessionID, groupID string, role models.Role, deadline int64) (*Decision, error) {
	group, err := e.groups.Get(sessionID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status.IsTerminal() {
		e.log.Warn("dropping deadline miss for terminal group",
			"session", sessionID, "group", groupID)
		return &Decision{GroupID: groupID, Status: group.Status, Stale: true}, nil
	}

	payload, err := models.EncodePayload(models.DeadlineMissedPayload{
		Role:     role,
		Deadline: deadline,
		Detail:   "no response by deadline",
	})
	if err != nil {
		return nil, err
	}
	_, inserted, err := e.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   groupID,
		Type:      models.EventDeadlineMissed,
		Payload:   payload,
		DedupKey:  fmt.Sprintf("deadline:%s:%s:%d", sessionID, groupID, deadline),
	})
	if err != nil {
		return nil, err
	}
	// A replay of an already-recorded miss moved the streak the first time;
	// answer with the group as it stands.
	if !inserted {
		d := &Decision{
			GroupID:  groupID,
			Status:   group.Status,
			NextRole: group.AssignedRole,
			Action:   models.ActionRespawn,
			Reason:   "deadline missed",
		}
		if group.Status == models.StatusEscalated {
			d.Action = models.ActionRoute
		}
		return d, nil
	}

	pol := policy.ForSession(e.snaps, sessionID)

	// A missed deadline is a pass where the blocking count did not move.
	ev := progress.Evaluate(progress.Inputs{
		Iteration:        max(group.ReviewIteration, 2), // never first-pass immune
		PreviousBlocking: group.BlockingIssues,
		CurrentBlocking:  group.BlockingIssues,
		Streak:           group.NoProgressCount,
	}, pol.MaxIterations)

	group.NoProgressCount = ev.Streak
	if ev.Escalate {
		return e.escalate(sessionID, group, role, pol, "", "deadline missed with no progress")
	}
	if ev.Warn {
		e.warn(sessionID, group.ID, "no_progress", fmt.Sprintf("streak-%d", ev.Streak),
			fmt.Sprintf("group %s is one stalled pass from escalation", group.ID))
	}
	if _, err := e.groups.Upsert(group); err != nil {
		return nil, err
	}
	return &Decision{
		GroupID:  groupID,
		Status:   group.Status,
		NextRole: group.AssignedRole,
		Action:   models.ActionRespawn,
		Reason:   "deadline missed",
	}, nil
}

// advanceAfterReview handles a ChangesRequired outcome: update the progress
// counters from the ledger, escalate on a stalled streak, otherwise follow
// the transition table back to the implementing role.
func (e *Engine) advanceAfterReview(sessionID string, group *models.TaskGroup, from models.Role, status models.GroupStatus, pol *policy.Policy, dedupKey string) (*Decision, error) {
	unresolved, err := e.ledger.UnresolvedBlocking(sessionID, group.ID)
	if err != nil {
		return nil, err
	}
	current := len(unresolved)

	ev := progress.Evaluate(progress.Inputs{
		Iteration:        group.ReviewIteration,
		PreviousBlocking: group.BlockingIssues,
		CurrentBlocking:  current,
		Streak:           group.NoProgressCount,
	}, pol.MaxIterations)

	// no_progress_count resets only when the blocking count strictly
	// decreased; blocking_issues always tracks the latest pass.
	group.BlockingIssues = current
	group.NoProgressCount = ev.Streak

	if ev.Escalate {
		return e.escalate(sessionID, group, from, pol, dedupKey,
			fmt.Sprintf("no progress for %d consecutive passes", ev.Streak))
	}
	if ev.Warn {
		e.warn(sessionID, group.ID, "no_progress", fmt.Sprintf("iter-%d", group.ReviewIteration),
			fmt.Sprintf("group %s is one stalled pass from escalation", group.ID))
	}

	t, ok := pol.Lookup(from, status)
	if !ok {
		return e.failClosed(sessionID, group, from, status, pol, "no transition for role/status")
	}

	group.Status = status
	group.AssignedRole = t.Next
	if _, err := e.groups.Upsert(group); err != nil {
		return nil, err
	}

	d := &Decision{
		GroupID:  group.ID,
		Status:   status,
		NextRole: t.Next,
		Action:   t.Action,
		Carry:    t.Carry,
	}
	if err := e.audit(sessionID, group, from, status, d, dedupKey); err != nil {
		return nil, err
	}
	return d, nil
}

// escalate hands a group to the next-tier role. The target is never the role
// that stalled.
func (e *Engine) escalate(sessionID string, group *models.TaskGroup, from models.Role, pol *policy.Policy, dedupKey, reason string) (*Decision, error) {
	target := pol.EscalationTarget(group.AssignedRole)
	if target == group.AssignedRole && target != models.RoleManager {
		target = models.RoleManager
	}

	group.Status = models.StatusEscalated
	group.AssignedRole = target
	if _, err := e.groups.Upsert(group); err != nil {
		return nil, err
	}

	e.warn(sessionID, group.ID, "escalated", fmt.Sprintf("iter-%d", group.ReviewIteration),
		fmt.Sprintf("group %s escalated to %s: %s", group.ID, target, reason))

	d := &Decision{
		GroupID:  group.ID,
		Status:   models.StatusEscalated,
		NextRole: target,
		Action:   models.ActionRoute,
		Reason:   reason,
	}
	if err := e.audit(sessionID, group, from, models.StatusEscalated, d, dedupKey); err != nil {
		return nil, err
	}
	return d, nil
}

// failClosed routes an unrecognized status to the managing role.
func (e *Engine) failClosed(sessionID string, group *models.TaskGroup, from models.Role, status models.GroupStatus, pol *policy.Policy, reason string) (*Decision, error) {
	e.log.Warn("failing closed to manager",
		"session", sessionID, "group", group.ID,
		"role", from, "status", status, "reason", reason)
	e.warn(sessionID, group.ID, "fail_closed", string(status)+":"+string(from),
		fmt.Sprintf("status %q from %s: %s", status, from, reason))

	group.AssignedRole = models.RoleManager
	if _, err := e.groups.Upsert(group); err != nil {
		return nil, err
	}
	return &Decision{
		GroupID:  group.ID,
		Status:   group.Status,
		NextRole: models.RoleManager,
		Action:   models.ActionRoute,
		Reason:   reason,
	}, nil
}

func (e *Engine) audit(sessionID string, group *models.TaskGroup, from models.Role, status models.GroupStatus, d *Decision, dedupKey string) error {
	payload, err := models.EncodePayload(models.TransitionPayload{
		GroupID:   group.ID,
		From:      from,
		Status:    status,
		NextRole:  d.NextRole,
		Action:    d.Action,
		Carry:     d.Carry,
		Iteration: group.ReviewIteration,
		Reason:    d.Reason,
	})
	if err != nil {
		return err
	}
	if dedupKey == "" {
		dedupKey = fmt.Sprintf("transition:%s:%s:%d:%s:%s",
			sessionID, group.ID, group.ReviewIteration, from, status)
	}
	_, _, err = e.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   group.ID,
		Type:      models.EventTransition,
		Payload:   payload,
		DedupKey:  dedupKey,
	})
	return err
}

// warn is best-effort: a failed warning write never halts orchestration.
// key disambiguates repeats of the same warning code for one group.
func (e *Engine) warn(sessionID, groupID, code, key, detail string) {
	payload, err := models.EncodePayload(models.WarningPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	if _, _, err := e.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   groupID,
		Type:      models.EventWarning,
		Payload:   payload,
		DedupKey:  fmt.Sprintf("warn:%s:%s:%s:%s", code, sessionID, groupID, key),
	}); err != nil {
		e.log.Error("failed to append warning event", "error", err)
	}
}
