// Package validator is the final acceptance check for a session. It is the
// one component that cannot be gamed: the managing role's declared status is
// ignored and everything is recomputed from the store.
package validator

import (
	"fmt"
	"log/slog"

	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/store"
)

// Finding is one itemized reason for rejection. The list is machine-parseable
// so the managing role can act on it; a bare failure is never returned.
type Finding struct {
	Check   string `json:"check"` // scope | blocking_issues | sign_off
	GroupID string `json:"groupId,omitempty"`
	ItemID  string `json:"itemId,omitempty"`
	Detail  string `json:"detail"`
}

// Result is the gate's verdict. A Reject routes back to the managing role.
type Result struct {
	Accepted bool        `json:"accepted"`
	Findings []Finding   `json:"findings,omitempty"`
	RouteTo  models.Role `json:"routeTo,omitempty"`
}

// Gate runs the completion checks for a session.
type Gate struct {
	sessions *store.SessionStore
	groups   *store.GroupStore
	events   *store.EventStore
	ledger   *ledger.Ledger
	log      *slog.Logger
}

// New creates a validator gate.
func New(sessions *store.SessionStore, groups *store.GroupStore, events *store.EventStore, lg *ledger.Ledger, log *slog.Logger) *Gate {
	return &Gate{sessions: sessions, groups: groups, events: events, ledger: lg, log: log}
}

// Validate runs the checks in order: scope completeness, unresolved blocking
// issues, sign-offs. Accept closes the session; a session that is already
// closed accepts again without re-running anything (idempotent).
func (g *Gate) Validate(sessionID string) (*Result, error) {
	sess, err := g.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionClosed {
		return &Result{Accepted: true}, nil
	}

	groups, err := g.groups.List(sessionID)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	findings = append(findings, g.checkScope(sess, groups)...)

	blocking, err := g.checkBlocking(sessionID, groups)
	if err != nil {
		return nil, err
	}
	findings = append(findings, blocking...)
	findings = append(findings, g.checkSignOffs(groups)...)

	if len(findings) > 0 {
		g.log.Info("completion rejected",
			"session", sessionID, "findings", len(findings))
		return &Result{Accepted: false, Findings: findings, RouteTo: models.RoleManager}, nil
	}

	if err := g.sessions.Close(sessionID); err != nil {
		return nil, err
	}
	g.log.Info("session accepted and closed", "session", sessionID)
	return &Result{Accepted: true}, nil
}

// checkScope compares the recorded original scope against completed task
// groups. An item is satisfied by a signed-off group whose name or id matches
// it, or excused by an explicit scope_change record.
func (g *Gate) checkScope(sess *models.Session, groups []*models.TaskGroup) []Finding {
	removed := g.removedScopeItems(sess.ID)

	completed := map[string]bool{}
	for _, grp := range groups {
		if grp.Status.IsSignedOff() {
			completed[grp.Name] = true
			completed[grp.ID] = true
		}
	}

	var findings []Finding
	for _, item := range sess.Scope {
		if completed[item.ID] || removed[item.ID] {
			continue
		}
		findings = append(findings, Finding{
			Check:  "scope",
			ItemID: item.ID,
			Detail: fmt.Sprintf("scope item %s has no completed task group and no scope-change record", item.ID),
		})
	}
	return findings
}

func (g *Gate) removedScopeItems(sessionID string) map[string]bool {
	removed := map[string]bool{}
	events, err := g.events.Query(sessionID, store.EventFilter{Type: models.EventScopeChange})
	if err != nil {
		// A failed read never halts orchestration; with no scope-change
		// records every original item still counts.
		g.log.Warn("failed to read scope-change events", "session", sessionID, "error", err)
		return removed
	}
	for _, e := range events {
		var p models.ScopeChangePayload
		if err := models.DecodePayload(e, &p); err != nil {
			continue
		}
		for _, id := range p.Removed {
			removed[id] = true
		}
	}
	return removed
}

// checkBlocking rejects on any unresolved blocking issue across all groups,
// regardless of what status the managing role declared.
func (g *Gate) checkBlocking(sessionID string, groups []*models.TaskGroup) ([]Finding, error) {
	var findings []Finding
	for _, grp := range groups {
		unresolved, err := g.ledger.UnresolvedBlocking(sessionID, grp.ID)
		if err != nil {
			return nil, err
		}
		for _, issue := range unresolved {
			findings = append(findings, Finding{
				Check:   "blocking_issues",
				GroupID: grp.ID,
				ItemID:  issue.ID,
				Detail:  fmt.Sprintf("blocking issue %s is %s", issue.ID, issue.Resolution),
			})
		}
	}
	return findings, nil
}

// checkSignOffs requires every task group to end signed off.
func (g *Gate) checkSignOffs(groups []*models.TaskGroup) []Finding {
	var findings []Finding
	for _, grp := range groups {
		if grp.Status.IsSignedOff() {
			continue
		}
		findings = append(findings, Finding{
			Check:   "sign_off",
			GroupID: grp.ID,
			Detail:  fmt.Sprintf("group %s is %s, expected APPROVED or APPROVED_WITH_NOTES", grp.ID, grp.Status),
		})
	}
	return findings
}
