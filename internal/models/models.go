package models

import (
	"encoding/json"
	"fmt"
)

// GlobalScope is the snapshot scope shared by every group in a session.
const GlobalScope = "__global__"

// Session is one coordination run over a project workspace.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Scope     []ScopeItem   `json:"scope"`
	Mode      ExecutionMode `json:"mode"`
	CreatedAt int64         `json:"createdAt"`
	ClosedAt  *int64        `json:"closedAt,omitempty"`
}

// ScopeItem is one originally agreed unit of work. The validator gate compares
// these against completed task groups to detect silent scope reduction.
type ScopeItem struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// TaskGroup is a unit of work tracked through the status state machine.
// Groups are never deleted; terminal states are retained for audit.
type TaskGroup struct {
	SessionID       string      `json:"sessionId"`
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          GroupStatus `json:"status"`
	AssignedRole    Role        `json:"assignedRole"`
	ReviewIteration int         `json:"reviewIteration"`
	NoProgressCount int         `json:"noProgressCount"`
	BlockingIssues  int         `json:"blockingIssues"`
	Complexity      int         `json:"complexity"`
	CreatedAt       int64       `json:"createdAt"`
	UpdatedAt       int64       `json:"updatedAt"`
}

// Event is an immutable append-only record. GroupID is empty for
// session-level events. DedupKey makes the append idempotent.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	GroupID   string          `json:"groupId,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
	DedupKey  string          `json:"dedupKey"`
}

// StateSnapshot is a latest-wins record per (session, scope, type). Scope is a
// group id or GlobalScope. Snapshots are fully replaced, never merged.
type StateSnapshot struct {
	SessionID string          `json:"sessionId"`
	Scope     string          `json:"scope"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Issue is a single reviewer-raised finding inside an issues_raised event.
type Issue struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Blocking bool     `json:"blocking"`
	Location string   `json:"location,omitempty"`
	Summary  string   `json:"summary"`
}

// IssueResponse is the implementer's answer to one issue.
type IssueResponse struct {
	IssueID    string     `json:"issueId"`
	Resolution Resolution `json:"resolution"`
	Note       string     `json:"note,omitempty"`
}

// IssueRecord is the derived view of an issue joined with its latest response.
type IssueRecord struct {
	Issue
	GroupID    string     `json:"groupId"`
	Iteration  int        `json:"iteration"`
	Resolution Resolution `json:"resolution"`
}

// IssueID builds the deterministic id for an issue: {group}-{iteration}-{seq}.
// Sequence numbers start at 1 within one issues_raised event.
func IssueID(groupID string, iteration, seq int) string {
	return fmt.Sprintf("%s-%d-%d", groupID, iteration, seq)
}

// --- Event payloads ---
// Each event kind gets its own payload type; the EventType column is the
// discriminator and payloads are validated before they reach the store.

// IssuesRaisedPayload carries the complete issue list for one review
// iteration, not a diff.
type IssuesRaisedPayload struct {
	Iteration int     `json:"iteration"`
	Reviewer  Role    `json:"reviewer"`
	Issues    []Issue `json:"issues"`
}

// IssueResponsesPayload carries the implementer's responses for one iteration.
type IssueResponsesPayload struct {
	Iteration int             `json:"iteration"`
	Responses []IssueResponse `json:"responses"`
}

// ScopeChangePayload records an explicit, agreed reduction or addition to the
// session scope. Items listed under Removed are excused by the validator.
type ScopeChangePayload struct {
	Removed []string `json:"removed,omitempty"`
	Added   []string `json:"added,omitempty"`
	Reason  string   `json:"reason"`
}

// DeadlineMissedPayload is the synthetic no-progress event recorded when a
// role invocation produced no response by its external deadline.
type DeadlineMissedPayload struct {
	Role     Role   `json:"role"`
	Deadline int64  `json:"deadline"`
	Detail   string `json:"detail,omitempty"`
}

// WarningPayload is a non-fatal condition surfaced to the managing role.
type WarningPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// TransitionPayload is the audit record of one transition-engine decision.
type TransitionPayload struct {
	GroupID   string      `json:"groupId"`
	From      Role        `json:"from"`
	Status    GroupStatus `json:"status"`
	NextRole  Role        `json:"nextRole"`
	Action    Action      `json:"action"`
	Carry     []string    `json:"carry,omitempty"`
	Iteration int         `json:"iteration"`
	Reason    string      `json:"reason,omitempty"`
}

// DecodePayload unmarshals an event payload into the given variant.
func DecodePayload(e *Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodePayload marshals a payload variant for storage.
func EncodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}
