package models

import "encoding/json"

// CreateSessionRequest is the payload for POST /sessions.
type CreateSessionRequest struct {
	ID    string        `json:"id,omitempty"` // generated when empty
	Scope []ScopeItem   `json:"scope"`
	Mode  ExecutionMode `json:"mode"`
}

// UpsertGroupRequest is the payload for PUT /sessions/{id}/groups/{gid}.
type UpsertGroupRequest struct {
	Name            string      `json:"name"`
	Status          GroupStatus `json:"status"`
	AssignedRole    Role        `json:"assignedRole"`
	ReviewIteration int         `json:"reviewIteration"`
	NoProgressCount int         `json:"noProgressCount"`
	BlockingIssues  int         `json:"blockingIssues"`
	Complexity      int         `json:"complexity"`
}

// TransitionRequest is the payload for POST .../transition: the role that
// just finished work and the status it reports. DedupKey lets a caller retry
// the same report after a crash without moving the group twice.
type TransitionRequest struct {
	Role     Role        `json:"role"`
	Status   GroupStatus `json:"status"`
	DedupKey string      `json:"dedupKey,omitempty"`
}

// DeadlineMissRequest is the payload for POST .../deadline-miss.
type DeadlineMissRequest struct {
	Role     Role  `json:"role"`
	Deadline int64 `json:"deadline"`
}

// AppendEventRequest is the payload for POST /sessions/{id}/events.
type AppendEventRequest struct {
	GroupID  string          `json:"groupId,omitempty"`
	Type     EventType       `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	DedupKey string          `json:"dedupKey"`
}

// RecordIssuesRequest is the payload for POST .../issues.
type RecordIssuesRequest struct {
	Iteration int     `json:"iteration"`
	Reviewer  Role    `json:"reviewer"`
	Issues    []Issue `json:"issues"`
}

// RecordResponsesRequest is the payload for POST .../responses.
type RecordResponsesRequest struct {
	Iteration int             `json:"iteration"`
	Responses []IssueResponse `json:"responses"`
}

// GroupBlocking pairs a group with its unresolved blocking issues for
// GET /sessions/{id}/blocking.
type GroupBlocking struct {
	GroupID string        `json:"groupId"`
	Issues  []IssueRecord `json:"issues"`
}
