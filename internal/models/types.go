package models

// GroupStatus tracks a task group through the review state machine.
type GroupStatus string

const (
	StatusPending           GroupStatus = "PENDING"
	StatusInProgress        GroupStatus = "IN_PROGRESS"
	StatusReadyForReview    GroupStatus = "READY_FOR_REVIEW"
	StatusUnderReview       GroupStatus = "UNDER_REVIEW"
	StatusApproved          GroupStatus = "APPROVED"
	StatusApprovedWithNotes GroupStatus = "APPROVED_WITH_NOTES"
	StatusChangesRequired   GroupStatus = "CHANGES_REQUIRED"
	StatusEscalated         GroupStatus = "ESCALATED"
	StatusRejected          GroupStatus = "REJECTED"
)

var ValidGroupStatuses = map[GroupStatus]bool{
	StatusPending:           true,
	StatusInProgress:        true,
	StatusReadyForReview:    true,
	StatusUnderReview:       true,
	StatusApproved:          true,
	StatusApprovedWithNotes: true,
	StatusChangesRequired:   true,
	StatusEscalated:         true,
	StatusRejected:          true,
}

func (s GroupStatus) IsValid() bool {
	return ValidGroupStatuses[s]
}

// IsTerminal reports whether a group in this status accepts no further work.
// Escalated groups stay open: the escalation target can still move them.
func (s GroupStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsSignedOff reports whether the status counts as a reviewer sign-off
// for the validator gate.
func (s GroupStatus) IsSignedOff() bool {
	return s == StatusApproved || s == StatusApprovedWithNotes
}

// Role identifies one of the task-executor identities in the pipeline.
type Role string

const (
	RoleImplementer    Role = "implementer"
	RoleReviewer       Role = "reviewer"
	RoleQualityChecker Role = "quality_checker"
	RoleLeadReviewer   Role = "lead_reviewer"
	RoleManager        Role = "manager"
)

var ValidRoles = map[Role]bool{
	RoleImplementer:    true,
	RoleReviewer:       true,
	RoleQualityChecker: true,
	RoleLeadReviewer:   true,
	RoleManager:        true,
}

func (r Role) IsValid() bool {
	return ValidRoles[r]
}

// Action is what the caller should do after a transition lookup.
type Action string

const (
	ActionRespawn   Action = "respawn"
	ActionRoute     Action = "route"
	ActionTerminate Action = "terminate"
)

// SessionStatus tracks the lifecycle of a coordination session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// ExecutionMode selects how many task groups a session runs in flight.
type ExecutionMode string

const (
	ModeSingleTrack ExecutionMode = "single_track"
	ModeMultiTrack  ExecutionMode = "multi_track"
)

func (m ExecutionMode) IsValid() bool {
	return m == ModeSingleTrack || m == ModeMultiTrack
}

// EventType discriminates persisted event payloads.
type EventType string

const (
	EventIssuesRaised   EventType = "issues_raised"
	EventIssueResponses EventType = "issue_responses"
	EventScopeChange    EventType = "scope_change"
	EventDeadlineMissed EventType = "deadline_missed"
	EventWarning        EventType = "warning"
	EventTransition     EventType = "transition"
	EventAudit          EventType = "audit"
)

var ValidEventTypes = map[EventType]bool{
	EventIssuesRaised:   true,
	EventIssueResponses: true,
	EventScopeChange:    true,
	EventDeadlineMissed: true,
	EventWarning:        true,
	EventTransition:     true,
	EventAudit:          true,
}

func (t EventType) IsValid() bool {
	return ValidEventTypes[t]
}

// Severity classifies a raised issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func (s Severity) IsValid() bool {
	return s == SeverityCritical || s == SeverityMajor || s == SeverityMinor
}

// Resolution is the implementer's answer to a single issue, or the derived
// state of an issue after joining the response event.
type Resolution string

const (
	ResolutionOpen                Resolution = "OPEN"
	ResolutionFixed               Resolution = "FIXED"
	ResolutionRejected            Resolution = "REJECTED"
	ResolutionRejectedAndAccepted Resolution = "REJECTED_AND_ACCEPTED"
)

var ValidResolutions = map[Resolution]bool{
	ResolutionOpen:                true,
	ResolutionFixed:               true,
	ResolutionRejected:            true,
	ResolutionRejectedAndAccepted: true,
}

// Resolved reports whether the resolution discharges a blocking issue.
func (r Resolution) Resolved() bool {
	return r == ResolutionFixed || r == ResolutionRejectedAndAccepted
}

// ResultCode tags every API response per the command surface contract.
type ResultCode string

const (
	ResultOK              ResultCode = "ok"
	ResultValidationError ResultCode = "validation_error"
	ResultNotFound        ResultCode = "not_found"
	ResultConflict        ResultCode = "conflict"
	ResultInternalError   ResultCode = "internal_error"
)
