// Package ledger is the event-sourced log of reviewer-raised issues and
// implementer responses. Each review pass writes one full issues_raised event
// per iteration (the complete current list, not a diff); each response pass
// writes one issue_responses event. Everything else is a derived view.
package ledger

import (
	"fmt"
	"log/slog"
	"strings"

	"coordd/internal/models"
	"coordd/internal/store"
)

// Ledger reads and writes issue history through the event store.
type Ledger struct {
	events *store.EventStore
	log    *slog.Logger
}

// New creates a ledger over the given event store.
func New(events *store.EventStore, log *slog.Logger) *Ledger {
	return &Ledger{events: events, log: log}
}

// RecordIssues writes the issues_raised event for one review iteration and
// returns the recorded issues with their assigned deterministic ids.
//
// On a re-review pass (iteration > 1) new blocking issues are kept (safety)
// but new non-blocking issues are dropped (anti-nitpick guard): only
// non-blocking findings already raised in the previous iteration survive.
// Issues matching a previously accepted rejection are kept but flagged via a
// warning event; UnresolvedBlocking treats them as already resolved.
func (l *Ledger) RecordIssues(sessionID, groupID string, iteration int, reviewer models.Role, issues []models.Issue) ([]models.Issue, error) {
	if iteration < 1 {
		return nil, models.Validationf("iteration", "must be >= 1, got %d", iteration)
	}
	for i, is := range issues {
		if !is.Severity.IsValid() {
			return nil, models.Validationf("issue severity", "unknown severity %q at index %d", is.Severity, i)
		}
		if strings.TrimSpace(is.Summary) == "" {
			return nil, models.Validationf("issue summary", "must not be empty at index %d", i)
		}
	}

	kept := issues
	if iteration > 1 {
		var err error
		kept, err = l.filterReReview(sessionID, groupID, iteration, issues)
		if err != nil {
			return nil, err
		}
	}

	// Fresh ids scoped to the current iteration: ids never collide across
	// iterations or groups.
	assigned := make([]models.Issue, len(kept))
	for i, is := range kept {
		is.ID = models.IssueID(groupID, iteration, i+1)
		assigned[i] = is
	}

	if err := l.warnAcceptedRejections(sessionID, groupID, iteration, assigned); err != nil {
		return nil, err
	}

	payload, err := models.EncodePayload(models.IssuesRaisedPayload{
		Iteration: iteration,
		Reviewer:  reviewer,
		Issues:    assigned,
	})
	if err != nil {
		return nil, err
	}
	_, inserted, err := l.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   groupID,
		Type:      models.EventIssuesRaised,
		Payload:   payload,
		DedupKey:  fmt.Sprintf("issues:%s:%s:%d", sessionID, groupID, iteration),
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Exactly one issues event per iteration; the first write wins.
		l.log.Warn("issues already recorded for iteration",
			"session", sessionID, "group", groupID, "iteration", iteration)
		return l.IssuesForIteration(sessionID, groupID, iteration)
	}
	return assigned, nil
}

// RecordResponses writes the issue_responses event for one iteration. Every
// response must reference an issue id raised in the same iteration.
func (l *Ledger) RecordResponses(sessionID, groupID string, iteration int, responses []models.IssueResponse) error {
	raised, err := l.IssuesForIteration(sessionID, groupID, iteration)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(raised))
	for _, is := range raised {
		known[is.ID] = true
	}
	for _, r := range responses {
		if !known[r.IssueID] {
			return models.Validationf("response issue id",
				"%s was not raised in iteration %d", r.IssueID, iteration)
		}
		if !models.ValidResolutions[r.Resolution] {
			return models.Validationf("resolution", "unknown resolution %q", r.Resolution)
		}
	}

	payload, err := models.EncodePayload(models.IssueResponsesPayload{
		Iteration: iteration,
		Responses: responses,
	})
	if err != nil {
		return err
	}
	_, _, err = l.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   groupID,
		Type:      models.EventIssueResponses,
		Payload:   payload,
		DedupKey:  fmt.Sprintf("responses:%s:%s:%d", sessionID, groupID, iteration),
	})
	return err
}

// IssuesForIteration returns the issues recorded for one iteration, or an
// empty slice when that iteration has no issues event.
func (l *Ledger) IssuesForIteration(sessionID, groupID string, iteration int) ([]models.Issue, error) {
	p, err := l.issuesPayload(sessionID, groupID, iteration)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Issues, nil
}

// LatestIteration returns the highest iteration with an issues_raised event,
// or 0 when the group has no review history.
func (l *Ledger) LatestIteration(sessionID, groupID string) (int, error) {
	e, err := l.events.Latest(sessionID, groupID, models.EventIssuesRaised)
	if err != nil || e == nil {
		return 0, err
	}
	var p models.IssuesRaisedPayload
	if err := models.DecodePayload(e, &p); err != nil {
		return 0, err
	}
	return p.Iteration, nil
}

// View joins the issues of one iteration with the responses for that
// iteration into resolved IssueRecords.
func (l *Ledger) View(sessionID, groupID string, iteration int) ([]models.IssueRecord, error) {
	issues, err := l.IssuesForIteration(sessionID, groupID, iteration)
	if err != nil {
		return nil, err
	}
	resolutions, err := l.responseMap(sessionID, groupID, iteration)
	if err != nil {
		return nil, err
	}
	accepted, err := l.acceptedRejections(sessionID, groupID, iteration)
	if err != nil {
		return nil, err
	}

	records := make([]models.IssueRecord, 0, len(issues))
	for _, is := range issues {
		res := models.ResolutionOpen
		if r, ok := resolutions[is.ID]; ok {
			res = r
		} else if accepted[fingerprint(is)] {
			// Re-rejection guard: identical to a rejection the reviewing
			// role already accepted in an earlier iteration.
			res = models.ResolutionRejectedAndAccepted
		}
		records = append(records, models.IssueRecord{
			Issue:      is,
			GroupID:    groupID,
			Iteration:  iteration,
			Resolution: res,
		})
	}
	return records, nil
}

// UnresolvedBlocking returns the blocking issues in the group's latest
// issues_raised event that are not marked Fixed or RejectedAndAccepted in the
// corresponding response event. A group with no review history yields an
// empty slice.
func (l *Ledger) UnresolvedBlocking(sessionID, groupID string) ([]models.IssueRecord, error) {
	iteration, err := l.LatestIteration(sessionID, groupID)
	if err != nil || iteration == 0 {
		return nil, err
	}
	records, err := l.View(sessionID, groupID, iteration)
	if err != nil {
		return nil, err
	}
	var unresolved []models.IssueRecord
	for _, r := range records {
		if r.Blocking && !r.Resolution.Resolved() {
			unresolved = append(unresolved, r)
		}
	}
	return unresolved, nil
}

// Counts splits an issue list into blocking and non-blocking totals.
func Counts(issues []models.Issue) (blocking, nonBlocking int) {
	for _, is := range issues {
		if is.Blocking {
			blocking++
		} else {
			nonBlocking++
		}
	}
	return blocking, nonBlocking
}

// filterReReview drops non-blocking issues not present in the previous
// iteration. New blocking issues pass through untouched.
func (l *Ledger) filterReReview(sessionID, groupID string, iteration int, issues []models.Issue) ([]models.Issue, error) {
	previous, err := l.IssuesForIteration(sessionID, groupID, iteration-1)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(previous))
	for _, is := range previous {
		seen[fingerprint(is)] = true
	}

	kept := issues[:0:0]
	for _, is := range issues {
		if !is.Blocking && !seen[fingerprint(is)] {
			l.log.Warn("dropping new non-blocking issue on re-review",
				"session", sessionID, "group", groupID,
				"iteration", iteration, "summary", is.Summary)
			continue
		}
		kept = append(kept, is)
	}
	return kept, nil
}

// warnAcceptedRejections appends a warning event for the managing role for
// every recorded issue that re-raises an already-accepted rejection.
func (l *Ledger) warnAcceptedRejections(sessionID, groupID string, iteration int, issues []models.Issue) error {
	accepted, err := l.acceptedRejections(sessionID, groupID, iteration)
	if err != nil {
		return err
	}
	for _, is := range issues {
		if !accepted[fingerprint(is)] {
			continue
		}
		l.log.Warn("issue re-raises an accepted rejection, auto-accepting",
			"session", sessionID, "group", groupID, "issue", is.ID)
		payload, err := models.EncodePayload(models.WarningPayload{
			Code:   "re_rejection",
			Detail: fmt.Sprintf("issue %s re-raises a rejection already accepted in an earlier iteration", is.ID),
		})
		if err != nil {
			return err
		}
		if _, _, err := l.events.Append(&models.Event{
			SessionID: sessionID,
			GroupID:   groupID,
			Type:      models.EventWarning,
			Payload:   payload,
			DedupKey:  fmt.Sprintf("warn:re-rejection:%s:%s:%s", sessionID, groupID, is.ID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// acceptedRejections collects the fingerprints of issues whose rejection was
// accepted in any iteration before the given one.
func (l *Ledger) acceptedRejections(sessionID, groupID string, before int) (map[string]bool, error) {
	accepted := map[string]bool{}
	for it := 1; it < before; it++ {
		issues, err := l.IssuesForIteration(sessionID, groupID, it)
		if err != nil {
			return nil, err
		}
		if len(issues) == 0 {
			continue
		}
		resolutions, err := l.responseMap(sessionID, groupID, it)
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			if resolutions[is.ID] == models.ResolutionRejectedAndAccepted {
				accepted[fingerprint(is)] = true
			}
		}
	}
	return accepted, nil
}

// responseMap returns issue id -> resolution for one iteration.
func (l *Ledger) responseMap(sessionID, groupID string, iteration int) (map[string]models.Resolution, error) {
	out := map[string]models.Resolution{}
	events, err := l.events.Query(sessionID, store.EventFilter{
		GroupID: groupID,
		Type:    models.EventIssueResponses,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		var p models.IssueResponsesPayload
		if err := models.DecodePayload(e, &p); err != nil {
			return nil, err
		}
		if p.Iteration != iteration {
			continue
		}
		for _, r := range p.Responses {
			out[r.IssueID] = r.Resolution
		}
	}
	return out, nil
}

func (l *Ledger) issuesPayload(sessionID, groupID string, iteration int) (*models.IssuesRaisedPayload, error) {
	events, err := l.events.Query(sessionID, store.EventFilter{
		GroupID: groupID,
		Type:    models.EventIssuesRaised,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		var p models.IssuesRaisedPayload
		if err := models.DecodePayload(e, &p); err != nil {
			return nil, err
		}
		if p.Iteration == iteration {
			return &p, nil
		}
	}
	return nil, nil
}

// fingerprint identifies an issue across iterations, where deterministic ids
// intentionally differ. Location and summary are normalized so cosmetic
// rewording does not defeat the re-rejection guard.
func fingerprint(is models.Issue) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return norm(is.Location) + "|" + norm(is.Summary)
}
