package ledger_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/store"
)

func setupLedger(t *testing.T) (*ledger.Ledger, *store.EventStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := store.NewSessionStore(db)
	sess, err := sessions.Create("sess-1", []models.ScopeItem{{ID: "item-1"}}, models.ModeSingleTrack)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	events := store.NewEventStore(db)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ledger.New(events, log), events, sess.ID
}

func blocking(summary, location string) models.Issue {
	return models.Issue{Severity: models.SeverityMajor, Blocking: true, Location: location, Summary: summary}
}

func nonBlocking(summary string) models.Issue {
	return models.Issue{Severity: models.SeverityMinor, Blocking: false, Summary: summary}
}

func TestRecordIssues(t *testing.T) {
	t.Run("assigns deterministic ids scoped to the iteration", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)

		first, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
			[]models.Issue{blocking("nil deref", "a.go:10"), nonBlocking("naming")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first[0].ID != "grp-1-1-1" || first[1].ID != "grp-1-1-2" {
			t.Fatalf("unexpected ids: %s, %s", first[0].ID, first[1].ID)
		}

		second, err := lg.RecordIssues(sessID, "grp-1", 2, models.RoleReviewer,
			[]models.Issue{blocking("nil deref", "a.go:10")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Same finding, different iteration: ids never collide.
		if second[0].ID == first[0].ID {
			t.Fatalf("issue ids collided across iterations: %s", second[0].ID)
		}
	})

	t.Run("one issues event per iteration, first write wins", func(t *testing.T) {
		lg, events, sessID := setupLedger(t)

		_, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
			[]models.Issue{blocking("race", "b.go:3")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		replay, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
			[]models.Issue{blocking("something else", "c.go:1")})
		if err != nil {
			t.Fatalf("replay must not fail: %v", err)
		}
		if len(replay) != 1 || replay[0].Summary != "race" {
			t.Fatalf("replay must return the original list, got %+v", replay)
		}

		stored, _ := events.Query(sessID, store.EventFilter{GroupID: "grp-1", Type: models.EventIssuesRaised})
		if len(stored) != 1 {
			t.Fatalf("expected exactly one issues event, got %d", len(stored))
		}
	})

	t.Run("re-review drops new non-blocking but keeps new blocking", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)

		_, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
			[]models.Issue{blocking("race", "b.go:3"), nonBlocking("typo in comment")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second, err := lg.RecordIssues(sessID, "grp-1", 2, models.RoleReviewer, []models.Issue{
			blocking("race", "b.go:3"),         // carried over
			blocking("data loss", "d.go:40"),   // new blocking: allowed
			nonBlocking("typo in comment"),     // carried over: allowed
			nonBlocking("prefer early return"), // new nitpick: dropped
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(second) != 3 {
			t.Fatalf("expected 3 issues after the nitpick filter, got %d", len(second))
		}
		for _, is := range second {
			if is.Summary == "prefer early return" {
				t.Fatal("new non-blocking issue survived the re-review filter")
			}
		}
	})

	t.Run("rejects malformed issues", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)
		_, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
			[]models.Issue{{Severity: "catastrophic", Blocking: true, Summary: "x"}})
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		_, err = lg.RecordIssues(sessID, "grp-1", 0, models.RoleReviewer, nil)
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error for iteration 0, got %v", err)
		}
	})
}

func TestResponsesAndUnresolved(t *testing.T) {
	t.Run("unresolved blocking excludes fixed and accepted rejections", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)

		issues, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer, []models.Issue{
			blocking("race", "b.go:3"),
			blocking("nil deref", "a.go:10"),
			blocking("data loss", "d.go:40"),
			nonBlocking("naming"),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		err = lg.RecordResponses(sessID, "grp-1", 1, []models.IssueResponse{
			{IssueID: issues[0].ID, Resolution: models.ResolutionFixed},
			{IssueID: issues[1].ID, Resolution: models.ResolutionRejectedAndAccepted},
			{IssueID: issues[2].ID, Resolution: models.ResolutionRejected},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unresolved, err := lg.UnresolvedBlocking(sessID, "grp-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// A plain rejection does not discharge a blocking issue; only the
		// reviewer accepting it does.
		if len(unresolved) != 1 || unresolved[0].Summary != "data loss" {
			t.Fatalf("expected only the rejected-not-accepted issue, got %+v", unresolved)
		}
	})

	t.Run("response must reference a raised issue", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)
		_, _ = lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer, []models.Issue{blocking("race", "b.go:3")})
		err := lg.RecordResponses(sessID, "grp-1", 1, []models.IssueResponse{
			{IssueID: "grp-1-1-99", Resolution: models.ResolutionFixed},
		})
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("group without history yields no unresolved blocking", func(t *testing.T) {
		lg, _, sessID := setupLedger(t)
		unresolved, err := lg.UnresolvedBlocking(sessID, "grp-quiet")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(unresolved) != 0 {
			t.Fatalf("expected none, got %+v", unresolved)
		}
	})
}

func TestReRejectionGuard(t *testing.T) {
	lg, events, sessID := setupLedger(t)

	issues, err := lg.RecordIssues(sessID, "grp-1", 1, models.RoleReviewer,
		[]models.Issue{blocking("unnecessary abstraction", "svc.go:12")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = lg.RecordResponses(sessID, "grp-1", 1, []models.IssueResponse{
		{IssueID: issues[0].ID, Resolution: models.ResolutionRejectedAndAccepted},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The same finding re-raised two iterations later is auto-accepted.
	_, err = lg.RecordIssues(sessID, "grp-1", 2, models.RoleReviewer, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = lg.RecordIssues(sessID, "grp-1", 3, models.RoleReviewer,
		[]models.Issue{blocking("Unnecessary  abstraction", "svc.go:12")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unresolved, err := lg.UnresolvedBlocking(sessID, "grp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("re-raised accepted rejection must be treated as resolved, got %+v", unresolved)
	}

	warnings, err := events.Query(sessID, store.EventFilter{GroupID: "grp-1", Type: models.EventWarning})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning event for the managing role")
	}
}
