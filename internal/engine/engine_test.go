package engine_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"coordd/internal/engine"
	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/policy"
	"coordd/internal/store"
	"coordd/internal/validator"
)

// harness wires a full engine stack over a temp database.
type harness struct {
	sessions *store.SessionStore
	groups   *store.GroupStore
	events   *store.EventStore
	snaps    *store.SnapshotStore
	ledger   *ledger.Ledger
	engine   *engine.Engine
	gate     *validator.Gate
	sessID   string
}

func setup(t *testing.T, pol *policy.Policy, scope ...models.ScopeItem) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		sessions: store.NewSessionStore(db),
		groups:   store.NewGroupStore(db),
		events:   store.NewEventStore(db),
		snaps:    store.NewSnapshotStore(db),
	}
	h.ledger = ledger.New(h.events, log)
	h.engine = engine.New(h.sessions, h.groups, h.events, h.snaps, h.ledger, log)
	h.gate = validator.New(h.sessions, h.groups, h.events, h.ledger, log)

	if len(scope) == 0 {
		scope = []models.ScopeItem{{ID: "feature-a"}}
	}
	sess, err := h.sessions.Create("sess-1", scope, models.ModeSingleTrack)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	h.sessID = sess.ID

	if pol == nil {
		pol = policy.Default()
	}
	if err := policy.Pin(h.snaps, h.sessID, pol); err != nil {
		t.Fatalf("failed to pin policy: %v", err)
	}
	return h
}

func (h *harness) newGroup(t *testing.T, id, name string) *models.TaskGroup {
	t.Helper()
	g, err := h.groups.Upsert(&models.TaskGroup{
		SessionID:    h.sessID,
		ID:           id,
		Name:         name,
		Status:       models.StatusPending,
		AssignedRole: models.RoleManager,
	})
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	return g
}

func (h *harness) advance(t *testing.T, groupID string, from models.Role, status models.GroupStatus) *engine.Decision {
	t.Helper()
	d, err := h.engine.Advance(h.sessID, groupID, from, status, "")
	if err != nil {
		t.Fatalf("advance(%s, %s, %s): %v", groupID, from, status, err)
	}
	return d
}

func TestDecideReview(t *testing.T) {
	cases := []struct {
		blocking, nonBlocking int
		want                  models.GroupStatus
	}{
		{0, 0, models.StatusApproved},
		{0, 3, models.StatusApprovedWithNotes},
		{1, 0, models.StatusChangesRequired},
		{2, 5, models.StatusChangesRequired},
	}
	for _, c := range cases {
		if got := engine.DecideReview(c.blocking, c.nonBlocking); got != c.want {
			t.Errorf("DecideReview(%d, %d) = %s, want %s", c.blocking, c.nonBlocking, got, c.want)
		}
	}
}

func TestAdvance(t *testing.T) {
	t.Run("ready for review increments iteration and routes to reviewer", func(t *testing.T) {
		h := setup(t, nil)
		h.newGroup(t, "grp-1", "feature-a")

		d := h.advance(t, "grp-1", models.RoleImplementer, models.StatusReadyForReview)
		if d.NextRole != models.RoleReviewer || d.Action != models.ActionRespawn {
			t.Fatalf("unexpected decision: %+v", d)
		}

		g, _ := h.groups.Get(h.sessID, "grp-1")
		if g.ReviewIteration != 1 {
			t.Fatalf("expected iteration 1, got %d", g.ReviewIteration)
		}

		h.advance(t, "grp-1", models.RoleReviewer, models.StatusChangesRequired)
		h.advance(t, "grp-1", models.RoleImplementer, models.StatusReadyForReview)
		g, _ = h.groups.Get(h.sessID, "grp-1")
		if g.ReviewIteration != 2 {
			t.Fatalf("iteration must be monotonic, got %d", g.ReviewIteration)
		}
	})

	t.Run("unknown status fails closed to the manager", func(t *testing.T) {
		h := setup(t, nil)
		h.newGroup(t, "grp-1", "feature-a")

		d := h.advance(t, "grp-1", models.RoleImplementer, "TOTALLY_BOGUS")
		if d.NextRole != models.RoleManager || d.Action != models.ActionRoute {
			t.Fatalf("unknown status must route to manager, got %+v", d)
		}
	})

	t.Run("missing table row fails closed to the manager", func(t *testing.T) {
		pol := policy.Default()
		pol.Transitions = pol.Transitions[:1] // only (manager, pending) survives
		h := setup(t, pol)
		h.newGroup(t, "grp-1", "feature-a")

		d := h.advance(t, "grp-1", models.RoleQualityChecker, models.StatusInProgress)
		if d.NextRole != models.RoleManager {
			t.Fatalf("missing transition must route to manager, got %+v", d)
		}
	})

	t.Run("late response to a terminal group is dropped", func(t *testing.T) {
		h := setup(t, nil)
		g := h.newGroup(t, "grp-1", "feature-a")
		g.Status = models.StatusRejected
		if _, err := h.groups.Upsert(g); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		d := h.advance(t, "grp-1", models.RoleImplementer, models.StatusReadyForReview)
		if !d.Stale {
			t.Fatalf("expected stale drop, got %+v", d)
		}
		got, _ := h.groups.Get(h.sessID, "grp-1")
		if got.Status != models.StatusRejected || got.ReviewIteration != 0 {
			t.Fatalf("stale response mutated the group: %+v", got)
		}
	})

	t.Run("unknown group surfaces not found", func(t *testing.T) {
		h := setup(t, nil)
		if _, err := h.engine.Advance(h.sessID, "grp-missing", models.RoleImplementer, models.StatusInProgress, ""); err == nil {
			t.Fatal("expected error for unknown group")
		}
	})

	t.Run("retried transition with a dedup key does not move the group again", func(t *testing.T) {
		h := setup(t, nil)
		h.newGroup(t, "grp-1", "feature-a")

		key := "handoff:grp-1:1"
		first, err := h.engine.Advance(h.sessID, "grp-1", models.RoleImplementer, models.StatusReadyForReview, key)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}

		// The caller crashed before seeing the reply and reports again.
		second, err := h.engine.Advance(h.sessID, "grp-1", models.RoleImplementer, models.StatusReadyForReview, key)
		if err != nil {
			t.Fatalf("retried advance: %v", err)
		}
		if second.Status != first.Status || second.NextRole != first.NextRole || second.Action != first.Action {
			t.Fatalf("retry must replay the first decision: %+v vs %+v", second, first)
		}

		g, _ := h.groups.Get(h.sessID, "grp-1")
		if g.ReviewIteration != 1 {
			t.Fatalf("retried transition advanced the iteration: got %d", g.ReviewIteration)
		}
	})
}

// reviewPass drives one full review iteration: implementer hands off, the
// reviewer records the given issues, the implementer responds, and the
// reviewer reports the computed outcome.
func reviewPass(t *testing.T, h *harness, groupID string, issues []models.Issue, responses func([]models.Issue) []models.IssueResponse) *engine.Decision {
	t.Helper()
	h.advance(t, groupID, models.RoleImplementer, models.StatusReadyForReview)

	g, _ := h.groups.Get(h.sessID, groupID)
	recorded, err := h.ledger.RecordIssues(h.sessID, groupID, g.ReviewIteration, models.RoleReviewer, issues)
	if err != nil {
		t.Fatalf("record issues: %v", err)
	}
	if responses != nil {
		if err := h.ledger.RecordResponses(h.sessID, groupID, g.ReviewIteration, responses(recorded)); err != nil {
			t.Fatalf("record responses: %v", err)
		}
	}

	outcome, err := h.engine.ReviewOutcome(h.sessID, groupID, g.ReviewIteration)
	if err != nil {
		t.Fatalf("review outcome: %v", err)
	}
	return h.advance(t, groupID, models.RoleReviewer, outcome)
}

func TestEscalation(t *testing.T) {
	pol := policy.Default()
	pol.MaxIterations = 2

	t.Run("no-progress streak escalates away from the reviewer", func(t *testing.T) {
		h := setup(t, pol)
		h.newGroup(t, "grp-1", "feature-a")

		stuck := []models.Issue{{Severity: models.SeverityMajor, Blocking: true, Location: "a.go:1", Summary: "broken"}}

		// Iteration 1 sets the baseline; iterations 2 and 3 stall.
		d := reviewPass(t, h, "grp-1", stuck, nil)
		if d.Status != models.StatusChangesRequired {
			t.Fatalf("expected changes required, got %+v", d)
		}
		d = reviewPass(t, h, "grp-1", stuck, nil)
		if d.Status == models.StatusEscalated {
			t.Fatalf("streak 1 of 2 must not escalate yet: %+v", d)
		}
		d = reviewPass(t, h, "grp-1", stuck, nil)
		if d.Status != models.StatusEscalated {
			t.Fatalf("expected escalation after %d stalled passes, got %+v", pol.MaxIterations, d)
		}
		if d.NextRole == models.RoleReviewer {
			t.Fatal("escalation must never route back to the stalled role")
		}
		if d.NextRole != models.RoleLeadReviewer {
			t.Fatalf("expected lead reviewer, got %s", d.NextRole)
		}
	})

	t.Run("fixing issues resets the streak", func(t *testing.T) {
		h := setup(t, pol)
		h.newGroup(t, "grp-1", "feature-a")

		many := []models.Issue{
			{Severity: models.SeverityMajor, Blocking: true, Location: "a.go:1", Summary: "one"},
			{Severity: models.SeverityMajor, Blocking: true, Location: "a.go:2", Summary: "two"},
		}
		reviewPass(t, h, "grp-1", many, nil)
		reviewPass(t, h, "grp-1", many, nil) // stall once

		// Fix one of two: strict decrease, streak resets.
		d := reviewPass(t, h, "grp-1", many, func(recorded []models.Issue) []models.IssueResponse {
			return []models.IssueResponse{{IssueID: recorded[0].ID, Resolution: models.ResolutionFixed}}
		})
		if d.Status == models.StatusEscalated {
			t.Fatalf("progress must reset the streak: %+v", d)
		}
		g, _ := h.groups.Get(h.sessID, "grp-1")
		if g.NoProgressCount != 0 {
			t.Fatalf("expected streak 0, got %d", g.NoProgressCount)
		}
	})

	t.Run("hard cap terminates regardless of tier", func(t *testing.T) {
		capped := policy.Default()
		capped.MaxIterations = 2
		capped.HardCap = 2
		h := setup(t, capped)
		g := h.newGroup(t, "grp-1", "feature-a")
		g.ReviewIteration = 2
		g.Status = models.StatusInProgress
		g.AssignedRole = models.RoleImplementer
		if _, err := h.groups.Upsert(g); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		d := h.advance(t, "grp-1", models.RoleImplementer, models.StatusReadyForReview)
		if d.Status != models.StatusEscalated {
			t.Fatalf("hard cap must escalate, got %+v", d)
		}
	})

	t.Run("deadline miss counts as a stalled pass", func(t *testing.T) {
		h := setup(t, pol)
		h.newGroup(t, "grp-1", "feature-a")

		for i := 0; i < pol.MaxIterations; i++ {
			d, err := h.engine.RecordDeadlineMiss(h.sessID, "grp-1", models.RoleImplementer, int64(1000+i))
			if err != nil {
				t.Fatalf("deadline miss: %v", err)
			}
			if i == pol.MaxIterations-1 && d.Status != models.StatusEscalated {
				t.Fatalf("expected escalation on miss %d, got %+v", i+1, d)
			}
		}

		misses, _ := h.events.Query(h.sessID, store.EventFilter{GroupID: "grp-1", Type: models.EventDeadlineMissed})
		if len(misses) != pol.MaxIterations {
			t.Fatalf("expected %d synthetic events, got %d", pol.MaxIterations, len(misses))
		}
	})

	t.Run("replayed deadline miss leaves the streak alone", func(t *testing.T) {
		h := setup(t, pol)
		h.newGroup(t, "grp-1", "feature-a")

		if _, err := h.engine.RecordDeadlineMiss(h.sessID, "grp-1", models.RoleImplementer, 1000); err != nil {
			t.Fatalf("deadline miss: %v", err)
		}
		g, _ := h.groups.Get(h.sessID, "grp-1")
		want := g.NoProgressCount

		// The same miss reported again after a crashed reply.
		d, err := h.engine.RecordDeadlineMiss(h.sessID, "grp-1", models.RoleImplementer, 1000)
		if err != nil {
			t.Fatalf("retried deadline miss: %v", err)
		}
		if d.Action != models.ActionRespawn {
			t.Fatalf("unexpected decision on retry: %+v", d)
		}
		g, _ = h.groups.Get(h.sessID, "grp-1")
		if g.NoProgressCount != want {
			t.Fatalf("retried deadline miss advanced the streak: %d -> %d", want, g.NoProgressCount)
		}
		misses, _ := h.events.Query(h.sessID, store.EventFilter{GroupID: "grp-1", Type: models.EventDeadlineMissed})
		if len(misses) != 1 {
			t.Fatalf("expected one stored event, got %d", len(misses))
		}
	})
}

// signOff walks an approved group through the quality checker to the manager.
func signOff(t *testing.T, h *harness, groupID string) {
	t.Helper()
	if d := h.advance(t, groupID, models.RoleReviewer, models.StatusApproved); d.NextRole != models.RoleQualityChecker {
		t.Fatalf("expected quality checker, got %+v", d)
	}
	if d := h.advance(t, groupID, models.RoleQualityChecker, models.StatusApproved); d.NextRole != models.RoleManager {
		t.Fatalf("expected manager, got %+v", d)
	}
}

func TestFullPipeline(t *testing.T) {
	t.Run("clean single pass approves and validates", func(t *testing.T) {
		h := setup(t, nil)
		h.newGroup(t, "feature-a", "feature-a")

		h.advance(t, "feature-a", models.RoleManager, models.StatusPending)
		h.advance(t, "feature-a", models.RoleImplementer, models.StatusReadyForReview)

		outcome, err := h.engine.ReviewOutcome(h.sessID, "feature-a", 1)
		if err != nil {
			t.Fatalf("review outcome: %v", err)
		}
		if outcome != models.StatusApproved {
			t.Fatalf("zero issues must approve, got %s", outcome)
		}
		signOff(t, h, "feature-a")

		res, err := h.gate.Validate(h.sessID)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !res.Accepted {
			t.Fatalf("expected acceptance, got %+v", res)
		}
	})

	t.Run("accepted rejection approves without a code change", func(t *testing.T) {
		h := setup(t, nil)
		h.newGroup(t, "feature-a", "feature-a")

		h.advance(t, "feature-a", models.RoleManager, models.StatusPending)
		h.advance(t, "feature-a", models.RoleImplementer, models.StatusReadyForReview)

		issues, err := h.ledger.RecordIssues(h.sessID, "feature-a", 1, models.RoleReviewer, []models.Issue{
			{Severity: models.SeverityMinor, Blocking: true, Location: "svc.go:12", Summary: "unnecessary abstraction"},
		})
		if err != nil {
			t.Fatalf("record issues: %v", err)
		}
		// The implementer pushes back and the reviewer concurs; nothing in the
		// code changes.
		if err := h.ledger.RecordResponses(h.sessID, "feature-a", 1, []models.IssueResponse{
			{IssueID: issues[0].ID, Resolution: models.ResolutionRejectedAndAccepted},
		}); err != nil {
			t.Fatalf("record responses: %v", err)
		}

		outcome, err := h.engine.ReviewOutcome(h.sessID, "feature-a", 1)
		if err != nil {
			t.Fatalf("review outcome: %v", err)
		}
		if outcome != models.StatusApproved {
			t.Fatalf("accepted rejection must approve, got %s", outcome)
		}

		view, err := h.ledger.View(h.sessID, "feature-a", 1)
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		if len(view) != 1 || view[0].Resolution != models.ResolutionRejectedAndAccepted {
			t.Fatalf("ledger must record the accepted rejection, got %+v", view)
		}

		signOff(t, h, "feature-a")
		res, err := h.gate.Validate(h.sessID)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !res.Accepted {
			t.Fatalf("expected acceptance, got %+v", res)
		}
	})
}
