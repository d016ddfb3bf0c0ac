package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/policy"
	"coordd/internal/store"
	"coordd/internal/validator"
)

// SessionHandler handles session-level HTTP requests.
type SessionHandler struct {
	sessions *store.SessionStore
	groups   *store.GroupStore
	snaps    *store.SnapshotStore
	ledger   *ledger.Ledger
	gate     *validator.Gate
	policy   *policy.Policy
}

// NewSessionHandler creates a new session handler. pol is the policy pinned
// to every session this process creates.
func NewSessionHandler(
	sessions *store.SessionStore,
	groups *store.GroupStore,
	snaps *store.SnapshotStore,
	lg *ledger.Ledger,
	gate *validator.Gate,
	pol *policy.Policy,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		groups:   groups,
		snaps:    snaps,
		ledger:   lg,
		gate:     gate,
		policy:   pol,
	}
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}
	if len(req.Scope) == 0 {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "scope must not be empty")
		return
	}

	sess, err := h.sessions.Create(req.ID, req.Scope, req.Mode)
	if err != nil {
		writeFailure(w, err)
		return
	}

	// Pin the configuration the session will run under; lookups read this
	// snapshot, never the live policy source.
	if err := policy.Pin(h.snaps, sess.ID, h.policy); err != nil {
		writeFailure(w, err)
		return
	}

	writeResult(w, http.StatusCreated, models.ResultOK, sess)
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, sess)
}

// Blocking handles GET /sessions/{id}/blocking: the unresolved blocking
// issues for every task group in the session.
func (h *SessionHandler) Blocking(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	groups, err := h.groups.List(sessionID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	out := []models.GroupBlocking{}
	for _, g := range groups {
		issues, err := h.ledger.UnresolvedBlocking(sessionID, g.ID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if len(issues) > 0 {
			out = append(out, models.GroupBlocking{GroupID: g.ID, Issues: issues})
		}
	}
	writeResult(w, http.StatusOK, models.ResultOK, out)
}

// Validate handles POST /sessions/{id}/validate: the final acceptance check.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	result, err := h.gate.Validate(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, result)
}
