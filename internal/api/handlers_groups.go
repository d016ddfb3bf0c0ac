package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coordd/internal/engine"
	"coordd/internal/ledger"
	"coordd/internal/models"
	"coordd/internal/store"
)

// GroupHandler handles task-group HTTP requests.
type GroupHandler struct {
	sessions *store.SessionStore
	groups   *store.GroupStore
	ledger   *ledger.Ledger
	engine   *engine.Engine
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(sessions *store.SessionStore, groups *store.GroupStore, lg *ledger.Ledger, eng *engine.Engine) *GroupHandler {
	return &GroupHandler{sessions: sessions, groups: groups, ledger: lg, engine: eng}
}

// Upsert handles PUT /sessions/{id}/groups/{gid}
func (h *GroupHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	groupID := chi.URLParam(r, "gid")

	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	var req models.UpsertGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}

	g, err := h.groups.Upsert(&models.TaskGroup{
		SessionID:       sessionID,
		ID:              groupID,
		Name:            req.Name,
		Status:          req.Status,
		AssignedRole:    req.AssignedRole,
		ReviewIteration: req.ReviewIteration,
		NoProgressCount: req.NoProgressCount,
		BlockingIssues:  req.BlockingIssues,
		Complexity:      req.Complexity,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, g)
}

// Get handles GET /sessions/{id}/groups/{gid}
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, err := h.groups.Get(chi.URLParam(r, "id"), chi.URLParam(r, "gid"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, g)
}

// List handles GET /sessions/{id}/groups
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
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
	writeResult(w, http.StatusOK, models.ResultOK, groups)
}

// Transition handles POST /sessions/{id}/groups/{gid}/transition
func (h *GroupHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req models.TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}

	d, err := h.engine.Advance(chi.URLParam(r, "id"), chi.URLParam(r, "gid"), req.Role, req.Status, req.DedupKey)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, d)
}

// DeadlineMiss handles POST /sessions/{id}/groups/{gid}/deadline-miss
func (h *GroupHandler) DeadlineMiss(w http.ResponseWriter, r *http.Request) {
	var req models.DeadlineMissRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}
	if req.Deadline <= 0 {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "deadline must be a unix timestamp")
		return
	}

	d, err := h.engine.RecordDeadlineMiss(chi.URLParam(r, "id"), chi.URLParam(r, "gid"), req.Role, req.Deadline)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, d)
}

// RecordIssues handles POST /sessions/{id}/groups/{gid}/issues
func (h *GroupHandler) RecordIssues(w http.ResponseWriter, r *http.Request) {
	var req models.RecordIssuesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}

	issues, err := h.ledger.RecordIssues(chi.URLParam(r, "id"), chi.URLParam(r, "gid"), req.Iteration, req.Reviewer, req.Issues)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, issues)
}

// RecordResponses handles POST /sessions/{id}/groups/{gid}/responses
func (h *GroupHandler) RecordResponses(w http.ResponseWriter, r *http.Request) {
	var req models.RecordResponsesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}

	if err := h.ledger.RecordResponses(chi.URLParam(r, "id"), chi.URLParam(r, "gid"), req.Iteration, req.Responses); err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, nil)
}

// Issues handles GET /sessions/{id}/groups/{gid}/issues?iteration=N
// Without an iteration it returns the latest iteration's view.
func (h *GroupHandler) Issues(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	groupID := chi.URLParam(r, "gid")

	iteration := 0
	if v := r.URL.Query().Get("iteration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, models.ResultValidationError, "iteration must be a positive integer")
			return
		}
		iteration = n
	} else {
		n, err := h.ledger.LatestIteration(sessionID, groupID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		iteration = n
	}

	records := []models.IssueRecord{}
	if iteration > 0 {
		var err error
		records, err = h.ledger.View(sessionID, groupID, iteration)
		if err != nil {
			writeFailure(w, err)
			return
		}
	}
	writeResult(w, http.StatusOK, models.ResultOK, records)
}
