package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coordd/internal/models"
	"coordd/internal/store"
)

// EventHandler handles event and state-snapshot HTTP requests.
type EventHandler struct {
	sessions *store.SessionStore
	events   *store.EventStore
	snaps    *store.SnapshotStore
}

// NewEventHandler creates a new event handler.
func NewEventHandler(sessions *store.SessionStore, events *store.EventStore, snaps *store.SnapshotStore) *EventHandler {
	return &EventHandler{sessions: sessions, events: events, snaps: snaps}
}

// Append handles POST /sessions/{id}/events. A duplicate dedup key returns
// the original record tagged conflict; callers treat it as success.
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	var req models.AppendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "invalid request body: "+err.Error())
		return
	}

	stored, inserted, err := h.events.Append(&models.Event{
		SessionID: sessionID,
		GroupID:   req.GroupID,
		Type:      req.Type,
		Payload:   req.Payload,
		DedupKey:  req.DedupKey,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !inserted {
		writeResult(w, http.StatusOK, models.ResultConflict, stored)
		return
	}
	writeResult(w, http.StatusCreated, models.ResultOK, stored)
}

// Query handles GET /sessions/{id}/events with optional type, group, since
// and limit filters.
func (h *EventHandler) Query(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	f := store.EventFilter{
		GroupID: r.URL.Query().Get("group"),
		Type:    models.EventType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, models.ResultValidationError, "since must be a unix timestamp")
			return
		}
		f.Since = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, models.ResultValidationError, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if f.Type != "" && !f.Type.IsValid() {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "unknown event type")
		return
	}

	events, err := h.events.Query(sessionID, f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, events)
}

// UpsertState handles PUT /sessions/{id}/state/{scope}/{type}. The body is
// the raw payload; it fully replaces any previous snapshot.
func (h *EventHandler) UpsertState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	var payload json.RawMessage
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, models.ResultValidationError, "payload must be valid JSON: "+err.Error())
		return
	}

	err := h.snaps.Upsert(&models.StateSnapshot{
		SessionID: sessionID,
		Scope:     chi.URLParam(r, "scope"),
		Type:      chi.URLParam(r, "type"),
		Payload:   payload,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, nil)
}

// GetState handles GET /sessions/{id}/state/{scope}/{type}. A missing
// snapshot is not an error: data is null and the caller falls back to
// defaults.
func (h *EventHandler) GetState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	snap, err := h.snaps.Get(sessionID, chi.URLParam(r, "scope"), chi.URLParam(r, "type"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, models.ResultOK, snap)
}
