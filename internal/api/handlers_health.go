package api

import (
	"net/http"

	"coordd/internal/models"
	"coordd/internal/store"
)

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	DB         string `json:"db"`
	EventCount int    `json:"eventCount"`
}

// HealthHandler reports store health.
type HealthHandler struct {
	db *store.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *store.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", DB: "ok"}
	count, err := h.db.EventCount()
	if err != nil {
		resp.Status = "degraded"
		resp.DB = err.Error()
		writeResult(w, http.StatusServiceUnavailable, models.ResultInternalError, resp)
		return
	}
	resp.EventCount = count
	writeResult(w, http.StatusOK, models.ResultOK, resp)
}
