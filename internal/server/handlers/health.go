package handlers

import (
	"net/http"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health serves liveness and version endpoints.
type Health struct {
	Version string
}

// HealthHandler handles GET /health.
func (h *Health) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.Version})
}

// VersionHandler handles GET /version.
func (h *Health) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}
