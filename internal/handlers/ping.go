package handlers

import (
	"net/http"
)

// PingResponse is the response for the health endpoints
type PingResponse struct {
	Status string `json:"status"`
}

// PingHandler handles /healthz and /api/ping
func PingHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PingResponse{Status: "ok"})
}
