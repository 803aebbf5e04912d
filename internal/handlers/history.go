package handlers

import (
	"net/http"

	"samuraibot/internal/logger"
)

// HandleHistory handles GET /api/me/history?limit=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	key, err := accountKey(r)
	if err != nil {
		respondWithKeyError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	wagers, err := h.engine.History(r.Context(), key, int(limit))
	if err != nil {
		logger.Debug(key.UserID, "history_error", "error="+err.Error())
		respondWithServiceError(w, err, "Failed to get history")
		return
	}

	logger.Debug(key.UserID, "history_success", "count", len(wagers))
	respondJSON(w, http.StatusOK, wagers)
}
