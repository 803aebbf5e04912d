package handlers

import (
	"fmt"
	"net/http"

	"samuraibot/internal/leaderboard"
	"samuraibot/internal/logger"
)

// HandleLeaderboard handles GET /api/leaderboard?limit=&group_id=
func (h *Handler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultLeaderboardLimit)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit = min(max(limit, 1), MaxLeaderboardLimit)
	groupID, err := queryInt(r, "group_id", 0)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cacheKey := fmt.Sprintf("%d/%d", groupID, limit)
	if h.board != nil {
		if entries, ok := h.board.Get(cacheKey); ok {
			respondJSON(w, http.StatusOK, entries)
			return
		}
	}

	var entries []leaderboard.Entry
	if groupID != 0 {
		entries, err = h.engine.GroupLeaderboard(r.Context(), groupID, int(limit))
	} else {
		entries, err = h.engine.GetLeaderboard(r.Context(), int(limit))
	}
	if err != nil {
		logger.Debug(0, "leaderboard_error", "error="+err.Error())
		respondWithServiceError(w, err, "Failed to fetch leaderboard")
		return
	}

	if h.board != nil {
		h.board.Add(cacheKey, entries)
	}
	logger.Debug(0, "leaderboard_success", fmt.Sprintf("count=%d", len(entries)))
	respondJSON(w, http.StatusOK, entries)
}
