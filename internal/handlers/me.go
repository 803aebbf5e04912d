package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"samuraibot/internal/logger"
	"samuraibot/internal/storage"
)

// AccountResponse is the response for the /api/me endpoint
type AccountResponse struct {
	UserID   int64 `json:"user_id"`
	GroupID  int64 `json:"group_id"`
	Coins    int64 `json:"coins"`
	Gems     int64 `json:"gems"`
	Level    int64 `json:"level"`
	Wins     int64 `json:"wins"`
	Losses   int64 `json:"losses"`
	NetWorth int64 `json:"net_worth"`
	Messages int64 `json:"messages"`
	Rank     int64 `json:"rank,omitempty"`
}

func newAccountResponse(a storage.Account) AccountResponse {
	return AccountResponse{
		UserID:   a.Key.UserID,
		GroupID:  a.Key.GroupID,
		Coins:    a.Coins,
		Gems:     a.Gems,
		Level:    a.Level,
		Wins:     a.Wins,
		Losses:   a.Losses,
		NetWorth: a.NetWorth(),
		Messages: a.Messages,
	}
}

// HandleMe handles GET /api/me. The account is created on first visit.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	key, err := accountKey(r)
	if err != nil {
		logger.Debug(0, "me_bad_request", "error="+err.Error())
		respondWithKeyError(w, err)
		return
	}

	acct, err := h.engine.GetOrCreateAccount(r.Context(), key)
	if err != nil {
		logger.Debug(key.UserID, "me_error", "error="+err.Error())
		respondWithServiceError(w, err, "Failed to get account")
		return
	}

	logger.Debug(key.UserID, "me_success", "group_id", key.GroupID, "coins", acct.Coins)
	respondJSON(w, http.StatusOK, newAccountResponse(acct))
}

// HandleRank handles GET /api/me/rank
func (h *Handler) HandleRank(w http.ResponseWriter, r *http.Request) {
	key, err := accountKey(r)
	if err != nil {
		respondWithKeyError(w, err)
		return
	}

	entry, err := h.engine.RankOf(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			respondWithError(w, "Account not found", http.StatusNotFound)
			return
		}
		logger.Debug(key.UserID, "rank_error", "error="+err.Error())
		respondWithServiceError(w, err, "Failed to get rank")
		return
	}

	resp := newAccountResponse(entry.Account)
	resp.Rank = entry.Rank
	logger.Debug(key.UserID, "rank_success", fmt.Sprintf("rank=%d", entry.Rank))
	respondJSON(w, http.StatusOK, resp)
}
