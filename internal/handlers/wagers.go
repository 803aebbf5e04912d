package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"samuraibot/internal/logger"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

// WagerRequest is the request body for POST /api/wagers
type WagerRequest struct {
	Game    string `json:"game"`
	Bet     int64  `json:"bet"`
	Move    string `json:"move,omitempty"`
	GroupID int64  `json:"group_id,omitempty"`
}

// WagerResponse describes a resolved wager
type WagerResponse struct {
	WagerID    string          `json:"wager_id"`
	Game       string          `json:"game"`
	Outcome    string          `json:"outcome"`
	NetChange  int64           `json:"net_change"`
	NewBalance int64           `json:"new_balance"`
	PlayerMove string          `json:"player_move"`
	HouseMove  string          `json:"house_move"`
	Account    AccountResponse `json:"account"`
}

// HandleWager handles POST /api/wagers
func (h *Handler) HandleWager(w http.ResponseWriter, r *http.Request) {
	key, err := accountKey(r)
	if err != nil {
		respondWithKeyError(w, err)
		return
	}

	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.GroupID != 0 {
		key.GroupID = req.GroupID
	}

	game, err := wager.ParseGame(req.Game)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.engine.ResolveWager(r.Context(), key, game, req.Bet, req.Move)
	if err != nil {
		logger.Debug(key.UserID, "wager_rejected", "game", string(game), "bet", req.Bet, "failed_at", res.FailedAt.String(), "error", err.Error())
		respondWithServiceError(w, err, "Failed to resolve wager")
		return
	}

	if h.board != nil {
		h.board.Purge()
	}
	logger.Debug(key.UserID, "wager_resolved", "game", string(game), "outcome", string(res.Outcome), "net_change", res.NetChange)
	respondJSON(w, http.StatusCreated, WagerResponse{
		WagerID:    res.Wager.ID,
		Game:       res.Wager.Game,
		Outcome:    string(res.Outcome),
		NetChange:  res.NetChange,
		NewBalance: res.NewBalance,
		PlayerMove: res.Wager.PlayerMove,
		HouseMove:  res.Wager.HouseMove,
		Account:    newAccountResponse(res.Account),
	})
}

// respondWithServiceError maps engine sentinels to status codes.
func respondWithServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, wager.ErrInvalidWager):
		respondWithError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, wager.ErrInsufficientFunds):
		respondWithError(w, "Insufficient funds", http.StatusPaymentRequired)
	case errors.Is(err, storage.ErrAccountNotFound):
		respondWithError(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, wager.ErrLedgerUnavailable):
		respondWithError(w, "Ledger temporarily unavailable, try again", http.StatusServiceUnavailable)
	default:
		respondWithError(w, fallback, http.StatusInternalServerError)
	}
}
