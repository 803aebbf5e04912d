// Package handlers serves the WebApp JSON API over the engine.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"samuraibot/internal/auth"
	"samuraibot/internal/leaderboard"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

const (
	// DefaultLeaderboardLimit is used when no limit query parameter is given.
	DefaultLeaderboardLimit = 20
	// MaxLeaderboardLimit caps the limit query parameter.
	MaxLeaderboardLimit = 100
)

// Engine is the part of service.Engine the API calls.
type Engine interface {
	GetOrCreateAccount(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	ResolveWager(ctx context.Context, key storage.AccountKey, game wager.GameType, bet int64, move string) (wager.Result, error)
	GetLeaderboard(ctx context.Context, n int) ([]leaderboard.Entry, error)
	GroupLeaderboard(ctx context.Context, groupID int64, n int) ([]leaderboard.Entry, error)
	History(ctx context.Context, key storage.AccountKey, n int) ([]storage.Wager, error)
	RankOf(ctx context.Context, key storage.AccountKey) (leaderboard.Entry, error)
}

// Handler holds the API dependencies.
type Handler struct {
	engine Engine
	board  *expirable.LRU[string, []leaderboard.Entry]
}

// New creates the API handler. Leaderboard responses are reused for
// cacheTTL; zero disables caching.
func New(engine Engine, cacheTTL time.Duration) *Handler {
	h := &Handler{engine: engine}
	if cacheTTL > 0 {
		h.board = expirable.NewLRU[string, []leaderboard.Entry](64, nil, cacheTTL)
	}
	return h
}

// Router mounts the API. authMW guards /api; metrics is served on /metrics
// when non-nil.
func (h *Handler) Router(authMW func(http.Handler) http.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", PingHandler)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", PingHandler)
		r.Group(func(r chi.Router) {
			if authMW != nil {
				r.Use(authMW)
			}
			r.Get("/me", h.HandleMe)
			r.Get("/me/history", h.HandleHistory)
			r.Get("/me/rank", h.HandleRank)
			r.Get("/leaderboard", h.HandleLeaderboard)
			r.Post("/wagers", h.HandleWager)
		})
	})
	return r
}

// accountKey builds the caller's key from the auth context and an optional
// group_id query parameter.
func accountKey(r *http.Request) (storage.AccountKey, error) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		return storage.AccountKey{}, errUnauthorized
	}
	groupID, err := queryInt(r, "group_id", 0)
	if err != nil {
		return storage.AccountKey{}, err
	}
	return storage.AccountKey{UserID: userID, GroupID: groupID}, nil
}

var errUnauthorized = errors.New("Unauthorized: user not in context")

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func respondWithKeyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnauthorized) {
		respondWithError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	respondWithError(w, err.Error(), http.StatusBadRequest)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
