// Package auth verifies Telegram WebApp initData and carries the caller's
// user id through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "user_id"

	// InitDataHeader carries the WebApp initData string.
	InitDataHeader = "X-Telegram-Init-Data"

	// DefaultMaxAge is how long signed initData stays valid.
	DefaultMaxAge = 24 * time.Hour
)

var (
	ErrMissingHash = initdata.ErrSignMissing
	ErrInvalidHash = initdata.ErrSignInvalid
	ErrExpired     = initdata.ErrExpired
	ErrMissingUser = errors.New("user not found in initData")
)

// Validator checks initData signatures for one bot token.
type Validator struct {
	token  string
	maxAge time.Duration
	now    func() time.Time
}

// NewValidator creates a validator. maxAge <= 0 uses DefaultMaxAge.
func NewValidator(botToken string, maxAge time.Duration) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Validator{token: botToken, maxAge: maxAge, now: time.Now}
}

// ValidateInitData checks the signature and auth_date of initData and
// returns the Telegram user id it was issued for.
func (v *Validator) ValidateInitData(raw string) (int64, error) {
	// Expiry is checked below against the validator's clock.
	if err := initdata.Validate(raw, v.token, 0); err != nil {
		return 0, fmt.Errorf("validate initData: %w", err)
	}

	data, err := initdata.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("parse initData: %w", err)
	}
	if v.now().Sub(data.AuthDate()) > v.maxAge {
		return 0, ErrExpired
	}
	if data.User.ID == 0 {
		return 0, ErrMissingUser
	}
	return data.User.ID, nil
}

// Middleware rejects requests without valid initData and stores the user id
// in the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initData := r.Header.Get(InitDataHeader)
		if initData == "" {
			http.Error(w, "Unauthorized: missing "+InitDataHeader+" header", http.StatusUnauthorized)
			return
		}

		userID, err := v.ValidateInitData(initData)
		if err != nil {
			slog.Debug("auth failed", "path", r.URL.Path, "error", err)
			http.Error(w, "Unauthorized: invalid initData", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
	})
}

// ContextWithUserID adds the user ID to the context
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserIDFromContext retrieves the user ID from the context
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}
