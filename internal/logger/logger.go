package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing to w. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Setup sets slog's default logger to write to stdout at the given level.
func Setup(level, format string) *slog.Logger {
	l := New(os.Stdout, level, format)
	slog.SetDefault(l)
	return l
}

// Debug logs a debug message with consistent attributes
// Format: user_id=... action=... details=...
func Debug(userID int64, action string, details ...any) {
	attrs := []any{"user_id", userID, "action", action}
	switch len(details) {
	case 0:
	case 1:
		attrs = append(attrs, "details", fmt.Sprint(details[0]))
	default:
		attrs = append(attrs, details...)
	}
	slog.Debug(action, attrs...)
}
