// internal/logging/logger.go
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger. format is "json" or "text"; level
// is one of debug, info, warn, error and defaults to info.
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithQuery returns a logger with the query key attached
func WithQuery(logger *slog.Logger, key string) *slog.Logger {
	return logger.With("query", key)
}

// WithConversation returns a logger with the conversation id attached
func WithConversation(logger *slog.Logger, conversationID string) *slog.Logger {
	return logger.With("conversation_id", conversationID)
}
