package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured logging using slog
var Logger *slog.Logger

func init() {
	Logger = newJSONLogger(os.Stdout, slog.LevelInfo)
}

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// NewLogger creates a new logger with the given name
func NewLogger(name string) *slog.Logger {
	return Logger.With("component", name)
}

// SetLevel sets the logging level
func SetLevel(level slog.Level) {
	Logger = newJSONLogger(os.Stdout, level)
}

// SetOutput redirects logging to w, keeping the given level.
func SetOutput(w io.Writer, level slog.Level) {
	Logger = newJSONLogger(w, level)
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// slog level. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
