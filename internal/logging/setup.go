// Package logging configures the broker's log/slog output.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is shared by every handler Setup installs so the level can be
// changed at runtime.
var Level slog.LevelVar

// Setup configures the default logger from LOG_LEVEL (debug, info, warn,
// error; default info) and LOG_FORMAT (json, text; default json), writing to
// stderr.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig installs a default logger with an explicit level, format
// and destination. The stdlib log package is redirected into the same
// handler.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))
	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(&stdlibWriter{logger: logger})
	log.SetFlags(0)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
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

// With returns a child of the default logger tagged with component and any
// extra key/value pairs, e.g. With("coordinator", "sessionId", id).
func With(component string, args ...any) *slog.Logger {
	return slog.Default().With(append([]any{"component", component}, args...)...)
}

// stdlibWriter forwards log.Printf output from third-party code at info.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
