// Package logger provides the process-wide slog logger and shared attribute
// helpers. All components receive the logger through fx and tag their records
// with Scope so log lines are filterable per subsystem.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the shared *slog.Logger to the fx graph.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger builds the root logger from the environment.
//
// LOG_LEVEL selects the minimum level (debug, info, warn/warning, error;
// case-insensitive, anything else falls back to info). GO_ENV=production
// switches to the JSON handler for log collectors; everything else gets the
// human-readable text handler.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scope tags a record with the subsystem that produced it.
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error wraps an error under the conventional "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
