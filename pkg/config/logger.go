package config

import (
	"io"
	"log/slog"
)

// NewLogger builds a slog logger for the server settings. A *slog.Logger
// satisfies orchestrator.Logger.
func NewLogger(cfg ServerConfig, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case LogDebug:
		lvl = slog.LevelDebug
	case LogWarn:
		lvl = slog.LevelWarn
	case LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
