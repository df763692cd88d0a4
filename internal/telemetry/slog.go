package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configuration level string ("debug", "info", "warn",
// "error", case-insensitive) to a slog.Level, defaulting to info for anything
// unrecognized. Config validation rejects unknown levels at load time; the
// default here only covers hot-reload races.
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

// SetupLogger installs the global slog default logger from the configured
// format and level. Format "json" selects the JSON handler for production;
// anything else selects the text handler for local development. Source
// locations are attached only at debug level.
//
// Installed as the default logger so every slog call in the engine, including
// the recorder workers and background jobs, picks it up without threading a
// *slog.Logger through call sites. Safe to call again on config reload.
func SetupLogger(format, level string) {
	lvl := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
