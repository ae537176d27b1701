package treescale

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before creating any networks.
// The level controls the minimum log level (e.g. slog.LevelInfo, slog.LevelDebug).
func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel maps a level name ("debug", "info", "warn", "error") to its
// slog.Level. Matching is case-insensitive; the empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
