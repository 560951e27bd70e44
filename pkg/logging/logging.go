// Package logging configures structured logging using log/slog.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name to a slog level. Empty means INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

// Resolve picks the effective level. Flags win over the configured level,
// and quiet wins over verbose.
func Resolve(configured slog.Level, verbose, quiet bool) slog.Level {
	switch {
	case quiet:
		return slog.LevelWarn
	case verbose:
		return slog.LevelDebug
	default:
		return configured
	}
}

// Setup installs a slog.TextHandler on stderr as the default logger.
func Setup(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}
