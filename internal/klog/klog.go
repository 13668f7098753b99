// Package klog builds the structured loggers every kernel subsystem logs
// through. It generalizes the teacher's utils.InicializarLogger/InfoLog
// split into a per-component slog.Logger instead of two process-wide globals.
package klog

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a level name ("debug", "info", "warn", "error") into
// a slog.Level, defaulting to Info on anything unrecognized.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New builds a logger for one kernel subsystem ("scheduler", "vm", "fs", ...),
// tagged with a "component" attribute the way the teacher's loggers are
// tagged with "modulo".
func New(level slog.Level, component string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// Discard returns a logger that drops every record, for tests that don't
// want boot noise.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
