// Package logging holds the process-wide operational logger. Every package
// logs through Op() with key/value attributes; the handler and level are
// configured once at startup by InitStructured.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
	format   atomic.Value // string
)

func init() {
	logLevel.Set(slog.LevelInfo)
	format.Store("text")
	opLogger.Store(newLogger(os.Stderr, "text"))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Component returns the operational logger tagged with a component name.
func Component(name string) *slog.Logger {
	return opLogger.Load().With("component", name)
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error". Unknown values are ignored.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// SetOutput redirects the operational logger, keeping the current format.
// Tests use it to capture or silence log output.
func SetOutput(w io.Writer) {
	f, _ := format.Load().(string)
	opLogger.Store(newLogger(w, f))
}

func newLogger(w io.Writer, f string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if f == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
