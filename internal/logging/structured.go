package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(f, level string) {
	SetLevelFromString(level)
	if f != "json" {
		f = "text"
	}
	format.Store(f)
	opLogger.Store(newLogger(os.Stderr, f))
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}

// Discard silences the operational logger.
func Discard() {
	opLogger.Store(slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4})))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
