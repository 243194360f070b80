// Package observability provides structured logging and in-process operation
// metrics for the patient store.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog with a persistent component name.
type Logger struct {
	base      *slog.Logger // persistent fields without the component
	inner     *slog.Logger
	component string
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
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

// NewLogger creates a JSON logger for component writing to w (os.Stderr if nil)
// at the given level.
func NewLogger(component string, w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return NewLoggerWithHandler(component, h)
}

// NewLoggerWithHandler creates a logger over a custom handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return newLogger(slog.New(h), component)
}

func newLogger(base *slog.Logger, component string) *Logger {
	return &Logger{
		base:      base,
		inner:     base.With(slog.String("component", component)),
		component: component,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger("discard", io.Discard, slog.LevelError+1)
}

// With returns a logger carrying an extra persistent field.
func (l *Logger) With(key string, value any) *Logger {
	return newLogger(l.base.With(slog.Any(key, value)), l.component)
}

// Named returns a logger for a sub-component, e.g. "engine" -> "engine.backup".
func (l *Logger) Named(sub string) *Logger {
	return newLogger(l.base, l.component+"."+sub)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	l.inner.Error(msg, args...)
}

// Operation logs the outcome of a store operation: debug on success, warn on
// failure.
func (l *Logger) Operation(op string, elapsed time.Duration, err error, args ...any) {
	all := append([]any{
		slog.String("op", op),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	}, args...)
	if err != nil {
		l.inner.Warn("operation failed", append(all, slog.String("error", err.Error()))...)
		return
	}
	l.inner.Debug("operation", all...)
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Slog exposes the underlying slog logger, e.g. for http.Server.ErrorLog.
func (l *Logger) Slog() *slog.Logger {
	return l.inner
}
