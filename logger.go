package plugrun

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so that
// embedding hosts can route framework logs through their own logger.
//
// The interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
// It is the default logger used when the host does not supply one.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlogLogger creates a Logger backed by log/slog writing to stderr.
// The level string accepts "debug", "info", "warn" and "error";
// anything else falls back to info.
func NewSlogLogger(level string) *SlogLogger {
	return NewSlogLoggerTo(os.Stderr, level)
}

// NewSlogLoggerTo creates a Logger writing to w at the given level.
func NewSlogLoggerTo(w io.Writer, level string) *SlogLogger {
	lvl := new(slog.LevelVar)
	lvl.Set(parseLogLevel(level))
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return &SlogLogger{logger: slog.New(handler), level: lvl}
}

// NewSlogLoggerWith wraps an existing *slog.Logger. The wrapped logger
// keeps its own level; SetLevel is a no-op on it.
func NewSlogLoggerWith(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

// SetLevel changes the minimum level of a logger constructed by
// NewSlogLogger or NewSlogLoggerTo. The host's logLevel global is
// applied through this during initialization.
func (l *SlogLogger) SetLevel(level string) {
	if l.level == nil {
		return
	}
	l.level.Set(parseLogLevel(level))
}

func parseLogLevel(level string) slog.Level {
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

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// moduleLogger prefixes every message with the owning module id.
// Handed to modules through their execution context.
type moduleLogger struct {
	moduleID string
	inner    Logger
}

func (l *moduleLogger) with(args []any) []any {
	return append([]any{"module", l.moduleID}, args...)
}

func (l *moduleLogger) Info(msg string, args ...any)  { l.inner.Info(msg, l.with(args)...) }
func (l *moduleLogger) Error(msg string, args ...any) { l.inner.Error(msg, l.with(args)...) }
func (l *moduleLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.with(args)...) }
func (l *moduleLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.with(args)...) }
