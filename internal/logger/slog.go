package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var (
	slogger  *slog.Logger
	slogFile *os.File
)

// InitSlog initializes the slog-based logger.
// If jsonOutput is true, logs are formatted as JSON for production.
func InitSlog(logDir string, jsonOutput bool) error {
	f, err := openLogFile(logDir)
	if err != nil {
		return err
	}
	slogFile = f

	slogger = slog.New(newHandler(io.MultiWriter(os.Stdout, f), jsonOutput))
	slog.SetDefault(slogger)
	return nil
}

func newHandler(w io.Writer, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// InitSlogWriter routes structured logs to w only, without a log file
func InitSlogWriter(w io.Writer, jsonOutput bool) {
	slogger = slog.New(newHandler(w, jsonOutput))
	slog.SetDefault(slogger)
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if slogFile != nil {
		return slogFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyTaskID    contextKey = "task_id"
	ContextKeyUserID    contextKey = "user_id"
)

// WithRequestID returns ctx carrying a request id for log correlation
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithTaskID returns ctx carrying a task id for log correlation
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, id)
}

// WithUserID returns ctx carrying a user id for log correlation
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, id)
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyTaskID, ContextKeyUserID} {
		if v := ctx.Value(key); v != nil {
			l = l.With(string(key), v)
		}
	}
	return l
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
