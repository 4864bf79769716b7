// Package audit writes a JSON audit trail of operations that change task
// or credential state.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/auth"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpTaskSubmit      Operation = "task.submit"
	OpTaskCancel      Operation = "task.cancel"
	OpScheduleTrigger Operation = "schedule.trigger"
	OpTokenCreate     Operation = "token.create"
	OpTokenRevoke     Operation = "token.revoke"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	TokenID    string         `json:"token_id,omitempty"`
	TokenScope string         `json:"token_scope,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, which writes to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", event.TokenID))
	}
	if event.TokenScope != "" {
		attrs = append(attrs, slog.String("token_scope", event.TokenScope))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs the outcome of op performed by the caller in authCtx. err nil
// means success.
func (l *Logger) Record(op Operation, authCtx *auth.AuthContext, taskID string, err error) {
	event := &Event{
		Operation: op,
		TaskID:    taskID,
		Success:   err == nil,
	}
	if authCtx != nil && authCtx.Token != nil {
		event.TokenID = authCtx.Token.ID
		event.TokenScope = authCtx.Token.Scope
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(op Operation, authCtx *auth.AuthContext, taskID string, err error) {
	Default().Record(op, authCtx, taskID, err)
}
