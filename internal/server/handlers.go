package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

const maxBodyBytes = 1 << 20

// ExecuteRequest is the body of POST /api/agent/execute. Prompt is accepted
// as an alias of Task.
type ExecuteRequest struct {
	Task        string         `json:"task"`
	Prompt      string         `json:"prompt,omitempty"`
	Timeout     int            `json:"timeout,omitempty"` // seconds
	UseEnhanced bool           `json:"useEnhanced,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Wait        bool           `json:"wait,omitempty"`
}

// ExecuteResponse is returned for asynchronous submissions
type ExecuteResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// CancelRequest is the body of POST /api/agent/cancel
type CancelRequest struct {
	TaskID string `json:"taskId,omitempty"`
}

// EventsResponse is a page of buffered events
type EventsResponse struct {
	Events    []*taskclient.BufferedEvent `json:"events"`
	LastIndex int                         `json:"lastIndex"`
	Dropped   int                         `json:"dropped"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	description := strings.TrimSpace(req.Task)
	if description == "" {
		description = strings.TrimSpace(req.Prompt)
	}
	if description == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Timeout < 0 {
		writeError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	opts := agent.TaskOptions{
		UseEnhanced: req.UseEnhanced,
		Timeout:     time.Duration(req.Timeout) * time.Second,
		Context:     req.Context,
	}
	caller := auth.FromContext(r.Context())

	future, err := s.deps.Tasks.Submit(r.Context(), description, opts)
	if err != nil {
		audit.Record(audit.OpTaskSubmit, caller, "", err)
		writeTaskError(w, r, err)
		return
	}
	audit.Record(audit.OpTaskSubmit, caller, future.TaskID(), nil)
	ctx := logger.WithTaskID(r.Context(), future.TaskID())
	logger.InfoContext(ctx, "task submitted via gateway", "wait", req.Wait)

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, ExecuteResponse{TaskID: future.TaskID(), Status: "submitted"})
		return
	}

	result, err := future.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil && !future.Settled() {
			// Client disconnected; free the device
			_ = s.deps.Tasks.Cancel(context.Background(), future.TaskID())
			return
		}
		writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if req.TaskID != "" {
		if err := validation.ValidateTaskID(req.TaskID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	err := s.deps.Tasks.Cancel(r.Context(), req.TaskID)
	audit.Record(audit.OpTaskCancel, auth.FromContext(r.Context()), req.TaskID, err)
	if err != nil {
		writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tasks.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := -1
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			writeError(w, http.StatusBadRequest, "since must be an integer >= -1")
			return
		}
		since = n
	}

	events, err := s.deps.Tasks.Events(since)
	if errors.Is(err, taskclient.ErrEventsPurged) {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*taskclient.BufferedEvent{}
	}
	stats := s.deps.Tasks.EventStats()
	writeJSON(w, http.StatusOK, EventsResponse{
		Events:    events,
		LastIndex: stats.LastIndex,
		Dropped:   int(stats.DroppedEvents),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "task history is disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{Outcome: q.Get("outcome")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	records, err := s.deps.History.List(r.Context(), filter)
	if err != nil {
		logger.ErrorContext(r.Context(), "history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if records == nil {
		records = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "task history is disabled")
		return
	}
	stats, err := s.deps.History.Stats(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "history stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeJSON(w, http.StatusOK, []schedule.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Entries())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotFound, schedule.ErrScheduleNotFound.Error())
		return
	}

	name := r.PathValue("name")
	if err := validation.ValidateScheduleName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := s.deps.Schedules.TriggerNow(r.Context(), name)
	taskID := ""
	if exec != nil {
		taskID = exec.TaskID
	}
	audit.Record(audit.OpScheduleTrigger, auth.FromContext(r.Context()), taskID, err)

	switch {
	case errors.Is(err, schedule.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, exec)
	default:
		// Failed tasks are reported in the execution record
		writeJSON(w, http.StatusOK, exec)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// taskErrorStatus maps a task client error to an HTTP status
func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrTaskInFlight):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNoActiveTask):
		return http.StatusNotFound
	}
	switch agent.ErrorKind(err) {
	case agent.KindTimeout:
		return http.StatusGatewayTimeout
	case agent.KindRemote:
		return http.StatusBadGateway
	case agent.KindCancelled:
		return http.StatusConflict
	case agent.KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	status := taskErrorStatus(err)
	if status >= 500 {
		logger.WarnContext(r.Context(), "task request failed", "error", err, "kind", agent.ErrorKind(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  agent.ErrorKind(err),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
