// Package agent provides the automation agent protocol layer.
//
// events.go - Wire event names and payload normalization
//
// This file contains:
// - Server-to-client event name constants
// - ParseEvent, which maps a named wire payload onto a normalized Event
//
// Two naming conventions reach us: the superset "agent_update" payload and
// the colon-namespaced "agent:*" events. Both are folded into one schema
// here so nothing downstream needs to know which one the backend used.

package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Server-to-client wire event names
const (
	WireAgentUpdate = "agent_update"
	WireAction      = "agent:action"
	WireCursor      = "agent:cursor"
	WireStatus      = "agent:status"
	WirePlan        = "agent:plan"
	WireComplete    = "agent:complete"
	WireError       = "agent:error"
	WireCancelled   = "agent:cancelled"
	WireAppOpened   = "app_opened"

	// Acknowledgements that carry no task state
	WireConnected  = "connected"
	WireSubscribed = "subscribed"
)

// Status strings reported by the backend
const (
	StatusExecuting     = "executing"
	StatusCompleted     = "completed"
	StatusStepCompleted = "step_completed"
	StatusCancelled     = "cancelled"
	StatusError         = "error"
	StatusFailed        = "failed"
)

var wireTypes = map[string]EventType{
	WireAction:    EventAction,
	WireCursor:    EventCursor,
	WireStatus:    EventStatus,
	WirePlan:      EventPlan,
	WireComplete:  EventComplete,
	WireError:     EventError,
	WireCancelled: EventCancelled,
	WireAppOpened: EventAppOpened,
}

// IsAcknowledgement reports whether the wire name is a connection-level
// acknowledgement rather than a task event
func IsAcknowledgement(name string) bool {
	return name == WireConnected || name == WireSubscribed
}

// ParseEvent normalizes a named wire payload. It returns a *ProtocolError for
// unknown names and payloads that are not JSON objects.
func ParseEvent(name string, data json.RawMessage) (*Event, error) {
	raw := map[string]any{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ProtocolError{Event: name, Err: fmt.Errorf("payload is not an object: %w", err)}
		}
	}

	event := &Event{
		Name:       name,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}
	fillFields(event, raw)

	if name == WireAgentUpdate {
		event.Type = classifyUpdate(event, raw)
		return event, nil
	}

	t, ok := wireTypes[name]
	if !ok {
		// Some producers send the bare type as the event name
		if bare := EventType(name); bare.Valid() {
			t = bare
		} else {
			return nil, &ProtocolError{Event: name, Err: fmt.Errorf("unknown event")}
		}
	}
	event.Type = t
	return event, nil
}

// classifyUpdate decides what a superset agent_update payload represents.
// Terminal status strings win over everything else.
func classifyUpdate(e *Event, raw map[string]any) EventType {
	switch strings.ToLower(e.Status) {
	case StatusCompleted:
		return EventComplete
	case StatusCancelled:
		return EventCancelled
	case StatusError, StatusFailed:
		if e.Error == "" {
			e.Error = e.Message
		}
		return EventError
	}
	if e.Action != "" && e.Status == "" {
		if e.Action == "app_opened" {
			return EventAppOpened
		}
		return EventAction
	}
	if e.Status == "" && (len(e.PlanSteps) > 0 || e.PlanText != "") {
		return EventPlan
	}
	if e.Status == "" && e.HasPosition() {
		return EventCursor
	}
	return EventStatus
}

func fillFields(e *Event, raw map[string]any) {
	e.TaskID = stringField(raw, "taskId", "task_id")
	e.UserID = stringField(raw, "userId", "user_id")
	e.Action = stringField(raw, "action", "action_type")
	e.Label = stringField(raw, "label", "target", "element")
	e.Status = stringField(raw, "status")
	e.Message = stringField(raw, "message")
	e.CurrentTask = stringField(raw, "currentTask", "current_task", "task")
	e.Thinking = stringField(raw, "thinking", "reasoning")
	e.App = stringField(raw, "app", "app_name", "appName")
	e.X = intField(raw, "x")
	e.Y = intField(raw, "y")
	e.CurrentStep = intField(raw, "currentStep", "current_step")
	e.ActionsCompleted = intField(raw, "actionsCompleted", "actions_completed", "actions_taken")
	e.Confidence = floatField(raw, "confidence")
	e.EstimatedTimeRemaining = floatField(raw, "estimatedTimeRemaining", "estimated_time_remaining")

	e.PlanSteps = stepsField(raw, "planSteps", "plan_steps", "steps")
	switch plan := raw["plan"].(type) {
	case string:
		e.PlanText = plan
	case []any:
		if len(e.PlanSteps) == 0 {
			e.PlanSteps = stepList(plan)
		}
	}

	switch v := raw["error"].(type) {
	case string:
		e.Error = v
	case map[string]any:
		e.Error = stringField(v, "message", "error")
	}

	if result, ok := raw["result"]; ok && result != nil {
		if data, err := json.Marshal(result); err == nil {
			e.Result = data
		}
	}
}

func stringField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func intField(raw map[string]any, keys ...string) *int {
	for _, k := range keys {
		if f := toFloat(raw[k]); f != nil {
			n := int(math.Round(*f))
			return &n
		}
	}
	return nil
}

func floatField(raw map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if f := toFloat(raw[k]); f != nil {
			return f
		}
	}
	return nil
}

func toFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil
		}
		return &n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return &f
	}
	return nil
}

func stepsField(raw map[string]any, keys ...string) []string {
	for _, k := range keys {
		if list, ok := raw[k].([]any); ok {
			if steps := stepList(list); len(steps) > 0 {
				return steps
			}
		}
	}
	return nil
}

// stepList accepts plain strings or step objects with a descriptive field
func stepList(list []any) []string {
	steps := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		switch v := item.(type) {
		case string:
			s = strings.TrimSpace(v)
		case map[string]any:
			s = stringField(v, "description", "text", "title", "step", "action")
		}
		if s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}
