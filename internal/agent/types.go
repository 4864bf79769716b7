// Package agent provides the automation agent protocol layer.
//
// types.go - Shared types for agent communication
//
// This file contains:
// - EventType and Event, the normalized inbound event
// - Task, TaskOptions and Result for submissions
// - Outbound messages sent to the agent backend
//
// Event provides a common format that every Channel implementation must
// convert its native payloads into. Payload fields are optional: producers
// are inconsistent about which of them they populate.

package agent

import (
	"encoding/json"
	"time"
)

// EventType discriminates inbound events
type EventType string

const (
	EventAction    EventType = "action"
	EventCursor    EventType = "cursor"
	EventStatus    EventType = "status"
	EventPlan      EventType = "plan"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventAppOpened EventType = "app_opened"
	EventCancelled EventType = "cancelled"
)

// IsTerminal reports whether the event type ends a task's lifecycle
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError || t == EventCancelled
}

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventAction, EventCursor, EventStatus, EventPlan,
		EventComplete, EventError, EventAppOpened, EventCancelled:
		return true
	}
	return false
}

// Event is a single normalized event from the agent backend.
// Pointer fields distinguish "absent" from the zero value.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"taskId,omitempty"`
	UserID string    `json:"userId,omitempty"`

	// Action / cursor fields
	Action string `json:"action,omitempty"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Label  string `json:"label,omitempty"`

	// Status fields
	Status                 string   `json:"status,omitempty"`
	Message                string   `json:"message,omitempty"`
	CurrentTask            string   `json:"currentTask,omitempty"`
	Thinking               string   `json:"thinking,omitempty"`
	Confidence             *float64 `json:"confidence,omitempty"`
	ActionsCompleted       *int     `json:"actionsCompleted,omitempty"`
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`

	// Plan fields
	PlanSteps   []string `json:"planSteps,omitempty"`
	PlanText    string   `json:"plan,omitempty"`
	CurrentStep *int     `json:"currentStep,omitempty"`

	// Terminal fields
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// App launch
	App string `json:"app,omitempty"`

	// Name is the wire event name the event arrived under
	Name       string    `json:"name,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`

	// Raw payload for backend-specific fields
	Raw map[string]any `json:"-"`
}

// HasPosition reports whether the event carries both cursor coordinates
func (e *Event) HasPosition() bool {
	return e.X != nil && e.Y != nil
}

// TaskOptions configures a single submission
type TaskOptions struct {
	UseEnhanced bool           `json:"useEnhanced"`
	Timeout     time.Duration  `json:"timeout"`
	UserID      string         `json:"userId,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Task is created on submission and immutable afterwards
type Task struct {
	TaskID      string      `json:"taskId"`
	Description string      `json:"description"`
	Options     TaskOptions `json:"options"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// TimeoutSeconds returns the nominal timeout rounded up to whole seconds,
// which is the unit the backend expects.
func (t *Task) TimeoutSeconds() int {
	d := t.Options.Timeout
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Step is one unit of work reported by the backend
type Step struct {
	Action string `json:"action"`
	App    string `json:"app,omitempty"`
	Result string `json:"result,omitempty"`
}

// Result is the value a successful task resolves with
type Result struct {
	TaskID           string          `json:"taskId"`
	Status           string          `json:"status"`
	Message          string          `json:"message,omitempty"`
	Steps            []Step          `json:"steps,omitempty"`
	ActionsCompleted int             `json:"actionsCompleted"`
	Raw              json.RawMessage `json:"raw,omitempty"`
	Duration         time.Duration   `json:"duration"`
}

// OutboundType is the kind of message sent to the backend
type OutboundType string

const (
	OutboundExecute   OutboundType = "agent:execute"
	OutboundCancel    OutboundType = "agent:cancel"
	OutboundSubscribe OutboundType = "subscribe"
)

// Outbound is a client-to-server message. Only the fields relevant to Type
// are encoded by the transport.
type Outbound struct {
	Type OutboundType
	Task *Task
	// TaskID is set for cancel messages
	TaskID string
	// UserID is set for subscribe messages
	UserID string
}

// ExecuteOutbound builds an agent:execute message
func ExecuteOutbound(task *Task) Outbound {
	return Outbound{Type: OutboundExecute, Task: task, TaskID: task.TaskID}
}

// CancelOutbound builds an agent:cancel message
func CancelOutbound(taskID string) Outbound {
	return Outbound{Type: OutboundCancel, TaskID: taskID}
}

// SubscribeOutbound builds a subscribe message
func SubscribeOutbound(userID string) Outbound {
	return Outbound{Type: OutboundSubscribe, UserID: userID}
}

// Payload returns the JSON object sent for the message
func (o Outbound) Payload() map[string]any {
	switch o.Type {
	case OutboundExecute:
		p := map[string]any{"taskId": o.TaskID}
		if o.Task != nil {
			p["task"] = o.Task.Description
			p["useEnhanced"] = o.Task.Options.UseEnhanced
			p["timeout"] = o.Task.TimeoutSeconds()
			if o.Task.Options.UserID != "" {
				p["userId"] = o.Task.Options.UserID
			}
		}
		return p
	case OutboundCancel:
		return map[string]any{"taskId": o.TaskID}
	case OutboundSubscribe:
		return map[string]any{"userId": o.UserID}
	}
	return map[string]any{}
}
