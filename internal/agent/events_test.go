package agent

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseEventNamedEvents(t *testing.T) {
	tests := []struct {
		name     string
		wire     string
		payload  string
		expected EventType
	}{
		{name: "action", wire: WireAction, payload: `{"action":"click"}`, expected: EventAction},
		{name: "cursor", wire: WireCursor, payload: `{"x":1,"y":2}`, expected: EventCursor},
		{name: "status", wire: WireStatus, payload: `{"status":"executing"}`, expected: EventStatus},
		{name: "plan", wire: WirePlan, payload: `{"steps":["a"]}`, expected: EventPlan},
		{name: "complete", wire: WireComplete, payload: `{}`, expected: EventComplete},
		{name: "error", wire: WireError, payload: `{"error":"nope"}`, expected: EventError},
		{name: "cancelled", wire: WireCancelled, payload: `{}`, expected: EventCancelled},
		{name: "app opened", wire: WireAppOpened, payload: `{"app":"chrome"}`, expected: EventAppOpened},
		{name: "bare type name", wire: "status", payload: `{}`, expected: EventStatus},
		{name: "null payload", wire: WireComplete, payload: `null`, expected: EventComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(tt.wire, json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("ParseEvent() error = %v", err)
			}
			if ev.Type != tt.expected {
				t.Errorf("Type = %q, want %q", ev.Type, tt.expected)
			}
			if ev.Name != tt.wire {
				t.Errorf("Name = %q, want %q", ev.Name, tt.wire)
			}
		})
	}
}

func TestParseEventRejects(t *testing.T) {
	tests := []struct {
		name    string
		wire    string
		payload string
	}{
		{name: "unknown name", wire: "agent:teleport", payload: `{}`},
		{name: "array payload", wire: WireStatus, payload: `[1,2]`},
		{name: "string payload", wire: WireStatus, payload: `"hi"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent(tt.wire, json.RawMessage(tt.payload))
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("ParseEvent() error = %v, want ProtocolError", err)
			}
			if protoErr.Event != tt.wire {
				t.Errorf("ProtocolError.Event = %q, want %q", protoErr.Event, tt.wire)
			}
		})
	}
}

func TestParseEventClassifiesAgentUpdate(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected EventType
	}{
		{name: "completed", payload: `{"status":"completed","message":"Task completed"}`, expected: EventComplete},
		{name: "cancelled", payload: `{"status":"cancelled"}`, expected: EventCancelled},
		{name: "error", payload: `{"status":"error","message":"boom"}`, expected: EventError},
		{name: "failed uppercase", payload: `{"status":"FAILED"}`, expected: EventError},
		{name: "action", payload: `{"action":"click","x":1,"y":2}`, expected: EventAction},
		{name: "app opened action", payload: `{"action":"app_opened","app":"slack"}`, expected: EventAppOpened},
		{name: "plan steps", payload: `{"plan_steps":["a","b"]}`, expected: EventPlan},
		{name: "plan text", payload: `{"plan":"1. a\n2. b"}`, expected: EventPlan},
		{name: "position only", payload: `{"x":10,"y":20}`, expected: EventCursor},
		{name: "executing", payload: `{"status":"executing","action":"click"}`, expected: EventStatus},
		{name: "step completed", payload: `{"status":"step_completed","message":"Opened chrome"}`, expected: EventStatus},
		{name: "message only", payload: `{"message":"thinking"}`, expected: EventStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(WireAgentUpdate, json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("ParseEvent() error = %v", err)
			}
			if ev.Type != tt.expected {
				t.Errorf("Type = %q, want %q", ev.Type, tt.expected)
			}
		})
	}
}

func TestParseEventErrorFallsBackToMessage(t *testing.T) {
	ev, err := ParseEvent(WireAgentUpdate, json.RawMessage(`{"status":"error","message":"window not found"}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Error != "window not found" {
		t.Errorf("Error = %q, want message fallback", ev.Error)
	}

	ev, err = ParseEvent(WireError, json.RawMessage(`{"error":{"message":"quota exceeded"}}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Error != "quota exceeded" {
		t.Errorf("Error = %q, want nested message", ev.Error)
	}
}

func TestParseEventFields(t *testing.T) {
	payload := `{
		"task_id": "t1",
		"userId": "u1",
		"action": "type",
		"x": 500.4,
		"y": "300",
		"label": "Search box",
		"status": "executing",
		"current_task": "Open Gmail",
		"thinking": "looking for the inbox",
		"confidence": 0.8,
		"actions_completed": 3,
		"estimated_time_remaining": 12.5,
		"plan_steps": ["Open browser", {"description": "Go to gmail"}, "", {"other": 1}],
		"current_step": 1,
		"result": {"ok": true}
	}`
	ev, err := ParseEvent(WireAgentUpdate, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}

	if ev.TaskID != "t1" || ev.UserID != "u1" {
		t.Errorf("ids = %q/%q", ev.TaskID, ev.UserID)
	}
	if ev.X == nil || *ev.X != 500 || ev.Y == nil || *ev.Y != 300 {
		t.Errorf("position = %v,%v, want 500,300", ev.X, ev.Y)
	}
	if ev.Label != "Search box" || ev.CurrentTask != "Open Gmail" || ev.Thinking != "looking for the inbox" {
		t.Errorf("text fields = %+v", ev)
	}
	if ev.Confidence == nil || *ev.Confidence != 0.8 {
		t.Errorf("Confidence = %v", ev.Confidence)
	}
	if ev.ActionsCompleted == nil || *ev.ActionsCompleted != 3 {
		t.Errorf("ActionsCompleted = %v", ev.ActionsCompleted)
	}
	if ev.EstimatedTimeRemaining == nil || *ev.EstimatedTimeRemaining != 12.5 {
		t.Errorf("EstimatedTimeRemaining = %v", ev.EstimatedTimeRemaining)
	}
	if want := []string{"Open browser", "Go to gmail"}; !reflect.DeepEqual(ev.PlanSteps, want) {
		t.Errorf("PlanSteps = %v, want %v", ev.PlanSteps, want)
	}
	if ev.CurrentStep == nil || *ev.CurrentStep != 1 {
		t.Errorf("CurrentStep = %v", ev.CurrentStep)
	}
	if string(ev.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", ev.Result)
	}
	if ev.Raw["label"] != "Search box" {
		t.Errorf("Raw not retained: %v", ev.Raw)
	}
}

func TestParseEventIgnoresNonFiniteNumbers(t *testing.T) {
	ev, err := ParseEvent(WireStatus, json.RawMessage(`{"confidence":"NaN","actionsCompleted":"Inf"}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Confidence != nil || ev.ActionsCompleted != nil {
		t.Errorf("non-finite values accepted: %v %v", ev.Confidence, ev.ActionsCompleted)
	}
}

func TestIsAcknowledgement(t *testing.T) {
	for _, name := range []string{WireConnected, WireSubscribed} {
		if !IsAcknowledgement(name) {
			t.Errorf("IsAcknowledgement(%q) = false", name)
		}
	}
	if IsAcknowledgement(WireStatus) {
		t.Error("IsAcknowledgement(agent:status) = true")
	}
}
