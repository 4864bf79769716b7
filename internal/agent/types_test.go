package agent

import (
	"testing"
	"time"
)

func TestEventTypeIsTerminal(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  bool
	}{
		{EventAction, false},
		{EventCursor, false},
		{EventStatus, false},
		{EventPlan, false},
		{EventAppOpened, false},
		{EventComplete, true},
		{EventError, true},
		{EventCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.IsTerminal(); got != tt.expected {
				t.Errorf("%q.IsTerminal() = %v, want %v", tt.eventType, got, tt.expected)
			}
			if !tt.eventType.Valid() {
				t.Errorf("%q.Valid() = false", tt.eventType)
			}
		})
	}

	if EventType("teleport").Valid() {
		t.Error("unknown event type reported as valid")
	}
}

func TestTimeoutSeconds(t *testing.T) {
	tests := []struct {
		timeout  time.Duration
		expected int
	}{
		{300 * time.Second, 300},
		{1500 * time.Millisecond, 2},
		{100 * time.Millisecond, 1},
		{0, 0},
	}
	for _, tt := range tests {
		task := &Task{Options: TaskOptions{Timeout: tt.timeout}}
		if got := task.TimeoutSeconds(); got != tt.expected {
			t.Errorf("TimeoutSeconds(%v) = %d, want %d", tt.timeout, got, tt.expected)
		}
	}
}

func TestOutboundPayload(t *testing.T) {
	task := &Task{
		TaskID:      "t1",
		Description: "Open Gmail",
		Options:     TaskOptions{UseEnhanced: true, Timeout: 5 * time.Minute, UserID: "u1"},
	}

	exec := ExecuteOutbound(task).Payload()
	if exec["taskId"] != "t1" || exec["task"] != "Open Gmail" || exec["useEnhanced"] != true || exec["timeout"] != 300 || exec["userId"] != "u1" {
		t.Errorf("execute payload = %v", exec)
	}

	cancel := CancelOutbound("t1").Payload()
	if len(cancel) != 1 || cancel["taskId"] != "t1" {
		t.Errorf("cancel payload = %v", cancel)
	}

	sub := SubscribeOutbound("u1").Payload()
	if len(sub) != 1 || sub["userId"] != "u1" {
		t.Errorf("subscribe payload = %v", sub)
	}

	anon := ExecuteOutbound(&Task{TaskID: "t2", Description: "x"}).Payload()
	if _, ok := anon["userId"]; ok {
		t.Errorf("execute payload without user carries userId: %v", anon)
	}
}
