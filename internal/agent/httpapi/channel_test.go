package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
)

type fakeBackend struct {
	srv       *httptest.Server
	healthy   atomic.Bool
	execute   http.HandlerFunc
	cancelled chan string
	lastBody  chan executeRequest
}

func newFakeBackend(t *testing.T, execute http.HandlerFunc) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		execute:   execute,
		cancelled: make(chan string, 4),
		lastBody:  make(chan executeRequest, 4),
	}
	fb.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !fb.healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/api/agent/execute", func(w http.ResponseWriter, r *http.Request) {
		var body executeRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		fb.lastBody <- body
		fb.execute(w, r)
	})
	mux.HandleFunc("/api/superagent/cancel", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fb.cancelled <- body["taskId"]
		_, _ = w.Write([]byte(`{"status":"ok","cancelled":true}`))
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func connect(t *testing.T, cfg Config) *Channel {
	t.Helper()
	ch := New(cfg)
	t.Cleanup(func() { _ = ch.Close() })
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s := nextState(t, ch); s.Status != agent.ConnConnected {
		t.Fatalf("state = %q, want connected", s.Status)
	}
	return ch
}

func nextState(t *testing.T, ch *Channel) agent.ConnState {
	t.Helper()
	select {
	case s := <-ch.States():
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no connection state")
		return agent.ConnState{}
	}
}

func nextEvent(t *testing.T, ch *Channel) *agent.Event {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func newTask(id, description string) *agent.Task {
	return &agent.Task{TaskID: id, Description: description, Options: agent.TaskOptions{Timeout: time.Minute}}
}

func TestExecuteSynthesizesEvents(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","prompt":"Open Gmail","steps":[
			{"action":"open_app","app":"chrome","result":"Opened chrome"},
			{"action":"click","app":"chrome","result":"Clicked inbox"}]}`))
	})
	ch := connect(t, Config{URL: fb.srv.URL, UserID: "u1"})

	if err := ch.Send(context.Background(), agent.ExecuteOutbound(newTask("t1", "Open Gmail"))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	body := <-fb.lastBody
	if body.Prompt != "Open Gmail" || body.UserID != "u1" || body.Context == nil {
		t.Errorf("request body = %+v", body)
	}

	ev := nextEvent(t, ch)
	if ev.Type != agent.EventStatus || ev.Status != agent.StatusExecuting || ev.TaskID != "t1" {
		t.Errorf("first event = %+v, want executing status", ev)
	}
	for i, want := range []string{"open_app", "click"} {
		ev = nextEvent(t, ch)
		if ev.Type != agent.EventAction || ev.Action != want {
			t.Errorf("step %d = %+v, want action %s", i, ev, want)
		}
		if ev.ActionsCompleted == nil || *ev.ActionsCompleted != i+1 {
			t.Errorf("step %d actionsCompleted = %v, want %d", i, ev.ActionsCompleted, i+1)
		}
	}
	ev = nextEvent(t, ch)
	if ev.Type != agent.EventComplete || ev.TaskID != "t1" {
		t.Errorf("final event = %+v, want complete", ev)
	}
	if len(ev.Result) == 0 {
		t.Error("complete event carries no result")
	}
}

func TestExecuteFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantError string
	}{
		{name: "server error with message", status: 500, body: `{"status":"error","error":"window manager crashed"}`, wantError: "window manager crashed"},
		{name: "bad request without body", status: 400, body: ``, wantError: "execute failed with status 400"},
		{name: "not completed", status: 200, body: `{"status":"partial","steps":[]}`, wantError: `agent reported status "partial"`},
		{name: "malformed", status: 200, body: `not json`, wantError: "malformed execute response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			ch := connect(t, Config{URL: fb.srv.URL})

			if err := ch.Send(context.Background(), agent.ExecuteOutbound(newTask("t2", "do it"))); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			nextEvent(t, ch) // executing
			ev := nextEvent(t, ch)
			if ev.Type != agent.EventError {
				t.Fatalf("event = %+v, want error", ev)
			}
			if len(ev.Error) < len(tt.wantError) || ev.Error[:len(tt.wantError)] != tt.wantError {
				t.Errorf("error = %q, want prefix %q", ev.Error, tt.wantError)
			}
		})
	}
}

func TestCancelAbortsInflightRequest(t *testing.T) {
	aborted := make(chan struct{})
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(aborted)
	})
	ch := connect(t, Config{URL: fb.srv.URL})

	if err := ch.Send(context.Background(), agent.ExecuteOutbound(newTask("t3", "long task"))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	nextEvent(t, ch) // executing
	<-fb.lastBody

	if err := ch.Send(context.Background(), agent.CancelOutbound("t3")); err != nil {
		t.Fatalf("cancel Send() error = %v", err)
	}
	if got := <-fb.cancelled; got != "t3" {
		t.Errorf("cancelled task = %q, want t3", got)
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("execute request was not aborted")
	}

	ev := nextEvent(t, ch)
	if ev.Type != agent.EventCancelled || ev.TaskID != "t3" {
		t.Errorf("event = %+v, want cancelled for t3", ev)
	}
	select {
	case ev := <-ch.Events():
		t.Errorf("unexpected event after cancel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRequiresConnection(t *testing.T) {
	ch := New(Config{URL: "http://127.0.0.1:1"})
	t.Cleanup(func() { _ = ch.Close() })

	err := ch.Send(context.Background(), agent.ExecuteOutbound(newTask("t", "x")))
	if !errors.Is(err, agent.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthPollReconnectsThenGivesUp(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	ch := connect(t, Config{
		URL:          fb.srv.URL,
		PollInterval: 20 * time.Millisecond,
		Retry:        agent.RetryPolicy{MaxAttempts: 2, Delay: 10 * time.Millisecond},
	})

	fb.healthy.Store(false)

	for attempt := 1; attempt <= 2; attempt++ {
		s := nextState(t, ch)
		if s.Status != agent.ConnReconnecting || s.Attempt != attempt {
			t.Fatalf("state = %+v, want reconnecting attempt %d", s, attempt)
		}
	}
	if s := nextState(t, ch); s.Status != agent.ConnDisconnected {
		t.Fatalf("state = %q, want disconnected", s.Status)
	}
	if ch.IsConnected() {
		t.Error("IsConnected() = true after giving up")
	}

	// An explicit Connect starts over
	fb.healthy.Store(true)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s := nextState(t, ch); s.Status != agent.ConnConnected {
		t.Errorf("state = %q, want connected", s.Status)
	}
}

func TestHealthPollRecovers(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	ch := connect(t, Config{
		URL:          fb.srv.URL,
		PollInterval: 20 * time.Millisecond,
		Retry:        agent.RetryPolicy{MaxAttempts: 5, Delay: 30 * time.Millisecond},
	})

	fb.healthy.Store(false)
	if s := nextState(t, ch); s.Status != agent.ConnReconnecting {
		t.Fatalf("state = %q, want reconnecting", s.Status)
	}
	fb.healthy.Store(true)

	for {
		s := nextState(t, ch)
		if s.Status == agent.ConnConnected {
			break
		}
		if s.Status != agent.ConnReconnecting {
			t.Fatalf("state = %q, want reconnecting or connected", s.Status)
		}
	}
	if !ch.IsConnected() {
		t.Error("IsConnected() = false after recovery")
	}
}
