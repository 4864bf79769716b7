package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/correlate"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

// fakeTasks settles every submission through a real correlator
type fakeTasks struct {
	corr *correlate.Correlator

	mu        sync.Mutex
	submitted []*agent.Task
	cancelled []string
	submitErr error
	autoReply bool
}

func newFakeTasks(t *testing.T) *fakeTasks {
	f := &fakeTasks{corr: correlate.New(correlate.Options{Grace: time.Second}), autoReply: true}
	t.Cleanup(f.corr.Close)
	return f
}

func (f *fakeTasks) Submit(ctx context.Context, description string, opts agent.TaskOptions) (*correlate.Future, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.mu.Lock()
	task := &agent.Task{TaskID: "task-" + string(rune('a'+len(f.submitted))), Description: description, Options: opts, SubmittedAt: time.Now()}
	f.submitted = append(f.submitted, task)
	f.mu.Unlock()

	fut, err := f.corr.Submit(task)
	if err != nil {
		return nil, err
	}
	if f.autoReply {
		f.corr.Resolve(task.TaskID, &agent.Result{TaskID: task.TaskID, Status: agent.StatusCompleted, Message: "done: " + description})
	}
	return fut, nil
}

func (f *fakeTasks) ExecuteTask(ctx context.Context, description string, opts agent.TaskOptions) (*agent.Result, error) {
	fut, err := f.Submit(ctx, description, opts)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

func (f *fakeTasks) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return agent.ErrNoActiveTask
	}
	id := f.submitted[len(f.submitted)-1].TaskID
	if taskID != "" && taskID != id {
		return agent.ErrNoActiveTask
	}
	f.cancelled = append(f.cancelled, id)
	f.corr.Reject(id, &agent.CancelledError{TaskID: id})
	return nil
}

func (f *fakeTasks) Snapshot() taskclient.Snapshot {
	return taskclient.Snapshot{TaskID: "task-a", Phase: taskclient.PhaseActive, Connected: true}
}

func (f *fakeTasks) Events(since int) ([]*taskclient.BufferedEvent, error) {
	all := []*taskclient.BufferedEvent{
		{Index: 0, Event: &agent.Event{Type: agent.EventStatus}},
		{Index: 1, Event: &agent.Event{Type: agent.EventComplete}},
	}
	if since >= len(all) {
		return nil, nil
	}
	return all[since+1:], nil
}

func (f *fakeTasks) EventStats() taskclient.BufferStats {
	return taskclient.BufferStats{CurrentSize: 2, MaxSize: 10, LastIndex: 1}
}

func call(t *testing.T, s *Server, ctx context.Context, tool string, args string) (any, error) {
	t.Helper()
	return s.GetRegistry().CallTool(ctx, tool, json.RawMessage(args))
}

func TestNewServer_RegistersOptionalTools(t *testing.T) {
	bare := NewServer(newFakeTasks(t), nil)
	var names []string
	for _, d := range bare.GetRegistry().GetAllTools() {
		names = append(names, d.Name)
	}
	if !slices.Equal(names, []string{"agent_execute", "agent_cancel", "agent_status", "agent_events"}) {
		t.Errorf("tools without history or schedules = %v", names)
	}

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	runner, err := schedule.NewRunner(newFakeTasks(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	full := NewServer(newFakeTasks(t), &ServerConfig{History: store, Schedules: runner})
	if _, ok := full.GetRegistry().GetTool("agent_history"); !ok {
		t.Error("agent_history not registered")
	}
	if _, ok := full.GetRegistry().GetTool("schedule"); !ok {
		t.Error("schedule not registered")
	}
}

func TestHandleExecute(t *testing.T) {
	tasks := newFakeTasks(t)
	s := NewServer(tasks, nil)

	got, err := call(t, s, operatorCtx, "agent_execute", `{"description":"  Open Gmail ","timeout_seconds":30}`)
	if err != nil {
		t.Fatalf("agent_execute error = %v", err)
	}
	res := got.(*agent.Result)
	if res.Message != "done: Open Gmail" {
		t.Errorf("result = %+v", res)
	}
	if tasks.submitted[0].Options.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", tasks.submitted[0].Options.Timeout)
	}

	got, err = call(t, s, operatorCtx, "agent_execute", `{"description":"Open Maps","wait":false}`)
	if err != nil {
		t.Fatalf("agent_execute(wait=false) error = %v", err)
	}
	if resp := got.(*ExecuteResponse); resp.TaskID != "task-b" || resp.Status != "submitted" {
		t.Errorf("response = %+v", resp)
	}

	if _, err := call(t, s, operatorCtx, "agent_execute", `{"description":"   "}`); err == nil {
		t.Error("blank description should fail")
	}
	if _, err := call(t, s, viewerCtx, "agent_execute", `{"description":"x"}`); err == nil {
		t.Error("viewer should not execute")
	}

	tasks.submitErr = agent.ErrTaskInFlight
	if _, err := call(t, s, operatorCtx, "agent_execute", `{"description":"x"}`); !errors.Is(err, agent.ErrTaskInFlight) {
		t.Errorf("in-flight error = %v", err)
	}
}

func TestHandleExecute_CancelsWhenCallerLeaves(t *testing.T) {
	tasks := newFakeTasks(t)
	tasks.autoReply = false
	s := NewServer(tasks, nil)

	ctx, cancel := context.WithTimeout(operatorCtx, 30*time.Millisecond)
	defer cancel()
	if _, err := call(t, s, ctx, "agent_execute", `{"description":"Open Gmail"}`); err == nil {
		t.Fatal("expected error after context deadline")
	}
	if !slices.Equal(tasks.cancelled, []string{"task-a"}) {
		t.Errorf("cancelled = %v, want [task-a]", tasks.cancelled)
	}
}

func TestHandleCancel(t *testing.T) {
	tasks := newFakeTasks(t)
	s := NewServer(tasks, nil)

	if _, err := call(t, s, operatorCtx, "agent_cancel", `{}`); !errors.Is(err, agent.ErrNoActiveTask) {
		t.Errorf("cancel with nothing in flight error = %v", err)
	}

	tasks.autoReply = false
	if _, err := call(t, s, operatorCtx, "agent_execute", `{"description":"x","wait":false}`); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, s, operatorCtx, "agent_cancel", `{"task_id":"task-a"}`); err != nil {
		t.Errorf("agent_cancel error = %v", err)
	}
	if _, err := call(t, s, viewerCtx, "agent_cancel", `{}`); err == nil {
		t.Error("viewer should not cancel")
	}
}

func TestHandleStatusAndEvents(t *testing.T) {
	s := NewServer(newFakeTasks(t), nil)

	got, err := call(t, s, viewerCtx, "agent_status", `{}`)
	if err != nil {
		t.Fatalf("agent_status error = %v", err)
	}
	if snap := got.(*taskclient.Snapshot); snap.Phase != taskclient.PhaseActive || !snap.Connected {
		t.Errorf("snapshot = %+v", snap)
	}

	got, err = call(t, s, viewerCtx, "agent_events", ``)
	if err != nil {
		t.Fatalf("agent_events error = %v", err)
	}
	if resp := got.(*EventsResponse); len(resp.Events) != 2 || resp.LastIndex != 1 {
		t.Errorf("events = %+v", resp)
	}

	got, err = call(t, s, viewerCtx, "agent_events", `{"since":0}`)
	if err != nil {
		t.Fatalf("agent_events(since=0) error = %v", err)
	}
	if resp := got.(*EventsResponse); len(resp.Events) != 1 || resp.Events[0].Index != 1 {
		t.Errorf("events since 0 = %+v", resp)
	}
}

func TestHandleHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	s := NewServer(newFakeTasks(t), &ServerConfig{History: store})

	got, err := call(t, s, viewerCtx, "agent_history", `{}`)
	if err != nil {
		t.Fatalf("agent_history error = %v", err)
	}
	if _, ok := got.(*mcp_sdk.CallToolResult); !ok {
		t.Errorf("empty history = %T, want text result", got)
	}

	ctx := context.Background()
	_ = store.Save(ctx, &history.Record{TaskID: "t1", Outcome: history.OutcomeCompleted})
	_ = store.Save(ctx, &history.Record{TaskID: "t2", Outcome: agent.KindTimeout})

	got, err = call(t, s, viewerCtx, "agent_history", `{"outcome":"timeout"}`)
	if err != nil {
		t.Fatal(err)
	}
	if recs := got.([]*history.Record); len(recs) != 1 || recs[0].TaskID != "t2" {
		t.Errorf("records = %+v", recs)
	}

	got, err = call(t, s, viewerCtx, "agent_history", `{"stats":true}`)
	if err != nil {
		t.Fatal(err)
	}
	if stats := got.(*history.Stats); stats.Total != 2 || stats.SuccessRate != 0.5 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := call(t, s, viewerCtx, "agent_history", `{"limit":1000}`); err == nil {
		t.Error("oversized limit should fail")
	}
}

func TestHandleSchedule(t *testing.T) {
	tasks := newFakeTasks(t)
	runner, err := schedule.NewRunner(tasks, nil, []*schedule.Schedule{
		{Name: "inbox", CronExpr: "@hourly", Prompt: "Check the inbox"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(tasks, &ServerConfig{Schedules: runner})

	got, err := call(t, s, viewerCtx, "schedule", `{"action":"list"}`)
	if err != nil {
		t.Fatalf("schedule list error = %v", err)
	}
	if entries := got.([]schedule.Entry); len(entries) != 1 || entries[0].Schedule.Name != "inbox" {
		t.Errorf("entries = %+v", entries)
	}

	if _, err := call(t, s, viewerCtx, "schedule", `{"action":"trigger","name":"inbox"}`); err == nil {
		t.Error("viewer should not trigger")
	}
	got, err = call(t, s, operatorCtx, "schedule", `{"action":"trigger","name":"inbox"}`)
	if err != nil {
		t.Fatalf("schedule trigger error = %v", err)
	}
	if exec := got.(*schedule.Execution); exec.Status != schedule.ExecutionSuccess {
		t.Errorf("execution = %+v", exec)
	}

	if _, err := call(t, s, operatorCtx, "schedule", `{"action":"trigger","name":"nope"}`); !errors.Is(err, schedule.ErrScheduleNotFound) {
		t.Errorf("unknown schedule error = %v", err)
	}
	if _, err := call(t, s, viewerCtx, "schedule", `{}`); err == nil || !strings.Contains(err.Error(), "needs an action") {
		t.Errorf("missing action error = %v", err)
	}
	if _, err := call(t, s, viewerCtx, "schedule", `{"action":"delete"}`); err == nil || !strings.Contains(err.Error(), `no action "delete"; valid actions: list, trigger`) {
		t.Errorf("unknown action error = %v", err)
	}
}

func TestServer_ListToolsOverSession(t *testing.T) {
	s := NewServer(newFakeTasks(t), nil)
	ctx := context.Background()

	clientTransport, serverTransport := mcp_sdk.NewInMemoryTransports()
	ss, err := s.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	defer func() { _ = ss.Close() }()

	client := mcp_sdk.NewClient(&mcp_sdk.Implementation{Name: "test", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	defer func() { _ = cs.Close() }()

	res, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"agent_cancel", "agent_events", "agent_execute", "agent_status"}) {
		t.Errorf("ListTools() = %v", names)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		same bool
	}{
		{"remote error passes", &agent.RemoteError{TaskID: "t", Message: "app crashed"}, true},
		{"timeout passes", &agent.TimeoutError{TaskID: "t", After: time.Second}, true},
		{"in flight passes", agent.ErrTaskInFlight, true},
		{"connection hidden", &agent.ConnectionError{Op: "send", Err: errors.New("dial tcp 10.0.0.1: connection refused")}, false},
		{"secret hidden", errors.New("bad secret in header"), false},
		{"token prefix hidden", errors.New("unknown credential agb_1234"), false},
		{"storage hidden", errors.New("sqlite: database disk image is malformed"), false},
		{"user facing passes", errors.New("name is required"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.err, "op")
			if (got == tt.err) != tt.same {
				t.Errorf("SanitizeError(%v) = %v, same=%v", tt.err, got, got == tt.err)
			}
		})
	}
	if SanitizeError(nil, "op") != nil {
		t.Error("SanitizeError(nil) should be nil")
	}
}
