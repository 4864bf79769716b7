package taskclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/pubsub"
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
)

// fakeChannel is an in-memory agent.Channel driven by the test
type fakeChannel struct {
	events chan *agent.Event
	states chan agent.ConnState
	sent   chan agent.Outbound

	mu      sync.Mutex
	sendErr error

	connected atomic.Bool
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	f := &fakeChannel{
		events: make(chan *agent.Event, 64),
		states: make(chan agent.ConnState, 16),
		sent:   make(chan agent.Outbound, 64),
	}
	f.connected.Store(true)
	return f
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.connected.Store(true)
	f.states <- agent.ConnState{Status: agent.ConnConnected, At: time.Now()}
	return nil
}

func (f *fakeChannel) Events() <-chan *agent.Event    { return f.events }
func (f *fakeChannel) States() <-chan agent.ConnState { return f.states }
func (f *fakeChannel) IsConnected() bool              { return f.connected.Load() }

func (f *fakeChannel) Send(ctx context.Context, msg agent.Outbound) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		f.connected.Store(false)
		close(f.events)
		close(f.states)
	})
	return nil
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) expectSent(t *testing.T, typ agent.OutboundType) agent.Outbound {
	t.Helper()
	select {
	case msg := <-f.sent:
		if msg.Type != typ {
			t.Fatalf("sent %s, want %s", msg.Type, typ)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s message sent", typ)
	}
	return agent.Outbound{}
}

func (f *fakeChannel) emit(name, payload string) {
	ev, err := agent.ParseEvent(name, []byte(payload))
	if err != nil {
		panic(err)
	}
	f.events <- ev
}

func intp(n int) *int { return &n }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drain waits until the loop has fully processed n inbound events
func drain(t *testing.T, c *Client, n int) {
	t.Helper()
	eventually(t, "events to be buffered", func() bool { return c.history.LastIndex() >= n-1 })
	if err := c.do(context.Background(), func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	ids := atomic.Int32{}
	if opts.NewTaskID == nil {
		opts.NewTaskID = func() string {
			return "task-" + string(rune('a'+ids.Add(1)-1))
		}
	}
	return New(ch, opts), ch
}

func waitFuture(t *testing.T, f interface {
	Wait(context.Context) (*agent.Result, error)
}) (*agent.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestOpenGmailScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{CursorGrace: 50 * time.Millisecond})
	defer c.Close()

	type cursorAt struct {
		cursor reconcile.CursorPosition
		at     time.Time
	}
	var mu sync.Mutex
	var cursors []cursorAt
	c.Registry().Cursor.Subscribe(func(cp reconcile.CursorPosition) {
		mu.Lock()
		cursors = append(cursors, cursorAt{cp, time.Now()})
		mu.Unlock()
	})
	var completions []pubsub.Completion
	c.Registry().Complete.Subscribe(func(done pubsub.Completion) { completions = append(completions, done) })

	future, err := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msg := ch.expectSent(t, agent.OutboundExecute)
	if msg.TaskID != future.TaskID() || msg.Payload()["task"] != "Open Gmail" {
		t.Errorf("execute payload = %v", msg.Payload())
	}
	if got := msg.Payload()["timeout"]; got != 300 {
		t.Errorf("timeout = %v, want default 300", got)
	}

	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"open_app","x":10,"y":20,"actionsCompleted":1}`)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"click","x":500,"y":300,"actionsCompleted":2}`)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"type","x":520,"y":310,"actionsCompleted":3}`)
	drain(t, c, 3)

	st := c.Status()
	if !st.IsActive || st.ActionsCompleted == nil || *st.ActionsCompleted != 3 {
		t.Errorf("status after actions = %+v", st)
	}
	if c.Phase() != PhaseActive {
		t.Errorf("Phase() = %s, want active", c.Phase())
	}

	completeAt := time.Now()
	ch.emit(agent.WireComplete, `{"taskId":"task-a","message":"Gmail is open"}`)

	res, err := waitFuture(t, future)
	if err != nil {
		t.Fatalf("future error = %v", err)
	}
	if res.ActionsCompleted != 3 || res.Message != "Gmail is open" || res.Status != agent.StatusCompleted {
		t.Errorf("result = %+v", res)
	}

	eventually(t, "cursor to hide", func() bool { return c.Phase() == PhaseIdle && !c.Cursor().Visible })

	mu.Lock()
	defer mu.Unlock()
	var sawSuccess bool
	var hiddenAt time.Time
	for _, ca := range cursors {
		if ca.cursor.Action == reconcile.CursorSuccess && ca.cursor.Visible {
			sawSuccess = true
		}
		if sawSuccess && !ca.cursor.Visible && hiddenAt.IsZero() {
			hiddenAt = ca.at
		}
	}
	if !sawSuccess {
		t.Fatal("success cursor never published")
	}
	if d := hiddenAt.Sub(completeAt); d < 40*time.Millisecond || d > time.Second {
		t.Errorf("cursor hidden %v after complete, want about the 50ms grace", d)
	}
	if len(completions) != 1 || completions[0].TaskID != "task-a" || completions[0].Description != "Open Gmail" {
		t.Errorf("completions = %+v", completions)
	}
	if !c.Status().IsActive && len(c.Status().PlanSteps) != 0 {
		t.Errorf("idle status not neutral: %+v", c.Status())
	}
}

func TestSecondSubmissionWhileInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	if _, err := c.Submit(context.Background(), "first", agent.TaskOptions{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ch.expectSent(t, agent.OutboundExecute)

	if _, err := c.Submit(context.Background(), "second", agent.TaskOptions{}); !errors.Is(err, agent.ErrTaskInFlight) {
		t.Errorf("second Submit() error = %v, want ErrTaskInFlight", err)
	}
	if _, err := c.Submit(context.Background(), "  ", agent.TaskOptions{}); err == nil {
		t.Error("Submit(blank) error = nil")
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestCancelResetsSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	var failures []pubsub.Failure
	c.Registry().Error.Subscribe(func(f pubsub.Failure) { failures = append(failures, f) })
	var completions int
	c.Registry().Complete.Subscribe(func(pubsub.Completion) { completions++ })

	future, _ := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"click","x":1,"y":2}`)
	drain(t, c, 1)

	if err := c.CancelCurrentTask(context.Background()); err != nil {
		t.Fatalf("CancelCurrentTask() error = %v", err)
	}

	// No round trip has happened yet, the reset must already be visible
	if st := c.Status(); st.IsActive {
		t.Errorf("status still active after cancel: %+v", st)
	}
	if c.Cursor().Visible {
		t.Error("cursor still visible after cancel")
	}
	if c.Phase() != PhaseIdle {
		t.Errorf("Phase() = %s, want idle", c.Phase())
	}
	_, err := waitFuture(t, future)
	var cancelled *agent.CancelledError
	if !errors.As(err, &cancelled) {
		t.Errorf("future error = %v, want CancelledError", err)
	}

	if msg := ch.expectSent(t, agent.OutboundCancel); msg.TaskID != "task-a" {
		t.Errorf("cancel sent for %q", msg.TaskID)
	}

	// Late acknowledgement and a very late completion change nothing
	before := c.Snapshot()
	ch.emit(agent.WireCancelled, `{"taskId":"task-a"}`)
	ch.emit(agent.WireComplete, `{"taskId":"task-a","message":"done anyway"}`)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"type"}`)
	drain(t, c, 4)

	after := c.Snapshot()
	if after.Phase != before.Phase || after.Status.IsActive || after.Status.Message != "" || after.Cursor.Visible {
		t.Errorf("late events changed state: %+v", after)
	}
	if completions != 0 {
		t.Errorf("completions = %d, want 0", completions)
	}
	if len(failures) != 1 || failures[0].Kind != agent.KindCancelled {
		t.Errorf("failures = %+v", failures)
	}
	if err := c.CancelCurrentTask(context.Background()); !errors.Is(err, agent.ErrNoActiveTask) {
		t.Errorf("second cancel error = %v, want ErrNoActiveTask", err)
	}
}

func TestCancelOtherTaskID(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	_, _ = c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)

	if err := c.Cancel(context.Background(), "someone-else"); !errors.Is(err, agent.ErrNoActiveTask) {
		t.Errorf("Cancel(other) error = %v, want ErrNoActiveTask", err)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestRemoteError(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	var cursors []reconcile.CursorPosition
	c.Registry().Cursor.Subscribe(func(cp reconcile.CursorPosition) { cursors = append(cursors, cp) })
	var failures []pubsub.Failure
	c.Registry().Error.Subscribe(func(f pubsub.Failure) { failures = append(failures, f) })

	future, _ := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"click","x":1,"y":2}`)
	ch.emit(agent.WireError, `{"taskId":"task-a","error":"window not found"}`)

	_, err := waitFuture(t, future)
	var remote *agent.RemoteError
	if !errors.As(err, &remote) || remote.Message != "window not found" {
		t.Fatalf("future error = %v, want RemoteError", err)
	}
	drain(t, c, 2)

	if st := c.Status(); st.IsActive || st.Error != "window not found" {
		t.Errorf("status = %+v, want inactive with error", st)
	}
	if c.Cursor().Visible {
		t.Error("cursor still visible after error")
	}

	var flipped bool
	for _, cp := range cursors {
		if cp.Action == reconcile.CursorError && cp.Visible {
			flipped = true
		}
	}
	if !flipped {
		t.Error("cursor never showed the error action")
	}
	if len(failures) != 1 || failures[0].Kind != agent.KindRemote {
		t.Errorf("failures = %+v", failures)
	}

	// The error message is cleared by the next task
	if _, err := c.Submit(context.Background(), "retry", agent.TaskOptions{}); err != nil {
		t.Fatalf("Submit() after error = %v", err)
	}
	if c.Status().Error != "" {
		t.Errorf("error not cleared: %q", c.Status().Error)
	}
}

func TestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{Grace: -1})
	defer c.Close()

	var failures []pubsub.Failure
	var fmu sync.Mutex
	c.Registry().Error.Subscribe(func(f pubsub.Failure) {
		fmu.Lock()
		failures = append(failures, f)
		fmu.Unlock()
	})

	start := time.Now()
	future, err := c.Submit(context.Background(), "slow", agent.TaskOptions{Timeout: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ch.expectSent(t, agent.OutboundExecute)
	ch.emit(agent.WireAction, `{"taskId":"task-a","action":"click","x":1,"y":2}`)

	_, err = waitFuture(t, future)
	var timeout *agent.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("future error = %v, want TimeoutError", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("rejected before the deadline")
	}

	eventually(t, "idle after timeout", func() bool { return c.Phase() == PhaseIdle })
	if st := c.Status(); st.IsActive || st.CurrentTask != "" || c.Cursor().Visible {
		t.Errorf("state after timeout = %+v / %+v", st, c.Cursor())
	}
	if st := c.Status(); !strings.Contains(st.Error, "timed out") {
		t.Errorf("Status().Error = %q, want the timeout", st.Error)
	}
	if msg := ch.expectSent(t, agent.OutboundCancel); msg.TaskID != "task-a" {
		t.Errorf("cancel sent for %q", msg.TaskID)
	}

	// A completion arriving after the deadline is dropped
	ch.emit(agent.WireComplete, `{"taskId":"task-a"}`)
	drain(t, c, 2)
	if c.Phase() != PhaseIdle {
		t.Errorf("Phase() = %s after late complete", c.Phase())
	}

	fmu.Lock()
	defer fmu.Unlock()
	if len(failures) != 1 || failures[0].Kind != agent.KindTimeout {
		t.Errorf("failures = %+v", failures)
	}
}

func TestCompletionAfterDeadlineKeepsTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{Grace: -1})
	defer c.Close()

	var completions int
	c.Registry().Complete.Subscribe(func(pubsub.Completion) { completions++ })
	var failures []pubsub.Failure
	c.Registry().Error.Subscribe(func(f pubsub.Failure) { failures = append(failures, f) })

	future, err := c.Submit(context.Background(), "slow", agent.TaskOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ch.expectSent(t, agent.OutboundExecute)

	late, err := agent.ParseEvent(agent.WireComplete, []byte(`{"taskId":"task-a","message":"done"}`))
	if err != nil {
		t.Fatal(err)
	}
	// Keep the loop busy until the deadline has rejected the future, then
	// handle the completion before the loop sees the timeout
	if err := c.do(context.Background(), func() {
		<-future.Done()
		c.handleEvent(late)
	}); err != nil {
		t.Fatalf("do() error = %v", err)
	}

	_, err = waitFuture(t, future)
	var timeout *agent.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("future error = %v, want TimeoutError", err)
	}
	if err := c.do(context.Background(), func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}

	if completions != 0 {
		t.Errorf("completions = %d, want 0", completions)
	}
	if len(failures) != 1 || failures[0].Kind != agent.KindTimeout {
		t.Errorf("failures = %+v, want one timeout", failures)
	}
	if c.Phase() != PhaseIdle || c.Status().IsActive || !strings.Contains(c.Status().Error, "timed out") {
		t.Errorf("snapshot = %+v", c.Snapshot())
	}
	ch.expectSent(t, agent.OutboundCancel)
	select {
	case msg := <-ch.sent:
		t.Errorf("unexpected second message %s", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAfterDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{Grace: -1})
	defer c.Close()

	var failures []pubsub.Failure
	c.Registry().Error.Subscribe(func(f pubsub.Failure) { failures = append(failures, f) })

	future, _ := c.Submit(context.Background(), "slow", agent.TaskOptions{Timeout: 30 * time.Millisecond})
	ch.expectSent(t, agent.OutboundExecute)

	var cancelErr error
	if err := c.do(context.Background(), func() {
		<-future.Done()
		_, cancelErr = c.cancelLocal("")
	}); err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if !errors.Is(cancelErr, agent.ErrNoActiveTask) {
		t.Errorf("cancel error = %v, want ErrNoActiveTask", cancelErr)
	}
	if err := c.do(context.Background(), func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	if len(failures) != 1 || failures[0].Kind != agent.KindTimeout {
		t.Errorf("failures = %+v, want one timeout", failures)
	}
	ch.expectSent(t, agent.OutboundCancel)
}

func TestLateEventsWithoutTaskIDAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	var completions int
	c.Registry().Complete.Subscribe(func(pubsub.Completion) { completions++ })
	var failures int
	c.Registry().Error.Subscribe(func(pubsub.Failure) { failures++ })

	_, _ = c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)
	if err := c.CancelCurrentTask(context.Background()); err != nil {
		t.Fatalf("CancelCurrentTask() error = %v", err)
	}
	ch.expectSent(t, agent.OutboundCancel)

	// The backend's legacy updates carry no task id
	ch.emit(agent.WireAgentUpdate, `{"status":"cancelled"}`)
	ch.emit(agent.WireAgentUpdate, `{"action":"click","x":10,"y":20}`)
	ch.emit(agent.WireAgentUpdate, `{"status":"completed"}`)
	drain(t, c, 3)

	snap := c.Snapshot()
	if snap.Phase != PhaseIdle || snap.Status.IsActive || snap.Cursor.Visible || snap.TaskID != "" {
		t.Errorf("late events changed state: %+v", snap)
	}
	if completions != 0 || failures != 1 {
		t.Errorf("completions = %d, failures = %d, want 0 and 1", completions, failures)
	}

	// A task that names itself is still picked up
	ch.emit(agent.WireAgentUpdate, `{"taskId":"ext","status":"executing"}`)
	drain(t, c, 4)
	if c.Phase() != PhaseActive || c.Snapshot().TaskID != "ext" {
		t.Errorf("observed task not adopted: %+v", c.Snapshot())
	}

	// The next submission is tracked normally
	ch.emit(agent.WireAgentUpdate, `{"taskId":"ext","status":"completed"}`)
	drain(t, c, 5)
	eventually(t, "idle", func() bool { return c.Phase() == PhaseIdle })
	future, err := c.Submit(context.Background(), "Reply", agent.TaskOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ch.expectSent(t, agent.OutboundExecute)
	ch.emit(agent.WireAgentUpdate, `{"action":"type","x":1,"y":2}`)
	drain(t, c, 6)
	if !c.Status().IsActive || c.Status().CurrentAction != "type" {
		t.Errorf("id-less progress for the new task ignored: %+v", c.Status())
	}
	ch.emit(agent.WireAgentUpdate, `{"status":"completed"}`)
	if _, err := waitFuture(t, future); err != nil {
		t.Errorf("future error = %v", err)
	}
}

func TestSendFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	ch.setSendErr(agent.ErrNotConnected)
	_, err := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	var connErr *agent.ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, agent.ErrNotConnected) {
		t.Fatalf("Submit() error = %v, want ConnectionError", err)
	}
	if c.Pending() != 0 || c.Phase() != PhaseIdle {
		t.Errorf("Pending() = %d, Phase() = %s", c.Pending(), c.Phase())
	}

	ch.setSendErr(nil)
	if _, err := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{}); err != nil {
		t.Errorf("Submit() after recovery = %v", err)
	}
}

func TestDisconnectFailsInFlightTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	var states []agent.ConnState
	var smu sync.Mutex
	c.Registry().Connection.Subscribe(func(st agent.ConnState) {
		smu.Lock()
		states = append(states, st)
		smu.Unlock()
	})

	future, _ := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)

	ch.states <- agent.ConnState{Status: agent.ConnReconnecting, Attempt: 1}
	ch.states <- agent.ConnState{Status: agent.ConnDisconnected, Err: "gave up after 5 attempts"}

	_, err := waitFuture(t, future)
	if agent.ErrorKind(err) != agent.KindConnection {
		t.Fatalf("future error = %v, want connection error", err)
	}
	eventually(t, "idle", func() bool { return c.Phase() == PhaseIdle })

	smu.Lock()
	defer smu.Unlock()
	if len(states) != 2 || states[0].Status != agent.ConnReconnecting || states[1].Status != agent.ConnDisconnected {
		t.Errorf("published states = %+v", states)
	}
}

func TestExecuteTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	go func() {
		msg := <-ch.sent
		ch.emit(agent.WireComplete, `{"taskId":"`+msg.TaskID+`","result":{"steps":[{"action":"open","app":"Gmail"}]}}`)
	}()

	res, err := c.ExecuteTask(context.Background(), "Open Gmail", agent.TaskOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if len(res.Steps) != 1 || res.Steps[0].App != "Gmail" {
		t.Errorf("steps = %+v", res.Steps)
	}
}

func TestExecuteTaskCancelsOnContextDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteTask(ctx, "Open Gmail", agent.TaskOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ExecuteTask() error = %v, want DeadlineExceeded", err)
	}
	ch.expectSent(t, agent.OutboundExecute)
	if msg := ch.expectSent(t, agent.OutboundCancel); msg.TaskID != "task-a" {
		t.Errorf("cancel sent for %q", msg.TaskID)
	}
	if c.Pending() != 0 || c.Phase() != PhaseIdle {
		t.Errorf("Pending() = %d, Phase() = %s", c.Pending(), c.Phase())
	}
}

func TestObservedTaskIsTracked(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	var completions []pubsub.Completion
	c.Registry().Complete.Subscribe(func(done pubsub.Completion) { completions = append(completions, done) })

	ch.emit(agent.WireAgentUpdate, `{"taskId":"ext","action":"click","x":3,"y":4,"current_task":"External"}`)
	drain(t, c, 1)
	if c.Phase() != PhaseActive || !c.Status().IsActive || c.Snapshot().TaskID != "ext" {
		t.Errorf("snapshot = %+v", c.Snapshot())
	}

	ch.emit(agent.WireAgentUpdate, `{"taskId":"ext","status":"completed"}`)
	drain(t, c, 2)
	if len(completions) != 1 || completions[0].TaskID != "ext" || completions[0].Description != "External" {
		t.Errorf("completions = %+v", completions)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestEventHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{EventBufferSize: 2})
	defer c.Close()

	ch.emit(agent.WireStatus, `{"status":"executing"}`)
	ch.emit(agent.WireStatus, `{"status":"executing","message":"still going"}`)
	ch.emit(agent.WireStatus, `{"status":"executing","message":"almost"}`)
	ch.emit(agent.WireStatus, `{"status":"executing","message":"there"}`)
	drain(t, c, 4)

	events, err := c.Events(-1)
	if err != nil || len(events) != 2 || events[1].Event.Message != "there" {
		t.Errorf("Events(-1) = %v, %v", events, err)
	}
	if _, err := c.Events(0); err == nil {
		t.Error("Events(0) error = nil after purge")
	}
	if stats := c.EventStats(); stats.DroppedEvents != 2 {
		t.Errorf("DroppedEvents = %d, want 2", stats.DroppedEvents)
	}
}

func TestCloseRejectsPendingAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	future, _ := c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := waitFuture(t, future); !errors.Is(err, agent.ErrClosed) {
		t.Errorf("future error = %v, want ErrClosed", err)
	}
	if _, err := c.Submit(context.Background(), "again", agent.TaskOptions{}); !errors.Is(err, agent.ErrClosed) {
		t.Errorf("Submit() after Close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if ch.IsConnected() {
		t.Error("channel still connected after Close")
	}
}

func TestConnectPublishesConnectionState(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newTestClient(t, Options{})
	defer c.Close()

	got := make(chan agent.ConnState, 1)
	c.Registry().Connection.Subscribe(func(st agent.ConnState) { got <- st })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case st := <-got:
		if st.Status != agent.ConnConnected {
			t.Errorf("state = %s, want connected", st.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection state published")
	}
	if !c.Connected() || !c.Snapshot().Connected {
		t.Error("Connected() = false")
	}
}

func TestActionsCompletedIncrementsWithoutPayload(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, ch := newTestClient(t, Options{})
	defer c.Close()

	_, _ = c.Submit(context.Background(), "Open Gmail", agent.TaskOptions{})
	ch.expectSent(t, agent.OutboundExecute)
	for i := 0; i < 3; i++ {
		ch.events <- &agent.Event{Type: agent.EventAction, TaskID: "task-a", Action: "click", X: intp(i), Y: intp(i)}
	}
	drain(t, c, 3)
	if n := c.Status().ActionsCompleted; n == nil || *n != 3 {
		t.Errorf("ActionsCompleted = %v, want 3", n)
	}
}
