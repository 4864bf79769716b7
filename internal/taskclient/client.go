// Package taskclient provides the task orchestration façade over an agent
// channel.
//
// client.go - Client, its owner loop and task lifecycle
//
// This file contains:
// - Options and defaults
// - Phase, the per-task lifecycle state
// - Client: Submit, ExecuteTask, snapshot readers and Close
// - The owner loop that reconciles events and settles tasks
//
// All mutable task state (the reconciled State, the phase, the current task
// and the terminal marks) belongs to one goroutine, the loop. Public methods
// reach it by sending closures over cmds; readers use an atomically
// published Snapshot and never block on the loop.

package taskclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/correlate"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/pubsub"
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
)

// Defaults
const (
	DefaultCursorGrace = 2 * time.Second
	outcomeCompleted   = "completed"
)

// Phase is the lifecycle position of the client's current task
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseActive     Phase = "active"
	PhaseCompleted  Phase = "completed"
	PhaseErrored    Phase = "errored"
	PhaseCancelled  Phase = "cancelled"
	PhaseTimedOut   Phase = "timed_out"
)

// Options configures a Client
type Options struct {
	// UserID is attached to submissions that do not carry one
	UserID string
	// UseEnhanced is OR-ed into every submission's options
	UseEnhanced bool
	// DefaultTimeout applies to submissions without a timeout
	DefaultTimeout time.Duration
	// Grace is added to the timeout before a task is rejected. Zero means
	// correlate.DefaultGrace; negative means none.
	Grace time.Duration
	// CursorGrace is how long the success cursor stays visible after a
	// completion
	CursorGrace time.Duration
	// EventBufferSize bounds the event history
	EventBufferSize int
	// TerminalMarks bounds how many finished task ids are remembered
	TerminalMarks int
	// Registry receives published state. A new one is created when nil.
	Registry *pubsub.Registry
	// NewTaskID generates task ids; uuid by default
	NewTaskID func() string
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = correlate.DefaultTimeout
	}
	if o.Grace == 0 {
		o.Grace = correlate.DefaultGrace
	}
	if o.CursorGrace <= 0 {
		o.CursorGrace = DefaultCursorGrace
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = DefaultEventBufferSize
	}
	if o.Registry == nil {
		o.Registry = pubsub.NewRegistry()
	}
	if o.NewTaskID == nil {
		o.NewTaskID = uuid.NewString
	}
	return o
}

// Snapshot is a consistent, read-only view of the client state
type Snapshot struct {
	TaskID    string                   `json:"taskId,omitempty"`
	Phase     Phase                    `json:"phase"`
	Status    reconcile.AgentStatus    `json:"status"`
	Cursor    reconcile.CursorPosition `json:"cursor"`
	Connected bool                     `json:"connected"`
}

// Client submits tasks to the agent and tracks them to completion.
// Subscribers registered on its Registry run on the owner loop and must not
// call back into the Client synchronously.
type Client struct {
	ch         agent.Channel
	opts       Options
	registry   *pubsub.Registry
	correlator *correlate.Correlator
	history    *EventBuffer

	cmds     chan func()
	snap     atomic.Pointer[Snapshot]
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	sendMu  sync.Mutex
	closing bool
	sends   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	// Owned by loop
	state      reconcile.State
	phase      Phase
	current    *agent.Task
	terminated *reconcile.TerminalMarks
	graceTimer *time.Timer
	graceC     <-chan time.Time
}

// New creates a client over ch and starts its owner loop. The client takes
// ownership of ch: Close closes it.
func New(ch agent.Channel, opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		ch:         ch,
		opts:       opts,
		registry:   opts.Registry,
		history:    NewEventBuffer(opts.EventBufferSize),
		cmds:       make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		state:      reconcile.Neutral(),
		phase:      PhaseIdle,
		terminated: reconcile.NewTerminalMarks(opts.TerminalMarks),
	}
	c.correlator = correlate.New(correlate.Options{
		Grace:          opts.Grace,
		DefaultTimeout: opts.DefaultTimeout,
		OnTimeout:      c.onTimeout,
	})
	c.storeSnapshot()

	go c.loop()
	return c
}

// Connect opens the underlying channel
func (c *Client) Connect(ctx context.Context) error {
	return c.ch.Connect(ctx)
}

// Registry returns the registry state is published to
func (c *Client) Registry() *pubsub.Registry { return c.registry }

// Snapshot returns the latest published state
func (c *Client) Snapshot() Snapshot {
	s := *c.snap.Load()
	s.Status = s.Status.Clone()
	s.Connected = c.ch.IsConnected()
	return s
}

// Status returns the reconciled agent status
func (c *Client) Status() reconcile.AgentStatus {
	return c.snap.Load().Status.Clone()
}

// Cursor returns the reconciled cursor
func (c *Client) Cursor() reconcile.CursorPosition {
	return c.snap.Load().Cursor
}

// Phase returns the lifecycle phase of the current task
func (c *Client) Phase() Phase {
	return c.snap.Load().Phase
}

// Connected reports whether the channel is live
func (c *Client) Connected() bool {
	return c.ch.IsConnected()
}

// Pending returns the number of unsettled tasks
func (c *Client) Pending() int {
	return c.correlator.Pending()
}

// Events returns buffered events after index since; -1 returns all
func (c *Client) Events(since int) ([]*BufferedEvent, error) {
	return c.history.After(since)
}

// EventStats describes the event history window
func (c *Client) EventStats() BufferStats {
	return c.history.Stats()
}

// Submit starts a task and returns its future. It fails with
// agent.ErrTaskInFlight while another submitted task is unsettled.
func (c *Client) Submit(ctx context.Context, description string, opts agent.TaskOptions) (*correlate.Future, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.New("task description is required")
	}

	var (
		task   *agent.Task
		future *correlate.Future
		err    error
	)
	if derr := c.do(ctx, func() { task, future, err = c.startTask(description, opts) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}

	ctx = logger.WithTaskID(ctx, task.TaskID)
	logger.InfoContext(ctx, "task submitted", "timeout", task.Options.Timeout)

	if err := c.ch.Send(ctx, agent.ExecuteOutbound(task)); err != nil {
		var connErr *agent.ConnectionError
		if !errors.As(err, &connErr) {
			err = &agent.ConnectionError{Op: "send", Err: err}
		}
		logger.ErrorContext(ctx, "failed to send task", "error", err)
		_ = c.do(context.Background(), func() { c.abortSubmit(task, err) })
		return nil, err
	}

	_ = c.do(ctx, func() {
		if c.current == task && c.phase == PhaseSubmitting {
			c.phase = PhaseActive
			c.publish()
		}
	})
	return future, nil
}

// ExecuteTask submits a task and waits for its outcome. If ctx ends first the
// task is cancelled.
func (c *Client) ExecuteTask(ctx context.Context, description string, opts agent.TaskOptions) (*agent.Result, error) {
	future, err := c.Submit(ctx, description, opts)
	if err != nil {
		return nil, err
	}

	res, err := future.Wait(ctx)
	if err != nil && !future.Settled() {
		cerr := c.Cancel(context.Background(), future.TaskID())
		if cerr != nil && !errors.Is(cerr, agent.ErrNoActiveTask) && !errors.Is(cerr, agent.ErrClosed) {
			logger.WarnContext(logger.WithTaskID(ctx, future.TaskID()), "failed to cancel abandoned task", "error", cerr)
		}
	}
	return res, err
}

// Close stops the loop, rejects pending tasks with agent.ErrClosed and
// closes the channel
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.loopDone

		// The loop has exited, so its fields are safe to read here
		if c.current != nil {
			metrics.RecordTaskOutcome(agent.KindConnection, time.Since(c.current.SubmittedAt).Seconds())
			c.current = nil
		}
		c.correlator.Close()

		c.sendMu.Lock()
		c.closing = true
		c.sendMu.Unlock()
		c.sends.Wait()

		c.closeErr = c.ch.Close()
	})
	return c.closeErr
}

// do runs fn on the loop and waits for it
func (c *Client) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case c.cmds <- cmd:
	case <-c.loopDone:
		return agent.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post hands fn to the loop without waiting for it to run
func (c *Client) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.loopDone:
	}
}

// sendAsync delivers msg in the background; failures are only logged
func (c *Client) sendAsync(msg agent.Outbound) {
	c.sendMu.Lock()
	if c.closing {
		c.sendMu.Unlock()
		return
	}
	c.sends.Add(1)
	c.sendMu.Unlock()

	go func() {
		defer c.sends.Done()
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		if err := c.ch.Send(ctx, msg); err != nil && c.ctx.Err() == nil {
			logger.Slog().Warn("failed to send message", "type", msg.Type, "task_id", msg.TaskID, "error", err)
		}
	}()
}

func (c *Client) loop() {
	defer close(c.loopDone)

	events := c.ch.Events()
	states := c.ch.States()
	for {
		select {
		case <-c.ctx.Done():
			c.stopGrace()
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.handleConnState(st)
		case <-c.graceC:
			c.graceTimer = nil
			c.graceC = nil
			if c.phase == PhaseCompleted {
				c.toIdle()
			}
		}
	}
}

func (c *Client) startTask(description string, opts agent.TaskOptions) (*agent.Task, *correlate.Future, error) {
	if c.current != nil {
		return nil, nil, fmt.Errorf("%w: %s", agent.ErrTaskInFlight, c.current.TaskID)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = c.opts.DefaultTimeout
	}
	if opts.UserID == "" {
		opts.UserID = c.opts.UserID
	}
	opts.UseEnhanced = opts.UseEnhanced || c.opts.UseEnhanced

	task := &agent.Task{
		TaskID:      c.opts.NewTaskID(),
		Description: description,
		Options:     opts,
		SubmittedAt: time.Now(),
	}
	future, err := c.correlator.Submit(task)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordTaskSubmitted()

	c.stopGrace()
	c.current = task
	c.state = reconcile.Start(task.TaskID, description)
	c.phase = PhaseSubmitting
	c.publish()
	return task, future, nil
}

func (c *Client) abortSubmit(task *agent.Task, err error) {
	if c.current != task || !c.claim(task, nil, err) {
		return
	}
	c.terminated.Mark(task.TaskID, agent.EventError)
	c.state = reconcile.Failed(c.state, err.Error())
	c.finish(task.TaskID, task, err, PhaseErrored)
}

func (c *Client) handleEvent(ev *agent.Event) {
	c.history.Append(ev)

	next, eff := reconcile.Reduce(c.state, ev, c.terminated)
	switch eff.Outcome {
	case reconcile.Suppressed:
		metrics.RecordEventDrop(metrics.DropTerminal)
		logger.Slog().Debug("dropping event for finished task", "task_id", eff.TaskID, "type", ev.Type)
		return
	case reconcile.Foreign:
		logger.Slog().Debug("ignoring event for another task", "task_id", eff.TaskID, "current", c.state.TaskID, "type", ev.Type)
		return
	}

	if eff.Terminal == "" {
		c.state = next
		if c.phase != PhaseActive {
			// Includes a task observed during the success grace window
			c.stopGrace()
			c.phase = PhaseActive
		}
		c.publish()
		return
	}

	task := c.taskFor(eff.TaskID)
	var (
		res   *agent.Result
		err   error
		phase Phase
	)
	switch eff.Terminal {
	case agent.EventComplete:
		res = buildResult(eff.TaskID, task, next, ev)
	case agent.EventError:
		err, phase = &agent.RemoteError{TaskID: eff.TaskID, Message: next.Status.Error}, PhaseErrored
	case agent.EventCancelled:
		err, phase = &agent.CancelledError{TaskID: eff.TaskID}, PhaseCancelled
	}
	if !c.claim(task, res, err) {
		metrics.RecordEventDrop(metrics.DropTerminal)
		logger.Slog().Debug("dropping terminal event for expired task", "task_id", eff.TaskID, "type", ev.Type)
		return
	}

	c.state = next
	c.terminated.Mark(eff.TaskID, eff.Terminal)
	if res != nil {
		c.complete(eff.TaskID, task, res)
		return
	}
	c.finish(eff.TaskID, task, err, phase)
}

func (c *Client) handleConnState(st agent.ConnState) {
	c.registry.Connection.Publish(st)
	c.publish()

	if st.Status != agent.ConnDisconnected || c.current == nil {
		return
	}

	// Reconnection gave up: the in-flight task can no longer finish
	task := c.current
	reason := st.Err
	if reason == "" {
		reason = "connection lost"
	}
	err := &agent.ConnectionError{Op: "reconnect", Err: errors.New(reason)}
	if !c.claim(task, nil, err) {
		return
	}
	c.terminated.Mark(task.TaskID, agent.EventError)
	c.state = reconcile.Failed(c.state, err.Error())
	c.finish(task.TaskID, task, err, PhaseErrored)
}

// onTimeout runs on the correlator's watcher goroutine
func (c *Client) onTimeout(task *agent.Task, err *agent.TimeoutError) {
	metrics.RecordTaskOutcome(agent.KindTimeout, err.After.Seconds())
	logger.WarnContext(logger.WithTaskID(context.Background(), task.TaskID), "task timed out", "after", err.After)
	c.post(func() { c.handleTimeout(task, err) })
}

// handleTimeout applies a deadline rejection on the loop. It is a no-op if
// claim already applied it.
func (c *Client) handleTimeout(task *agent.Task, err *agent.TimeoutError) {
	if c.current != task {
		return
	}
	c.terminated.Mark(task.TaskID, agent.EventError)
	c.state = reconcile.TimedOut(c.state, err.Error())
	c.finish(task.TaskID, task, err, PhaseTimedOut)

	// Tell the agent to stop working on a task nobody waits for anymore
	c.sendAsync(agent.CancelOutbound(task.TaskID))
}

// claim settles task's future with res, or with err when it is non-nil.
// The loop is the only settler apart from the deadline watcher, so a
// failed settle means the deadline won: the timeout is applied right away
// and the caller must drop its own outcome. A nil task (one this client
// did not submit) is always claimed.
func (c *Client) claim(task *agent.Task, res *agent.Result, err error) bool {
	if task == nil {
		return true
	}

	var ok bool
	if err != nil {
		ok = c.correlator.Reject(task.TaskID, err)
	} else {
		ok = c.correlator.Resolve(task.TaskID, res)
	}
	if !ok {
		c.handleTimeout(task, &agent.TimeoutError{TaskID: task.TaskID, After: c.correlator.Deadline(task)})
		return false
	}

	outcome := outcomeCompleted
	if err != nil {
		outcome = agent.ErrorKind(err)
	}
	metrics.RecordTaskOutcome(outcome, time.Since(task.SubmittedAt).Seconds())
	return true
}

func (c *Client) taskFor(taskID string) *agent.Task {
	if c.current != nil && c.current.TaskID == taskID {
		return c.current
	}
	return nil
}

// complete publishes a claimed completion and starts the cursor grace
// window
func (c *Client) complete(taskID string, task *agent.Task, res *agent.Result) {
	description := c.state.Status.CurrentTask
	if task != nil {
		description = task.Description
		c.current = nil
	}

	c.phase = PhaseCompleted
	c.publish()
	c.registry.Complete.Publish(pubsub.Completion{
		TaskID:      taskID,
		Description: description,
		Result:      res,
		At:          time.Now(),
	})

	if c.state.Cursor.Visible {
		c.startGrace()
		return
	}
	c.toIdle()
}

// finish publishes a failed task whose future is already settled and
// returns to idle. c.state must already hold the terminal state.
func (c *Client) finish(taskID string, task *agent.Task, err error, phase Phase) {
	if task == nil {
		task = &agent.Task{TaskID: taskID, Description: c.state.Status.CurrentTask, SubmittedAt: time.Now()}
	} else if c.current == task {
		c.current = nil
	}

	c.phase = phase
	c.publish()
	c.registry.Error.Publish(pubsub.NewFailure(task, err))
	c.toIdle()
}

// toIdle hides the cursor and resets the status, keeping only an error
// message so the failure stays visible until the next task. The finished
// task stays the reducer's reference for late events.
func (c *Client) toIdle() {
	c.stopGrace()
	c.state = reconcile.Settled(c.state)
	c.phase = PhaseIdle
	c.publish()
}

func (c *Client) startGrace() {
	c.stopGrace()
	c.graceTimer = time.NewTimer(c.opts.CursorGrace)
	c.graceC = c.graceTimer.C
}

func (c *Client) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = nil
	c.graceC = nil
}

func (c *Client) storeSnapshot() {
	taskID := c.state.TaskID
	if c.phase == PhaseIdle {
		taskID = ""
	}
	c.snap.Store(&Snapshot{
		TaskID:    taskID,
		Phase:     c.phase,
		Status:    c.state.Status.Clone(),
		Cursor:    c.state.Cursor,
		Connected: c.ch.IsConnected(),
	})
}

func (c *Client) publish() {
	c.storeSnapshot()
	c.registry.PublishState(c.state)
}

func buildResult(taskID string, task *agent.Task, s reconcile.State, ev *agent.Event) *agent.Result {
	res := &agent.Result{
		TaskID:  taskID,
		Status:  agent.StatusCompleted,
		Message: s.Status.Message,
		Raw:     ev.Result,
	}
	if s.Status.ActionsCompleted != nil {
		res.ActionsCompleted = *s.Status.ActionsCompleted
	}
	if task != nil {
		res.Duration = time.Since(task.SubmittedAt)
	}
	if len(ev.Result) > 0 {
		var body struct {
			Steps []agent.Step `json:"steps"`
		}
		if err := json.Unmarshal(ev.Result, &body); err == nil {
			res.Steps = body.Steps
		}
	}
	return res
}
