// Package correlate ties submitted tasks to their eventual outcome.
//
// correlator.go - Pending-task map with exactly-once settlement
//
// This file contains:
// - Future, the handle a submitter waits on
// - Correlator, which owns the pending map and the per-task deadlines
//
// Every pending entry owns a context whose deadline is the task timeout plus
// a grace period. Settling an entry cancels that context, so its watcher
// goroutine exits immediately instead of waiting for the deadline.

package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
)

// Defaults
const (
	DefaultTimeout = 300 * time.Second
	DefaultGrace   = 5 * time.Second
)

// Future is the pending outcome of one task
type Future struct {
	task   *agent.Task
	done   chan struct{}
	result *agent.Result
	err    error
}

func newFuture(task *agent.Task) *Future {
	return &Future{task: task, done: make(chan struct{})}
}

// TaskID returns the id of the task this future belongs to
func (f *Future) TaskID() string { return f.task.TaskID }

// Task returns the submitted task
func (f *Future) Task() *agent.Task { return f.task }

// Done is closed once the future is settled
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done. A ctx error leaves the
// future pending.
func (f *Future) Wait(ctx context.Context) (*agent.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has an outcome
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// settle must be called at most once; the correlator guarantees it
func (f *Future) settle(res *agent.Result, err error) {
	f.result = res
	f.err = err
	close(f.done)
}

// Options configures a Correlator
type Options struct {
	// Grace is added to every task's timeout before it is rejected
	Grace time.Duration
	// DefaultTimeout applies to tasks submitted without one
	DefaultTimeout time.Duration
	// OnTimeout is called after a task was rejected by its deadline, from the
	// watcher goroutine
	OnTimeout func(task *agent.Task, err *agent.TimeoutError)
}

type entry struct {
	future *Future
	cancel context.CancelFunc
}

// Correlator maps task ids to pending futures
type Correlator struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool

	wg sync.WaitGroup
}

// New creates a correlator
func New(opts Options) *Correlator {
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Correlator{
		opts:    opts,
		pending: make(map[string]*entry),
	}
}

// Deadline returns how long after submission task is rejected
func (c *Correlator) Deadline(task *agent.Task) time.Duration {
	timeout := task.Options.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	return timeout + c.opts.Grace
}

// Submit registers task and starts its deadline
func (c *Correlator) Submit(task *agent.Task) (*Future, error) {
	if task == nil || task.TaskID == "" {
		return nil, errors.New("task id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, agent.ErrClosed
	}
	if _, exists := c.pending[task.TaskID]; exists {
		return nil, fmt.Errorf("task %s is already pending", task.TaskID)
	}

	after := c.Deadline(task)
	ctx, cancel := context.WithTimeout(context.Background(), after)
	e := &entry{future: newFuture(task), cancel: cancel}
	c.pending[task.TaskID] = e

	c.wg.Add(1)
	go c.watch(ctx, task, after)

	return e.future, nil
}

// watch rejects the task when its deadline passes first
func (c *Correlator) watch(ctx context.Context, task *agent.Task, after time.Duration) {
	defer c.wg.Done()
	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	terr := &agent.TimeoutError{TaskID: task.TaskID, After: after}
	if c.settle(task.TaskID, nil, terr) && c.opts.OnTimeout != nil {
		c.opts.OnTimeout(task, terr)
	}
}

// settle removes the entry and settles its future. Only the caller that
// finds the entry settles it; everyone else gets false.
func (c *Correlator) settle(taskID string, res *agent.Result, err error) bool {
	c.mu.Lock()
	e, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	e.cancel()
	e.future.settle(res, err)
	return true
}

// Resolve settles taskID successfully. It returns false if the id is
// unknown or already settled.
func (c *Correlator) Resolve(taskID string, res *agent.Result) bool {
	if res == nil {
		res = &agent.Result{TaskID: taskID}
	}
	return c.settle(taskID, res, nil)
}

// Reject settles taskID with err. It returns false if the id is unknown or
// already settled.
func (c *Correlator) Reject(taskID string, err error) bool {
	if err == nil {
		err = &agent.RemoteError{TaskID: taskID}
	}
	return c.settle(taskID, nil, err)
}

// RejectAll rejects every pending task with err and returns how many were
// rejected
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.Reject(id, err) {
			n++
		}
	}
	return n
}

// IsPending reports whether taskID awaits settlement
func (c *Correlator) IsPending(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[taskID]
	return ok
}

// Pending returns the number of unsettled tasks
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects everything still pending with agent.ErrClosed and waits for
// the deadline watchers to exit
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.RejectAll(agent.ErrClosed)
	c.wg.Wait()
}
