package taskclient

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
)

// CancelCurrentTask cancels whatever task is in flight
func (c *Client) CancelCurrentTask(ctx context.Context) error {
	return c.Cancel(ctx, "")
}

// Cancel cancels taskID, or the current task when taskID is empty.
//
// The local reset happens before Cancel returns: the status is neutral, the
// cursor hidden and the task's future rejected with *agent.CancelledError.
// The agent:cancel message is sent afterwards in the background, and any
// late event the agent still emits for the task is dropped.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	var (
		id  string
		err error
	)
	if derr := c.do(ctx, func() { id, err = c.cancelLocal(taskID) }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	if id != "" {
		c.sendAsync(agent.CancelOutbound(id))
	}
	return nil
}

// cancelLocal runs on the loop
func (c *Client) cancelLocal(taskID string) (string, error) {
	target := ""
	switch {
	case c.current != nil:
		target = c.current.TaskID
	case c.phase == PhaseActive:
		// A task observed on the channel but not submitted here
		target = c.state.TaskID
	default:
		return "", agent.ErrNoActiveTask
	}
	if taskID != "" && taskID != target {
		return "", fmt.Errorf("%w: %s is not the current task", agent.ErrNoActiveTask, taskID)
	}

	task := c.taskFor(target)
	cerr := &agent.CancelledError{TaskID: target}
	if !c.claim(task, nil, cerr) {
		// The deadline won; the timeout already told the agent to stop
		return "", fmt.Errorf("%w: %s timed out", agent.ErrNoActiveTask, target)
	}
	if target != "" {
		c.terminated.Mark(target, agent.EventCancelled)
	}
	c.state = reconcile.Cancelled(c.state)
	c.finish(target, task, cerr, PhaseCancelled)
	return target, nil
}
