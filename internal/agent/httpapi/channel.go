// Package httpapi provides the HTTP agent channel.
//
// channel.go - agent.Channel over the backend's HTTP endpoints
//
// This file contains:
// - Config and New
// - Connect and the health poll that detects drops
// - Send, which turns execute/cancel requests into HTTP calls and
//   synthesizes the events the websocket transport would have delivered
//
// The execute endpoint blocks until the agent finishes, so each submission
// runs in its own goroutine and reports through the event stream.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

const (
	healthPath  = "/health"
	executePath = "/api/agent/execute"
	cancelPath  = "/api/superagent/cancel"
)

// Config configures an HTTP channel
type Config struct {
	// URL of the agent backend, e.g. http://localhost:5000
	URL string
	// UserID is sent with every submission
	UserID string
	// Client performs the requests. Defaults to a client without a timeout,
	// since execute requests last as long as the task.
	Client *http.Client
	// Retry controls reconnection after the health probe fails
	Retry agent.RetryPolicy
	// PollInterval is the health probe period while connected
	PollInterval time.Duration
	// BufferSize is the capacity of the event stream
	BufferSize int
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	c.Retry = c.Retry.WithDefaults()
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// executeRequest is the body of POST /api/agent/execute
type executeRequest struct {
	Prompt  string         `json:"prompt"`
	UserID  string         `json:"userId,omitempty"`
	Context map[string]any `json:"context"`
}

// executeResponse is the reply of POST /api/agent/execute
type executeResponse struct {
	Status string       `json:"status"`
	Steps  []agent.Step `json:"steps"`
	Error  string       `json:"error,omitempty"`
	Prompt string       `json:"prompt,omitempty"`
}

// Channel implements agent.Channel with request/response calls plus a
// health poll
type Channel struct {
	cfg Config

	events chan *agent.Event
	states chan agent.ConnState

	mu       sync.Mutex
	closed   bool
	polling  bool
	inflight map[string]context.CancelFunc

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ agent.Channel = (*Channel)(nil)

// New creates a disconnected channel
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		events:   make(chan *agent.Event, cfg.BufferSize),
		states:   make(chan agent.ConnState, 16),
		inflight: make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events returns the synthesized event stream
func (c *Channel) Events() <-chan *agent.Event { return c.events }

// States returns connection state changes
func (c *Channel) States() <-chan agent.ConnState { return c.states }

// IsConnected reports whether the last health probe succeeded
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Connect probes the backend and starts the health poll
func (c *Channel) Connect(ctx context.Context) error {
	if !c.track() {
		return agent.ErrClosed
	}
	defer c.wg.Done()

	if err := c.checkHealth(ctx); err != nil {
		c.emitState(agent.ConnState{Status: agent.ConnDisconnected, Err: err.Error()})
		return err
	}
	c.markConnected()

	c.mu.Lock()
	startPoll := !c.polling && !c.closed
	if startPoll {
		c.polling = true
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if startPoll {
		go c.pollHealth()
	}
	return nil
}

func (c *Channel) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Channel) markConnected() {
	c.connected.Store(true)
	metrics.SetConnected(true)
	logger.Info("Connected to agent backend at %s", c.cfg.URL)
	c.emitState(agent.ConnState{Status: agent.ConnConnected})
}

func (c *Channel) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+healthPath, nil)
	if err != nil {
		return &agent.ConnectionError{Op: "health", Err: err}
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return &agent.ConnectionError{Op: "health", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &agent.ConnectionError{Op: "health", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// pollHealth probes the backend periodically. A failed probe triggers the
// retry policy; when it is exhausted the channel settles into disconnected
// and polling stops until the next Connect.
func (c *Channel) pollHealth() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.checkHealth(c.ctx)
		if err == nil {
			continue
		}
		if c.ctx.Err() != nil {
			return
		}

		logger.Error("Agent backend health check failed: %v", err)
		c.connected.Store(false)
		metrics.SetConnected(false)

		onAttempt := func(attempt int) {
			metrics.RecordReconnectAttempt()
			logger.Info("Reconnecting to agent backend (attempt %d/%d)", attempt, c.cfg.Retry.MaxAttempts)
			c.emitState(agent.ConnState{Status: agent.ConnReconnecting, Attempt: attempt, Err: err.Error()})
		}
		if rerr := c.cfg.Retry.Reconnect(c.ctx, onAttempt, c.checkHealth); rerr != nil {
			if c.ctx.Err() == nil {
				c.mu.Lock()
				c.polling = false
				c.mu.Unlock()
				logger.Error("Giving up on agent backend: %v", rerr)
				c.emitState(agent.ConnState{Status: agent.ConnDisconnected, Err: rerr.Error()})
			}
			return
		}
		c.markConnected()
	}
}

// Send performs the HTTP call for msg. Execute returns once the request has
// been started; its outcome arrives on the event stream.
func (c *Channel) Send(ctx context.Context, msg agent.Outbound) error {
	if !c.IsConnected() {
		return &agent.ConnectionError{Op: "send", Err: agent.ErrNotConnected}
	}

	switch msg.Type {
	case agent.OutboundExecute:
		if msg.Task == nil {
			return fmt.Errorf("execute message without a task")
		}
		return c.startExecute(msg.Task)
	case agent.OutboundCancel:
		return c.sendCancel(ctx, msg.TaskID)
	case agent.OutboundSubscribe:
		// Every response is already scoped to the submitting user
		return nil
	default:
		return fmt.Errorf("unsupported outbound message %q", msg.Type)
	}
}

func (c *Channel) startExecute(task *agent.Task) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return agent.ErrClosed
	}
	reqCtx, cancel := context.WithCancel(c.ctx)
	c.inflight[task.TaskID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.forget(task.TaskID)
		c.execute(reqCtx, task)
	}()
	return nil
}

func (c *Channel) forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.inflight[taskID]; ok {
		cancel()
		delete(c.inflight, taskID)
	}
}

// execute runs one submission and synthesizes status, action and terminal events
func (c *Channel) execute(ctx context.Context, task *agent.Task) {
	userID := task.Options.UserID
	if userID == "" {
		userID = c.cfg.UserID
	}

	c.synthesize(agent.WireAgentUpdate, map[string]any{
		"taskId":      task.TaskID,
		"userId":      userID,
		"status":      agent.StatusExecuting,
		"message":     "Processing: " + task.Description,
		"currentTask": task.Description,
	})

	body := executeRequest{Prompt: task.Description, UserID: userID, Context: task.Options.Context}
	if body.Context == nil {
		body.Context = map[string]any{}
	}

	res, raw, err := c.postExecute(ctx, body)
	if ctx.Err() != nil {
		// Cancelled or closed; the cancel path reports the outcome
		return
	}
	if err != nil {
		c.synthesize(agent.WireError, map[string]any{"taskId": task.TaskID, "error": err.Error()})
		return
	}

	for i, step := range res.Steps {
		c.synthesize(agent.WireAction, map[string]any{
			"taskId":           task.TaskID,
			"action":           step.Action,
			"app":              step.App,
			"message":          step.Result,
			"actionsCompleted": i + 1,
		})
	}
	c.synthesize(agent.WireComplete, map[string]any{
		"taskId":           task.TaskID,
		"status":           agent.StatusCompleted,
		"message":          "Task completed",
		"actionsCompleted": len(res.Steps),
		"result":           raw,
	})
}

func (c *Channel) postExecute(ctx context.Context, body executeRequest) (*executeResponse, json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+executePath, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, nil, &agent.ConnectionError{Op: "execute", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &agent.ConnectionError{Op: "execute", Err: err}
	}

	var res executeResponse
	decodeErr := json.Unmarshal(raw, &res)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && res.Error != "" {
			return nil, nil, errors.New(res.Error)
		}
		return nil, nil, fmt.Errorf("execute failed with status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("malformed execute response: %w", decodeErr)
	}
	if res.Status != agent.StatusCompleted {
		if res.Error != "" {
			return nil, nil, errors.New(res.Error)
		}
		return nil, nil, fmt.Errorf("agent reported status %q", res.Status)
	}
	return &res, raw, nil
}

func (c *Channel) sendCancel(ctx context.Context, taskID string) error {
	c.mu.Lock()
	abort := c.inflight[taskID]
	c.mu.Unlock()
	if abort != nil {
		abort()
	}

	data, err := json.Marshal(map[string]any{"taskId": taskID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+cancelPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return &agent.ConnectionError{Op: "cancel", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cancel failed with status %d", resp.StatusCode)
	}

	c.synthesize(agent.WireCancelled, map[string]any{
		"taskId":  taskID,
		"status":  agent.StatusCancelled,
		"message": "Task cancelled by user",
	})
	return nil
}

// synthesize normalizes a locally built payload the same way a wire payload
// would be and queues it
func (c *Channel) synthesize(name string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to encode %s payload: %v", name, err)
		return
	}
	ev, err := agent.ParseEvent(name, data)
	if err != nil {
		logger.Error("Failed to normalize %s payload: %v", name, err)
		metrics.RecordEventDrop(metrics.DropProtocol)
		return
	}
	metrics.RecordEventReceived(string(ev.Type))
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) emitState(s agent.ConnState) {
	s.At = time.Now()
	select {
	case c.states <- s:
	case <-c.ctx.Done():
	}
}

// Close aborts in-flight requests, stops polling and closes both streams
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.connected.Store(false)
	metrics.SetConnected(false)
	close(c.events)
	close(c.states)
	return nil
}
