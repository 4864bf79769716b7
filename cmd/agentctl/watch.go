package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/pubsub"
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

// watchLine is one line of `agentctl watch --json`
type watchLine struct {
	Category string `json:"category"`
	At       string `json:"at"`
	Data     any    `json:"data"`
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		jsonOut bool
		cursor  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream agent status until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := opts.newClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			w := newWatcher(cmd.OutOrStdout(), jsonOut)
			unsubscribe := w.attach(client.Registry(), cursor)
			defer unsubscribe()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to agent backend: %w", err)
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print one JSON object per update")
	cmd.Flags().BoolVar(&cursor, "cursor", false, "include cursor movements")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "cancel [task id]",
		Short: "Cancel the task the agent is running",
		Long: `Connect, wait for the agent to report its current task, and cancel it.

With a task id, only that task is cancelled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := opts.newClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to agent backend: %w", err)
			}

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			id, err := cancelObserved(ctx, client, taskID, wait)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", id)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the agent to report a task")
	return cmd
}

// cancelObserved waits up to wait for the client to adopt a running task,
// then cancels it
func cancelObserved(ctx context.Context, client *taskclient.Client, taskID string, wait time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := client.Snapshot()
		if snap.Phase == taskclient.PhaseActive && snap.TaskID != "" {
			id := snap.TaskID
			if taskID != "" && taskID != id {
				return "", fmt.Errorf("%w: agent is running %s", agent.ErrNoActiveTask, id)
			}
			if err := client.Cancel(context.WithoutCancel(ctx), id); err != nil {
				return "", err
			}
			return id, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", agent.ErrNoActiveTask
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// watcher prints registry publications. Callbacks arrive on several topic
// goroutines, so writes are serialized.
type watcher struct {
	out     io.Writer
	jsonOut bool
	now     func() time.Time

	mu sync.Mutex
}

func newWatcher(out io.Writer, jsonOut bool) *watcher {
	return &watcher{out: out, jsonOut: jsonOut, now: time.Now}
}

// attach subscribes to the registry and returns a function undoing it
func (w *watcher) attach(reg *pubsub.Registry, cursor bool) func() {
	subs := []func(){}

	s := reg.Status.Subscribe(func(st reconcile.AgentStatus) { w.emit(pubsub.CategoryStatus, st) })
	subs = append(subs, func() { reg.Status.Unsubscribe(s) })

	c := reg.Complete.Subscribe(func(v pubsub.Completion) { w.emit(pubsub.CategoryComplete, v) })
	subs = append(subs, func() { reg.Complete.Unsubscribe(c) })

	e := reg.Error.Subscribe(func(v pubsub.Failure) { w.emit(pubsub.CategoryError, v) })
	subs = append(subs, func() { reg.Error.Unsubscribe(e) })

	cn := reg.Connection.Subscribe(func(v agent.ConnState) { w.emit(pubsub.CategoryConnection, v) })
	subs = append(subs, func() { reg.Connection.Unsubscribe(cn) })

	if cursor {
		cu := reg.Cursor.Subscribe(func(v reconcile.CursorPosition) { w.emit(pubsub.CategoryCursor, v) })
		subs = append(subs, func() { reg.Cursor.Unsubscribe(cu) })
	}

	return func() {
		for _, undo := range subs {
			undo()
		}
	}
}

func (w *watcher) emit(category string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := w.now().Format("15:04:05.000")
	if w.jsonOut {
		_ = json.NewEncoder(w.out).Encode(watchLine{Category: category, At: at, Data: data})
		return
	}
	_, _ = fmt.Fprintf(w.out, "%s %-10s %s\n", at, category, summarize(data))
}

// summarize renders a publication as a single human-readable line
func summarize(data any) string {
	switch v := data.(type) {
	case reconcile.AgentStatus:
		switch {
		case v.Error != "":
			return "error: " + v.Error
		case !v.IsActive:
			return "idle"
		case v.CurrentAction != "":
			return fmt.Sprintf("%s | %s", v.CurrentTask, v.CurrentAction)
		default:
			return v.CurrentTask
		}
	case reconcile.CursorPosition:
		if !v.Visible {
			return "hidden"
		}
		return strings.TrimSpace(fmt.Sprintf("(%d,%d) %s %s", v.X, v.Y, v.Action, v.Label))
	case pubsub.Completion:
		msg := ""
		if v.Result != nil {
			msg = v.Result.Message
		}
		return strings.TrimSpace(v.TaskID + " " + msg)
	case pubsub.Failure:
		return fmt.Sprintf("%s %s: %s", v.TaskID, v.Kind, v.Message)
	case agent.ConnState:
		if v.Err != "" {
			return fmt.Sprintf("%s (%s)", v.Status, v.Err)
		}
		if v.Attempt > 0 {
			return fmt.Sprintf("%s attempt %d", v.Status, v.Attempt)
		}
		return string(v.Status)
	default:
		return fmt.Sprint(data)
	}
}
