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
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		timeout  time.Duration
		enhanced bool
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Submit a task and follow it until it finishes",
		Long: `Submit a task to the agent and print its progress.

Interrupting agentctl cancels the task on the agent.`,
		Args: cobra.MinimumNArgs(1),
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

			description := strings.Join(args, " ")
			taskOpts := agent.TaskOptions{UseEnhanced: enhanced, Timeout: timeout}
			return runTask(ctx, client, description, taskOpts, cmd.OutOrStdout(), jsonOut)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "task timeout (default from config)")
	cmd.Flags().BoolVar(&enhanced, "enhanced", false, "use the enhanced planner")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	return cmd
}

func runTask(ctx context.Context, client *taskclient.Client, description string, opts agent.TaskOptions, out io.Writer, jsonOut bool) error {
	printer := &progressPrinter{out: out, quiet: jsonOut}
	reg := client.Registry()
	statusSub := reg.Status.Subscribe(printer.status)
	defer reg.Status.Unsubscribe(statusSub)

	future, err := client.Submit(ctx, description, opts)
	if err != nil {
		return err
	}
	printer.printf("▶ %s (%s)\n", description, future.TaskID())

	res, err := future.Wait(ctx)
	if err != nil && ctx.Err() != nil && !future.Settled() {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := client.Cancel(cancelCtx, future.TaskID()); cerr != nil && !errors.Is(cerr, agent.ErrNoActiveTask) {
			return fmt.Errorf("cancelling %s: %w", future.TaskID(), cerr)
		}
		printer.printf("■ cancelled\n")
		return &agent.CancelledError{TaskID: future.TaskID()}
	}
	// Stop progress output before the summary
	reg.Status.Unsubscribe(statusSub)

	if err != nil {
		printer.printf("✗ %s: %v\n", agent.ErrorKind(err), err)
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printer.printf("✓ %s in %s (%d actions)\n", res.Status, formatDuration(res.Duration), res.ActionsCompleted)
	if res.Message != "" {
		printer.printf("  %s\n", res.Message)
	}
	return nil
}

// progressPrinter writes one line per visible change of the agent status.
// It runs on the topic's delivery goroutine and never calls the client.
type progressPrinter struct {
	out   io.Writer
	quiet bool

	mu       sync.Mutex
	action   string
	thinking string
	step     int
}

func (p *progressPrinter) printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *progressPrinter) status(s reconcile.AgentStatus) {
	if p.quiet {
		return
	}
	for _, line := range p.diff(s) {
		p.printf("%s\n", line)
	}
}

// diff returns the lines describing what changed since the last status
func (p *progressPrinter) diff(s reconcile.AgentStatus) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lines []string
	if s.CurrentStepIndex != nil && *s.CurrentStepIndex+1 != p.step {
		p.step = *s.CurrentStepIndex + 1
		label := ""
		if i := *s.CurrentStepIndex; i >= 0 && i < len(s.PlanSteps) {
			label = ": " + s.PlanSteps[i]
		}
		lines = append(lines, fmt.Sprintf("  step %d/%d%s", p.step, len(s.PlanSteps), label))
	}
	if s.Thinking != "" && s.Thinking != p.thinking {
		p.thinking = s.Thinking
		lines = append(lines, "  … "+s.Thinking)
	}
	if s.CurrentAction != "" && s.CurrentAction != p.action {
		p.action = s.CurrentAction
		lines = append(lines, "  → "+s.CurrentAction)
	}
	return lines
}
