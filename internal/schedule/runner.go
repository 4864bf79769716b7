package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// Submitter runs one task to completion
type Submitter interface {
	ExecuteTask(ctx context.Context, description string, opts agent.TaskOptions) (*agent.Result, error)
}

// Runner fires schedules on their cron expressions and submits their prompts
type Runner struct {
	submitter Submitter
	store     *Store // optional
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	running   map[string]bool
}

// NewRunner registers every enabled schedule. store may be nil, in which
// case executions are only logged.
func NewRunner(submitter Submitter, store *Store, schedules []*Schedule) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		submitter: submitter,
		store:     store,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{})),
		),
		ctx:       ctx,
		cancel:    cancel,
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		running:   make(map[string]bool),
	}

	for _, s := range schedules {
		if _, dup := r.schedules[s.Name]; dup {
			cancel()
			return nil, fmt.Errorf("schedule %s: duplicate name", s.Name)
		}
		if err := ValidateCron(s.CronExpr); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		r.schedules[s.Name] = s
		if !s.Enabled {
			continue
		}

		sched := s
		id, err := r.cron.AddFunc(sched.CronExpr, func() { r.fire(sched) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		r.entries[s.Name] = id
	}
	return r, nil
}

// Start begins firing schedules
func (r *Runner) Start() {
	r.cron.Start()
	logger.Info("Schedule runner started with %d active schedules", len(r.entries))
}

// Stop stops the cron clock, cancels in-flight executions and waits for them
func (r *Runner) Stop() {
	logger.Info("Stopping schedule runner...")
	<-r.cron.Stop().Done()
	r.cancel()
	r.wg.Wait()
	logger.Info("Schedule runner stopped")
}

// Entries lists registered schedules sorted by name
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.schedules))
	for name, s := range r.schedules {
		e := Entry{Schedule: s, Running: r.running[name]}
		if id, ok := r.entries[name]; ok {
			ce := r.cron.Entry(id)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Schedule.Name < entries[j].Schedule.Name })
	return entries
}

// IsRunning reports whether a schedule's task is in flight
func (r *Runner) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[name]
}

// TriggerNow runs a schedule immediately, enabled or not, and waits for
// the task. Run times are only updated for cron-driven runs.
func (r *Runner) TriggerNow(ctx context.Context, name string) (*Execution, error) {
	r.mu.Lock()
	s, ok := r.schedules[name]
	r.mu.Unlock()
	if !ok {
		return nil, ErrScheduleNotFound
	}

	logger.Info("Manually triggering schedule %s", name)
	if !r.acquire(name) {
		return r.skip(s, "previous execution still running"), ErrAlreadyRunning
	}
	defer r.release(name)

	exec := r.execute(ctx, s)
	if exec.Status == ExecutionFailed {
		return exec, errors.New(exec.Error)
	}
	return exec, nil
}

// fire is the cron callback
func (r *Runner) fire(s *Schedule) {
	now := time.Now()
	if !r.acquire(s.Name) {
		logger.Info("Skipping schedule %s: previous execution still running", s.Name)
		r.skip(s, "previous execution still running")
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()
	defer r.release(s.Name)

	r.execute(r.ctx, s)

	if r.store == nil {
		return
	}
	nextRun, err := NextRun(s.CronExpr, now)
	if err != nil {
		logger.Error("Failed to calculate next run for schedule %s: %v", s.Name, err)
		return
	}
	if err := r.store.UpdateRunTimes(context.WithoutCancel(r.ctx), s.Name, now, nextRun); err != nil {
		logger.Error("Failed to update run times for schedule %s: %v", s.Name, err)
	}
}

func (r *Runner) acquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

// execute submits the prompt and records the outcome. A task already in
// flight on the client counts as a skip, not a failure.
func (r *Runner) execute(ctx context.Context, s *Schedule) *Execution {
	start := time.Now()
	exec := &Execution{ScheduleName: s.Name, ExecutedAt: start}

	logger.Info("Executing schedule %s", s.Name)
	result, err := r.submitter.ExecuteTask(ctx, s.Prompt, agent.TaskOptions{Timeout: s.Timeout})
	exec.DurationMs = time.Since(start).Milliseconds()

	switch {
	case errors.Is(err, agent.ErrTaskInFlight):
		exec.Status = ExecutionSkipped
		exec.Error = "another task is in flight"
		logger.Info("Skipping schedule %s: another task is in flight", s.Name)
	case err != nil:
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
		logger.Error("Schedule %s failed: %v", s.Name, err)
	default:
		exec.Status = ExecutionSuccess
		exec.TaskID = result.TaskID
		exec.Output = result.Message
		logger.Info("Schedule %s completed task %s", s.Name, result.TaskID)
	}

	if exec.TaskID == "" {
		exec.TaskID = taskIDFromError(err)
	}

	r.record(exec)
	return exec
}

func (r *Runner) skip(s *Schedule, reason string) *Execution {
	exec := &Execution{
		ScheduleName: s.Name,
		ExecutedAt:   time.Now(),
		Status:       ExecutionSkipped,
		Error:        reason,
	}
	r.record(exec)
	return exec
}

func (r *Runner) record(exec *Execution) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordExecution(context.WithoutCancel(r.ctx), exec); err != nil {
		logger.Error("Failed to record execution for schedule %s: %v", exec.ScheduleName, err)
	}
}

// taskIDFromError recovers the task id carried by settlement errors
func taskIDFromError(err error) string {
	var (
		timeoutErr   *agent.TimeoutError
		remoteErr    *agent.RemoteError
		cancelledErr *agent.CancelledError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return timeoutErr.TaskID
	case errors.As(err, &remoteErr):
		return remoteErr.TaskID
	case errors.As(err, &cancelledErr):
		return cancelledErr.TaskID
	}
	return ""
}
