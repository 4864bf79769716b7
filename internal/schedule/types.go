package schedule

import (
	"errors"
	"strings"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/config"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrAlreadyRunning   = errors.New("schedule is already running")
)

// Schedule submits Prompt as a task every time CronExpr fires
type Schedule struct {
	Name     string        `json:"name"`
	CronExpr string        `json:"cron_expr"`
	Prompt   string        `json:"prompt"`
	Timeout  time.Duration `json:"timeout,omitempty"` // zero uses the client default
	Enabled  bool          `json:"enabled"`
}

// ExecutionStatus represents the outcome of a schedule execution
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution is one firing of a schedule
type Execution struct {
	ID           string          `json:"id"`
	ScheduleName string          `json:"schedule_name"`
	TaskID       string          `json:"task_id,omitempty"`
	ExecutedAt   time.Time       `json:"executed_at"`
	Status       ExecutionStatus `json:"status"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
}

// Entry describes a registered schedule and its cron timing
type Entry struct {
	Schedule *Schedule `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Running  bool      `json:"running"`
}

// FromConfig converts configured schedules. Disabled schedules are kept so
// they can still be triggered by hand.
func FromConfig(cfgs []config.ScheduleConfig) []*Schedule {
	schedules := make([]*Schedule, 0, len(cfgs))
	for _, c := range cfgs {
		schedules = append(schedules, &Schedule{
			Name:     c.Name,
			CronExpr: strings.TrimSpace(c.Cron),
			Prompt:   strings.TrimSpace(c.Prompt),
			Timeout:  c.Timeout(),
			Enabled:  c.IsEnabled(),
		})
	}
	return schedules
}
