package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// cronParser accepts standard 5-field cron plus descriptors such as @hourly
// and @every 10m
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates and parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched, nil
}

// NextRun calculates the next run time after the given time
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// cronLogger routes the cron library's logging into slog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Slog().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Slog().Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
