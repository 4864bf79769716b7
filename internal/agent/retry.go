package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnection defaults
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 1000 * time.Millisecond
)

// RetryPolicy is a fixed-delay, bounded retry schedule
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy returns 5 attempts spaced 1000ms apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultReconnectAttempts, Delay: DefaultReconnectDelay}
}

// WithDefaults fills zero fields with the default schedule
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectDelay
	}
	return p
}

// Reconnect waits Delay before every attempt and calls dial up to MaxAttempts
// times. onAttempt is invoked with the 1-based attempt number before each
// dial. It returns the last dial error once the attempts are exhausted.
func (p RetryPolicy) Reconnect(ctx context.Context, onAttempt func(attempt int), dial func(ctx context.Context) error) error {
	p = p.WithDefaults()

	// The first attempt is also preceded by the delay
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Delay):
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if onAttempt != nil {
			onAttempt(attempt)
		}
		return struct{}{}, dial(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
