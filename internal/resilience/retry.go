package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/flowcore/pkg/schema"
)

// Defaults applied when a step declares no retry policy.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Policy is the resilience policy of one outbound call.
type Policy struct {
	// Service names the circuit breaker. Empty disables the breaker.
	Service        string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each attempt. Zero means no per-call timeout.
	Timeout time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff returns the delay schedule between attempts: the initial delay,
// doubling on every retry and capped at MaxBackoff, without jitter.
func (p Policy) Backoff(c clock.Clock) backoff.BackOff {
	p = p.normalized()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		MaxInterval:         p.MaxBackoff,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               c,
	}
	b.Reset()
	return b
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: downstream and timeout FlowErrors, deadline exceeded, and any foreign error.
// Not retryable: cancellation, open circuits, validation and not-found errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled is NOT retryable: the caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	// Foreign errors from an adapter, network errors included, are
	// downstream failures.
	return true
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// clockSleeper sleeps on the given clock's timer.
func clockSleeper(c clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		t := c.Timer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
