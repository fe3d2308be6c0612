package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/flowcore/pkg/schema"
)

// Operation is one attempt of an outbound call.
type Operation func(ctx context.Context) (any, error)

// RetryFunc is invoked after a failed attempt that will be retried, before
// sleeping for delay. attempt is 1-based.
type RetryFunc func(attempt int, err *schema.FlowError, delay time.Duration)

// Observer receives retry notifications, typically a metrics recorder.
type Observer interface {
	ObserveRetry(service string)
}

// Adapter wraps outbound calls with a circuit breaker, bounded exponential
// retry and a per-call timeout.
type Adapter struct {
	breakers *BreakerRegistry
	clock    clock.Clock
	sleep    Sleeper
	logger   *slog.Logger
	observer Observer
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the time source used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(a *Adapter) { a.sleep = s }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithObserver registers a retry observer.
func WithObserver(o Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// NewAdapter creates an adapter over the given breaker registry.
func NewAdapter(breakers *BreakerRegistry, opts ...Option) *Adapter {
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	a := &Adapter{
		breakers: breakers,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sleep == nil {
		a.sleep = clockSleeper(a.clock)
	}
	return a
}

// Breakers returns the registry the adapter reports to.
func (a *Adapter) Breakers() *BreakerRegistry {
	return a.breakers
}

// Do runs op under policy p. Every attempt is admitted by the breaker of
// p.Service; an open circuit fails fast without retrying. Failed attempts are
// retried while the error is retryable and attempts remain, sleeping on the
// backoff schedule in between. The last error is returned on exhaustion.
func (a *Adapter) Do(ctx context.Context, p Policy, onRetry RetryFunc, op Operation) (any, error) {
	p = p.normalized()
	schedule := p.Backoff(a.clock)

	var last *schema.FlowError
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Service != "" {
			if err := a.breakers.Allow(p.Service); err != nil {
				return nil, err
			}
		}

		out, err := a.attempt(ctx, p, op)
		if err == nil {
			if p.Service != "" {
				a.breakers.RecordSuccess(p.Service)
			}
			return out, nil
		}

		last = schema.AsFlowError(err, schema.ErrCodeDownstream)
		if p.Service != "" {
			if state := a.breakers.RecordFailure(p.Service); state == StateOpen {
				a.logger.WarnContext(ctx, "circuit open", "service", p.Service, "error", last.Message)
			}
		}

		if attempt == p.MaxAttempts || !IsRetryableError(last) || ctx.Err() != nil {
			break
		}

		delay := schedule.NextBackOff()
		a.logger.DebugContext(ctx, "retrying outbound call",
			"service", p.Service, "attempt", attempt, "delay", delay, "error", last.Message)
		if onRetry != nil {
			onRetry(attempt, last, delay)
		}
		if a.observer != nil {
			a.observer.ObserveRetry(p.Service)
		}
		if err := a.sleep(ctx, delay); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeDownstream)
		}
	}
	return nil, last
}

// attempt runs op once, bounded by the per-call timeout.
func (a *Adapter) attempt(ctx context.Context, p Policy, op Operation) (any, error) {
	if p.Timeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "call exceeded timeout of %s", p.Timeout).
			WithClass(schema.ErrorClassTimeout).
			WithCause(err).
			WithDetails(map[string]any{"service": p.Service, "timeout": p.Timeout.String()})
	}
	return out, err
}
