package waker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Active  int64 `json:"active"`
	Resumed int64 `json:"resumed"`
	Failed  int64 `json:"failed"`
	Panics  int64 `json:"panics"`
	Skipped int64 `json:"skipped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("waker pool is shut down")

// Pool runs resumes on a bounded set of goroutines. An instance already
// queued or running in the pool is not submitted twice.
type Pool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	inflight map[string]struct{}

	active, resumed, failed, panics, skipped atomic.Int64
}

// NewPool creates a pool running at most size resumes at once.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Submit runs fn for instanceID on a pool goroutine. It blocks while the pool
// is full and returns false without running fn when instanceID is in flight.
func (p *Pool) Submit(ctx context.Context, instanceID string, fn func(ctx context.Context) error) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	if _, dup := p.inflight[instanceID]; dup {
		p.mu.Unlock()
		p.skipped.Add(1)
		return false, nil
	}
	p.inflight[instanceID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.forget(instanceID)
		return false, ctx.Err()
	case <-p.done:
		p.forget(instanceID)
		return false, ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown never waits on a
	// group that is still growing.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.forget(instanceID)
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.logger.ErrorContext(ctx, "resume panicked", "instance_id", instanceID, "panic", fmt.Sprint(r))
			}
			p.active.Add(-1)
			<-p.sem
			p.forget(instanceID)
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.resumed.Add(1)
	}()
	return true, nil
}

func (p *Pool) forget(instanceID string) {
	p.mu.Lock()
	delete(p.inflight, instanceID)
	p.mu.Unlock()
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running resumes to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Active returns the number of running resumes.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:  p.active.Load(),
		Resumed: p.resumed.Load(),
		Failed:  p.failed.Load(),
		Panics:  p.panics.Load(),
		Skipped: p.skipped.Load(),
	}
}
