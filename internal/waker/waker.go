// Package waker resumes instances whose wait has elapsed and recovers
// instances left RUNNING by a crashed process.
package waker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/logging"
)

// Defaults for Config.
const (
	DefaultSchedule   = "@every 5s"
	DefaultStaleAfter = 5 * time.Minute
	DefaultBatchSize  = 100
	DefaultPoolSize   = 8
)

// Wake results reported to the Observer.
const (
	ResultResumed = "resumed"
	ResultFailed  = "failed"
	ResultBusy    = "busy"
)

// DueLister finds instances ready to be resumed.
type DueLister interface {
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]string, error)
}

// Resumer drives one instance.
type Resumer interface {
	Resume(ctx context.Context, instanceID string) error
}

// Observer receives the result of every dispatched resume.
type Observer interface {
	ObserveWake(result string)
}

// Config controls polling.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 5s".
	Schedule string
	// StaleAfter is how long a RUNNING instance may go without progress
	// before it is considered abandoned.
	StaleAfter time.Duration
	BatchSize  int
	PoolSize   int
}

func (c Config) normalized() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	return c
}

// Option configures a Waker.
type Option func(*Waker)

// WithClock sets the time source used to compute due instances.
func WithClock(c clock.Clock) Option {
	return func(w *Waker) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Waker) { w.logger = l }
}

// WithObserver reports dispatch results, typically to metrics.
func WithObserver(o Observer) Option {
	return func(w *Waker) { w.observer = o }
}

// Waker polls the store on a cron schedule and resumes due instances on a
// bounded pool, each under its instance lock.
type Waker struct {
	lister   DueLister
	resumer  Resumer
	locker   engine.Locker
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	pool *Pool
	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

// New creates a Waker. The schedule is validated here.
func New(lister DueLister, resumer Resumer, locker engine.Locker, cfg Config, opts ...Option) (*Waker, error) {
	cfg = cfg.normalized()
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid waker schedule %q: %w", cfg.Schedule, err)
	}

	w := &Waker{
		lister:  lister,
		resumer: resumer,
		locker:  locker,
		config:  cfg,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.pool = NewPool(cfg.PoolSize, w.logger)
	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return w, nil
}

// Pool returns the worker pool, for metrics.
func (w *Waker) Pool() *Pool {
	return w.pool
}

// Start schedules polling. Ticks use ctx for every resume they dispatch.
func (w *Waker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("waker already started")
	}

	_, err := w.cron.AddFunc(w.config.Schedule, func() {
		if _, err := w.Tick(ctx); err != nil {
			w.logger.ErrorContext(ctx, "waker tick failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	w.started = true
	w.logger.InfoContext(ctx, "waker started", "schedule", w.config.Schedule, "pool_size", w.config.PoolSize)
	return nil
}

// Stop halts polling and waits for dispatched resumes to finish.
func (w *Waker) Stop() {
	w.mu.Lock()
	started := w.started
	w.started = false
	w.mu.Unlock()

	if started {
		<-w.cron.Stop().Done()
	}
	w.pool.Shutdown()
}

// Tick lists due instances and dispatches a resume for each one. It returns
// the number dispatched; resumes run in the background.
func (w *Waker) Tick(ctx context.Context) (int, error) {
	now := w.clock.Now()
	ids, err := w.lister.ListDue(ctx, now, now.Add(-w.config.StaleAfter), w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, id := range ids {
		ok, err := w.pool.Submit(ctx, id, func(ctx context.Context) error {
			return w.resume(ctx, id)
		})
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	if dispatched > 0 {
		w.logger.DebugContext(ctx, "waker dispatched resumes", "count", dispatched)
	}
	return dispatched, nil
}

// Wait blocks until every dispatched resume has finished.
func (w *Waker) Wait() {
	w.pool.Wait()
}

func (w *Waker) resume(ctx context.Context, id string) error {
	ctx = logging.WithInstanceID(ctx, id)

	unlock, ok, err := w.tryLock(ctx, id)
	if err != nil {
		w.observe(ResultFailed)
		w.logger.WarnContext(ctx, "waker lock failed", "error", err)
		return err
	}
	if !ok {
		w.observe(ResultBusy)
		return nil
	}
	defer unlock()

	if err := w.resumer.Resume(ctx, id); err != nil {
		w.observe(ResultFailed)
		w.logger.WarnContext(ctx, "waker resume failed", "error", err)
		return err
	}
	w.observe(ResultResumed)
	return nil
}

func (w *Waker) tryLock(ctx context.Context, id string) (func(), bool, error) {
	if w.locker == nil {
		return func() {}, true, nil
	}
	return w.locker.TryLock(ctx, id)
}

func (w *Waker) observe(result string) {
	if w.observer != nil {
		w.observer.ObserveWake(result)
	}
}
