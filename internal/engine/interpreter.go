package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/flowcore/internal/downstream"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/internal/saga"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultMaxDepth bounds step nesting and subprocess recursion.
const DefaultMaxDepth = 32

// Locker serializes work on one instance across goroutines or processes.
// Satisfied by the lockers in internal/lock.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Metrics receives interpreter measurements. Satisfied by internal/metrics.Recorder.
type Metrics interface {
	ObserveResume(status schema.InstanceStatus, d time.Duration)
	ObserveStep(kind schema.StepKind, outcome string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveResume(schema.InstanceStatus, time.Duration)   {}
func (noopMetrics) ObserveStep(schema.StepKind, string, time.Duration) {}

// Deps are the collaborators of an Interpreter. Stores, Saga, HTTP and
// Resilience are required; the rest default to safe no-ops.
type Deps struct {
	Instances   store.InstanceStore
	Templates   store.TemplateStore
	Tasks       store.TaskStore
	Inbox       store.EventInbox
	Saga        *saga.Log
	Compensator *saga.Compensator
	HTTP        downstream.Caller
	Publisher   downstream.Publisher
	Resilience  *resilience.Adapter
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithClock sets the time source used for timers and event deadlines.
func WithClock(c clock.Clock) Option {
	return func(in *Interpreter) { in.clock = c }
}

// WithLogger sets the interpreter logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// WithTracerProvider sets the otel provider for resume and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(in *Interpreter) { in.tracer = tp.Tracer("github.com/rendis/flowcore/engine") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(in *Interpreter) { in.metrics = m }
}

// WithLocker sets the locker used to re-drive parents and drive children.
func WithLocker(l Locker) Option {
	return func(in *Interpreter) { in.locker = l }
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.maxDepth = n
		}
	}
}

// WithProgramCache sizes the parsed-template cache.
func WithProgramCache(ttl time.Duration, capacity int) Option {
	return func(in *Interpreter) { in.programs = newProgramCache(ttl, capacity) }
}

// Interpreter executes template steps for instances, persisting progress so
// any instance can be resumed from its last checkpoint.
type Interpreter struct {
	instances   store.InstanceStore
	templates   store.TemplateStore
	tasks       store.TaskStore
	inbox       store.EventInbox
	saga        *saga.Log
	compensator *saga.Compensator
	http        downstream.Caller
	publisher   downstream.Publisher
	resilience  *resilience.Adapter

	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
	interp *expressions.Interpolator

	fsm      *InstanceFSM
	programs *programCache
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  Metrics
	locker   Locker
	maxDepth int
}

// New creates an Interpreter.
func New(deps Deps, opts ...Option) (*Interpreter, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	in := &Interpreter{
		instances:   deps.Instances,
		templates:   deps.Templates,
		tasks:       deps.Tasks,
		inbox:       deps.Inbox,
		saga:        deps.Saga,
		compensator: deps.Compensator,
		http:        deps.HTTP,
		publisher:   deps.Publisher,
		resilience:  deps.Resilience,
		cel:         cel,
		jq:          expressions.NewGoJQEngine(),
		interp:      expressions.NewInterpolator(expressions.NewExprEngine()),
		fsm:         NewInstanceFSM(),
		clock:       clock.New(),
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer("flowcore"),
		metrics:     noopMetrics{},
		maxDepth:    DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.programs == nil {
		in.programs = newProgramCache(DefaultCacheTTL, DefaultCacheCapacity)
	}
	if in.publisher == nil {
		in.publisher = downstream.DisabledPublisher{}
	}
	if in.resilience == nil {
		in.resilience = resilience.NewAdapter(
			resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig()),
			resilience.WithClock(in.clock), resilience.WithLogger(in.logger))
	}
	return in, nil
}

// FSM exposes the status machine so callers can register transition hooks.
func (in *Interpreter) FSM() *InstanceFSM {
	return in.fsm
}

// RunCacheEviction expires unused parsed templates until ctx is done.
func (in *Interpreter) RunCacheEviction(ctx context.Context) {
	in.programs.runEviction(ctx)
}

// Start creates an instance pinned to the latest version of templateCode and
// drives it until it suspends or terminates. The instance id is returned even when
// the first run fails.
func (in *Interpreter) Start(ctx context.Context, templateCode string, input map[string]any) (string, error) {
	tpl, err := in.templates.GetTemplate(ctx, templateCode)
	if err != nil {
		return "", err
	}
	// Parse before creating so an invalid template never produces an instance.
	if _, err := in.program(ctx, tpl.Code, tpl.Version); err != nil {
		return "", err
	}

	id, err := in.instances.CreateInstance(ctx, templateCode, tpl.Version, input, "")
	if err != nil {
		return "", err
	}
	in.logger.InfoContext(logging.WithInstanceID(ctx, id), "instance created",
		"template", templateCode, "version", tpl.Version)
	return id, in.Resume(ctx, id)
}

// Resume continues an instance from its persisted cursor until it suspends,
// completes or fails. Resuming a COMPLETED or FAILED instance is a no-op.
// Callers must not resume the same instance concurrently.
func (in *Interpreter) Resume(ctx context.Context, instanceID string) error {
	_, err := in.drive(ctx, instanceID, 0)
	return err
}

// drive resumes one instance at the given subprocess depth and returns its
// final state. The instance is nil only when it could not be loaded or parsed.
func (in *Interpreter) drive(ctx context.Context, instanceID string, depth int) (*schema.Instance, error) {
	inst, err := in.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithTemplate(logging.WithInstanceID(ctx, inst.ID), inst.TemplateCode)
	if inst.Status.IsTerminal() {
		in.logger.DebugContext(ctx, "resume skipped: instance is terminal", "status", inst.Status)
		return inst, nil
	}

	steps, err := in.program(ctx, inst.TemplateCode, inst.TemplateVersion)
	if err != nil {
		return nil, err
	}

	ctx, span := in.tracer.Start(ctx, "flowcore.Resume", trace.WithAttributes(
		attribute.String("instance_id", inst.ID),
		attribute.String("template", inst.TemplateCode),
		attribute.Int("template_version", inst.TemplateVersion),
		attribute.Int("depth", depth),
	))
	defer span.End()

	if err := in.fsm.Transition(inst.ID, inst.Status, schema.InstanceStatusRunning); err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatusRunning

	started := in.clock.Now()
	r := newRun(in, inst, depth)
	out := r.runSequence(ctx, steps, "")
	final, err := r.finish(ctx, out)

	if final != nil {
		span.SetAttributes(attribute.String("status", string(final.Status)))
		in.metrics.ObserveResume(final.Status, in.clock.Since(started))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if depth == 0 && final != nil && final.Status.IsTerminal() && final.ParentID != "" {
		in.redriveParent(ctx, final.ParentID)
	}
	return final, err
}

// program returns the parsed steps of a template version.
func (in *Interpreter) program(ctx context.Context, code string, version int) ([]Step, error) {
	if steps, ok := in.programs.get(code, version); ok {
		return steps, nil
	}
	tpl, err := in.templates.GetTemplateVersion(ctx, code, version)
	if err != nil {
		return nil, err
	}
	steps, err := Parse(tpl.Definition, in.maxDepth)
	if err != nil {
		return nil, err
	}
	in.programs.set(code, version, steps)
	return steps, nil
}

// redriveParent resumes a parent whose child just reached a terminal state.
// A parent that is locked elsewhere is left to the waker.
func (in *Interpreter) redriveParent(ctx context.Context, parentID string) {
	ctx = logging.WithInstanceID(ctx, parentID)
	unlock, ok, err := in.tryLock(ctx, parentID)
	if err != nil {
		in.logger.WarnContext(ctx, "lock parent for re-drive failed", "error", err)
		return
	}
	if !ok {
		in.logger.DebugContext(ctx, "parent busy, re-drive deferred")
		return
	}
	defer unlock()

	if err := in.Resume(ctx, parentID); err != nil {
		in.logger.WarnContext(ctx, "parent re-drive failed", "error", err)
	}
}

func (in *Interpreter) tryLock(ctx context.Context, key string) (func(), bool, error) {
	if in.locker == nil {
		return func() {}, true, nil
	}
	return in.locker.TryLock(ctx, key)
}
