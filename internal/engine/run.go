package engine

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// run is the mutable execution state of one instance during one resume.
// Parallel branches get their own forked run and never persist.
type run struct {
	in     *Interpreter
	inst   *schema.Instance
	cursor *schema.Cursor
	data   *schema.Context
	depth  int

	// persist is false inside parallel branches.
	persist bool
	// branch marks a parallel branch, where suspension is an error.
	branch bool
	// sagaScope suffixes saga step ids so entries of concurrent branches
	// running the same step never pair with each other.
	sagaScope string
}

func newRun(in *Interpreter, inst *schema.Instance, depth int) *run {
	cursor := inst.Cursor.Clone()
	data := inst.Context.Clone()
	data.Normalize()
	r := &run{in: in, inst: inst, cursor: &cursor, data: &data, depth: depth, persist: true}
	r.initCursor()
	return r
}

func (r *run) initCursor() {
	if r.cursor.Positions == nil {
		r.cursor.Positions = map[string]int{}
	}
	if r.cursor.Iterations == nil {
		r.cursor.Iterations = map[string]int{}
	}
	if r.cursor.Items == nil {
		r.cursor.Items = map[string][]any{}
	}
	if r.cursor.Branches == nil {
		r.cursor.Branches = map[string]int{}
	}
	if r.cursor.Try == nil {
		r.cursor.Try = map[string]schema.TryState{}
	}
	if r.cursor.Children == nil {
		r.cursor.Children = map[string]string{}
	}
}

// fork returns the i-th branch run over a deep copy of the context with a
// fresh cursor.
func (r *run) fork(i int) *run {
	data := r.data.Clone()
	data.Normalize()
	b := &run{
		in: r.in, inst: r.inst, cursor: &schema.Cursor{}, data: &data, depth: r.depth, branch: true,
		sagaScope: r.sagaScope + "#" + strconv.Itoa(i),
	}
	b.initCursor()
	return b
}

// sagaStepID is the id saga entries of stepID are recorded under.
func (r *run) sagaStepID(stepID string) string {
	return stepID + r.sagaScope
}

// childPath returns the path of the i-th step of the sequence at path.
func childPath(path string, i int) string {
	if path == "" {
		return strconv.Itoa(i)
	}
	return path + "/" + strconv.Itoa(i)
}

func (r *run) position(path string) int {
	if path == "" {
		return r.cursor.Step
	}
	return r.cursor.Positions[path]
}

func (r *run) setPosition(path string, i int) {
	if path == "" {
		r.cursor.Step = i
		return
	}
	r.cursor.Positions[path] = i
}

// runSequence executes steps from the position stored for path.
// The top-level sequence (path "") checkpoints after every completed step.
func (r *run) runSequence(ctx context.Context, steps []Step, path string) Outcome {
	for {
		i := r.position(path)
		if i >= len(steps) {
			return Continue{}
		}

		stepPath := childPath(path, i)
		out := r.runStep(ctx, steps[i], stepPath)
		if _, ok := out.(Continue); !ok {
			return out
		}

		r.cursor.ClearPrefix(stepPath)
		r.setPosition(path, i+1)
		if path == "" && i+1 < len(steps) {
			if err := r.checkpoint(ctx, schema.InstanceStatusRunning, nil); err != nil {
				return failWith(err, schema.ErrCodeStore)
			}
		}
	}
}

// runStep executes one step inside a span and records its outcome.
func (r *run) runStep(ctx context.Context, step Step, path string) Outcome {
	ctx = logging.WithStepID(ctx, step.ID())
	ctx, span := r.in.tracer.Start(ctx, "flowcore.step."+string(step.Kind()), trace.WithAttributes(
		attribute.String("step_id", step.ID()),
		attribute.String("step_path", path),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return failWith(err, schema.ErrCodeTimeout)
	}

	started := r.in.clock.Now()
	out := step.execute(ctx, r, path)

	label := "continue"
	switch o := out.(type) {
	case Suspend:
		label = "suspend"
		span.SetAttributes(attribute.String("suspend_reason", o.Reason))
	case Fail:
		label = "fail"
		if o.Err.StepID == "" {
			o.Err.WithStep(step.ID())
		}
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Err.Error())
		r.in.logger.WarnContext(ctx, "step failed", "kind", step.Kind(), "code", o.Err.Code, "error", o.Err.Message)
	}
	r.in.metrics.ObserveStep(step.Kind(), label, r.in.clock.Since(started))
	return out
}

// checkpoint persists cursor and context. Branch runs never persist.
func (r *run) checkpoint(ctx context.Context, status schema.InstanceStatus, wakeAt *time.Time) error {
	return r.save(ctx, status, wakeAt, "")
}

func (r *run) save(ctx context.Context, status schema.InstanceStatus, wakeAt *time.Time, lastError string) error {
	if !r.persist {
		return nil
	}
	p := schema.Progress{
		Cursor:    *r.cursor,
		Context:   *r.data,
		Status:    status,
		WakeAt:    wakeAt,
		LastError: lastError,
	}
	if err := r.in.instances.SaveProgress(ctx, r.inst.ID, p); err != nil {
		return err
	}
	r.inst.Cursor = p.Cursor.Clone()
	r.inst.Context = p.Context.Clone()
	r.inst.Status = status
	r.inst.WakeAt = wakeAt
	r.inst.LastError = lastError
	return nil
}

// finish persists the final outcome of a resume and returns the instance.
// A failure reaching the top level runs compensation when the failing step
// declared one; the failure itself is returned to the caller.
func (r *run) finish(ctx context.Context, out Outcome) (*schema.Instance, error) {
	logger := r.in.logger
	switch o := out.(type) {
	case Continue:
		if err := r.transitionAndSave(ctx, schema.InstanceStatusCompleted, nil, ""); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "instance completed")
		return r.inst, nil

	case Suspend:
		if err := r.transitionAndSave(ctx, schema.InstanceStatusWaiting, o.WakeAt, ""); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "instance waiting", "reason", o.Reason, "wake_at", o.WakeAt)
		return r.inst, nil

	case Fail:
		if o.Err.Compensate && r.in.compensator != nil {
			if err := r.in.compensator.Compensate(ctx, r.inst.ID); err != nil {
				logger.WarnContext(ctx, "compensation incomplete", "error", err)
			}
		}
		if err := r.transitionAndSave(ctx, schema.InstanceStatusFailed, nil, o.Err.Error()); err != nil {
			return nil, err
		}
		logger.ErrorContext(ctx, "instance failed", "code", o.Err.Code, "error", o.Err.Error())
		return r.inst, o.Err
	}
	return nil, schema.NewErrorf(schema.ErrCodeStepValidation, "unknown outcome %T", out)
}

func (r *run) transitionAndSave(ctx context.Context, to schema.InstanceStatus, wakeAt *time.Time, lastError string) error {
	if err := r.in.fsm.Transition(r.inst.ID, r.inst.Status, to); err != nil {
		return err
	}
	return r.save(ctx, to, wakeAt, lastError)
}

// scope is the interpolation scope of the run.
func (r *run) scope() map[string]any {
	return r.data.Document()
}

// resolve interpolates ${{ }} tokens in v against the run scope.
func (r *run) resolve(ctx context.Context, v any) (any, error) {
	return r.in.interp.Resolve(ctx, v, r.scope())
}

func (r *run) resolveString(ctx context.Context, s string) (string, error) {
	return r.in.interp.ResolveString(ctx, s, r.scope())
}
