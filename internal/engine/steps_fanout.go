package engine

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultMergeKey prefixes the ctx keys parallel branches merge into.
const DefaultMergeKey = "branch"

// branchResult runs steps on a forked run and returns the branch ctx.
// A suspending branch is an error: branches complete within one resume.
func branchResult(ctx context.Context, b *run, steps []Step, path string) (map[string]any, error) {
	switch o := b.runSequence(ctx, steps, path).(type) {
	case Fail:
		return nil, o.Err
	case Suspend:
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"parallel branch %s suspended (%s); branches cannot wait", path, o.Reason)
	}
	return b.data.Ctx, nil
}

// mergeBranches writes each branch ctx under {key}_{i}, in index order.
func mergeBranches(r *run, key string, results []map[string]any) {
	for i, res := range results {
		r.data.Ctx[key+"_"+strconv.Itoa(i)] = res
	}
}

// --- parallel ---

type parallelStep struct {
	base
	branches [][]Step
	mergeKey string
}

func (s *parallelStep) execute(ctx context.Context, r *run, path string) Outcome {
	results := make([]map[string]any, len(s.branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, steps := range s.branches {
		b := r.fork(i)
		g.Go(func() error {
			res, err := branchResult(gctx, b, steps, childPath(path, i))
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failWith(err, schema.ErrCodeDownstream)
	}

	mergeBranches(r, s.mergeKey, results)
	return Continue{}
}

// --- parallel_for ---

type parallelForStep struct {
	base
	items          itemSource
	as             string
	body           []Step
	mergeKey       string
	maxConcurrency int
}

func (s *parallelForStep) execute(ctx context.Context, r *run, path string) Outcome {
	items, err := s.items.eval(ctx, r)
	if err != nil {
		return failWith(err, schema.ErrCodeStepValidation)
	}

	results := make([]map[string]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if s.maxConcurrency > 0 {
		g.SetLimit(s.maxConcurrency)
	}
	for i, item := range items {
		b := r.fork(i)
		b.data.Vars[s.as] = item
		b.data.Vars[s.as+"_index"] = i
		g.Go(func() error {
			res, err := branchResult(gctx, b, s.body, childPath(path, i))
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failWith(err, schema.ErrCodeDownstream)
	}

	mergeBranches(r, s.mergeKey, results)
	return Continue{}
}

// --- subprocess ---

type subprocessStep struct {
	base
	template string
	input    any
	output   string
	saveAs   string
}

func (s *subprocessStep) execute(ctx context.Context, r *run, path string) Outcome {
	if r.depth+1 > r.in.maxDepth {
		return Fail{Err: schema.NewErrorf(schema.ErrCodeStepValidation,
			"subprocess depth %d exceeds limit %d", r.depth+1, r.in.maxDepth)}
	}

	childID, ok := r.cursor.Children[path]
	if !ok {
		id, out := s.spawn(ctx, r)
		if out != nil {
			return out
		}
		childID = id
		r.cursor.Children[path] = childID
		// Record the child before driving it so a crash never spawns a second one.
		if err := r.checkpoint(ctx, schema.InstanceStatusRunning, nil); err != nil {
			return failWith(err, schema.ErrCodeStore)
		}
	}

	child, out := s.driveChild(ctx, r, childID)
	if out != nil {
		return out
	}

	switch child.Status {
	case schema.InstanceStatusCompleted:
		var result any = child.Context.Ctx
		if s.output != "" {
			var err error
			result, err = r.in.jq.Query(ctx, s.output, child.Context.Ctx)
			if err != nil {
				return failWith(err, schema.ErrCodeStepValidation)
			}
		}
		if s.saveAs != "" {
			r.data.Ctx[s.saveAs] = result
		}
		return Continue{}

	case schema.InstanceStatusFailed:
		return Fail{Err: schema.NewErrorf(schema.ErrCodeSubprocessFailed,
			"subprocess %s (%s) failed: %s", childID, s.template, child.LastError).
			WithDetails(map[string]any{"child_id": childID, "template": s.template})}

	default:
		return Suspend{Reason: "subprocess " + childID}
	}
}

func (s *subprocessStep) spawn(ctx context.Context, r *run) (string, Outcome) {
	resolved, err := r.resolve(ctx, s.input)
	if err != nil {
		return "", failWith(err, schema.ErrCodeStepValidation)
	}
	var input map[string]any
	if resolved != nil {
		m, ok := resolved.(map[string]any)
		if !ok {
			return "", Fail{Err: schema.NewErrorf(schema.ErrCodeStepValidation,
				"subprocess input must be an object, got %T", resolved)}
		}
		input = m
	}

	tpl, err := r.in.templates.GetTemplate(ctx, s.template)
	if err != nil {
		return "", failWith(err, schema.ErrCodeStore)
	}
	id, err := r.in.instances.CreateInstance(ctx, s.template, tpl.Version, input, r.inst.ID)
	if err != nil {
		return "", failWith(err, schema.ErrCodeStore)
	}
	r.in.logger.InfoContext(ctx, "subprocess started", "child_id", id, "template", s.template, "version", tpl.Version)
	return id, nil
}

// driveChild resumes a non-terminal child under its lock. A child locked by
// another worker is reported as still running.
func (s *subprocessStep) driveChild(ctx context.Context, r *run, childID string) (*schema.Instance, Outcome) {
	child, err := r.in.instances.GetInstance(ctx, childID)
	if err != nil {
		return nil, failWith(err, schema.ErrCodeStore)
	}
	if child.Status.IsTerminal() {
		return child, nil
	}

	unlock, ok, err := r.in.tryLock(ctx, childID)
	if err != nil {
		return nil, failWith(err, schema.ErrCodeStore)
	}
	if !ok {
		return nil, Suspend{Reason: fmt.Sprintf("subprocess %s busy", childID)}
	}
	defer unlock()

	driven, err := r.in.drive(ctx, childID, r.depth+1)
	if driven == nil {
		return nil, failWith(err, schema.ErrCodeStore)
	}
	return driven, nil
}
