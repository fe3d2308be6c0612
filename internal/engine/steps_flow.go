package engine

import (
	"context"
	"strconv"

	"github.com/rendis/flowcore/internal/condition"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultMaxIter bounds a loop step that declares no max_iter.
const DefaultMaxIter = 1000

// Try phases persisted in schema.TryState.
const (
	tryPhaseTry     = "try"
	tryPhaseCatch   = "catch"
	tryPhaseFinally = "finally"
)

func isContinue(out Outcome) bool {
	_, ok := out.(Continue)
	return ok
}

// --- loop ---

type loopStep struct {
	base
	while   string
	maxIter int
	body    []Step
}

func (s *loopStep) execute(ctx context.Context, r *run, path string) Outcome {
	bodyPath := path + "/body"
	for {
		iter := r.cursor.Iterations[path]
		if iter >= s.maxIter {
			r.in.logger.WarnContext(ctx, "loop stopped at max_iter", "max_iter", s.maxIter)
			return Continue{}
		}

		// The condition is checked once per iteration, not again when an
		// iteration suspended half-way is resumed.
		if _, started := r.cursor.Positions[bodyPath]; !started {
			ok, err := condition.Evaluate(s.while, r.scope())
			if err != nil {
				return failWith(err, schema.ErrCodeConditionParse)
			}
			if !ok {
				return Continue{}
			}
			r.cursor.Positions[bodyPath] = 0
		}

		if out := r.runSequence(ctx, s.body, bodyPath); !isContinue(out) {
			return out
		}
		r.cursor.ClearPrefix(bodyPath)
		r.cursor.Iterations[path] = iter + 1
		if err := r.checkpoint(ctx, schema.InstanceStatusRunning, nil); err != nil {
			return failWith(err, schema.ErrCodeStore)
		}
	}
}

// --- foreach ---

// itemSource yields the items of foreach and parallel_for steps: either a CEL
// expression or a literal array whose elements may hold ${{ }} tokens.
type itemSource struct {
	expr    string
	literal []any
}

func (src itemSource) eval(ctx context.Context, r *run) ([]any, error) {
	if src.expr != "" {
		return r.in.cel.EvaluateList(ctx, src.expr, r.scope())
	}
	resolved, err := r.resolve(ctx, src.literal)
	if err != nil {
		return nil, err
	}
	items, _ := resolved.([]any)
	return items, nil
}

type foreachStep struct {
	base
	items itemSource
	as    string
	body  []Step
}

func (s *foreachStep) execute(ctx context.Context, r *run, path string) Outcome {
	// Items are evaluated once and kept in the cursor, so a resumed foreach
	// walks the same list even if the body changed its source.
	items, ok := r.cursor.Items[path]
	if !ok {
		var err error
		items, err = s.items.eval(ctx, r)
		if err != nil {
			return failWith(err, schema.ErrCodeStepValidation)
		}
		r.cursor.Items[path] = items
	}

	bodyPath := path + "/body"
	for {
		i := r.cursor.Iterations[path]
		if i >= len(items) {
			return Continue{}
		}
		r.data.Vars[s.as] = items[i]
		r.data.Vars[s.as+"_index"] = i

		if out := r.runSequence(ctx, s.body, bodyPath); !isContinue(out) {
			return out
		}
		r.cursor.ClearPrefix(bodyPath)
		r.cursor.Iterations[path] = i + 1
		if err := r.checkpoint(ctx, schema.InstanceStatusRunning, nil); err != nil {
			return failWith(err, schema.ErrCodeStore)
		}
	}
}

// --- switch ---

type switchCase struct {
	when  string
	steps []Step
}

type switchStep struct {
	base
	condition string
	cases     []switchCase
	fallback  []Step
}

// execute picks a branch once and records it in the cursor. Only the first
// case is considered: it runs when both condition and its when hold.
func (s *switchStep) execute(ctx context.Context, r *run, path string) Outcome {
	choice, ok := r.cursor.Branches[path]
	if !ok {
		var err error
		choice, err = s.choose(r)
		if err != nil {
			return failWith(err, schema.ErrCodeConditionParse)
		}
		r.cursor.Branches[path] = choice
	}

	if choice < 0 {
		return r.runSequence(ctx, s.fallback, path+"/default")
	}
	return r.runSequence(ctx, s.cases[choice].steps, path+"/case"+strconv.Itoa(choice))
}

func (s *switchStep) choose(r *run) (int, error) {
	doc := r.scope()
	if s.condition != "" {
		ok, err := condition.Evaluate(s.condition, doc)
		if err != nil || !ok {
			return -1, err
		}
	}
	if len(s.cases) == 0 {
		return -1, nil
	}
	if s.cases[0].when != "" {
		ok, err := condition.Evaluate(s.cases[0].when, doc)
		if err != nil || !ok {
			return -1, err
		}
	}
	return 0, nil
}

// --- try ---

type catchClause struct {
	class string
	steps []Step
}

type tryStep struct {
	base
	body    []Step
	catches []catchClause
	finally []Step
}

func (s *tryStep) execute(ctx context.Context, r *run, path string) Outcome {
	state := r.cursor.Try[path]
	if state.Phase == "" {
		state.Phase = tryPhaseTry
	}

	for {
		switch state.Phase {
		case tryPhaseTry:
			out := r.runSequence(ctx, s.body, path+"/try")
			switch o := out.(type) {
			case Suspend:
				r.cursor.Try[path] = state
				return o
			case Fail:
				if idx := s.match(o.Err); idx >= 0 {
					r.in.logger.InfoContext(ctx, "error caught", "code", o.Err.Code, "class", o.Err.Class)
					state = schema.TryState{Phase: tryPhaseCatch, Catch: idx}
				} else {
					state = schema.TryState{Phase: tryPhaseFinally, Pending: o.Err}
				}
			default:
				state = schema.TryState{Phase: tryPhaseFinally}
			}

		case tryPhaseCatch:
			if state.Catch < 0 || state.Catch >= len(s.catches) {
				state = schema.TryState{Phase: tryPhaseFinally}
				continue
			}
			out := r.runSequence(ctx, s.catches[state.Catch].steps, path+"/catch"+strconv.Itoa(state.Catch))
			switch o := out.(type) {
			case Suspend:
				r.cursor.Try[path] = state
				return o
			case Fail:
				state = schema.TryState{Phase: tryPhaseFinally, Pending: o.Err}
			default:
				state = schema.TryState{Phase: tryPhaseFinally}
			}

		case tryPhaseFinally:
			out := r.runSequence(ctx, s.finally, path+"/finally")
			switch o := out.(type) {
			case Suspend:
				r.cursor.Try[path] = state
				return o
			case Fail:
				return o
			}
			if state.Pending != nil {
				return Fail{Err: state.Pending}
			}
			return Continue{}

		default:
			return Fail{Err: schema.NewErrorf(schema.ErrCodeStepValidation, "unknown try phase %q", state.Phase)}
		}
		r.cursor.Try[path] = state
	}
}

// match returns the index of the first catch clause accepting err, or -1.
// An error without a class is only caught by "any".
func (s *tryStep) match(err *schema.FlowError) int {
	for i, c := range s.catches {
		if c.class == schema.ErrorClassAny || (err.Class != "" && c.class == err.Class) {
			return i
		}
	}
	return -1
}

// --- dag ---

type dagStep struct {
	base
	order []string
	nodes map[string][]Step
}

func (s *dagStep) execute(ctx context.Context, r *run, path string) Outcome {
	for {
		i := r.cursor.Positions[path]
		if i >= len(s.order) {
			return Continue{}
		}
		name := s.order[i]
		nodePath := path + "/" + name
		if out := r.runSequence(ctx, s.nodes[name], nodePath); !isContinue(out) {
			return out
		}
		r.cursor.ClearPrefix(nodePath)
		r.cursor.Positions[path] = i + 1
	}
}
