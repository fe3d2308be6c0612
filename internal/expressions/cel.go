package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/rendis/flowcore/pkg/schema"
)

// celVariables are the top-level names visible to CEL expressions.
var celVariables = []string{"ctx", "vars"}

// CELEngine evaluates Google's Common Expression Language.
// It evaluates the item collections of foreach and parallel_for steps.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine.
// The environment exposes the two instance namespaces:
//   - ctx:  map(string, dyn), saved step results
//   - vars: map(string, dyn), loop-bound values
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided context document.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeStepValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return nativeValue(out), nil
}

// EvaluateList evaluates expression and requires a list result.
func (e *CELEngine) EvaluateList(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return []any{}, nil
	}
	list, ok := out.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"CEL expression %q produced %T, expected a list", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return list, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to empty maps to prevent CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var anySliceType = reflect.TypeOf([]any{})
var anyMapType = reflect.TypeOf(map[string]any{})

// nativeValue unwraps CEL values into plain Go values.
func nativeValue(v any) any {
	switch val := v.(type) {
	case ref.Val:
		switch raw := val.Value().(type) {
		case []any, map[string]any, []ref.Val, string, bool, float64, int64, uint64, nil:
			return nativeValue(raw)
		}
		if native, err := val.ConvertToNative(anySliceType); err == nil {
			return nativeValue(native)
		}
		if native, err := val.ConvertToNative(anyMapType); err == nil {
			return nativeValue(native)
		}
		return val.Value()
	case []ref.Val:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = nativeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = nativeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = nativeValue(item)
		}
		return out
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return v
	}
}
