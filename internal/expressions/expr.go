package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jellydator/ttlcache/v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultProgramCapacity bounds the compiled interpolation programs kept in memory.
const DefaultProgramCapacity = 4096

// ExprEngine evaluates ${{ }} token bodies with expr-lang/expr: field access
// such as ctx.order.id, arithmetic, nil coalescing (??), optional chaining
// (?.) and the expr builtins. Compiled programs live in a bounded LRU shared
// across goroutines.
type ExprEngine struct {
	programs *ttlcache.Cache[string, *vm.Program]
}

// ExprOption configures an ExprEngine.
type ExprOption func(*exprConfig)

type exprConfig struct {
	capacity uint64
}

// WithProgramCapacity overrides DefaultProgramCapacity.
func WithProgramCapacity(n int) ExprOption {
	return func(c *exprConfig) {
		if n > 0 {
			c.capacity = uint64(n)
		}
	}
}

// NewExprEngine creates an expr engine.
func NewExprEngine(opts ...ExprOption) *ExprEngine {
	cfg := exprConfig{capacity: DefaultProgramCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ExprEngine{
		programs: ttlcache.New(ttlcache.WithCapacity[string, *vm.Program](cfg.capacity)),
	}
}

// Evaluate runs expression with data as its environment. Undefined names
// evaluate to nil rather than failing.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeStepValidation, "empty expr expression")
	}

	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// compile returns the cached program for expression. Programs carry no typed
// environment so one entry serves every context shape. Concurrent misses may
// compile twice; the result is identical.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	if item := e.programs.Get(expression); item != nil {
		return item.Value(), nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs.Set(expression, prg, ttlcache.NoTTL)
	return prg, nil
}

// cached reports how many compiled programs are held.
func (e *ExprEngine) cached() int {
	return e.programs.Len()
}
