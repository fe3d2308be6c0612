package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Interpolator resolves ${{ ... }} tokens inside step configuration values.
// Each token body is an expr-lang expression evaluated against the scope
// (ctx and vars, plus request and response during compensation).
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by the given expr engine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Interpolator{engine: engine}
}

// Resolve walks value (maps, slices and strings) and resolves every token.
// A string consisting of exactly one token yields the raw evaluated value so
// numbers and objects keep their type; mixed strings are stringified.
// The input is never mutated.
func (interp *Interpolator) Resolve(ctx context.Context, value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return interp.resolveValue(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := interp.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := interp.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves tokens in s and always returns a string.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, scope map[string]any) (string, error) {
	v, err := interp.resolveValue(ctx, s, scope)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return marshalInline(v), nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, input string, scope map[string]any) (any, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 && strings.Index(trimmed, "}}") == len(trimmed)-2 {
		expr, err := tokenBody(trimmed[3 : len(trimmed)-2])
		if err != nil {
			return nil, err
		}
		return interp.engine.Evaluate(ctx, expr, scope)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeStepValidation, "unclosed ${{ expression")
		}
		end += start

		expr, err := tokenBody(input[start:end])
		if err != nil {
			return nil, err
		}

		val, err := interp.engine.Evaluate(ctx, expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

func tokenBody(raw string) (string, error) {
	expr := strings.TrimSpace(raw)
	// Reject recursive interpolation: no nested ${{ inside the expression.
	if strings.Contains(expr, "${{") {
		return "", schema.NewError(schema.ErrCodeStepValidation,
			"nested interpolation not allowed: ${{...}} cannot contain ${{")
	}
	if expr == "" {
		return "", schema.NewError(schema.ErrCodeStepValidation, "empty variable reference: ${{  }}")
	}
	return expr, nil
}

// marshalInline converts a resolved value into its inline string representation.
// Strings are embedded as-is, complex types are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation checks if a string contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
