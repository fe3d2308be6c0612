package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_ListFromContext(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"ctx": map[string]any{"order": map[string]any{"items": []any{"a", "b", "c"}}},
	}

	items, err := e.EvaluateList(context.Background(), "ctx.order.items", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
}

func TestCEL_ListLiteralIsNormalized(t *testing.T) {
	e := newCEL(t)
	items, err := e.EvaluateList(context.Background(), "[1, 2, 3]", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, items)
}

func TestCEL_FilterMacro(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"ctx": map[string]any{"lines": []any{
			map[string]any{"sku": "A", "qty": 2.0},
			map[string]any{"sku": "B", "qty": 0.0},
		}},
	}

	items, err := e.EvaluateList(context.Background(), "ctx.lines.filter(l, l.qty > 0.0)", data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].(map[string]any)["sku"])
}

func TestCEL_NonListResult(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateList(context.Background(), "1 + 1", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepValidation))
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "ctx.items[", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepValidation))

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCEL_MissingNamespaceDefaultsToEmpty(t *testing.T) {
	e := newCEL(t)
	out, err := e.Evaluate(context.Background(), "size(vars)", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out)
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{"ctx": map[string]any{"xs": []any{1.0}}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := e.EvaluateList(context.Background(), "ctx.xs", data)
			assert.NoError(t, err)
			assert.Len(t, items, 1)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}
