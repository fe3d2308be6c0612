package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestLoop_StopsAtMaxIter(t *testing.T) {
	h := newHarness(t)
	h.put(t, "spin", `{"loop": {"while": "true", "max_iter": 3, "steps": [{"http": {"url": "http://tick"}}]}}`)

	id, err := h.start(t, "spin", nil)
	require.NoError(t, err)

	assert.Len(t, h.rec.all(), 3)
	inst := h.instance(t, id)
	assert.Equal(t, completed, inst.Status)
	assert.Empty(t, inst.Cursor.Iterations)
}

func TestLoop_ConditionReadsContext(t *testing.T) {
	h := newHarness(t)
	var n atomic.Int64
	h.http.handler = func(string, string, any) (any, error) {
		return map[string]any{"n": float64(n.Add(1))}, nil
	}
	h.put(t, "count",
		`{"loop": {"while": "ctx.last.n != 3", "steps": [{"http": {"url": "http://count", "save_as": "last"}}]}}`)

	id, err := h.start(t, "count", nil)
	require.NoError(t, err)

	assert.Len(t, h.rec.all(), 3)
	assert.Equal(t, map[string]any{"n": 3.0}, h.instance(t, id).Context.Ctx["last"])
}

func TestLoop_FalseConditionSkipsBody(t *testing.T) {
	h := newHarness(t)
	h.put(t, "never",
		`{"loop": {"while": "ctx.go == true", "steps": [{"http": {"url": "http://body"}}]}}`,
		`{"http": {"url": "http://after"}}`)

	_, err := h.start(t, "never", map[string]any{"go": false})
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://after"}, h.rec.targets())
}

func TestLoop_ResumesMidIteration(t *testing.T) {
	h := newHarness(t)
	h.put(t, "review",
		`{"loop": {"while": "true", "max_iter": 2, "steps": [
			{"http": {"url": "http://prepare"}},
			{"task": {"name": "review"}}]}}`,
		`{"http": {"url": "http://done"}}`,
	)

	id, err := h.start(t, "review", nil)
	require.NoError(t, err)

	inst := h.instance(t, id)
	assert.Equal(t, waiting, inst.Status)
	assert.Equal(t, 1, inst.Cursor.Positions["0/body"])
	assert.Equal(t, 0, inst.Cursor.Iterations["0"])
	assert.Equal(t, []string{"GET http://prepare"}, h.rec.targets())

	// The half-finished iteration resumes after the task, without re-running prepare.
	h.completeTask(t, id, nil)
	require.NoError(t, h.resume(t, id))
	inst = h.instance(t, id)
	assert.Equal(t, waiting, inst.Status)
	assert.Equal(t, 1, inst.Cursor.Iterations["0"])
	assert.Equal(t, []string{"GET http://prepare", "GET http://prepare"}, h.rec.targets())

	h.completeTask(t, id, nil)
	require.NoError(t, h.resume(t, id))
	assert.Equal(t, completed, h.instance(t, id).Status)
	assert.Equal(t, []string{"GET http://prepare", "GET http://prepare", "GET http://done"}, h.rec.targets())
	assert.Len(t, h.store.tasksFor(id), 2)
}

func TestForeach_LiteralItemsBindVars(t *testing.T) {
	h := newHarness(t)
	h.put(t, "stock",
		`{"foreach": {"items": ["a", "b", "${{ ctx.extra }}"], "as": "sku", "steps": [{"http": {"url": "http://stock/${{ vars.sku }}/${{ vars.sku_index }}"}}]}}`)

	_, err := h.start(t, "stock", map[string]any{"extra": "c"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET http://stock/a/0",
		"GET http://stock/b/1",
		"GET http://stock/c/2",
	}, h.rec.targets())
}

func TestForeach_ExpressionItems(t *testing.T) {
	h := newHarness(t)
	h.put(t, "stock",
		`{"foreach": {"items": "ctx.skus", "steps": [{"http": {"url": "http://stock/${{ vars.item }}"}}]}}`)

	_, err := h.start(t, "stock", map[string]any{"skus": []any{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://stock/x", "GET http://stock/y"}, h.rec.targets())
}

func TestForeach_ItemsSurviveSuspension(t *testing.T) {
	h := newHarness(t)
	h.put(t, "approve-each",
		`{"foreach": {"items": "ctx.skus", "as": "sku", "steps": [
			{"task": {"name": "approve ${{ vars.sku }}", "save_as": "skus"}}]}}`)

	id, err := h.start(t, "approve-each", map[string]any{"skus": []any{"x", "y"}})
	require.NoError(t, err)

	// The body overwrites the source list; the snapshot keeps the walk stable.
	h.completeTask(t, id, []any{"z"})
	require.NoError(t, h.resume(t, id))
	h.completeTask(t, id, []any{"z"})
	require.NoError(t, h.resume(t, id))

	var names []string
	for _, task := range h.store.tasksFor(id) {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"approve x", "approve y"}, names)
	assert.Equal(t, completed, h.instance(t, id).Status)
}

func TestParallel_MergesBranchContexts(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	lastDone := make(chan struct{})
	h.http.handler = func(_, url string, _ any) (any, error) {
		switch url {
		case "http://a":
			// Branch 0 finishes after branch 1.
			select {
			case <-lastDone:
			case <-time.After(2 * time.Second):
				return nil, httpError(504)
			}
		case "http://c":
			defer close(lastDone)
		}
		return map[string]any{"url": url}, nil
	}
	h.put(t, "quotes",
		`{"parallel": {"merge_key": "quote", "branches": [
			[{"http": {"url": "http://a", "save_as": "r"}}],
			[{"http": {"url": "http://b", "save_as": "r"}}, {"http": {"url": "http://c", "save_as": "s"}}]]}}`)

	id, err := h.start(t, "quotes", nil)
	require.NoError(t, err)

	ctx := h.instance(t, id).Context.Ctx
	assert.Equal(t, map[string]any{"r": map[string]any{"url": "http://a"}}, ctx["quote_0"])
	assert.Equal(t, map[string]any{
		"r": map[string]any{"url": "http://b"},
		"s": map[string]any{"url": "http://c"},
	}, ctx["quote_1"])
	assert.NotContains(t, ctx, "r", "branch writes stay inside the branch")
	assert.ElementsMatch(t, []string{"GET http://a", "GET http://b", "GET http://c"}, h.rec.targets())
}

func TestParallel_BranchFailureFailsStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.http.handler = func(_, url string, _ any) (any, error) {
		if url == "http://bad" {
			return nil, httpError(500)
		}
		return map[string]any{}, nil
	}
	h.put(t, "quotes",
		`{"parallel": {"branches": [[{"http": {"url": "http://ok"}}], [{"http": {"url": "http://bad"}}]]}}`,
		`{"http": {"url": "http://after"}}`)

	id, err := h.start(t, "quotes", nil)
	requireCode(t, err, schema.ErrCodeDownstream)
	assert.Equal(t, failed, h.instance(t, id).Status)
	assert.NotContains(t, h.rec.targets(), "GET http://after")
}

func TestParallelFor_BoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	h.http.handler = func(_, url string, _ any) (any, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return map[string]any{"url": url}, nil
	}
	h.put(t, "deploy",
		`{"parallel_for": {"items": ["x", "y", "z", "w"], "as": "region", "max_concurrency": 2,
			"steps": [{"http": {"url": "http://deploy/${{ vars.region }}", "save_as": "out"}}]}}`)

	id, err := h.start(t, "deploy", nil)
	require.NoError(t, err)

	ctx := h.instance(t, id).Context.Ctx
	for i, region := range []string{"x", "y", "z", "w"} {
		key := fmt.Sprintf("%s_%d", DefaultMergeKey, i)
		assert.Equal(t, map[string]any{"out": map[string]any{"url": "http://deploy/" + region}}, ctx[key], key)
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestParallelFor_CompensatesOnlySucceededBranches(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	slowCalled := make(chan struct{})
	h.http.handler = func(method, url string, _ any) (any, error) {
		switch url {
		case "http://svc/book/slow":
			// Succeed only after the other branch logged its failure.
			close(slowCalled)
			deadline := time.Now().Add(2 * time.Second)
			for !h.store.sawPhase(schema.SagaPhaseError) && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			return map[string]any{"booked": true}, nil
		case "http://svc/book/fast":
			<-slowCalled
			return nil, httpError(500)
		}
		return map[string]any{}, nil
	}
	h.put(t, "trip",
		`{"parallel_for": {"items": ["slow", "fast"], "as": "leg", "steps": [
			{"http": {"method": "POST", "url": "http://svc/book/${{ vars.leg }}",
				"compensate": {"http": {"method": "DELETE", "url": "${{ request.url }}/undo"}}}}]}}`)

	id, err := h.start(t, "trip", nil)
	requireCode(t, err, schema.ErrCodeDownstream)

	assert.Equal(t, []schema.SagaPhase{
		schema.SagaPhaseForward, schema.SagaPhaseForward, schema.SagaPhaseError, schema.SagaPhaseResponse,
	}, h.store.phases(id))
	targets := h.rec.targets()
	require.Len(t, targets, 3)
	assert.ElementsMatch(t, []string{"POST http://svc/book/slow", "POST http://svc/book/fast"}, targets[:2])
	assert.Equal(t, "DELETE http://svc/book/slow/undo", targets[2], "only the booked leg is undone")
	assert.Equal(t, failed, h.instance(t, id).Status)
}

func TestParse_RejectsSuspendingStepsInParallel(t *testing.T) {
	cases := map[string]string{
		"task":       `{"parallel": {"branches": [[{"task": {"name": "x"}}]]}}`,
		"timer":      `{"parallel_for": {"items": [1], "steps": [{"timer": {"delay_secs": 1}}]}}`,
		"event wait": `{"parallel": {"branches": [[{"event": {"topic": "t", "wait_for": {"timeout_secs": 5}}}]]}}`,
		"nested":     `{"parallel": {"branches": [[{"loop": {"while": "true", "steps": [{"task": {"name": "x"}}]}}]]}}`,
	}
	for name, step := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.put(t, "p", step)
			_, err := h.in.Start(context.Background(), "p", nil)
			requireCode(t, err, schema.ErrCodeStepValidation)
		})
	}
}

func TestSwitch_OnlyFirstCaseIsConsidered(t *testing.T) {
	step := `{"switch": {"condition": "ctx.amount > 100", "cases": [
		{"when": "ctx.vip == true", "steps": [{"http": {"url": "http://vip"}}]},
		{"when": "true", "steps": [{"http": {"url": "http://second"}}]}],
		"default": [{"http": {"url": "http://default"}}]}}`

	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"condition and first case hold", map[string]any{"amount": 150, "vip": true}, "GET http://vip"},
		{"first case fails", map[string]any{"amount": 150, "vip": false}, "GET http://default"},
		{"condition fails", map[string]any{"amount": 50, "vip": true}, "GET http://default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.put(t, "route", step)
			_, err := h.start(t, "route", tt.input)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, h.rec.targets())
		})
	}
}

func TestSwitch_BranchSurvivesSuspension(t *testing.T) {
	h := newHarness(t)
	h.put(t, "route",
		`{"switch": {"condition": "ctx.flag == true", "cases": [{"when": "true", "steps": [
			{"task": {"name": "check", "save_as": "flag"}},
			{"http": {"url": "http://case"}}]}],
			"default": [{"http": {"url": "http://default"}}]}}`)

	id, err := h.start(t, "route", map[string]any{"flag": true})
	require.NoError(t, err)

	// Flipping the condition input mid-branch does not change the branch taken.
	h.completeTask(t, id, false)
	require.NoError(t, h.resume(t, id))
	assert.Equal(t, []string{"GET http://case"}, h.rec.targets())
}

func TestTry_CatchAndFinally(t *testing.T) {
	step := `{"try": {
		"steps": [{"http": {"url": "http://flaky"}}, {"http": {"url": "http://skipped"}}],
		"catch": [%s],
		"finally": [{"http": {"url": "http://cleanup"}}]}}`
	timeoutCatch := `{"error": "timeout", "steps": [{"http": {"url": "http://on-timeout"}}]}`
	httpCatch := `{"error": "http_error", "steps": [{"http": {"url": "http://on-http"}}]}`

	t.Run("caught", func(t *testing.T) {
		h := newHarness(t)
		h.http.handler = flakyHandler
		h.put(t, "try", fmt.Sprintf(step, timeoutCatch+", "+httpCatch), `{"http": {"url": "http://after"}}`)

		id, err := h.start(t, "try", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET http://flaky", "GET http://on-http", "GET http://cleanup", "GET http://after"}, h.rec.targets())
		assert.Equal(t, completed, h.instance(t, id).Status)
	})

	t.Run("uncaught runs finally then fails", func(t *testing.T) {
		h := newHarness(t)
		h.http.handler = flakyHandler
		h.put(t, "try", fmt.Sprintf(step, timeoutCatch), `{"http": {"url": "http://after"}}`)

		id, err := h.start(t, "try", nil)
		requireCode(t, err, schema.ErrCodeDownstream)
		assert.Equal(t, []string{"GET http://flaky", "GET http://cleanup"}, h.rec.targets())
		assert.Equal(t, failed, h.instance(t, id).Status)
	})

	t.Run("failing catch re-raises after finally", func(t *testing.T) {
		h := newHarness(t)
		h.http.handler = func(m, url string, b any) (any, error) {
			if url == "http://on-http" {
				return nil, httpError(503)
			}
			return flakyHandler(m, url, b)
		}
		h.put(t, "try", fmt.Sprintf(step, httpCatch))

		_, err := h.start(t, "try", nil)
		requireCode(t, err, schema.ErrCodeDownstream)
		assert.Equal(t, []string{"GET http://flaky", "GET http://on-http", "GET http://cleanup"}, h.rec.targets())
	})
}

func TestTry_MatchByClass(t *testing.T) {
	s := &tryStep{catches: []catchClause{{class: schema.ErrorClassHTTP}, {class: schema.ErrorClassAny}}}

	assert.Equal(t, 0, s.match(schema.NewError(schema.ErrCodeDownstream, "x").WithClass(schema.ErrorClassHTTP)))
	assert.Equal(t, 1, s.match(schema.NewError(schema.ErrCodeDownstream, "x").WithClass(schema.ErrorClassKafka)))
	assert.Equal(t, 1, s.match(schema.NewError(schema.ErrCodeSubprocessFailed, "x")))

	narrow := &tryStep{catches: []catchClause{{class: schema.ErrorClassTimeout}}}
	assert.Equal(t, -1, narrow.match(schema.NewError(schema.ErrCodeSubprocessFailed, "x")))
}

func TestDAG_RunsNodesInTopologicalOrder(t *testing.T) {
	h := newHarness(t)
	h.put(t, "fulfil",
		`{"dag": {
			"nodes": {
				"ship": [{"http": {"url": "http://ship"}}],
				"pay": [{"http": {"url": "http://pay"}}],
				"pack": [{"http": {"url": "http://pack"}}],
				"audit": [{"http": {"url": "http://audit"}}]},
			"edges": [{"from": "pay", "to": "ship"}, {"from": "pack", "to": "ship"}]}}`)

	_, err := h.start(t, "fulfil", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://audit", "GET http://pack", "GET http://pay", "GET http://ship"}, h.rec.targets())
}

func TestDAG_CycleRejectedAtParse(t *testing.T) {
	h := newHarness(t)
	h.put(t, "loop",
		`{"dag": {"nodes": {"a": [], "b": []}, "edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "a"}]}}`)

	_, err := h.in.Start(context.Background(), "loop", nil)
	requireCode(t, err, schema.ErrCodeCycleDetected)
}

func TestEvent_PublishesAndWaitsForResponse(t *testing.T) {
	h := newHarness(t)
	h.put(t, "credit",
		`{"event": {"topic": "credit.check", "key": "${{ ctx.customer }}",
			"payload": {"customer": "${{ ctx.customer }}", "reply_to": "${{ vars.correlation_id }}"},
			"wait_for": {"correlation": "corr-${{ ctx.customer }}", "timeout_secs": 60, "save_as": "credit"}}}`)
	start := h.clock.Now()

	id, err := h.start(t, "credit", map[string]any{"customer": "c1"})
	require.NoError(t, err)

	inst := h.instance(t, id)
	assert.Equal(t, waiting, inst.Status)
	require.NotNil(t, inst.WakeAt)
	assert.True(t, inst.WakeAt.Equal(start.Add(time.Minute)))

	calls := h.rec.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "credit.check", calls[0].Target)
	assert.Equal(t, "c1", calls[0].Method)
	assert.Equal(t, map[string]any{"customer": "c1", "reply_to": "corr-c1"}, calls[0].Body)

	require.NoError(t, h.resume(t, id))
	assert.Equal(t, waiting, h.instance(t, id).Status)

	target, err := h.store.DeliverEvent(context.Background(), "corr-c1", mustJSON(map[string]any{"score": 700}))
	require.NoError(t, err)
	assert.Equal(t, id, target)

	require.NoError(t, h.resume(t, id))
	inst = h.instance(t, id)
	assert.Equal(t, completed, inst.Status)
	assert.Equal(t, map[string]any{"score": 700.0}, inst.Context.Ctx["credit"])
	assert.Len(t, h.rec.all(), 1, "the event is published once")
	assert.Equal(t, []schema.SagaPhase{schema.SagaPhaseForward, schema.SagaPhasePublished}, h.store.phases(id))
}

func TestEvent_TimesOut(t *testing.T) {
	h := newHarness(t)
	h.put(t, "credit",
		`{"event": {"topic": "credit.check", "wait_for": {"timeout_secs": 60}}}`)

	id, err := h.start(t, "credit", nil)
	require.NoError(t, err)

	h.clock.Add(61 * time.Second)
	err = h.resume(t, id)
	requireCode(t, err, schema.ErrCodeTimeout)
	assert.Equal(t, failed, h.instance(t, id).Status)
}

func TestEvent_WithoutWaitContinues(t *testing.T) {
	h := newHarness(t)
	h.put(t, "notify", `{"event": {"topic": "order.placed", "payload": {"id": "${{ ctx.id }}"}}}`)

	id, err := h.start(t, "notify", map[string]any{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, completed, h.instance(t, id).Status)
	assert.Equal(t, []string{"publish order.placed"}, h.rec.targets())
}

func TestSubprocess_CompletesInline(t *testing.T) {
	h := newHarness(t)
	h.put(t, "child", `{"http": {"url": "http://child/${{ ctx.sku }}", "save_as": "stock"}}`)
	h.put(t, "parent",
		`{"subprocess": {"template": "child", "input": {"sku": "${{ ctx.sku }}"}, "output": ".stock.url", "save_as": "child_url"}}`)

	id, err := h.start(t, "parent", map[string]any{"sku": "A"})
	require.NoError(t, err)

	inst := h.instance(t, id)
	assert.Equal(t, completed, inst.Status)
	assert.Equal(t, "http://child/A", inst.Context.Ctx["child_url"])

	children := h.store.childrenOf(id)
	require.Len(t, children, 1)
	assert.Equal(t, completed, h.instance(t, children[0]).Status)
}

func TestSubprocess_WaitingChildRedrivesParent(t *testing.T) {
	h := newHarness(t)
	h.put(t, "child", `{"task": {"name": "pick", "save_as": "picked"}}`)
	h.put(t, "parent",
		`{"subprocess": {"template": "child", "save_as": "result"}}`,
		`{"http": {"url": "http://after"}}`)

	id, err := h.start(t, "parent", nil)
	require.NoError(t, err)

	parent := h.instance(t, id)
	assert.Equal(t, waiting, parent.Status)
	childID := parent.Cursor.Children["0"]
	require.NotEmpty(t, childID)
	assert.Equal(t, waiting, h.instance(t, childID).Status)

	h.completeTask(t, childID, map[string]any{"bin": 7})
	require.NoError(t, h.resume(t, childID))

	assert.Equal(t, completed, h.instance(t, childID).Status)
	parent = h.instance(t, id)
	assert.Equal(t, completed, parent.Status)
	assert.Equal(t, map[string]any{"picked": map[string]any{"bin": 7.0}}, parent.Context.Ctx["result"])
	assert.Equal(t, []string{"GET http://after"}, h.rec.targets())
	assert.Len(t, h.store.childrenOf(id), 1, "the child is spawned once")
}

func TestSubprocess_ChildFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	h.http.handler = func(string, string, any) (any, error) { return nil, httpError(500) }
	h.put(t, "child", `{"http": {"url": "http://boom"}}`)
	h.put(t, "parent", `{"subprocess": {"template": "child"}}`)

	id, err := h.start(t, "parent", nil)
	requireCode(t, err, schema.ErrCodeSubprocessFailed)

	children := h.store.childrenOf(id)
	require.Len(t, children, 1)
	assert.Equal(t, failed, h.instance(t, children[0]).Status)
	assert.Equal(t, failed, h.instance(t, id).Status)
}

func flakyHandler(_, url string, _ any) (any, error) {
	if url == "http://flaky" {
		return nil, httpError(502)
	}
	return map[string]any{}, nil
}
