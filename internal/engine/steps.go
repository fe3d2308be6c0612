package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/pkg/schema"
)

// Step is one parsed template step. The set of implementations is closed:
// every kind lives in this package and is built by Parse.
type Step interface {
	ID() string
	Kind() schema.StepKind
	execute(ctx context.Context, r *run, path string) Outcome
}

type base struct {
	id   string
	kind schema.StepKind
}

func (b base) ID() string            { return b.id }
func (b base) Kind() schema.StepKind { return b.kind }

// --- http ---

type httpStep struct {
	base
	method     string
	url        string
	body       any
	saveAs     string
	selectExpr string
	compensate *schema.CompensationAction
	policy     resilience.Policy
}

func (s *httpStep) execute(ctx context.Context, r *run, _ string) Outcome {
	url, err := r.resolveString(ctx, s.url)
	if err != nil {
		return failWith(err, schema.ErrCodeStepValidation)
	}
	body, err := r.resolve(ctx, s.body)
	if err != nil {
		return failWith(err, schema.ErrCodeStepValidation)
	}
	method := strings.ToUpper(s.method)
	if method == "" {
		method = "GET"
	}

	req := schema.ForwardRequest{
		Kind:       schema.StepKindHTTP,
		HTTP:       &schema.HTTPCall{Method: method, URL: url, Body: body},
		Compensate: s.compensate,
	}
	out, ferr := r.outbound(ctx, s.id, req, s.policy, schema.SagaPhaseResponse, func(ctx context.Context) (any, error) {
		return r.in.http.Call(ctx, method, url, body)
	})
	if ferr != nil {
		return Fail{Err: ferr}
	}

	if s.selectExpr != "" {
		out, err = r.in.jq.Query(ctx, s.selectExpr, out)
		if err != nil {
			return failWith(err, schema.ErrCodeStepValidation)
		}
	}
	if s.saveAs != "" {
		r.data.Ctx[s.saveAs] = out
	}
	return Continue{}
}

// --- kafka ---

type kafkaStep struct {
	base
	topic      string
	key        string
	payload    any
	compensate *schema.CompensationAction
	policy     resilience.Policy
}

func (s *kafkaStep) execute(ctx context.Context, r *run, _ string) Outcome {
	if ferr := r.publish(ctx, s.id, s.kind, s.topic, s.key, s.payload, s.compensate, s.policy); ferr != nil {
		return Fail{Err: ferr}
	}
	return Continue{}
}

// --- event ---

type waitFor struct {
	correlation string
	timeout     time.Duration
	saveAs      string
}

type eventStep struct {
	base
	topic      string
	key        string
	payload    any
	compensate *schema.CompensationAction
	policy     resilience.Policy
	wait       *waitFor
}

func (s *eventStep) execute(ctx context.Context, r *run, path string) Outcome {
	if w := r.cursor.Wait; w != nil && w.Path == path && w.Kind == schema.WaitEvent {
		return s.poll(ctx, r, w)
	}

	var correlation string
	if s.wait != nil {
		var err error
		correlation, err = r.resolveString(ctx, s.wait.correlation)
		if err != nil {
			return failWith(err, schema.ErrCodeStepValidation)
		}
		if correlation == "" {
			correlation = uuid.NewString()
		}
		// Expose the id so the payload can carry it.
		r.data.Vars["correlation_id"] = correlation
	}

	if ferr := r.publish(ctx, s.id, s.kind, s.topic, s.key, s.payload, s.compensate, s.policy); ferr != nil {
		return Fail{Err: ferr}
	}
	if s.wait == nil {
		return Continue{}
	}

	if err := r.in.inbox.ExpectEvent(ctx, correlation, r.inst.ID); err != nil {
		return failWith(err, schema.ErrCodeStore)
	}
	// A response delivered before the wait was recorded is consumed right away.
	w := &schema.WaitState{Path: path, Kind: schema.WaitEvent, EventID: correlation}
	if s.wait.timeout > 0 {
		until := r.in.clock.Now().Add(s.wait.timeout)
		w.Until = &until
	}
	r.cursor.Wait = w
	return s.poll(ctx, r, w)
}

// poll consumes a delivered response or keeps the step waiting until its deadline.
func (s *eventStep) poll(ctx context.Context, r *run, w *schema.WaitState) Outcome {
	resp, err := r.in.inbox.GetEventResponse(ctx, w.EventID)
	if err != nil {
		return failWith(err, schema.ErrCodeStore)
	}
	if resp != nil {
		r.cursor.Wait = nil
		if s.wait != nil && s.wait.saveAs != "" {
			r.data.Ctx[s.wait.saveAs] = decodeRaw(resp.Payload)
		}
		return Continue{}
	}

	if w.Until != nil && !r.in.clock.Now().Before(*w.Until) {
		return Fail{Err: schema.NewErrorf(schema.ErrCodeTimeout,
			"no event response for correlation %s before %s", w.EventID, w.Until.Format(time.RFC3339)).
			WithClass(schema.ErrorClassTimeout).
			WithDetails(map[string]any{"correlation_id": w.EventID})}
	}
	return Suspend{Reason: "event " + w.EventID, WakeAt: w.Until}
}

// --- task ---

type taskStep struct {
	base
	name           string
	candidateRoles []string
	payload        any
	saveAs         string
}

func (s *taskStep) execute(ctx context.Context, r *run, path string) Outcome {
	if w := r.cursor.Wait; w != nil && w.Path == path && w.Kind == schema.WaitTask {
		task, err := r.in.tasks.GetTask(ctx, w.TaskID)
		if err != nil {
			return failWith(err, schema.ErrCodeStore)
		}
		if task.Status != schema.TaskStatusCompleted {
			return Suspend{Reason: "task " + task.ID}
		}
		r.cursor.Wait = nil
		if s.saveAs != "" {
			r.data.Ctx[s.saveAs] = decodeRaw(task.Result)
		}
		return Continue{}
	}

	name, err := r.resolveString(ctx, s.name)
	if err != nil {
		return failWith(err, schema.ErrCodeStepValidation)
	}
	payload, err := r.resolve(ctx, s.payload)
	if err != nil {
		return failWith(err, schema.ErrCodeStepValidation)
	}

	id, err := r.in.tasks.CreateTask(ctx, schema.NewTask{
		InstanceID:     r.inst.ID,
		StepID:         s.id,
		Name:           name,
		CandidateRoles: s.candidateRoles,
		Payload:        payload,
	})
	if err != nil {
		return failWith(err, schema.ErrCodeStore)
	}
	r.in.logger.InfoContext(ctx, "task created", "task_id", id, "name", name)
	r.cursor.Wait = &schema.WaitState{Path: path, Kind: schema.WaitTask, TaskID: id}
	return Suspend{Reason: "task " + id}
}

// --- timer ---

type timerStep struct {
	base
	delay time.Duration
}

func (s *timerStep) execute(_ context.Context, r *run, path string) Outcome {
	now := r.in.clock.Now()
	if w := r.cursor.Wait; w != nil && w.Path == path && w.Kind == schema.WaitTimer && w.Until != nil {
		if !now.Before(*w.Until) {
			r.cursor.Wait = nil
			return Continue{}
		}
		return Suspend{Reason: "timer", WakeAt: w.Until}
	}

	if s.delay <= 0 {
		return Continue{}
	}
	until := now.Add(s.delay)
	r.cursor.Wait = &schema.WaitState{Path: path, Kind: schema.WaitTimer, Until: &until}
	return Suspend{Reason: "timer", WakeAt: &until}
}
