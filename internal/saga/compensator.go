package saga

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/flowcore/internal/downstream"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

// Compensator replays an instance's saga log in reverse and invokes the
// compensating action of every forward step that succeeded.
type Compensator struct {
	log       *Log
	http      downstream.Caller
	publisher downstream.Publisher
	interp    *expressions.Interpolator
	logger    *slog.Logger
	observe   func(outcome string)
}

// CompensatorOption configures a Compensator.
type CompensatorOption func(*Compensator)

// WithCompensationObserver receives "ok" or "failed" per executed action.
func WithCompensationObserver(fn func(outcome string)) CompensatorOption {
	return func(c *Compensator) { c.observe = fn }
}

// NewCompensator creates a compensator.
func NewCompensator(log *Log, caller downstream.Caller, publisher downstream.Publisher,
	interp *expressions.Interpolator, logger *slog.Logger, opts ...CompensatorOption) *Compensator {
	if interp == nil {
		interp = expressions.NewInterpolator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = downstream.DisabledPublisher{}
	}
	c := &Compensator{log: log, http: caller, publisher: publisher, interp: interp, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pending is a forward action eligible for compensation.
type pending struct {
	entry    *schema.SagaEntry
	request  schema.ForwardRequest
	response any
}

// Compensate runs compensation for instanceID on a best-effort basis. Every
// eligible action is attempted; failures are logged and collected into one
// COMPENSATION_ERROR, which callers treat as non-fatal.
func (c *Compensator) Compensate(ctx context.Context, instanceID string) error {
	entries, err := c.log.List(ctx, instanceID)
	if err != nil {
		return err
	}

	var failures []error
	for _, p := range eligible(entries) {
		if err := c.run(ctx, p); err != nil {
			c.logger.WarnContext(ctx, "compensation action failed",
				"instance_id", instanceID, "step_id", p.entry.StepID, "error", err)
			failures = append(failures, err)
			c.report("failed")
			continue
		}
		c.logger.InfoContext(ctx, "compensated step", "instance_id", instanceID, "step_id", p.entry.StepID)
		c.report("ok")
	}

	if len(failures) > 0 {
		return schema.NewErrorf(schema.ErrCodeCompensation,
			"%d compensation action(s) failed for instance %s", len(failures), instanceID).
			WithCause(errors.Join(failures...))
	}
	return nil
}

// eligible walks entries newest first and returns the forward entries that
// declared a compensation and were followed by a success entry for the same step.
func eligible(entries []*schema.SagaEntry) []pending {
	// Latest success payload per step, seen while walking backwards.
	succeeded := map[string]*schema.SagaEntry{}
	var out []pending
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch {
		case e.Phase.Succeeded():
			succeeded[e.StepID] = e
		case e.Phase == schema.SagaPhaseForward:
			done, ok := succeeded[e.StepID]
			delete(succeeded, e.StepID)
			if !ok {
				continue
			}
			var req schema.ForwardRequest
			if err := json.Unmarshal(e.Request, &req); err != nil || req.Compensate == nil {
				continue
			}
			var resp any
			if len(done.Response) > 0 {
				_ = json.Unmarshal(done.Response, &resp)
			}
			out = append(out, pending{entry: e, request: req, response: resp})
		}
	}
	return out
}

func (c *Compensator) run(ctx context.Context, p pending) error {
	scope := map[string]any{
		"request":  requestDoc(p.request),
		"response": p.response,
	}
	action := p.request.Compensate

	switch {
	case action.HTTP != nil:
		url, err := c.interp.ResolveString(ctx, action.HTTP.URL, scope)
		if err != nil {
			return err
		}
		body := action.HTTP.Body
		if body == nil {
			body = scope
		} else if body, err = c.interp.Resolve(ctx, body, scope); err != nil {
			return err
		}
		method := action.HTTP.Method
		if method == "" {
			method = "POST"
		}
		if c.http == nil {
			return schema.NewError(schema.ErrCodeDownstream, "no http client configured")
		}
		_, err = c.http.Call(ctx, method, url, body)
		return err

	case action.Kafka != nil:
		topic, err := c.interp.ResolveString(ctx, action.Kafka.Topic, scope)
		if err != nil {
			return err
		}
		key, err := c.interp.ResolveString(ctx, action.Kafka.Key, scope)
		if err != nil {
			return err
		}
		payload := action.Kafka.Payload
		if payload == nil {
			payload = scope
		} else if payload, err = c.interp.Resolve(ctx, payload, scope); err != nil {
			return err
		}
		return c.publisher.Publish(ctx, topic, key, payload)
	}
	return nil
}

func (c *Compensator) report(outcome string) {
	if c.observe != nil {
		c.observe(outcome)
	}
}

// requestDoc flattens the forward request into the document compensation
// expressions see as request.*.
func requestDoc(req schema.ForwardRequest) map[string]any {
	doc := map[string]any{"kind": string(req.Kind)}
	switch {
	case req.HTTP != nil:
		doc["method"] = req.HTTP.Method
		doc["url"] = req.HTTP.URL
		doc["body"] = req.HTTP.Body
	case req.Kafka != nil:
		doc["topic"] = req.Kafka.Topic
		doc["key"] = req.Kafka.Key
		doc["payload"] = req.Kafka.Payload
	}
	return doc
}
