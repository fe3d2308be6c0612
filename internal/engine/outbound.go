package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/pkg/schema"
)

// outbound runs a side-effecting operation under the saga protocol: a forward
// entry before the call, a retry entry per retried attempt, and an error or
// success entry (done) after the call.
func (r *run) outbound(ctx context.Context, stepID string, req schema.ForwardRequest,
	policy resilience.Policy, done schema.SagaPhase, op resilience.Operation) (any, *schema.FlowError) {
	instanceID := r.inst.ID
	sagaID := r.sagaStepID(stepID)
	if err := r.in.saga.Log(ctx, instanceID, sagaID, schema.SagaPhaseForward, req, nil); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	onRetry := func(attempt int, ferr *schema.FlowError, delay time.Duration) {
		entry := map[string]any{
			"attempt":  attempt,
			"error":    ferr,
			"delay_ms": delay.Milliseconds(),
		}
		if err := r.in.saga.Log(ctx, instanceID, sagaID, schema.SagaPhaseRetry, nil, entry); err != nil {
			r.in.logger.WarnContext(ctx, "saga retry entry not recorded", "error", err)
		}
	}

	out, err := r.in.resilience.Do(ctx, policy, onRetry, op)
	if err != nil {
		ferr := schema.AsFlowError(err, schema.ErrCodeDownstream).WithStep(stepID)
		ferr.Compensate = req.Compensate != nil
		if logErr := r.in.saga.Log(ctx, instanceID, sagaID, schema.SagaPhaseError, nil, ferr); logErr != nil {
			r.in.logger.WarnContext(ctx, "saga error entry not recorded", "error", logErr)
		}
		return nil, ferr
	}

	if err := r.in.saga.Log(ctx, instanceID, sagaID, done, nil, out); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore).WithStep(stepID)
	}
	return out, nil
}

// publish resolves and sends a message for kafka and event steps.
func (r *run) publish(ctx context.Context, stepID string, kind schema.StepKind, topic, key string,
	payload any, compensate *schema.CompensationAction, policy resilience.Policy) *schema.FlowError {
	resolvedTopic, err := r.resolveString(ctx, topic)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStepValidation)
	}
	resolvedKey, err := r.resolveString(ctx, key)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStepValidation)
	}
	resolvedPayload, err := r.resolve(ctx, payload)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStepValidation)
	}

	req := schema.ForwardRequest{
		Kind:       kind,
		Kafka:      &schema.KafkaCall{Topic: resolvedTopic, Key: resolvedKey, Payload: resolvedPayload},
		Compensate: compensate,
	}
	_, ferr := r.outbound(ctx, stepID, req, policy, schema.SagaPhasePublished, func(ctx context.Context) (any, error) {
		return nil, r.in.publisher.Publish(ctx, resolvedTopic, resolvedKey, resolvedPayload)
	})
	return ferr
}

// decodeRaw turns a stored JSON document into a plain value.
// Undecodable content is kept as a string.
func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
