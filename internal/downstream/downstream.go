// Package downstream holds the adapters through which steps reach external
// services: an HTTP client and message bus publishers.
package downstream

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowcore/pkg/schema"
)

// Caller issues an HTTP call and returns the decoded response document.
type Caller interface {
	Call(ctx context.Context, method, url string, body any) (any, error)
}

// Publisher publishes a payload to a topic on the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Close() error
}

// DisabledPublisher rejects every publish. It is used when no bus is configured.
type DisabledPublisher struct{}

func (DisabledPublisher) Publish(_ context.Context, topic, _ string, _ any) error {
	return schema.NewErrorf(schema.ErrCodeDownstream, "no message bus configured for topic %q", topic).
		WithClass(schema.ErrorClassKafka)
}

func (DisabledPublisher) Close() error { return nil }

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepValidation, "payload is not JSON encodable").WithCause(err)
		}
		return b, nil
	}
}

func publishErr(topic string, err error) *schema.FlowError {
	fe := schema.AsFlowError(err, schema.ErrCodeDownstream)
	if fe.Class == "" {
		fe.Class = schema.ErrorClassKafka
	}
	if fe.Details == nil {
		fe.Details = map[string]any{"topic": topic}
	}
	return fe
}
