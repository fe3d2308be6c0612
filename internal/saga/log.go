// Package saga records the forward actions of an instance and rolls them
// back in reverse when the instance fails.
package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Log appends saga entries on top of a store.SagaLog.
type Log struct {
	store store.SagaLog
}

// NewLog wraps a saga store.
func NewLog(s store.SagaLog) *Log {
	return &Log{store: s}
}

// Log appends one entry. request and response are JSON-encoded snapshots;
// nil leaves the column empty.
func (l *Log) Log(ctx context.Context, instanceID, stepID string, phase schema.SagaPhase, request, response any) error {
	req, err := snapshot(request)
	if err != nil {
		return fmt.Errorf("encode saga request: %w", err)
	}
	resp, err := snapshot(response)
	if err != nil {
		return fmt.Errorf("encode saga response: %w", err)
	}
	return l.store.AppendSaga(ctx, &schema.SagaEntry{
		InstanceID: instanceID,
		StepID:     stepID,
		Phase:      phase,
		Request:    req,
		Response:   resp,
	})
}

// List returns the entries of an instance in insertion order.
func (l *Log) List(ctx context.Context, instanceID string) ([]*schema.SagaEntry, error) {
	return l.store.ListSaga(ctx, instanceID)
}

func snapshot(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(val)
	}
}
