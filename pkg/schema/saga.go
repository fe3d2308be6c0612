package schema

import (
	"encoding/json"
	"time"
)

// SagaPhase is the phase recorded by a saga log entry.
type SagaPhase string

const (
	SagaPhaseForward   SagaPhase = "forward"
	SagaPhaseResponse  SagaPhase = "response"
	SagaPhasePublished SagaPhase = "published"
	SagaPhaseError     SagaPhase = "error"
	SagaPhaseRetry     SagaPhase = "retry"
)

// Succeeded returns true for the phases that close a successful forward action.
func (p SagaPhase) Succeeded() bool {
	return p == SagaPhaseResponse || p == SagaPhasePublished
}

// SagaEntry is one append-only record in an instance's saga log.
type SagaEntry struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id"`
	Phase      SagaPhase       `json:"phase"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ForwardRequest is the request snapshot stored with a forward entry.
// Compensate carries the rollback so compensation needs only the log.
type ForwardRequest struct {
	Kind       StepKind            `json:"kind"`
	HTTP       *HTTPCall           `json:"http,omitempty"`
	Kafka      *KafkaCall          `json:"kafka,omitempty"`
	Compensate *CompensationAction `json:"compensate,omitempty"`
}
