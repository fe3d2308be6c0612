package schema

import (
	"encoding/json"
	"time"
)

// TaskStatus is the completion state of a human task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is a human work item created by a task step.
type Task struct {
	ID             string          `json:"id"`
	InstanceID     string          `json:"instance_id"`
	StepID         string          `json:"step_id"`
	Name           string          `json:"name"`
	CandidateRoles []string        `json:"candidate_roles,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         TaskStatus      `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewTask is the input to TaskStore.Create.
type NewTask struct {
	InstanceID     string
	StepID         string
	Name           string
	CandidateRoles []string
	Payload        any
}

// EventResponse is a correlated response delivered to a waiting event step.
type EventResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}
