package schema

import (
	"encoding/json"
	"time"
)

// Template is an immutable, versioned process definition.
type Template struct {
	Code       string             `json:"code"`
	Version    int                `json:"version"`
	Definition TemplateDefinition `json:"definition"`
	CreatedAt  time.Time          `json:"created_at"`
}

// TemplateDefinition is the document registered for a template version.
// Steps are kept raw; the engine parses them into executable steps.
type TemplateDefinition struct {
	Steps       []json.RawMessage `json:"steps"`
	Description string            `json:"description,omitempty"`
}

// StepKind enumerates the step kinds, named after their document key.
type StepKind string

const (
	StepKindHTTP        StepKind = "http"
	StepKindKafka       StepKind = "kafka"
	StepKindTask        StepKind = "task"
	StepKindTimer       StepKind = "timer"
	StepKindLoop        StepKind = "loop"
	StepKindForeach     StepKind = "foreach"
	StepKindParallel    StepKind = "parallel"
	StepKindParallelFor StepKind = "parallel_for"
	StepKindSubprocess  StepKind = "subprocess"
	StepKindSwitch      StepKind = "switch"
	StepKindTry         StepKind = "try"
	StepKindDAG         StepKind = "dag"
	StepKindEvent       StepKind = "event"
)

// StepKinds lists every kind in document-key form.
var StepKinds = []StepKind{
	StepKindHTTP, StepKindKafka, StepKindTask, StepKindTimer, StepKindLoop,
	StepKindForeach, StepKindParallel, StepKindParallelFor, StepKindSubprocess,
	StepKindSwitch, StepKindTry, StepKindDAG, StepKindEvent,
}

// ResilienceSpec holds the resilience annotations of a side-effecting step,
// read either at the step top level or nested under its kind key.
type ResilienceSpec struct {
	Resilience *struct {
		Circuit *struct {
			Service string `json:"service"`
		} `json:"circuit,omitempty"`
	} `json:"resilience,omitempty"`
	Retry *struct {
		MaxAttempts int `json:"max_attempts"`
		Backoff     *struct {
			InitialSecs float64 `json:"initial_secs"`
			MaxSecs     float64 `json:"max_secs"`
		} `json:"backoff,omitempty"`
	} `json:"retry,omitempty"`
	TimeoutSecs float64 `json:"timeout_secs,omitempty"`
}

// CompensationAction is the rollback registered by a forward step.
type CompensationAction struct {
	HTTP  *HTTPCall  `json:"http,omitempty"`
	Kafka *KafkaCall `json:"kafka,omitempty"`
}

// HTTPCall describes an outbound HTTP request.
type HTTPCall struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url"`
	Body   any    `json:"body,omitempty"`
}

// KafkaCall describes an outbound publish.
type KafkaCall struct {
	Topic   string `json:"topic"`
	Key     string `json:"key,omitempty"`
	Payload any    `json:"payload,omitempty"`
}
