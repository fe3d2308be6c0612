package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInstanceNotFound  = "INSTANCE_NOT_FOUND"
	ErrCodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeStepValidation    = "STEP_VALIDATION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDownstream        = "DOWNSTREAM_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeConditionParse    = "CONDITION_PARSE_ERROR"
	ErrCodeCompensation      = "COMPENSATION_ERROR"
	ErrCodeSubprocessFailed  = "SUBPROCESS_FAILED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// Error classes matched by try/catch steps.
const (
	ErrorClassHTTP    = "http_error"
	ErrorClassKafka   = "kafka_error"
	ErrorClassTimeout = "timeout"
	ErrorClassAny     = "any"
)

// FlowError is the structured error type for all flowcore operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Class   string         `json:"class,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`

	// Compensate is set when the failing step declared a compensating action.
	Compensate bool `json:"compensate,omitempty"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithClass sets the catch class of the error.
func (e *FlowError) WithClass(class string) *FlowError {
	e.Class = class
	return e
}

// IsRetryable reports whether an outbound call failing with this error may be retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDownstream, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is one of the not-found codes.
func IsNotFound(err error) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case ErrCodeInstanceNotFound, ErrCodeTemplateNotFound, ErrCodeTaskNotFound:
		return true
	}
	return false
}

// HasCode reports whether err carries a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}

// AsFlowError returns err as a FlowError, wrapping foreign errors with fallbackCode.
// Context deadline errors always map to ErrCodeTimeout.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrCodeTimeout, err.Error()).WithCause(err).WithClass(ErrorClassTimeout)
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
