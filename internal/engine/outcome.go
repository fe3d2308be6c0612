package engine

import (
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Outcome is the result of executing one step.
// It is one of Continue, Suspend or Fail.
type Outcome interface {
	outcome()
}

// Continue means the step finished and execution moves to the next step.
type Continue struct{}

// Suspend means the instance must wait for an external trigger.
// WakeAt is set when the wait has a deadline the waker should observe.
type Suspend struct {
	Reason string
	WakeAt *time.Time
}

// Fail means the step failed; the error propagates to the enclosing step.
type Fail struct {
	Err *schema.FlowError
}

func (Continue) outcome() {}
func (Suspend) outcome()  {}
func (Fail) outcome()     {}

// failWith converts err into a Fail outcome, keeping FlowError codes intact.
func failWith(err error, fallbackCode string) Outcome {
	return Fail{Err: schema.AsFlowError(err, fallbackCode)}
}
