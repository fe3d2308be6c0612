package engine

import (
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// TransitionHook is called after an instance changes status.
type TransitionHook func(instanceID string, from, to schema.InstanceStatus)

// ValidInstanceTransitions lists the statuses reachable from each status.
// RUNNING -> RUNNING is the per-step checkpoint. Terminal statuses have no exits.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusRunning: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusWaiting,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusWaiting: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusWaiting,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
	},
}

// InstanceFSM validates instance status transitions and notifies hooks.
// The interpreter is responsible for persisting the new status.
type InstanceFSM struct {
	mu    sync.RWMutex
	hooks []TransitionHook
}

// NewInstanceFSM creates an InstanceFSM with no hooks.
func NewInstanceFSM() *InstanceFSM {
	return &InstanceFSM{}
}

// OnTransition registers a hook called after every status change.
// Checkpoints that keep the same status do not fire hooks.
func (f *InstanceFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition validates from -> to and runs the hooks when the status changes.
func (f *InstanceFSM) Transition(instanceID string, from, to schema.InstanceStatus) error {
	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}
	if from == to {
		return nil
	}

	f.mu.RLock()
	hooks := f.hooks
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(instanceID, from, to)
	}
	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
