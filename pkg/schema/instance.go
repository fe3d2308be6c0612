package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusWaiting   InstanceStatus = "WAITING"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
)

// IsTerminal returns true if the status is COMPLETED or FAILED.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// Instance is one execution of a pinned template version.
type Instance struct {
	ID              string         `json:"id"`
	TemplateCode    string         `json:"template_code"`
	TemplateVersion int            `json:"template_version"`
	ParentID        string         `json:"parent_id,omitempty"`
	Cursor          Cursor         `json:"cursor"`
	Context         Context        `json:"context"`
	Status          InstanceStatus `json:"status"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Progress is the mutable part of an instance written back after each checkpoint.
type Progress struct {
	Cursor    Cursor
	Context   Context
	Status    InstanceStatus
	WakeAt    *time.Time
	LastError string
}

// Context holds the two instance namespaces.
// Vars carries loop-bound values, Ctx carries saved step results.
type Context struct {
	Vars map[string]any `json:"vars"`
	Ctx  map[string]any `json:"ctx"`
}

// NewContext returns a context seeded with the given ctx values.
func NewContext(input map[string]any) Context {
	c := Context{Vars: map[string]any{}, Ctx: map[string]any{}}
	for k, v := range input {
		c.Ctx[k] = v
	}
	return c
}

// Document returns the view used by conditions and expressions.
func (c Context) Document() map[string]any {
	vars, ctx := c.Vars, c.Ctx
	if vars == nil {
		vars = map[string]any{}
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{"vars": vars, "ctx": ctx}
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	return Context{Vars: DeepCopyMap(c.Vars), Ctx: DeepCopyMap(c.Ctx)}
}

// Normalize ensures both namespaces are non-nil.
func (c *Context) Normalize() {
	if c.Vars == nil {
		c.Vars = map[string]any{}
	}
	if c.Ctx == nil {
		c.Ctx = map[string]any{}
	}
}

// Wait kinds recorded in a cursor while an instance is suspended.
const (
	WaitTask  = "task"
	WaitTimer = "timer"
	WaitEvent = "event"
)

// WaitState identifies the suspension point an instance is parked on.
type WaitState struct {
	Path    string     `json:"path"`
	Kind    string     `json:"kind"`
	TaskID  string     `json:"task_id,omitempty"`
	EventID string     `json:"event_id,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// TryState records which block of a try step is executing.
type TryState struct {
	Phase string `json:"phase"`
	Catch int    `json:"catch,omitempty"`
	// Pending is the error to re-raise once the finally block completes.
	Pending *FlowError `json:"pending,omitempty"`
}

// Cursor is the persisted position of an instance.
// Nested state is keyed by step path, e.g. "3/body/1".
type Cursor struct {
	Step       int                 `json:"step"`
	Positions  map[string]int      `json:"positions,omitempty"`
	Iterations map[string]int      `json:"iterations,omitempty"`
	Items      map[string][]any    `json:"items,omitempty"`
	Branches   map[string]int      `json:"branches,omitempty"`
	Try        map[string]TryState `json:"try,omitempty"`
	Children   map[string]string   `json:"children,omitempty"`
	Wait       *WaitState          `json:"wait,omitempty"`
}

// ClearPrefix drops all nested state under path.
func (c *Cursor) ClearPrefix(path string) {
	prefix := path + "/"
	under := func(k string) bool { return k == path || strings.HasPrefix(k, prefix) }
	for k := range c.Positions {
		if under(k) {
			delete(c.Positions, k)
		}
	}
	for k := range c.Iterations {
		if under(k) {
			delete(c.Iterations, k)
		}
	}
	for k := range c.Items {
		if under(k) {
			delete(c.Items, k)
		}
	}
	for k := range c.Branches {
		if under(k) {
			delete(c.Branches, k)
		}
	}
	for k := range c.Try {
		if under(k) {
			delete(c.Try, k)
		}
	}
	for k := range c.Children {
		if under(k) {
			delete(c.Children, k)
		}
	}
	if c.Wait != nil && under(c.Wait.Path) {
		c.Wait = nil
	}
}

// Clone returns a deep copy of the cursor.
func (c Cursor) Clone() Cursor {
	var out Cursor
	b, err := json.Marshal(c)
	if err != nil {
		return Cursor{Step: c.Step}
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Cursor{Step: c.Step}
	}
	return out
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny recursively deep-copies a value.
// Primitives are returned as-is.
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
