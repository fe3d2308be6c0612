package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// memStore is an in-memory implementation of the interpreter's store
// interfaces. Values are copied on the way in and out, like a real database.
type memStore struct {
	mu        sync.Mutex
	templates map[string][]*schema.Template
	instances map[string]*schema.Instance
	tasks     map[string]*schema.Task
	saga      map[string][]*schema.SagaEntry
	inbox     map[string]*schema.EventResponse
	expected  map[string]string

	saves int
	// afterGetTemplate runs once GetTemplate has resolved a version.
	afterGetTemplate func()
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[string][]*schema.Template{},
		instances: map[string]*schema.Instance{},
		tasks:     map[string]*schema.Task{},
		saga:      map[string][]*schema.SagaEntry{},
		inbox:     map[string]*schema.EventResponse{},
		expected:  map[string]string{},
	}
}

func copyInstance(inst *schema.Instance) *schema.Instance {
	cp := *inst
	cp.Cursor = inst.Cursor.Clone()
	cp.Context = inst.Context.Clone()
	return &cp
}

// --- TemplateStore ---

func (m *memStore) PutTemplate(_ context.Context, code string, def schema.TemplateDefinition) (*schema.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl := &schema.Template{Code: code, Version: len(m.templates[code]) + 1, Definition: def, CreatedAt: time.Now()}
	m.templates[code] = append(m.templates[code], tpl)
	return tpl, nil
}

func (m *memStore) GetTemplate(_ context.Context, code string) (*schema.Template, error) {
	m.mu.Lock()
	versions := m.templates[code]
	hook := m.afterGetTemplate
	m.mu.Unlock()
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %s not found", code)
	}
	if hook != nil {
		hook()
	}
	return versions[len(versions)-1], nil
}

func (m *memStore) GetTemplateVersion(_ context.Context, code string, version int) (*schema.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.templates[code]
	if version < 1 || version > len(versions) {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %s@%d not found", code, version)
	}
	return versions[version-1], nil
}

// --- InstanceStore ---

func (m *memStore) CreateInstance(_ context.Context, code string, version int, input map[string]any, parentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < 1 || version > len(m.templates[code]) {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %s@%d not found", code, version)
	}
	id := uuid.NewString()
	m.instances[id] = &schema.Instance{
		ID:              id,
		TemplateCode:    code,
		TemplateVersion: version,
		ParentID:        parentID,
		Context:         schema.NewContext(schema.DeepCopyMap(input)),
		Status:          schema.InstanceStatusRunning,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	return id, nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*schema.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceNotFound, "instance %s not found", id)
	}
	return copyInstance(inst), nil
}

func (m *memStore) SaveProgress(_ context.Context, id string, p schema.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInstanceNotFound, "instance %s not found", id)
	}
	// Round-trip through JSON so tests observe exactly what a database keeps.
	b, err := json.Marshal(p.Cursor)
	if err != nil {
		return err
	}
	var cursor schema.Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return err
	}
	inst.Cursor = cursor
	inst.Context = p.Context.Clone()
	inst.Status = p.Status
	inst.WakeAt = p.WakeAt
	inst.LastError = p.LastError
	inst.UpdatedAt = time.Now()
	m.saves++
	return nil
}

func (m *memStore) ListDue(_ context.Context, now, staleBefore time.Time, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, inst := range m.instances {
		switch {
		case inst.Status == schema.InstanceStatusWaiting && inst.WakeAt != nil && !inst.WakeAt.After(now):
			ids = append(ids, id)
		case inst.Status == schema.InstanceStatusRunning && !inst.UpdatedAt.After(staleBefore):
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// --- TaskStore ---

func (m *memStore) CreateTask(_ context.Context, t schema.NewTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.tasks[id] = &schema.Task{
		ID: id, InstanceID: t.InstanceID, StepID: t.StepID, Name: t.Name,
		CandidateRoles: t.CandidateRoles, Payload: payload,
		Status: schema.TaskStatusPending, CreatedAt: time.Now(),
	}
	return id, nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) CompleteTask(_ context.Context, id string, result json.RawMessage) (*schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %s not found", id)
	}
	if t.Status == schema.TaskStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "task %s already completed", id)
	}
	now := time.Now()
	t.Status = schema.TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &now
	cp := *t
	return &cp, nil
}

// tasksFor returns the tasks of an instance.
func (m *memStore) tasksFor(instanceID string) []*schema.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Task
	for _, t := range m.tasks {
		if t.InstanceID == instanceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// --- SagaLog ---

func (m *memStore) AppendSaga(_ context.Context, e *schema.SagaEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Sequence = int64(len(m.saga[e.InstanceID]) + 1)
	cp.ID = cp.Sequence
	m.saga[e.InstanceID] = append(m.saga[e.InstanceID], &cp)
	e.Sequence = cp.Sequence
	return nil
}

func (m *memStore) ListSaga(_ context.Context, instanceID string) ([]*schema.SagaEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.SagaEntry, len(m.saga[instanceID]))
	copy(out, m.saga[instanceID])
	return out, nil
}

// phases returns the saga phases of an instance in order.
func (m *memStore) phases(instanceID string) []schema.SagaPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.SagaPhase
	for _, e := range m.saga[instanceID] {
		out = append(out, e.Phase)
	}
	return out
}

// sawPhase reports whether any instance logged a saga entry in phase.
func (m *memStore) sawPhase(phase schema.SagaPhase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entries := range m.saga {
		for _, e := range entries {
			if e.Phase == phase {
				return true
			}
		}
	}
	return false
}

// --- EventInbox ---

func (m *memStore) ExpectEvent(_ context.Context, correlationID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected[correlationID] = instanceID
	return nil
}

func (m *memStore) DeliverEvent(_ context.Context, correlationID string, payload json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox[correlationID] = &schema.EventResponse{CorrelationID: correlationID, Payload: payload, ReceivedAt: time.Now()}
	return m.expected[correlationID], nil
}

func (m *memStore) GetEventResponse(_ context.Context, correlationID string) (*schema.EventResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.inbox[correlationID]
	if !ok {
		return nil, nil
	}
	cp := *resp
	return &cp, nil
}

// --- downstream fakes ---

// call is one outbound interaction observed by the fakes, in global order.
type call struct {
	Kind   string // "http" or "publish"
	Method string
	Target string // url or topic
	Body   any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) targets() []string {
	var out []string
	for _, c := range r.all() {
		if c.Kind == "http" {
			out = append(out, c.Method+" "+c.Target)
		} else {
			out = append(out, "publish "+c.Target)
		}
	}
	return out
}

// fakeHTTP answers calls with handler; the default handler echoes the request.
type fakeHTTP struct {
	rec     *recorder
	handler func(method, url string, body any) (any, error)
}

func (f *fakeHTTP) Call(ctx context.Context, method, url string, body any) (any, error) {
	f.rec.add(call{Kind: "http", Method: method, Target: url, Body: body})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.handler == nil {
		return map[string]any{"url": url, "method": method}, nil
	}
	return f.handler(method, url, body)
}

type fakePublisher struct {
	rec *recorder
	err error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload any) error {
	f.rec.add(call{Kind: "publish", Method: key, Target: topic, Body: payload})
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func httpError(status int) error {
	return schema.NewErrorf(schema.ErrCodeDownstream, "status %d", status).
		WithClass(schema.ErrorClassHTTP).
		WithDetails(map[string]any{"status_code": status})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return b
}

// childrenOf returns the ids of the instances spawned by parentID.
func (m *memStore) childrenOf(parentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, inst := range m.instances {
		if inst.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out
}
