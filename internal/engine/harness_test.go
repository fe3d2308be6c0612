package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/internal/saga"
	"github.com/rendis/flowcore/pkg/schema"
)

type harness struct {
	store    *memStore
	rec      *recorder
	http     *fakeHTTP
	pub      *fakePublisher
	clock    *clock.Mock
	breakers *resilience.BreakerRegistry
	in       *Interpreter
	cfg      harnessConfig

	mu     sync.Mutex
	sleeps []time.Duration
}

type harnessConfig struct {
	breaker  resilience.BreakerConfig
	maxDepth int
}

type harnessOption func(*harnessConfig)

func withBreaker(cfg resilience.BreakerConfig) harnessOption {
	return func(c *harnessConfig) { c.breaker = cfg }
}

func withMaxDepth(n int) harnessOption {
	return func(c *harnessConfig) { c.maxDepth = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{breaker: resilience.DefaultBreakerConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}

	rec := &recorder{}
	h := &harness{
		store: newMemStore(),
		rec:   rec,
		http:  &fakeHTTP{rec: rec},
		pub:   &fakePublisher{rec: rec},
		clock: clock.NewMock(),
	}
	h.clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	h.cfg = cfg
	h.in = h.newInterpreter(t)
	return h
}

// newInterpreter builds an interpreter over the harness store and fakes with
// a fresh breaker registry, as a restarted process would have.
func (h *harness) newInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.breakers = resilience.NewBreakerRegistry(h.cfg.breaker, resilience.WithRegistryClock(h.clock))
	adapter := resilience.NewAdapter(h.breakers,
		resilience.WithClock(h.clock),
		resilience.WithLogger(logger),
		resilience.WithSleeper(func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	sagaLog := saga.NewLog(h.store)

	in, err := New(Deps{
		Instances:   h.store,
		Templates:   h.store,
		Tasks:       h.store,
		Inbox:       h.store,
		Saga:        sagaLog,
		Compensator: saga.NewCompensator(sagaLog, h.http, h.pub, nil, logger),
		HTTP:        h.http,
		Publisher:   h.pub,
		Resilience:  adapter,
	}, WithClock(h.clock), WithLogger(logger), WithMaxDepth(h.cfg.maxDepth))
	require.NoError(t, err)
	return in
}

// restart replaces the interpreter, keeping the store and the fakes.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	h.in = h.newInterpreter(t)
}

// put registers a template whose steps are the given JSON documents.
func (h *harness) put(t *testing.T, code string, steps ...string) {
	t.Helper()
	def := schema.TemplateDefinition{}
	for _, s := range steps {
		require.True(t, json.Valid([]byte(s)), "invalid step JSON: %s", s)
		def.Steps = append(def.Steps, json.RawMessage(s))
	}
	_, err := h.store.PutTemplate(context.Background(), code, def)
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, code string, input map[string]any) (string, error) {
	t.Helper()
	id, err := h.in.Start(context.Background(), code, input)
	require.NotEmpty(t, id, "start returned no instance id: %v", err)
	return id, err
}

func (h *harness) resume(t *testing.T, id string) error {
	t.Helper()
	return h.in.Resume(context.Background(), id)
}

func (h *harness) instance(t *testing.T, id string) *schema.Instance {
	t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) completeTask(t *testing.T, id string, result any) {
	t.Helper()
	tasks := h.store.tasksFor(id)
	var pending *schema.Task
	for _, task := range tasks {
		if task.Status == schema.TaskStatusPending {
			pending = task
		}
	}
	require.NotNil(t, pending, "instance %s has no pending task", id)
	_, err := h.store.CompleteTask(context.Background(), pending.ID, mustJSON(result))
	require.NoError(t, err)
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.sleeps))
	copy(out, h.sleeps)
	return out
}
