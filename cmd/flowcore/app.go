package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/flowcore/internal/downstream"
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/lock"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/internal/saga"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// app is the wired process: one store, one interpreter, and the adapters
// they share.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	metrics   *metrics.Recorder
	locker    engine.Locker
	publisher downstream.Publisher
	breakers  *resilience.BreakerRegistry
	engine    *engine.Interpreter
	validator *validation.TemplateValidator

	closers []func(context.Context) error
}

// newApp opens the store and wires every component from cfg. Logs go to w.
func newApp(cfg Config, w io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(w, cfg.LogLevel)}

	if path, local := store.LocalPath(cfg.DBPath); local {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(store.DSN(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	if err := a.wire(); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.New(registry)
	if err != nil {
		return err
	}
	a.metrics = rec

	tp, err := a.tracerProvider()
	if err != nil {
		return err
	}

	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	a.publisher = publisher
	a.closers = append(a.closers, func(context.Context) error { return publisher.Close() })

	locker, err := a.newLocker()
	if err != nil {
		return err
	}
	a.locker = locker

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
		HalfOpenMax:      cfg.Circuit.HalfOpenMax,
	}, resilience.WithStateHook(rec.CircuitHook))
	adapter := resilience.NewAdapter(breakers,
		resilience.WithLogger(a.logger),
		resilience.WithObserver(rec))
	a.breakers = adapter.Breakers()

	caller := downstream.NewHTTPClient(downstream.HTTPConfig{DefaultTimeout: cfg.HTTP.Timeout})
	sagaLog := saga.NewLog(a.store)
	compensator := saga.NewCompensator(sagaLog, caller, publisher, nil, a.logger,
		saga.WithCompensationObserver(rec.ObserveCompensation))

	in, err := engine.New(engine.Deps{
		Instances:   a.store,
		Templates:   a.store,
		Tasks:       a.store,
		Inbox:       a.store,
		Saga:        sagaLog,
		Compensator: compensator,
		HTTP:        caller,
		Publisher:   publisher,
		Resilience:  adapter,
	},
		engine.WithLogger(a.logger),
		engine.WithMetrics(rec),
		engine.WithTracerProvider(tp),
		engine.WithLocker(locker),
		engine.WithMaxDepth(cfg.MaxDepth),
		engine.WithProgramCache(cfg.TemplateCacheTTL, engine.DefaultCacheCapacity),
	)
	if err != nil {
		return err
	}
	in.FSM().OnTransition(func(id string, from, to schema.InstanceStatus) {
		a.logger.Debug("instance transition", "instance_id", id, "from", from, "to", to)
	})
	a.engine = in

	v, err := validation.NewTemplateValidator(templateLookup{a.store}, cfg.MaxDepth)
	if err != nil {
		return err
	}
	a.validator = v
	return nil
}

func (a *app) tracerProvider() (trace.TracerProvider, error) {
	if !a.cfg.TraceStdout {
		return noop.NewTracerProvider(), nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "flowcore"),
			attribute.String("service.version", version),
		)),
	)
	a.closers = append(a.closers, tp.Shutdown)
	return tp, nil
}

func (a *app) newPublisher() (downstream.Publisher, error) {
	switch a.cfg.Bus.Driver {
	case "kafka":
		return downstream.NewKafkaPublisher(a.cfg.Bus.Kafka.Brokers), nil
	case "nats":
		p, err := downstream.NewNATSPublisher(a.cfg.Bus.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return p, nil
	default:
		return downstream.DisabledPublisher{}, nil
	}
}

func (a *app) newLocker() (engine.Locker, error) {
	if a.cfg.Lock.Driver != "redis" {
		return lock.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Lock.Redis.Addr})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return lock.NewRedis(client, lock.WithTTL(a.cfg.Lock.TTL), lock.WithLogger(a.logger)), nil
}

// resumeLocked resumes id under the instance lock. A held lock is reported
// as an error so CLI callers can retry.
func (a *app) resumeLocked(ctx context.Context, id string) error {
	unlock, ok, err := a.locker.TryLock(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance %s is being resumed elsewhere", id)
	}
	defer unlock()
	return a.engine.Resume(ctx, id)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// templateLookup adapts the template store for subprocess reference checks.
type templateLookup struct {
	templates store.TemplateStore
}

func (l templateLookup) HasTemplate(code string) bool {
	_, err := l.templates.GetTemplate(context.Background(), code)
	return err == nil
}
