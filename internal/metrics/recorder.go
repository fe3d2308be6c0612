// Package metrics exposes interpreter activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "flowcore"

var defaultBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

// Recorder implements the observer hooks of the engine, the resilience
// adapter and the compensator on top of one registry.
type Recorder struct {
	registry *prometheus.Registry

	resumes        *prometheus.CounterVec
	resumeDuration *prometheus.HistogramVec
	steps          *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
	circuitChanges *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	wakeups        *prometheus.CounterVec
}

// New creates a Recorder registered on registry, or on a fresh registry when nil.
func New(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{
		registry: registry,
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "resumes_total",
			Help: "Resumes by resulting instance status.",
		}, []string{"status"}),
		resumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: DefaultNamespace, Name: "resume_duration_seconds",
			Help: "Wall time of one resume.", Buckets: defaultBuckets,
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "steps_total",
			Help: "Executed steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: DefaultNamespace, Name: "step_duration_seconds",
			Help: "Step execution time by kind.", Buckets: defaultBuckets,
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "retries_total",
			Help: "Outbound call retries by circuit service.",
		}, []string{"service"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: DefaultNamespace, Name: "circuit_state",
			Help: "Circuit state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		circuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "circuit_transitions_total",
			Help: "Circuit state changes per service and target state.",
		}, []string{"service", "to"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "compensations_total",
			Help: "Executed compensating actions by outcome.",
		}, []string{"outcome"}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: DefaultNamespace, Name: "waker_resumes_total",
			Help: "Resumes dispatched by the waker by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		r.resumes, r.resumeDuration, r.steps, r.stepDuration, r.retries,
		r.circuitState, r.circuitChanges, r.compensations, r.wakeups,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveResume records one finished resume.
func (r *Recorder) ObserveResume(status schema.InstanceStatus, d time.Duration) {
	r.resumes.WithLabelValues(string(status)).Inc()
	r.resumeDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveStep records one executed step.
func (r *Recorder) ObserveStep(kind schema.StepKind, outcome string, d time.Duration) {
	r.steps.WithLabelValues(string(kind), outcome).Inc()
	r.stepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveRetry records one retry. Calls without a circuit count under "".
func (r *Recorder) ObserveRetry(service string) {
	r.retries.WithLabelValues(service).Inc()
}

// CircuitHook tracks breaker state. Pass it to resilience.WithStateHook.
func (r *Recorder) CircuitHook(service string, _, to resilience.State) {
	r.circuitState.WithLabelValues(service).Set(float64(to))
	r.circuitChanges.WithLabelValues(service, to.String()).Inc()
}

// ObserveCompensation records one compensating action outcome.
func (r *Recorder) ObserveCompensation(outcome string) {
	r.compensations.WithLabelValues(outcome).Inc()
}

// ObserveWake records the result of one waker dispatch.
func (r *Recorder) ObserveWake(result string) {
	r.wakeups.WithLabelValues(result).Inc()
}

// WatchPool exposes a gauge read from active on every scrape.
func (r *Recorder) WatchPool(active func() int64) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: DefaultNamespace, Name: "waker_active_resumes",
		Help: "Resumes currently running on the waker pool.",
	}, func() float64 { return float64(active()) }))
}
