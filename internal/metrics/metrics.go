package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for queue and worker activity.
type Metrics struct {
	enqueued    prometheus.Counter
	deduped     prometheus.Counter
	claimed     prometheus.Counter
	completed   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the process-wide instance registered with the default
// Prometheus registry. Collectors are created once so repeated
// construction in tests does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics against reg and panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		enqueued: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converge", Subsystem: "queue",
			Name: "tasks_enqueued_total",
			Help: "Tasks created by enqueue or enqueue-with-dedupe.",
		})),
		deduped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converge", Subsystem: "queue",
			Name: "tasks_deduped_total",
			Help: "Submissions answered with an existing task.",
		})),
		claimed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converge", Subsystem: "queue",
			Name: "tasks_claimed_total",
			Help: "Tasks moved from PENDING to CLAIMED.",
		})),
		completed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converge", Subsystem: "queue",
			Name: "tasks_completed_total",
			Help: "Completions by resulting status.",
		}, []string{"status"})),
		failures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converge", Subsystem: "queue",
			Name: "tasks_failed_total",
			Help: "Failures by disposition (retry or terminal).",
		}, []string{"disposition"})),
		runDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "converge", Subsystem: "worker",
			Name:    "run_duration_seconds",
			Help:    "Wall time of one workflow invocation.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"outcome"})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "converge", Subsystem: "worker",
			Name: "tasks_in_flight",
			Help: "Tasks currently being driven by this worker.",
		})),
	}

	return m
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) IncDeduped() {
	if m == nil {
		return
	}
	m.deduped.Inc()
}

func (m *Metrics) AddClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) IncCompleted(status string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(status).Inc()
}

// IncFailed records a failure; retried reports whether it went back to PENDING.
func (m *Metrics) IncFailed(retried bool) {
	if m == nil {
		return
	}
	disposition := "terminal"
	if retried {
		disposition = "retry"
	}
	m.failures.WithLabelValues(disposition).Inc()
}

func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
