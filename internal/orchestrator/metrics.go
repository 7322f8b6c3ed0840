package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report deep-phase activity.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when several orchestrators exist in one
// process (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (tests) should supply a fresh
// registry. Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "luma",
			Subsystem: "orchestrator",
			Name:      "analysis_step_duration_seconds",
			Help:      "Duration of each deep-analysis step.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step", "status"},
	)
	stepFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luma",
			Subsystem: "orchestrator",
			Name:      "analysis_step_failures_total",
			Help:      "Total deep-analysis step executions that failed.",
		},
		[]string{"step"},
	)
	stepRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luma",
			Subsystem: "orchestrator",
			Name:      "analysis_retries_total",
			Help:      "Number of persisted answers resubmitted for analysis.",
		},
		[]string{"reason"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "luma",
			Subsystem: "orchestrator",
			Name:      "background_tasks_active",
			Help:      "Number of deep-analysis tasks currently in flight.",
		},
	)

	collectors := []prometheus.Collector{stepDuration, stepFailures, stepRetries, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stepDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case stepFailures:
						stepFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case stepRetries:
						stepRetries = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stepDuration: stepDuration,
		stepFailures: stepFailures,
		stepRetries:  stepRetries,
		tasksActive:  tasksActive,
	}
}

// ObserveStepDuration records the time spent in an analysis step.
func (m *Metrics) ObserveStepDuration(step string, status string, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

// IncStepFailure increments the failure counter for the given step.
func (m *Metrics) IncStepFailure(step string) {
	if m == nil || m.stepFailures == nil {
		return
	}
	m.stepFailures.WithLabelValues(step).Inc()
}

// IncRetry counts one resubmitted answer.
func (m *Metrics) IncRetry(reason string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(reason).Inc()
}

// IncActiveTasks marks a background task as dispatched.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a background task as finished or cancelled.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
