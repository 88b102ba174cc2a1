// Package metrics exposes Prometheus counters/gauges for a dispatcher run.
// Grounded on the teacher's internal/metrics.Collector (one struct holding
// every metric, a constructor that builds-and-registers, a StartServer
// helper) generalized from job-queue counters to task/worker counters.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarantool/test-run/pkg/types"
)

// Collector holds every metric this run publishes.
type Collector struct {
	tasksByStatus  *prometheus.CounterVec
	taskLatency    prometheus.Histogram
	workersActive  prometheus.Gauge
	workersStarted prometheus.Counter
	workersReaped  prometheus.Counter
	hangTriggered  prometheus.Counter
	failFastFired  prometheus.Counter
}

// NewCollector builds a Collector and registers its metrics against reg.
// Passing a fresh prometheus.NewRegistry() (rather than the global default
// registry) keeps repeated test construction from panicking on duplicate
// registration, the way the teacher's MustRegister-against-the-default-
// registry cannot.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		tasksByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testrun_tasks_total",
			Help: "Total number of tasks completed, partitioned by short status",
		}, []string{"status"}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "testrun_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testrun_workers_active",
			Help: "Current number of live worker processes",
		}),
		workersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testrun_workers_started_total",
			Help: "Total number of worker processes started",
		}),
		workersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testrun_workers_reaped_total",
			Help: "Total number of worker processes reaped after dying without reporting Done",
		}),
		hangTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testrun_hang_triggered_total",
			Help: "Total number of times the hang detector killed the worker pool",
		}),
		failFastFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testrun_fail_fast_triggered_total",
			Help: "Total number of times fail-fast terminated the run after a failing task",
		}),
	}

	reg.MustRegister(
		c.tasksByStatus,
		c.taskLatency,
		c.workersActive,
		c.workersStarted,
		c.workersReaped,
		c.hangTriggered,
		c.failFastFired,
	)

	return c
}

// RecordTaskResult records one completed task's status and how long it ran.
func (c *Collector) RecordTaskResult(status types.ShortStatus, durationSeconds float64) {
	c.tasksByStatus.WithLabelValues(string(status)).Inc()
	c.taskLatency.Observe(durationSeconds)
}

// RecordWorkerStarted increments the started counter and the active gauge.
func (c *Collector) RecordWorkerStarted() {
	c.workersStarted.Inc()
	c.workersActive.Inc()
}

// RecordWorkerExited decrements the active gauge.
func (c *Collector) RecordWorkerExited() {
	c.workersActive.Dec()
}

// RecordWorkerReaped records a dead-process reap, in addition to the usual
// RecordWorkerExited.
func (c *Collector) RecordWorkerReaped() {
	c.workersReaped.Inc()
}

// RecordHangTriggered records one hang-kill event.
func (c *Collector) RecordHangTriggered() {
	c.hangTriggered.Inc()
}

// RecordFailFastTriggered records one fail-fast termination.
func (c *Collector) RecordFailFastTriggered() {
	c.failFastFired.Inc()
}

// StartServer serves reg's metrics on /metrics at the given port. It blocks
// until the server stops; callers run it in its own goroutine.
func StartServer(port int, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
