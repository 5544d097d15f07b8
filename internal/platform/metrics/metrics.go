// Package metrics exposes Prometheus counters and gauges for the job
// lifecycle: enqueue, claim, completion, deferral, and failure, plus queue
// depth gauges broken out by state.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric coreflow's daemons report.
type Collector struct {
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsDeferred   prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsErrored    prometheus.Counter
	jobsKilled     prometheus.Counter

	jobLatency    prometheus.Histogram
	schedulerLag  prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
	jobsInFlight  prometheus.Gauge
	daemonsAlive  prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry. Call once per process.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued.",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_dispatched_total",
			Help: "Total number of jobs claimed and dispatched to an executor.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_completed_total",
			Help: "Total number of jobs that reached COMPLETE.",
		}),
		jobsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_deferred_total",
			Help: "Total number of deferral transitions.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_failed_total",
			Help: "Total number of jobs that reached FAILED (attempts remaining).",
		}),
		jobsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_errored_total",
			Help: "Total number of jobs that reached ERROR (attempts exhausted).",
		}),
		jobsKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coreflow_jobs_killed_total",
			Help: "Total number of jobs reaped as KILLED.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coreflow_job_run_seconds",
			Help:    "Wall-clock runtime of a job from RUNNING to a terminal state, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		schedulerLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coreflow_scheduler_tick_seconds",
			Help:    "Scheduler tick evaluation duration, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coreflow_queue_depth",
			Help: "Current number of jobs per state.",
		}, []string{"state"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coreflow_jobs_in_flight",
			Help: "Current number of RUNNING jobs across all workers.",
		}),
		daemonsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coreflow_daemons_alive",
			Help: "Current number of daemons with a fresh heartbeat.",
		}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsDeferred,
		c.jobsFailed, c.jobsErrored, c.jobsKilled,
		c.jobLatency, c.schedulerLag, c.queueDepth, c.jobsInFlight, c.daemonsAlive,
	)
	return c
}

func (c *Collector) RecordEnqueue()   { c.jobsEnqueued.Inc() }
func (c *Collector) RecordDispatch()  { c.jobsDispatched.Inc() }
func (c *Collector) RecordDeferred()  { c.jobsDeferred.Inc() }
func (c *Collector) RecordFailed()    { c.jobsFailed.Inc() }
func (c *Collector) RecordErrored()   { c.jobsErrored.Inc() }
func (c *Collector) RecordKilled()    { c.jobsKilled.Inc() }

// RecordCompleted records a successful run and its latency in seconds.
func (c *Collector) RecordCompleted(runtimeSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(runtimeSeconds)
}

func (c *Collector) ObserveSchedulerTick(seconds float64) {
	c.schedulerLag.Observe(seconds)
}

// SetQueueDepth replaces the gauge for a given state.
func (c *Collector) SetQueueDepth(state string, count float64) {
	c.queueDepth.WithLabelValues(state).Set(count)
}

func (c *Collector) SetInFlight(count float64)   { c.jobsInFlight.Set(count) }
func (c *Collector) SetDaemonsAlive(count float64) { c.daemonsAlive.Set(count) }

// StartServer exposes /metrics on addr (e.g. ":9090") using its own
// ServeMux so registering it never collides with a caller's default mux.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

// Addr formats a ":port" style listen address from a bare port number.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
