package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue and fleet gauges
	WaitingQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairshare_waiting_queue_size",
			Help: "Current number of jobs in the waiting queue",
		},
	)

	RunningContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairshare_running_containers",
			Help: "Current number of running containers",
		},
	)

	TerminationQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairshare_termination_queue_size",
			Help: "Current number of pending termination requests",
		},
	)

	// API request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_requests_total",
			Help: "Total number of inbound requests by type and outcome",
		},
		[]string{"request", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fairshare_request_duration_seconds",
			Help:    "Inbound request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request"},
	)

	// Scheduler metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairshare_dispatch_latency_seconds",
			Help:    "Time taken to dispatch a job, from selection to notify",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_jobs_dispatched_total",
			Help: "Total number of jobs dispatched, by priority",
		},
		[]string{"priority"},
	)

	JobsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairshare_jobs_abandoned_total",
			Help: "Total number of jobs abandoned after exhausting the run retry ladder",
		},
	)

	PortAllocationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairshare_port_allocation_retries_total",
			Help: "Total number of port re-allocations triggered by a Run failure",
		},
	)

	// Runtime adapter metrics
	RuntimeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_runtime_retries_total",
			Help: "Total number of runtime-handle rebuild-and-retry attempts, by call",
		},
		[]string{"call"},
	)

	RuntimeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_runtime_errors_total",
			Help: "Total number of runtime-adapter errors that survived retry, by call",
		},
		[]string{"call"},
	)

	// Monitor metrics
	ContainersTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_containers_terminated_total",
			Help: "Total number of containers terminated, by reason",
		},
		[]string{"reason"},
	)

	IdleScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairshare_idle_scan_duration_seconds",
			Help:    "Time taken for one idleness-scan cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CallbackFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairshare_callback_failures_total",
			Help: "Total number of failed outbound client callbacks, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		WaitingQueueSize,
		RunningContainers,
		TerminationQueueSize,
		RequestsTotal,
		RequestDuration,
		DispatchLatency,
		JobsDispatchedTotal,
		JobsAbandonedTotal,
		PortAllocationRetries,
		RuntimeRetriesTotal,
		RuntimeErrorsTotal,
		ContainersTerminatedTotal,
		IdleScanDuration,
		CallbackFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
