/*
Package metrics defines and registers the node's Prometheus metrics and
exposes them over an HTTP handler for scraping.

# Metrics catalog

Queue and fleet gauges, refreshed on a timer by Collector:

	fairshare_waiting_queue_size        number of jobs waiting to dispatch
	fairshare_running_containers        number of containers currently running
	fairshare_termination_queue_size    number of pending termination requests

Inbound request metrics, recorded by the server on every connection:

	fairshare_requests_total{request,outcome}       counter
	fairshare_request_duration_seconds{request}     histogram

Scheduler metrics:

	fairshare_dispatch_latency_seconds          histogram, selection to notify
	fairshare_jobs_dispatched_total{priority}   counter
	fairshare_jobs_abandoned_total              counter, exhausted the run retry ladder
	fairshare_port_allocation_retries_total     counter

Runtime adapter metrics:

	fairshare_runtime_retries_total{call}   counter, handle rebuild-and-retry attempts
	fairshare_runtime_errors_total{call}    counter, errors that survived retry

Monitor metrics:

	fairshare_containers_terminated_total{reason}   counter
	fairshare_idle_scan_duration_seconds            histogram
	fairshare_callback_failures_total{kind}         counter, failed outbound notifications

# Usage

	timer := metrics.NewTimer()
	// ... do the work ...
	timer.ObserveDuration(metrics.DispatchLatency)

	http.Handle("/metrics", metrics.Handler())

All metrics are registered at package init against the default
Prometheus registry, so importing this package is enough to make them
visible on the handler; callers never construct or register a metric
themselves.
*/
package metrics
