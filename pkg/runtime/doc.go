// Package runtime provides the Adapter abstraction over the container
// runtime: list/inspect/stats, run with resource limits and port
// bindings, exec, archive push, stop/remove/prune.
//
// DockerAdapter is the only implementation, talking to the local Docker
// Engine API. All jobs run the fixed alpine_ssh image; CPU is bounded
// by a CFS period/quota pair and memory by a byte ceiling, both mapped
// onto container.Resources. Idempotent calls (List, Inspect, Stats,
// Stop, Remove, PruneStopped) transparently rebuild the client handle
// and retry once on any runtime-API error; Run does not retry
// internally, since the caller decides whether to rebuild, re-allocate
// ports, or abandon the job.
package runtime
