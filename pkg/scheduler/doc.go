/*
Package scheduler implements the dispatch loop: picking the next waiting
job under the configured fairness strategy, finding resources for it,
starting its container, and handing the client its connection details.

# Loop

Start runs the loop in the calling goroutine, pausing briefly only when
a pass dispatches nothing:

	for not stopped:
	    running := runtime.List()
	    if WaitingSize() > 0 and len(running) < MaxJobs:
	        if hostResourcesAvailable():
	            dispatchOne()

Dispatch is synchronous within the loop: a slow or unreachable client
callback delays the next poll rather than running concurrently with it.
This mirrors the single-threaded scheduler this system replaces, where
dispatch, port allocation, container start and the outbound notify all
happened inline before the next queue check.

# Strategies

Four selection disciplines are supported, chosen at startup by
configuration and never changed at runtime:

  - FIFO: oldest waiting job, regardless of client or priority.
  - Fair by client: the client with the fewest dispatches in the
    trailing 7-day window gets its oldest waiting job run next.
  - Weighted priority: SelectPriority picks a priority class by
    comparing its 7-day dispatch share against a fixed weight table,
    then runs the oldest waiting job at that priority.
  - Weighted priority + fair by client: as above, but client frequency
    is computed within the chosen priority class before selecting whose
    job runs.

# Dispatch

Dispatching a job moves it to history, allocates host ports (including
the implicit SSH port), starts the container, and opens an outbound
mTLS connection back to the client to deliver the Started notification
and receive its public key for SSH provisioning. A container start
failure is retried once against the same ports, then once more with a
freshly allocated port set, before the job is abandoned without
re-queueing.
*/
package scheduler
