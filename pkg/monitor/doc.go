/*
Package monitor runs the node's two background housekeeping duties:
spotting containers that have gone idle and draining queued
terminations, whatever their cause.

# Idleness scan

Every two minutes, Monitor takes two CPU usage samples ten seconds
apart across every container older than 60 seconds, then computes each
container's percentage of one core's worth of CPU time consumed in
that window. A container below 10% is queued for termination with
reason "Container Idle"; a container that only appears in the second
sample (started mid-window) is treated as fully busy rather than idle,
since there is no usable delta to measure it by.

A runtime error while sampling aborts that cycle's idleness judgement
entirely rather than reusing the previous cycle's result: queuing the
same containers for termination cycle after cycle off a single stale
reading would eventually stop them even after they became busy again.

# Termination drain

Roughly once a second, Monitor reads every pending termination request,
stops and removes the named container (tolerating one that is already
gone), deletes the request, and if the container actually existed,
opens an outbound connection to the owning client with a Terminated
notification.
*/
package monitor
