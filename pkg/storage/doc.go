// Package storage persists the waiting queue, job history, and pending
// termination requests for a single edge node.
//
// BoltStore is the only implementation: a single embedded BoltDB file
// (edge.db) with three buckets, job_queue, jobs, and term_queue, keyed
// by an 8-byte big-endian job id so a bucket cursor walks oldest first.
// Every value is a JSON blob. A job moves from job_queue to jobs
// atomically inside one write transaction; it never exists in both or
// neither. Fairness queries (ClientFrequency, PriorityFrequency, ...)
// scan the jobs bucket filtering on a rolling time window rather than
// maintaining separate counters, since a single node's history is small
// enough that a full scan costs nothing.
package storage
