// Package events is a small in-memory pub/sub broker used to decouple
// the scheduler and monitor from whatever is watching job lifecycle
// transitions (logging, metrics, an admin console). Publish never
// blocks on a slow subscriber: a full subscriber buffer drops the event
// rather than stalling the publisher.
package events
