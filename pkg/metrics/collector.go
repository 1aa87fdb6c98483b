package metrics

import "time"

// QueueInspector exposes the counts a Collector samples from the Store.
type QueueInspector interface {
	WaitingSize() (int, error)
	TerminationQueueSize() (int, error)
}

// FleetInspector exposes the running-container count a Collector samples
// from the Scheduler.
type FleetInspector interface {
	RunningCount() int
}

// Collector periodically samples queue and fleet state into gauges. It
// does not own any of the state it reads; Start/Stop only control the
// sampling goroutine.
type Collector struct {
	queue  QueueInspector
	fleet  FleetInspector
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given store and
// scheduler views.
func NewCollector(queue QueueInspector, fleet FleetInspector) *Collector {
	return &Collector{
		queue:  queue,
		fleet:  fleet,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, collecting once
// immediately before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectFleetMetrics()
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	if n, err := c.queue.WaitingSize(); err == nil {
		WaitingQueueSize.Set(float64(n))
	}
	if n, err := c.queue.TerminationQueueSize(); err == nil {
		TerminationQueueSize.Set(float64(n))
	}
}

func (c *Collector) collectFleetMetrics() {
	if c.fleet == nil {
		return
	}
	RunningContainers.Set(float64(c.fleet.RunningCount()))
}
