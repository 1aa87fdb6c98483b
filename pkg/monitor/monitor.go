package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lattice-edge/fairshare/pkg/config"
	"github.com/lattice-edge/fairshare/pkg/events"
	"github.com/lattice-edge/fairshare/pkg/log"
	"github.com/lattice-edge/fairshare/pkg/metrics"
	"github.com/lattice-edge/fairshare/pkg/protocol"
	"github.com/lattice-edge/fairshare/pkg/runtime"
	"github.com/lattice-edge/fairshare/pkg/security"
	"github.com/lattice-edge/fairshare/pkg/storage"
	"github.com/lattice-edge/fairshare/pkg/types"
)

// idleScanInterval is how often the idleness scan runs.
const idleScanInterval = 2 * time.Minute

// idleSampleGap is the spacing between the two CPU samples a single
// idleness scan takes.
const idleSampleGap = 10 * time.Second

// idleThresholdPct is the one-core CPU percentage below which a
// container is judged idle.
const idleThresholdPct = 10.0

// minUptime excludes freshly started containers from the idleness scan;
// their first sample would otherwise read as idle before the workload
// inside has had a chance to start.
const minUptime = 60 * time.Second

// terminationDrainInterval is how often pending termination requests are
// serviced.
const terminationDrainInterval = 1 * time.Second

// Monitor watches running containers for idleness and services
// termination requests, whatever queued them.
type Monitor struct {
	cfg     *config.Config
	store   storage.Store
	adapter runtime.Adapter
	events  *events.Broker

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// SetEvents attaches a broker that idleness and termination findings are
// published to. Not setting one is fine; publishes become no-ops.
func (m *Monitor) SetEvents(b *events.Broker) {
	m.events = b
}

func (m *Monitor) publish(eventType events.EventType, jobID int64, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"job_id": fmt.Sprintf("%d", jobID),
		},
	})
}

// New builds a Monitor over store and adapter, configured from cfg.
func New(cfg *config.Config, store storage.Store, adapter runtime.Adapter) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the idleness scan and termination drain loops until ctx is
// cancelled or Stop is called. It blocks until both loops exit.
func (m *Monitor) Start(ctx context.Context) error {
	log.WithComponent("monitor").Info().Msg("monitor started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runIdleScan(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runTerminationDrain(ctx)
	}()
	wg.Wait()

	log.WithComponent("monitor").Info().Msg("monitor stopped")
	return nil
}

// Stop requests both loops to exit after their current iteration.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

func (m *Monitor) runIdleScan(ctx context.Context) {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		timer := metrics.NewTimer()
		idle, err := m.scanForIdle(ctx)
		timer.ObserveDuration(metrics.IdleScanDuration)
		if err != nil {
			log.WithComponent("monitor").Error().Err(err).Msg("idle scan failed, skipping this cycle")
			continue
		}
		if len(idle) == 0 {
			continue
		}

		for _, id := range idle {
			jobID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				log.WithComponent("monitor").Warn().Str("container", id).Msg("idle container name is not a job id, skipping")
				continue
			}
			if err := m.store.EnqueueTermination(&types.TerminationRequest{
				JobID:  jobID,
				Reason: types.ReasonContainerIdle,
			}); err != nil {
				log.WithJobID(jobID).Error().Err(err).Msg("failed to queue idle termination")
				continue
			}
			m.publish(events.EventContainerIdle, jobID, "below cpu threshold, queued for termination")
		}
	}
}

// scanForIdle takes two CPU samples idleSampleGap apart and returns the
// container names (job ids, as strings) judged idle. A runtime error on
// either sample aborts the cycle with an error rather than returning a
// partial or carried-forward result.
func (m *Monitor) scanForIdle(ctx context.Context) ([]string, error) {
	before, err := m.sampleEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("first cpu sample: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(idleSampleGap):
	}

	after, err := m.sampleEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("second cpu sample: %w", err)
	}

	var idle []string
	for name, cur := range after {
		prev, existedBefore := before[name]
		pct := calculatePercentage(cur, prev, existedBefore, m.cfg.Cores)
		if pct < idleThresholdPct {
			idle = append(idle, name)
		}
	}
	return idle, nil
}

// sampleEligible returns one CPU usage sample per container whose
// uptime exceeds minUptime, keyed by container name.
func (m *Monitor) sampleEligible(ctx context.Context) (map[string]*types.ContainerStats, error) {
	running, err := m.adapter.List(ctx)
	if err != nil {
		return nil, err
	}

	samples := make(map[string]*types.ContainerStats, len(running))
	now := time.Now()
	for _, c := range running {
		if now.Sub(c.CreatedAt) <= minUptime {
			continue
		}
		stats, err := m.adapter.Stats(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		samples[c.Name] = stats
	}
	return samples, nil
}

// calculatePercentage computes a container's share of one core's worth
// of CPU time consumed between two samples. A container with no prior
// sample (started between the two samples) is treated as fully busy,
// since there is no usable delta to measure it by.
func calculatePercentage(cur, prev *types.ContainerStats, existedBefore bool, cores int) float64 {
	if !existedBefore {
		return 100.0
	}

	totalDelta := float64(cur.CPUTotalUsage) - float64(prev.CPUTotalUsage)
	systemDelta := float64(cur.SystemCPUUsage) - float64(prev.SystemCPUUsage)
	if totalDelta <= 0 || systemDelta <= 0 {
		return 0.0
	}

	return (totalDelta / systemDelta) * 100.0 * float64(cores)
}

func (m *Monitor) runTerminationDrain(ctx context.Context) {
	ticker := time.NewTicker(terminationDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		if err := m.drainOnce(ctx); err != nil {
			log.WithComponent("monitor").Error().Err(err).Msg("termination drain failed")
		}
	}
}

func (m *Monitor) drainOnce(ctx context.Context) error {
	requests, err := m.store.ListTerminationRequests()
	if err != nil {
		return fmt.Errorf("list termination requests: %w", err)
	}

	for _, req := range requests {
		existed, err := m.terminateOne(ctx, req)
		if err != nil {
			log.WithJobID(req.JobID).Error().Err(err).Msg("failed to terminate container")
			continue
		}

		if err := m.store.DeleteTerminationRequest(req.JobID); err != nil {
			log.WithJobID(req.JobID).Error().Err(err).Msg("failed to delete termination request")
			continue
		}

		if existed {
			metrics.ContainersTerminatedTotal.WithLabelValues(req.Reason).Inc()
			m.publish(events.EventJobTerminated, req.JobID, req.Reason)
			m.notifyTerminated(req.JobID, req.Reason)
		}
	}
	return nil
}

// terminateOne stops and removes the container named after req.JobID,
// tolerating one that is already gone, and reports whether it ever
// existed.
func (m *Monitor) terminateOne(ctx context.Context, req *types.TerminationRequest) (bool, error) {
	name := fmt.Sprintf("%d", req.JobID)

	running, err := m.adapter.List(ctx)
	if err != nil {
		return false, err
	}

	var id string
	for _, c := range running {
		if c.Name == name {
			id = c.ID
			break
		}
	}
	if id == "" {
		return false, nil
	}

	if err := m.adapter.Stop(ctx, id); err != nil {
		return false, fmt.Errorf("stop container %s: %w", id, err)
	}
	if err := m.adapter.Remove(ctx, id); err != nil {
		return false, fmt.Errorf("remove container %s: %w", id, err)
	}
	return true, nil
}

// notifyTerminated opens an outbound mTLS connection to the job's owning
// client and delivers a Terminated notification. A failure here is
// logged, not retried: the container is already gone either way.
func (m *Monitor) notifyTerminated(jobID int64, reason string) {
	job, err := m.store.LookupHistory(jobID)
	if err != nil || job == nil {
		log.WithJobID(jobID).Warn().Msg("no history entry for terminated job, cannot notify client")
		return
	}

	conn, err := m.dialClient(job)
	if err != nil {
		metrics.CallbackFailuresTotal.WithLabelValues("terminated").Inc()
		log.WithJobID(jobID).Error().Err(err).Msg("failed to dial client for termination notice")
		return
	}
	defer conn.Close()

	data, err := json.Marshal(protocol.NewTerminated(jobID, reason))
	if err != nil {
		log.WithJobID(jobID).Error().Err(err).Msg("failed to encode termination notice")
		return
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		log.WithJobID(jobID).Error().Err(err).Msg("failed to send termination notice")
	}
}

func (m *Monitor) dialClient(job *types.Job) (*tls.Conn, error) {
	tlsCfg, err := security.ClientTLSConfig(m.cfg.CertDir, job.ClientName)
	if err != nil {
		return nil, fmt.Errorf("build client tls config: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", job.ClientIP, job.ClientPort)
	return tls.Dial("tcp", addr, tlsCfg)
}
