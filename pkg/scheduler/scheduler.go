package scheduler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lattice-edge/fairshare/pkg/config"
	"github.com/lattice-edge/fairshare/pkg/events"
	"github.com/lattice-edge/fairshare/pkg/log"
	"github.com/lattice-edge/fairshare/pkg/metrics"
	"github.com/lattice-edge/fairshare/pkg/network"
	"github.com/lattice-edge/fairshare/pkg/protocol"
	"github.com/lattice-edge/fairshare/pkg/runtime"
	"github.com/lattice-edge/fairshare/pkg/security"
	"github.com/lattice-edge/fairshare/pkg/storage"
	"github.com/lattice-edge/fairshare/pkg/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// fairnessWindow is the rolling window over which dispatch history is
// weighed for every fairness strategy.
const fairnessWindow = 7 * 24 * time.Hour

// priorityWeights are the target 7-day dispatch shares SelectPriority
// compares observed frequency against.
var priorityWeights = map[types.Priority]float64{
	types.PriorityHigh:   0.50,
	types.PriorityNormal: 0.35,
	types.PriorityLow:    0.15,
}

// pubKeyLimit bounds how much of a client's shell key the scheduler will
// read; the wire protocol has no length prefix on this one exchange, so
// an unbounded read would let a hostile client make the node buffer an
// arbitrary amount of data. It bounds size only, not how long the read
// may take.
const pubKeyLimit = 16 * 1024

// Scheduler runs the dispatch loop: selecting the next waiting job under
// the configured strategy, finding it a container, and notifying the
// client. Exactly one dispatch runs at a time; a slow client connection
// during notify delays the next loop iteration rather than running
// concurrently with it.
type Scheduler struct {
	cfg     *config.Config
	store   storage.Store
	adapter runtime.Adapter

	ports  *network.Allocator
	events *events.Broker

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}

	runningMu sync.RWMutex
	running   int
}

// SetEvents attaches a broker that job lifecycle transitions are
// published to. Not setting one is fine; publishes become no-ops.
func (s *Scheduler) SetEvents(b *events.Broker) {
	s.events = b
}

func (s *Scheduler) publish(eventType events.EventType, jobID int64, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"job_id": fmt.Sprintf("%d", jobID),
		},
	})
}

// New builds a Scheduler over store and adapter, configured from cfg.
func New(cfg *config.Config, store storage.Store, adapter runtime.Adapter) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		ports:   network.NewAllocator(cfg.PortLower, cfg.PortUpper),
		stopCh:  make(chan struct{}),
	}
}

// RunningCount reports the last-observed number of running containers,
// satisfying metrics.FleetInspector.
func (s *Scheduler) RunningCount() int {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
// It blocks until shutdown completes.
func (s *Scheduler) Start(ctx context.Context) error {
	log.WithComponent("scheduler").Info().Int("max_jobs", s.cfg.MaxJobs).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(context.Background())
		case <-s.stopCh:
			return s.shutdown(context.Background())
		default:
		}

		idle, err := s.tick(ctx)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).Msg("dispatch tick failed")
		}
		if idle {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// Stop requests the dispatch loop to exit after its current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// tick runs one iteration of the admission gate, dispatching at most one
// job. It returns idle=true when nothing was dispatched, so Start can
// back off instead of spinning.
func (s *Scheduler) tick(ctx context.Context) (idle bool, err error) {
	running, err := s.adapter.List(ctx)
	if err != nil {
		return true, fmt.Errorf("list running containers: %w", err)
	}
	s.runningMu.Lock()
	s.running = len(running)
	s.runningMu.Unlock()

	waiting, err := s.store.WaitingSize()
	if err != nil {
		return true, fmt.Errorf("check waiting size: %w", err)
	}
	if waiting == 0 || len(running) >= s.cfg.MaxJobs {
		return true, nil
	}

	available, err := s.hostResourcesAvailable()
	if err != nil {
		return true, fmt.Errorf("probe host resources: %w", err)
	}
	if !available {
		return true, nil
	}

	if err := s.dispatchOne(ctx, running); err != nil {
		return false, err
	}
	return false, nil
}

// hostResourcesAvailable implements the admission gate: free CPU
// percentage must be at least CPU_UNIT/(MAX_CPU*cores), and free memory
// (MiB) must be at least MEM_UNIT.
func (s *Scheduler) hostResourcesAvailable() (bool, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return false, fmt.Errorf("sample cpu usage: %w", err)
	}
	if len(percents) == 0 {
		return false, fmt.Errorf("no cpu usage sample returned")
	}
	freeCPUPct := 100.0 - percents[0]
	requiredCPUPct := float64(s.cfg.CPUUnit) / float64(s.cfg.MaxCPU*s.cfg.Cores)

	vm, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Errorf("sample memory usage: %w", err)
	}
	freeMemMiB := float64(vm.Available) / 1024 / 1024

	return freeCPUPct >= requiredCPUPct && freeMemMiB >= float64(s.cfg.MemUnit), nil
}

// dispatchOne selects the next job under the configured strategy and
// carries it through to a running container and client notification.
func (s *Scheduler) dispatchOne(ctx context.Context, running []types.RunningContainer) error {
	timer := metrics.NewTimer()

	job, err := s.selectJob()
	if err != nil {
		return fmt.Errorf("select job: %w", err)
	}
	if job == nil {
		return nil
	}

	dispatchedAt := time.Now()
	if err := s.store.MoveToHistory(job.ID, dispatchedAt); err != nil {
		return fmt.Errorf("move job %d to history: %w", job.ID, err)
	}
	s.publish(events.EventJobDispatched, job.ID, "moved to history, selecting a container slot")

	usedPorts := usedPortSet(running)
	ports, err := s.ports.Allocate(requestedPorts(job.RequestedPorts), usedPorts)
	if err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("unable to allocate ports, abandoning job")
		metrics.JobsAbandonedTotal.Inc()
		s.publish(events.EventJobStartFailed, job.ID, "no ports available")
		return nil
	}

	name := fmt.Sprintf("%d", job.ID)
	containerID, err := s.startWithRetry(ctx, job, name, ports, usedPorts)
	if err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("Unable to start the job")
		metrics.JobsAbandonedTotal.Inc()
		s.publish(events.EventJobStartFailed, job.ID, err.Error())
		return nil
	}
	s.publish(events.EventJobStarted, job.ID, "container running")

	if err := s.notifyAndProvision(ctx, job, containerID, ports); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to notify client or provision ssh access")
	}

	timer.ObserveDuration(metrics.DispatchLatency)
	metrics.JobsDispatchedTotal.WithLabelValues(fmt.Sprintf("%d", job.Priority)).Inc()
	return nil
}

// startWithRetry runs the container-start retry ladder: same ports
// once more, then a fresh port allocation, before giving up.
func (s *Scheduler) startWithRetry(ctx context.Context, job *types.Job, name string, ports types.PortMap, usedPorts map[int]bool) (string, error) {
	cpuPeriod := int64(s.cfg.MaxCPU)
	cpuQuota := int64(s.cfg.CPUUnit)
	memBytes := int64(s.cfg.MemUnit) << 20

	id, err := s.adapter.Run(ctx, name, cpuPeriod, cpuQuota, memBytes, ports)
	if err == nil {
		return id, nil
	}

	if rebuildErr := s.adapter.Rebuild(); rebuildErr != nil {
		log.WithJobID(job.ID).Error().Err(rebuildErr).Msg("failed to rebuild runtime client before retry")
	}

	id, err = s.adapter.Run(ctx, name, cpuPeriod, cpuQuota, memBytes, ports)
	if err == nil {
		return id, nil
	}

	metrics.PortAllocationRetries.Inc()
	reallocated, allocErr := s.ports.Allocate(requestedPorts(job.RequestedPorts), usedPorts)
	if allocErr != nil {
		return "", fmt.Errorf("reallocate ports after run failure: %w", allocErr)
	}

	if rebuildErr := s.adapter.Rebuild(); rebuildErr != nil {
		log.WithJobID(job.ID).Error().Err(rebuildErr).Msg("failed to rebuild runtime client before retry")
	}

	return s.adapter.Run(ctx, name, cpuPeriod, cpuQuota, memBytes, reallocated)
}

// notifyAndProvision opens the outbound callback, sends Started,
// receives the client's public key, and installs it in the container.
func (s *Scheduler) notifyAndProvision(ctx context.Context, job *types.Job, containerID string, ports types.PortMap) error {
	conn, err := s.dialClient(job)
	if err != nil {
		metrics.CallbackFailuresTotal.WithLabelValues("started").Inc()
		return fmt.Errorf("dial client %s: %w", job.ClientName, err)
	}
	defer conn.Close()

	data, err := json.Marshal(protocol.NewStarted(job.ID, ports))
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		return fmt.Errorf("send Started: %w", err)
	}

	pubKey, err := readBounded(conn, pubKeyLimit)
	if err != nil {
		return fmt.Errorf("read client public key: %w", err)
	}

	return s.provisionSSH(ctx, containerID, pubKey)
}

// dialClient opens the outbound mTLS connection used for the
// post-dispatch Started notification. Trust is anchored on the
// per-client CA bundle named after the client, never on the node's own
// identity.
func (s *Scheduler) dialClient(job *types.Job) (*tls.Conn, error) {
	tlsCfg, err := security.ClientTLSConfig(s.cfg.CertDir, job.ClientName)
	if err != nil {
		return nil, fmt.Errorf("build client tls config: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", job.ClientIP, job.ClientPort)
	return tls.Dial("tcp", addr, tlsCfg)
}

// provisionSSH packages pubKey into a tar stream, pushes it into the
// container's /tmp, and installs it as the root user's authorized key.
func (s *Scheduler) provisionSSH(ctx context.Context, containerID string, pubKey []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: "id_rsa.pub",
		Mode: 0644,
		Size: int64(len(pubKey)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(pubKey); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}

	if err := s.adapter.PutArchive(ctx, containerID, "/tmp", &buf); err != nil {
		return fmt.Errorf("put archive: %w", err)
	}
	if err := s.adapter.Exec(ctx, containerID, []string{"mkdir", "-p", "/root/.ssh"}); err != nil {
		return fmt.Errorf("mkdir .ssh: %w", err)
	}
	if err := s.adapter.Exec(ctx, containerID, []string{"cp", "/tmp/id_rsa.pub", "/root/.ssh/authorized_keys"}); err != nil {
		return fmt.Errorf("install authorized_keys: %w", err)
	}
	return nil
}

// shutdown stops every running container, iterating until none remain,
// then prunes stopped containers before the loop exits.
func (s *Scheduler) shutdown(ctx context.Context) error {
	log.WithComponent("scheduler").Info().Msg("scheduler shutting down, stopping all containers")

	for {
		running, err := s.adapter.List(ctx)
		if err != nil {
			return fmt.Errorf("list containers during shutdown: %w", err)
		}
		if len(running) == 0 {
			break
		}
		for _, c := range running {
			if err := s.adapter.Stop(ctx, c.ID); err != nil {
				log.WithComponent("scheduler").Warn().Err(err).Str("container", c.ID).Msg("failed to stop container during shutdown")
			}
		}
	}

	return s.adapter.PruneStopped(ctx)
}

func usedPortSet(running []types.RunningContainer) map[int]bool {
	used := make(map[int]bool)
	for _, c := range running {
		for _, hostPort := range c.PortBindings {
			used[hostPort] = true
		}
	}
	return used
}

func requestedPorts(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ports := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}

// readBounded reads conn until EOF or limit bytes, whichever comes
// first, rather than trusting an unbounded client write.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, err
	}
	return data, nil
}
