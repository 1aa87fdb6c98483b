package types

import "time"

// Priority is the scheduling class a job was submitted at.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
)

// Valid reports whether p is one of the three admitted priority classes.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Strategy selects the dispatch discipline the Scheduler runs.
type Strategy int

const (
	StrategyFIFO                   Strategy = 0
	StrategyFairByClient           Strategy = 1
	StrategyWeightedPriority       Strategy = 2
	StrategyWeightedPriorityClient Strategy = 3
)

// Valid reports whether s names one of the four configured strategies.
func (s Strategy) Valid() bool {
	return s >= StrategyFIFO && s <= StrategyWeightedPriorityClient
}

// Job is a client-submitted unit of work, either sitting in the waiting
// queue or already moved into history. The shape is identical across
// both locations; on the move, SubmittedAt is overwritten with the
// dispatch time.
type Job struct {
	ID             int64
	ClientName     string
	ClientIP       string
	ClientPort     int
	Priority       Priority
	SubmittedAt    time.Time
	RequestedPorts string // comma-separated container-side port numbers
}

// TerminationRequest is a pending stop intent, keyed by the job it targets.
type TerminationRequest struct {
	JobID  int64
	Reason string
}

// Well-known termination reasons.
const (
	ReasonTerminationRequested = "Termination Requested"
	ReasonContainerIdle        = "Container Idle"
)

// PortMap maps a requested container-side port (string-valued, matching
// the wire format) to the host-side port allocated for it. The entry for
// key "22" is always present once a job is dispatched, for shell access.
type PortMap map[string]int

// RunningContainer describes one container as reported by the runtime.
type RunningContainer struct {
	ID           string
	Name         string // equals the job id in string form
	CreatedAt    time.Time
	PortBindings PortMap
}

// ContainerStats is a single, non-streaming CPU usage sample.
type ContainerStats struct {
	CPUTotalUsage   uint64
	SystemCPUUsage  uint64
}
