package storage

import (
	"errors"
	"time"

	"github.com/lattice-edge/fairshare/pkg/types"
)

// ErrQueueFull is returned by EnqueueJob when admitting job would bring
// the waiting queue to more than maxQueue rows. The cap is enforced
// strictly (queue size >= maxQueue refuses), not the off-by-one
// "size <= maxQueue" check of the system this was modeled on.
var ErrQueueFull = errors.New("waiting queue is full")

// Store is the persistence boundary for waiting jobs, job history, and
// pending termination requests. A Store implementation owns the
// invariant that a job never exists in both the waiting set and the
// history set; a job removed by RemoveWaiting is in neither.
type Store interface {
	// EnqueueJob appends job to the waiting queue and assigns it an id,
	// unless the queue already holds maxQueue rows, in which case it
	// returns ErrQueueFull and leaves the queue unchanged. The returned
	// job carries its assigned id.
	EnqueueJob(job *types.Job, maxQueue int) (*types.Job, error)

	// WaitingSize reports how many jobs currently sit in the waiting
	// queue, regardless of client or priority.
	WaitingSize() (int, error)

	// OldestWaiting returns the longest-waiting job overall, or nil if
	// the waiting queue is empty.
	OldestWaiting() (*types.Job, error)

	// OldestWaitingForClient returns the longest-waiting job submitted
	// by clientName, or nil if that client has nothing waiting.
	OldestWaitingForClient(clientName string) (*types.Job, error)

	// OldestWaitingForPriority returns the longest-waiting job at the
	// given priority, or nil if none is waiting at that priority.
	OldestWaitingForPriority(priority types.Priority) (*types.Job, error)

	// OldestWaitingForClientAndPriority returns the longest-waiting job
	// submitted by clientName at the given priority, or nil if none
	// matches both.
	OldestWaitingForClientAndPriority(clientName string, priority types.Priority) (*types.Job, error)

	// WaitingClients returns the distinct set of client names with at
	// least one job currently waiting, ordered by each client's oldest
	// waiting job.
	WaitingClients() ([]string, error)

	// WaitingClientsAtPriority returns the distinct set of client names
	// with at least one job currently waiting at the given priority,
	// ordered by each client's oldest waiting job at that priority.
	WaitingClientsAtPriority(priority types.Priority) ([]string, error)

	// WaitingPriorities returns the distinct set of priorities with at
	// least one job currently waiting, in no particular order.
	WaitingPriorities() ([]types.Priority, error)

	// RemoveWaiting deletes id from the waiting queue without moving it
	// to history, reporting whether a row was actually present. Used
	// when a client cancels before dispatch ever runs.
	RemoveWaiting(id int64) (bool, error)

	// MoveToHistory atomically removes job id from the waiting queue and
	// appends it to history with the given dispatch timestamp. It is the
	// only way a job transitions from waiting to history.
	MoveToHistory(id int64, dispatchedAt time.Time) error

	// LookupHistory returns a job previously moved to history by id, or
	// nil if no such job has ever been dispatched.
	LookupHistory(id int64) (*types.Job, error)

	// ClientFrequency counts how many times clientName appears in
	// history within the rolling fairness window ending now.
	ClientFrequency(clientName string, window time.Duration) (int, error)

	// ClientFrequencyAtPriority counts how many times clientName appears
	// in history at the given priority within the rolling fairness
	// window ending now.
	ClientFrequencyAtPriority(clientName string, priority types.Priority, window time.Duration) (int, error)

	// PriorityFrequency counts how many history entries at the given
	// priority fall within the rolling fairness window ending now.
	PriorityFrequency(priority types.Priority, window time.Duration) (int, error)

	// HistorySize counts every history entry within the rolling
	// fairness window ending now, regardless of client or priority.
	HistorySize(window time.Duration) (int, error)

	// EnqueueTermination records a termination request for jobID.
	EnqueueTermination(req *types.TerminationRequest) error

	// ListTerminationRequests returns every pending termination request,
	// in ascending job-id order.
	ListTerminationRequests() ([]*types.TerminationRequest, error)

	// TerminationQueueSize reports how many termination requests are
	// currently pending.
	TerminationQueueSize() (int, error)

	// DeleteTerminationRequest removes a termination request once it has
	// been acted on, whether or not the target container still existed.
	DeleteTerminationRequest(jobID int64) error

	// Close releases the underlying storage handle.
	Close() error
}
