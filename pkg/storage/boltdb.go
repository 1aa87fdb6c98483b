package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lattice-edge/fairshare/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobQueue   = []byte("job_queue")
	bucketJobs       = []byte("jobs")
	bucketTermQueue  = []byte("term_queue")
)

// firstJobID matches the container-naming invariant: container names are
// derived from the job id, and names shorter than 4 digits are rejected
// by the runtime, so the sequence starts at 1000 rather than 1.
const firstJobID uint64 = 1000

// BoltStore implements Store using an embedded BoltDB file. Every value
// is a JSON blob keyed by an 8-byte big-endian job id, so bucket cursors
// naturally iterate oldest-to-newest.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database file under
// dataDir and ensures all three buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "edge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobQueue, bucketJobs, bucketTermQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		b := tx.Bucket(bucketJobQueue)
		if b.Sequence() < firstJobID-1 {
			// Advance the sequence to just below firstJobID so the first
			// real job gets id 1000, not 1.
			return b.SetSequence(firstJobID - 1)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// EnqueueJob assigns job the next sequence id and stores it in the
// waiting bucket, unless the queue is already at maxQueue rows, in
// which case it returns ErrQueueFull and leaves the store unchanged.
// The size check and the insert happen in the same write transaction
// so no caller can observe or create a queue of more than maxQueue
// rows.
func (s *BoltStore) EnqueueJob(job *types.Job, maxQueue int) (*types.Job, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobQueue)
		if b.Stats().KeyN >= maxQueue {
			return ErrQueueFull
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		job.ID = int64(seq)

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(idKey(job.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// WaitingSize reports the number of jobs currently in the waiting queue.
func (s *BoltStore) WaitingSize() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketJobQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// OldestWaiting returns the first job in queue order (lowest id, which
// is also earliest submission since ids are monotonically assigned).
func (s *BoltStore) OldestWaiting() (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobQueue).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		job = &types.Job{}
		return json.Unmarshal(v, job)
	})
	return job, err
}

// OldestWaitingForClient returns the oldest waiting job submitted by
// clientName, scanning the queue in id order.
func (s *BoltStore) OldestWaitingForClient(clientName string) (*types.Job, error) {
	return s.scanOldestWaiting(func(j *types.Job) bool {
		return j.ClientName == clientName
	})
}

// OldestWaitingForPriority returns the oldest waiting job at priority,
// scanning the queue in id order.
func (s *BoltStore) OldestWaitingForPriority(priority types.Priority) (*types.Job, error) {
	return s.scanOldestWaiting(func(j *types.Job) bool {
		return j.Priority == priority
	})
}

// OldestWaitingForClientAndPriority returns the oldest waiting job
// submitted by clientName at priority, scanning the queue in id order.
func (s *BoltStore) OldestWaitingForClientAndPriority(clientName string, priority types.Priority) (*types.Job, error) {
	return s.scanOldestWaiting(func(j *types.Job) bool {
		return j.ClientName == clientName && j.Priority == priority
	})
}

func (s *BoltStore) scanOldestWaiting(match func(*types.Job) bool) (*types.Job, error) {
	var found *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if match(&job) {
				found = &job
				return nil
			}
		}
		return nil
	})
	return found, err
}

// WaitingClients returns the distinct client names with a job currently
// waiting, ordered by each client's oldest waiting job.
func (s *BoltStore) WaitingClients() ([]string, error) {
	seen := make(map[string]bool)
	var clients []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !seen[job.ClientName] {
				seen[job.ClientName] = true
				clients = append(clients, job.ClientName)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// WaitingClientsAtPriority returns the distinct client names with a job
// currently waiting at priority, ordered by each client's oldest waiting
// job at that priority.
func (s *BoltStore) WaitingClientsAtPriority(priority types.Priority) ([]string, error) {
	seen := make(map[string]bool)
	var clients []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Priority == priority && !seen[job.ClientName] {
				seen[job.ClientName] = true
				clients = append(clients, job.ClientName)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// WaitingPriorities returns the distinct priorities with a job currently
// waiting.
func (s *BoltStore) WaitingPriorities() ([]types.Priority, error) {
	seen := make(map[types.Priority]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			seen[job.Priority] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	priorities := make([]types.Priority, 0, len(seen))
	for p := range seen {
		priorities = append(priorities, p)
	}
	return priorities, nil
}

// RemoveWaiting deletes id from the waiting queue without recording it
// in history, reporting whether a row was actually present.
func (s *BoltStore) RemoveWaiting(id int64) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobQueue)
		key := idKey(id)
		existed = b.Get(key) != nil
		if !existed {
			return nil
		}
		return b.Delete(key)
	})
	return existed, err
}

// MoveToHistory atomically removes job id from the waiting queue and
// appends it to history, stamping the dispatch time so fairness window
// queries have a timestamp to filter on.
func (s *BoltStore) MoveToHistory(id int64, dispatchedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketJobQueue)
		key := idKey(id)
		data := queue.Get(key)
		if data == nil {
			return fmt.Errorf("job %d not found in waiting queue", id)
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.SubmittedAt = dispatchedAt

		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketJobs).Put(key, updated); err != nil {
			return err
		}
		return queue.Delete(key)
	})
}

// LookupHistory returns a previously dispatched job by id.
func (s *BoltStore) LookupHistory(id int64) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(idKey(id))
		if data == nil {
			return nil
		}
		job = &types.Job{}
		return json.Unmarshal(data, job)
	})
	return job, err
}

// ClientFrequency counts clientName's appearances in history within the
// rolling window ending now.
func (s *BoltStore) ClientFrequency(clientName string, window time.Duration) (int, error) {
	return s.countHistory(window, func(j *types.Job) bool {
		return j.ClientName == clientName
	})
}

// ClientFrequencyAtPriority counts clientName's appearances in history
// at priority within the rolling window ending now.
func (s *BoltStore) ClientFrequencyAtPriority(clientName string, priority types.Priority, window time.Duration) (int, error) {
	return s.countHistory(window, func(j *types.Job) bool {
		return j.ClientName == clientName && j.Priority == priority
	})
}

// PriorityFrequency counts history entries at priority within the
// rolling window ending now.
func (s *BoltStore) PriorityFrequency(priority types.Priority, window time.Duration) (int, error) {
	return s.countHistory(window, func(j *types.Job) bool {
		return j.Priority == priority
	})
}

// HistorySize counts every history entry within the rolling window
// ending now.
func (s *BoltStore) HistorySize(window time.Duration) (int, error) {
	return s.countHistory(window, func(*types.Job) bool { return true })
}

func (s *BoltStore) countHistory(window time.Duration, match func(*types.Job) bool) (int, error) {
	cutoff := time.Now().Add(-window)
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.SubmittedAt.Before(cutoff) {
				return nil
			}
			if match(&job) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// EnqueueTermination records a pending termination request for jobID.
func (s *BoltStore) EnqueueTermination(req *types.TerminationRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTermQueue)
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return b.Put(idKey(req.JobID), data)
	})
}

// ListTerminationRequests returns every pending termination request in
// ascending job-id order (keys are job ids), not in the order the
// requests were queued.
func (s *BoltStore) ListTerminationRequests() ([]*types.TerminationRequest, error) {
	var reqs []*types.TerminationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTermQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var req types.TerminationRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			reqs = append(reqs, &req)
		}
		return nil
	})
	return reqs, err
}

// TerminationQueueSize reports how many termination requests are
// currently pending.
func (s *BoltStore) TerminationQueueSize() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTermQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// DeleteTerminationRequest removes a termination request once handled.
func (s *BoltStore) DeleteTerminationRequest(jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTermQueue).Delete(idKey(jobID))
	})
}
