package scheduler

import (
	"testing"
	"time"

	"github.com/lattice-edge/fairshare/pkg/config"
	"github.com/lattice-edge/fairshare/pkg/storage"
	"github.com/lattice-edge/fairshare/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, strategy types.Strategy) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{Strategy: strategy, PortLower: 30000, PortUpper: 31000}
	return New(cfg, store, nil), store
}

func TestSelectJobFIFOPicksOldest(t *testing.T) {
	s, store := newTestScheduler(t, types.StrategyFIFO)

	first, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)

	job, err := s.selectJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID)
}

// TestSelectJobFairByClientScenario mirrors the fairness property:
// clients A, B, C each have one waiting priority-1 job; history counts
// in the last 7 days are {A:5, B:2, C:3}; the next dispatched job
// should be B's.
func TestSelectJobFairByClientScenario(t *testing.T) {
	s, store := newTestScheduler(t, types.StrategyFairByClient)

	seedHistory(t, store, "acme", 5)
	seedHistory(t, store, "bravo", 2)
	seedHistory(t, store, "charlie", 3)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	wanted, err := store.EnqueueJob(&types.Job{ClientName: "bravo", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "charlie", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)

	job, err := s.selectJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, wanted.ID, job.ID)
}

// TestSelectPriorityScenarioS4 mirrors scenario S4: waiting priorities
// {1,3}, history counts {3:0, 1:0}, total 0. Next priority chosen is 3.
func TestSelectPriorityScenarioS4(t *testing.T) {
	s, store := newTestScheduler(t, types.StrategyWeightedPriority)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)

	priority, err := s.selectPriority()
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, priority)
}

// TestSelectPriorityProperty7 mirrors Testable Property 7: weights
// {3:0.50, 2:0.35, 1:0.15}, last-7-day totals {3:5, 2:4, 1:1} (sum 10,
// frequencies {3:0.50, 2:0.40, 1:0.10}), one waiting job at each
// priority. The chosen priority is 2 (first descending whose observed
// frequency undercuts its weight).
func TestSelectPriorityProperty7(t *testing.T) {
	s, store := newTestScheduler(t, types.StrategyWeightedPriority)

	seedHistoryAtPriority(t, store, types.PriorityHigh, 5)
	seedHistoryAtPriority(t, store, types.PriorityNormal, 4)
	seedHistoryAtPriority(t, store, types.PriorityLow, 1)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)

	priority, err := s.selectPriority()
	require.NoError(t, err)
	assert.Equal(t, types.PriorityNormal, priority)
}

func TestSelectPriorityAllSaturatedReturnsHighestWaiting(t *testing.T) {
	ordered := []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow}
	freq := map[types.Priority]float64{
		types.PriorityHigh:   0.90,
		types.PriorityNormal: 0.90,
		types.PriorityLow:    0.90,
	}
	assert.Equal(t, types.PriorityHigh, selectPriorityIterative(ordered, freq))
}

func TestSelectJobNoWaitingReturnsNil(t *testing.T) {
	s, _ := newTestScheduler(t, types.StrategyFIFO)

	job, err := s.selectJob()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func seedHistory(t *testing.T, store storage.Store, clientName string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		job, err := store.EnqueueJob(&types.Job{ClientName: clientName, Priority: types.PriorityLow}, 10000)
		require.NoError(t, err)
		require.NoError(t, store.MoveToHistory(job.ID, time.Now()))
	}
}

func seedHistoryAtPriority(t *testing.T, store storage.Store, priority types.Priority, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		job, err := store.EnqueueJob(&types.Job{ClientName: "seed", Priority: priority}, 10000)
		require.NoError(t, err)
		require.NoError(t, store.MoveToHistory(job.ID, time.Now()))
	}
}
