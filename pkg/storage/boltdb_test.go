package storage

import (
	"testing"
	"time"

	"github.com/lattice-edge/fairshare/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueJobAssignsSequentialIDsStartingAt1000(t *testing.T) {
	store := newTestStore(t)

	job1, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), job1.ID)

	job2, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), job2.ID)
}

func TestWaitingSizeAndOldestWaiting(t *testing.T) {
	store := newTestStore(t)

	n, err := store.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	first, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)

	n, err = store.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	oldest, err := store.OldestWaiting()
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)
}

func TestOldestWaitingForClientAndPriority(t *testing.T) {
	store := newTestStore(t)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	wanted, err := store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)

	got, err := store.OldestWaitingForClient("globex")
	require.NoError(t, err)
	assert.Equal(t, wanted.ID, got.ID)

	got, err = store.OldestWaitingForPriority(types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, wanted.ID, got.ID)

	got, err = store.OldestWaitingForClient("initech")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMoveToHistoryRemovesFromWaiting(t *testing.T) {
	store := newTestStore(t)

	job, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)

	err = store.MoveToHistory(job.ID, time.Now())
	require.NoError(t, err)

	n, err := store.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	found, err := store.LookupHistory(job.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acme", found.ClientName)
}

func TestMoveToHistoryUnknownJobErrors(t *testing.T) {
	store := newTestStore(t)

	err := store.MoveToHistory(9999, time.Now())
	assert.Error(t, err)
}

func TestClientFrequencyWithinWindow(t *testing.T) {
	store := newTestStore(t)

	recent, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	require.NoError(t, store.MoveToHistory(recent.ID, time.Now()))

	stale, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	require.NoError(t, store.MoveToHistory(stale.ID, time.Now().Add(-10*24*time.Hour)))

	freq, err := store.ClientFrequency("acme", 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, freq)

	atPriority, err := store.ClientFrequencyAtPriority("acme", types.PriorityHigh, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, atPriority)
}

func TestTerminationQueueLifecycle(t *testing.T) {
	store := newTestStore(t)

	job, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)
	require.NoError(t, store.MoveToHistory(job.ID, time.Now()))

	require.NoError(t, store.EnqueueTermination(&types.TerminationRequest{
		JobID:  job.ID,
		Reason: types.ReasonContainerIdle,
	}))

	n, err := store.TerminationQueueSize()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reqs, err := store.ListTerminationRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, job.ID, reqs[0].JobID)

	require.NoError(t, store.DeleteTerminationRequest(job.ID))

	n, err = store.TerminationQueueSize()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWaitingClientsAndPriorities(t *testing.T) {
	store := newTestStore(t)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)

	clients, err := store.WaitingClients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, clients)

	priorities, err := store.WaitingPriorities()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Priority{types.PriorityLow, types.PriorityHigh}, priorities)
}

func TestEnqueueJobRefusesAtQueueCap(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 3)
		require.NoError(t, err)
	}

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 3)
	assert.ErrorIs(t, err, ErrQueueFull)

	n, err := store.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestOldestWaitingForClientAndPriorityAndWaitingClientsAtPriority(t *testing.T) {
	store := newTestStore(t)

	_, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityLow}, 1000)
	require.NoError(t, err)
	wanted, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	_, err = store.EnqueueJob(&types.Job{ClientName: "globex", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)

	got, err := store.OldestWaitingForClientAndPriority("acme", types.PriorityHigh)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wanted.ID, got.ID)

	got, err = store.OldestWaitingForClientAndPriority("acme", types.PriorityNormal)
	require.NoError(t, err)
	assert.Nil(t, got)

	clients, err := store.WaitingClientsAtPriority(types.PriorityHigh)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, clients)

	clients, err = store.WaitingClientsAtPriority(types.PriorityLow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme"}, clients)
}

func TestHistorySizeWithinWindow(t *testing.T) {
	store := newTestStore(t)

	recent, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	require.NoError(t, store.MoveToHistory(recent.ID, time.Now()))

	stale, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityHigh}, 1000)
	require.NoError(t, err)
	require.NoError(t, store.MoveToHistory(stale.ID, time.Now().Add(-10*24*time.Hour)))

	n, err := store.HistorySize(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveWaitingDoesNotRecordHistory(t *testing.T) {
	store := newTestStore(t)

	job, err := store.EnqueueJob(&types.Job{ClientName: "acme", Priority: types.PriorityNormal}, 1000)
	require.NoError(t, err)

	existed, err := store.RemoveWaiting(job.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.RemoveWaiting(job.ID)
	require.NoError(t, err)
	assert.False(t, existed)

	n, err := store.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	found, err := store.LookupHistory(job.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
