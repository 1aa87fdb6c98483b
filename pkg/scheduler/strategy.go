package scheduler

import (
	"fmt"

	"github.com/lattice-edge/fairshare/pkg/types"
)

// selectJob picks the next job to dispatch according to the configured
// strategy, or returns (nil, nil) if nothing is currently waiting at
// the selected client/priority (a race with a concurrent termination,
// effectively never observed in practice but handled defensively).
func (s *Scheduler) selectJob() (*types.Job, error) {
	switch s.cfg.Strategy {
	case types.StrategyFIFO:
		return s.store.OldestWaiting()
	case types.StrategyFairByClient:
		return s.selectFairByClient()
	case types.StrategyWeightedPriority:
		return s.selectWeightedPriority()
	default:
		return s.selectWeightedPriorityByClient()
	}
}

// selectFairByClient picks the distinct waiting client with the fewest
// dispatches in the trailing fairness window, then that client's oldest
// waiting job.
func (s *Scheduler) selectFairByClient() (*types.Job, error) {
	client, err := s.leastFrequentClient(nil)
	if err != nil {
		return nil, err
	}
	if client == "" {
		return nil, nil
	}
	return s.store.OldestWaitingForClient(client)
}

// selectWeightedPriority picks the next priority via SelectPriority,
// then the oldest waiting job at that priority.
func (s *Scheduler) selectWeightedPriority() (*types.Job, error) {
	priority, err := s.selectPriority()
	if err != nil {
		return nil, err
	}
	if priority == 0 {
		return nil, nil
	}
	return s.store.OldestWaitingForPriority(priority)
}

// selectWeightedPriorityByClient picks the next priority, then the
// least-frequent waiting client within that priority, then that
// client's oldest waiting job at that priority.
func (s *Scheduler) selectWeightedPriorityByClient() (*types.Job, error) {
	priority, err := s.selectPriority()
	if err != nil {
		return nil, err
	}
	if priority == 0 {
		return nil, nil
	}

	client, err := s.leastFrequentClient(&priority)
	if err != nil {
		return nil, err
	}
	if client == "" {
		return nil, nil
	}

	return s.store.OldestWaitingForClientAndPriority(client, priority)
}

// leastFrequentClient returns the distinct waiting client (optionally
// restricted to priority) with the fewest history rows in the trailing
// fairness window. It returns "" if no client is currently waiting.
func (s *Scheduler) leastFrequentClient(priority *types.Priority) (string, error) {
	clients, err := s.waitingClients(priority)
	if err != nil {
		return "", err
	}
	if len(clients) == 0 {
		return "", nil
	}

	best := ""
	bestFreq := -1
	for _, c := range clients {
		var freq int
		var err error
		if priority != nil {
			freq, err = s.store.ClientFrequencyAtPriority(c, *priority, fairnessWindow)
		} else {
			freq, err = s.store.ClientFrequency(c, fairnessWindow)
		}
		if err != nil {
			return "", fmt.Errorf("compute client frequency for %q: %w", c, err)
		}
		if bestFreq == -1 || freq < bestFreq {
			best, bestFreq = c, freq
		}
	}
	return best, nil
}

// waitingClients returns the distinct waiting clients, restricted to
// priority when non-nil.
func (s *Scheduler) waitingClients(priority *types.Priority) ([]string, error) {
	if priority == nil {
		return s.store.WaitingClients()
	}
	return s.store.WaitingClientsAtPriority(*priority)
}

// selectPriority implements SelectPriority: the highest-numbered
// priority with at least one waiting job and an observed 7-day dispatch
// share below its target weight, or the highest waiting priority if all
// are at or above their weight. Returns 0 if nothing is waiting.
func (s *Scheduler) selectPriority() (types.Priority, error) {
	waiting, err := s.store.WaitingPriorities()
	if err != nil {
		return 0, fmt.Errorf("list waiting priorities: %w", err)
	}
	if len(waiting) == 0 {
		return 0, nil
	}

	ordered := descendingPriorities(waiting)

	total, err := s.store.HistorySize(fairnessWindow)
	if err != nil {
		return 0, fmt.Errorf("count history window: %w", err)
	}

	freq := make(map[types.Priority]float64, len(ordered))
	for _, p := range ordered {
		if total == 0 {
			freq[p] = 0.0
			continue
		}
		count, err := s.store.PriorityFrequency(p, fairnessWindow)
		if err != nil {
			return 0, fmt.Errorf("compute priority frequency for %d: %w", p, err)
		}
		freq[p] = float64(count) / float64(total)
	}

	return selectPriorityIterative(ordered, freq), nil
}

// selectPriorityIterative is the deficit-style scan SelectPriority
// describes: walk priorities highest to lowest, returning the first
// whose observed frequency undercuts its target weight; if every
// priority meets or exceeds its weight, the highest waiting priority
// wins. Written as a loop rather than the recursive formulation this
// was modeled on, since Go has no tail-call elimination to rely on.
func selectPriorityIterative(ordered []types.Priority, freq map[types.Priority]float64) types.Priority {
	for _, p := range ordered {
		if freq[p] < priorityWeights[p] {
			return p
		}
	}
	return ordered[0]
}

// descendingPriorities sorts a small, fixed-domain priority set (only
// values 1..3 ever appear) from highest to lowest without pulling in a
// general-purpose sort for three possible elements.
func descendingPriorities(priorities []types.Priority) []types.Priority {
	ordered := make([]types.Priority, 0, len(priorities))
	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		for _, w := range priorities {
			if w == p {
				ordered = append(ordered, p)
				break
			}
		}
	}
	return ordered
}
