// Package network allocates host-side ports for dispatched containers.
package network

import (
	"fmt"
	"math/rand"

	"github.com/lattice-edge/fairshare/pkg/types"
)

// sshContainerPort is always mapped alongside whatever ports a job
// requests, so a client can reach the container over SSH once it is
// running.
const sshContainerPort = "22"

// Allocator picks host ports for a job's requested container ports,
// avoiding any port currently bound by a running container.
type Allocator struct {
	lower int
	upper int
	rng   *rand.Rand
}

// NewAllocator builds an Allocator that samples host ports from
// [lower, upper] inclusive.
func NewAllocator(lower, upper int) *Allocator {
	return &Allocator{
		lower: lower,
		upper: upper,
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
}

// Allocate returns a PortMap from each of requestedPorts (plus the
// implicit "22") to a randomly chosen host port not present in
// usedPorts. It returns an error if the configured range is exhausted
// before every requested port is mapped.
func (a *Allocator) Allocate(requestedPorts []string, usedPorts map[int]bool) (types.PortMap, error) {
	ports := append(append([]string{}, requestedPorts...), sshContainerPort)

	mapping := make(types.PortMap, len(ports))
	taken := make(map[int]bool, len(usedPorts))
	for p := range usedPorts {
		taken[p] = true
	}

	for _, containerPort := range ports {
		if _, already := mapping[containerPort]; already {
			continue
		}
		host, err := a.pickFree(taken)
		if err != nil {
			return nil, err
		}
		taken[host] = true
		mapping[containerPort] = host
	}

	return mapping, nil
}

func (a *Allocator) pickFree(taken map[int]bool) (int, error) {
	span := a.upper - a.lower + 1
	if span <= 0 {
		return 0, fmt.Errorf("port range [%d, %d] is empty", a.lower, a.upper)
	}

	// Bound the number of random draws so an exhausted range fails
	// instead of spinning forever; four draws per port in the range is
	// generous since the range only gets this tight when nearly every
	// port is already bound.
	for attempt := 0; attempt < span*4; attempt++ {
		candidate := a.lower + a.rng.Intn(span)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free port available in range [%d, %d]", a.lower, a.upper)
}
