package monitor

import (
	"testing"

	"github.com/lattice-edge/fairshare/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCalculatePercentageContainerOnlyInSecondSampleIsFullyBusy(t *testing.T) {
	cur := &types.ContainerStats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}
	pct := calculatePercentage(cur, nil, false, 4)
	assert.Equal(t, 100.0, pct)
}

func TestCalculatePercentageZeroDeltaIsIdle(t *testing.T) {
	prev := &types.ContainerStats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}
	cur := &types.ContainerStats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}
	pct := calculatePercentage(cur, prev, true, 4)
	assert.Equal(t, 0.0, pct)
}

// TestCalculatePercentageScenarioS5 mirrors the idleness scenario: on two
// cores, a container using 0.1% of the host's CPU time between samples
// reads as 0.2% of one core, well below the idle threshold.
func TestCalculatePercentageScenarioS5(t *testing.T) {
	prev := &types.ContainerStats{CPUTotalUsage: 1_000_000, SystemCPUUsage: 100_000_000}
	cur := &types.ContainerStats{CPUTotalUsage: 1_100_000, SystemCPUUsage: 200_000_000}
	pct := calculatePercentage(cur, prev, true, 2)

	// totalDelta=100000, systemDelta=100000000 -> (100000/100000000)*100*2 = 0.2
	assert.InDelta(t, 0.2, pct, 0.0001)
}

func TestCalculatePercentageBusyContainerStaysAboveThreshold(t *testing.T) {
	prev := &types.ContainerStats{CPUTotalUsage: 1_000_000, SystemCPUUsage: 10_000_000}
	cur := &types.ContainerStats{CPUTotalUsage: 1_900_000, SystemCPUUsage: 11_000_000}
	pct := calculatePercentage(cur, prev, true, 4)

	// totalDelta=900000, systemDelta=1000000 -> (0.9)*100*4 = 360
	assert.Greater(t, pct, idleThresholdPct)
}

func TestCalculatePercentageNegativeSystemDeltaIsNotIdleCrash(t *testing.T) {
	prev := &types.ContainerStats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}
	cur := &types.ContainerStats{CPUTotalUsage: 1100, SystemCPUUsage: 4000}
	pct := calculatePercentage(cur, prev, true, 4)
	assert.Equal(t, 0.0, pct)
}
