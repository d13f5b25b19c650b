package parallel

import (
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
)

// sampleCPU returns aggregate system CPU usage as a percentage. A zero
// interval compares against the previous call's snapshot, so sampling stays
// non-blocking.
func sampleCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
