package admission

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleHost reads host-wide CPU and memory usage. CPU is scaled to the same
// 100-per-core unit the container stats use. Swappable for tests.
var sampleHost = func(ctx context.Context) (cpuPercent float64, memoryBytes uint64, err error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	if len(percents) > 0 {
		cpuPercent = percents[0] * float64(runtime.NumCPU())
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.Used, nil
}
