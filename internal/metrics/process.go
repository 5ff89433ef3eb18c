package metrics

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// processSampler reads live CPU/memory usage for a PID via gopsutil — the
// library the teacher's own agent/internal/metrics already depends on, left
// as a TODO stub ("Currently returns zero values... planned for a future
// step") because nothing in that tree ever called it. This is that call
// finally wired in, narrowed from host-wide metrics to per-instance ones.
type processSampler struct{}

// sample returns CPU percent (0-100, since the process started or since the
// previous sample — gopsutil's own averaging) and resident memory in bytes
// for pid. A process that has already exited returns a zero sample and no
// error — callers treat that the same as "currently not running".
func (processSampler) sample(ctx context.Context, pid int) (cpuPercent float64, rssBytes uint64, err error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, 0, nil
	}

	cpuPercent, err = proc.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, nil
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || memInfo == nil {
		return cpuPercent, 0, nil
	}
	return cpuPercent, memInfo.RSS, nil
}
