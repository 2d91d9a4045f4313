package worker

import (
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo is a best-effort snapshot of host resource usage. Fields that
// cannot be sampled on the current platform stay zero.
type HostInfo struct {
	CPUPercent   float64
	MemTotal     uint64
	MemUsed      uint64
	MemAvailable uint64
	LoadAvg1     float64
	LoadAvg5     float64
	LoadAvg15    float64
}

// CollectHostInfo samples host CPU, memory and load average.
func CollectHostInfo() *HostInfo {
	info := &HostInfo{}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		info.CPUPercent = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		info.MemTotal = memInfo.Total
		info.MemUsed = memInfo.Used
		info.MemAvailable = memInfo.Available
	}

	// Load average (Unix systems)
	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		info.LoadAvg1 = loadAvg.Load1
		info.LoadAvg5 = loadAvg.Load5
		info.LoadAvg15 = loadAvg.Load15
	}

	return info
}

// Metadata renders the snapshot as worker registration metadata.
func (h *HostInfo) Metadata() map[string]string {
	return map[string]string{
		"cpu_percent": strconv.FormatFloat(h.CPUPercent, 'f', 1, 64),
		"mem_total":   strconv.FormatUint(h.MemTotal, 10),
		"mem_used":    strconv.FormatUint(h.MemUsed, 10),
		"load_avg_1":  strconv.FormatFloat(h.LoadAvg1, 'f', 2, 64),
	}
}

// Degraded reports whether the host is under enough pressure that the worker
// should advertise degraded status: CPU above cpuLimit percent, or used
// memory above memFraction of total.
func (h *HostInfo) Degraded(cpuLimit, memFraction float64) bool {
	if cpuLimit > 0 && h.CPUPercent > cpuLimit {
		return true
	}
	if memFraction > 0 && h.MemTotal > 0 {
		if float64(h.MemUsed)/float64(h.MemTotal) > memFraction {
			return true
		}
	}
	return false
}
