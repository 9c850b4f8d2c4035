package heartbeat

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is a snapshot of host load.
type SystemMetrics struct {
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedGB  float64 `json:"memoryUsedGb"`
	MemoryTotalGB float64 `json:"memoryTotalGb"`
	DiskPercent   float64 `json:"diskPercent"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
}

// CollectSystemMetrics gathers CPU, memory, and disk utilization.
// Metrics that cannot be read are left zero.
func CollectSystemMetrics() SystemMetrics {
	var metrics SystemMetrics
	metrics.Hostname, _ = os.Hostname()

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsedGB = float64(v.Used) / (1024 * 1024 * 1024)
		metrics.MemoryTotalGB = float64(v.Total) / (1024 * 1024 * 1024)
		metrics.MemoryPercent = v.UsedPercent
	}

	// CPU
	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		metrics.CPUPercent = percentages[0]
	}

	// Disk
	if d, err := disk.Usage("/"); err == nil {
		metrics.DiskPercent = d.UsedPercent
	}

	if info, err := host.Info(); err == nil {
		metrics.UptimeSeconds = info.Uptime
	}

	return metrics
}
