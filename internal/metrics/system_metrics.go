package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is one sample of host resource usage
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFree      uint64  `json:"disk_free_bytes"`
	Uptime        int64   `json:"uptime_seconds"`
}

// SystemSampler reads CPU, memory and data directory disk usage
type SystemSampler struct {
	startTime time.Time
	dataDir   string
}

// NewSystemSampler creates a sampler; dataDir may be empty to skip disk stats
func NewSystemSampler(dataDir string) *SystemSampler {
	return &SystemSampler{
		startTime: time.Now(),
		dataDir:   dataDir,
	}
}

// Uptime returns seconds since the sampler was created
func (s *SystemSampler) Uptime() int64 {
	return int64(time.Since(s.startTime).Seconds())
}

// Sample collects current usage. CPU usage is measured since the previous
// call, so the first sample may read zero.
func (s *SystemSampler) Sample() (*SystemStats, error) {
	stats := &SystemStats{Uptime: s.Uptime()}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	if len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	stats.MemoryPercent = memInfo.UsedPercent
	stats.MemoryUsed = memInfo.Used

	if s.dataDir != "" {
		diskInfo, err := disk.Usage(s.dataDir)
		if err != nil {
			return nil, err
		}
		stats.DiskPercent = diskInfo.UsedPercent
		stats.DiskFree = diskInfo.Free
	}

	return stats, nil
}
