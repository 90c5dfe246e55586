package main

import (
	"context"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
)

// cpuSampleInterval is how long CPU usage is measured for one status request
const cpuSampleInterval = 100 * time.Millisecond

// DiskUsage is the usage of the volume holding the archive
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// SystemStatus is the host health shown in the dashboard footer. Fields that could not be read
// are null.
type SystemStatus struct {
	CPUPercent *float64   `json:"cpu_percent"`
	Disk       *DiskUsage `json:"disk"`
	DataDir    string     `json:"data_dir"`
	Uptime     string     `json:"uptime"`
	Version    string     `json:"version"`
}

// CollectSystemStatus samples CPU usage and the disk usage of dataDir
func CollectSystemStatus(ctx context.Context, dataDir string) SystemStatus {
	status := SystemStatus{
		DataDir: dataDir,
		Uptime:  time.Since(StartTime).Round(time.Second).String(),
		Version: Version,
	}

	if percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err != nil {
		if DebugMode {
			log.Printf("DEBUG: System status: CPU usage unavailable: %v", err)
		}
	} else if len(percents) > 0 {
		p := percents[0]
		status.CPUPercent = &p
	}

	if usage, err := disk.UsageWithContext(ctx, dataDir); err != nil {
		if DebugMode {
			log.Printf("DEBUG: System status: Disk usage of %s unavailable: %v", dataDir, err)
		}
	} else {
		status.Disk = &DiskUsage{Total: usage.Total, Used: usage.Used, Free: usage.Free}
	}

	return status
}
