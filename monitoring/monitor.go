package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"nvr-engine/logging"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// DiskReporter reports storage usage. *storage.DiskManager implements it.
type DiskReporter interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// ResourceUsage is one sample of engine resource consumption
type ResourceUsage struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryUsedMB    float64 `json:"memoryUsedMb"`
	MemoryTotalMB   float64 `json:"memoryTotalMb"`
	MemoryPercent   float64 `json:"memoryPercent"`
	NumGoroutines   int     `json:"goroutines"`
	DiskUsedPercent float64 `json:"diskUsedPercent"`
}

// Monitor samples process and storage usage
type Monitor struct {
	proc *process.Process
	disk DiskReporter
	log  zerolog.Logger
}

// NewMonitor creates a monitor for the current process. disk may be nil.
func NewMonitor(disk DiskReporter) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("error getting process: %w", err)
	}
	return &Monitor{proc: proc, disk: disk, log: logging.For("monitor")}, nil
}

// Run logs a sample every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			usage, err := m.Sample(ctx)
			if err != nil {
				m.log.Warn().Err(err).Msg("error getting resource usage")
				continue
			}
			m.log.Info().
				Float64("cpu", usage.CPUPercent).
				Float64("memMB", usage.MemoryUsedMB).
				Float64("memTotalMB", usage.MemoryTotalMB).
				Float64("memPercent", usage.MemoryPercent).
				Int("goroutines", usage.NumGoroutines).
				Float64("diskPercent", usage.DiskUsedPercent).
				Msg("resource usage")
		}
	}
}

// Sample collects current resource usage
func (m *Monitor) Sample(ctx context.Context) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := m.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}

	procMem, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	if virtualMem.Total > 0 {
		usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	}
	usage.NumGoroutines = runtime.NumGoroutine()

	if m.disk != nil {
		pct, err := m.disk.UsedPercent(ctx)
		if err != nil {
			return usage, fmt.Errorf("error getting disk usage: %w", err)
		}
		usage.DiskUsedPercent = pct
	}

	return usage, nil
}
