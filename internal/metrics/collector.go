// Package metrics logs process and system resource usage while long
// passes run.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/logger"
)

const gib = 1 << 30

// Sample is one snapshot of resource usage.
type Sample struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // per core, may exceed 100 on multi-core
	ProcessRSS        uint64
	Goroutines        int
	MemoryUsed        uint64
	MemoryTotal       uint64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// Collector periodically samples and logs resource usage.
type Collector struct {
	interval time.Duration
	log      *zap.Logger
	proc     *process.Process

	// Disk baseline; only touched by Collect.
	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time

	mu   sync.RWMutex
	last *Sample
}

// NewCollector creates a collector. Intervals under a second fall back to
// 30 seconds.
func NewCollector(interval time.Duration) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		log:      logger.Named("metrics"),
		proc:     proc,
	}
}

// Start samples on every tick until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logSample(c.Collect())
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.logSample(c.Collect())
		}
	}
}

// Last returns the most recent sample, or nil.
func (c *Collector) Last() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Collect takes a sample. Sources that fail are left at zero.
func (c *Collector) Collect() *Sample {
	s := &Sample{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSS = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsed = vm.Used
		s.MemoryTotal = vm.Total
		s.MemoryPercent = vm.UsedPercent
	}
	s.DiskReadMBps, s.DiskWriteMBps = c.diskRates(s.Timestamp)

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s
}

// diskRates returns read and write throughput since the previous call.
// The first call only records a baseline.
func (c *Collector) diskRates(now time.Time) (float64, float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	defer func() {
		c.lastDisk = counters
		c.lastDiskTime = now
	}()
	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if c.lastDisk == nil || elapsed < 0.1 {
		return 0, 0
	}

	var read, write uint64
	for name, cur := range counters {
		prev, ok := c.lastDisk[name]
		if !ok {
			continue
		}
		if cur.ReadBytes >= prev.ReadBytes {
			read += cur.ReadBytes - prev.ReadBytes
		}
		if cur.WriteBytes >= prev.WriteBytes {
			write += cur.WriteBytes - prev.WriteBytes
		}
	}
	return float64(read) / elapsed / (1 << 20), float64(write) / elapsed / (1 << 20)
}

func (c *Collector) logSample(s *Sample) {
	c.log.Info("System metrics",
		zap.Float64("sys_cpu", s.CPUPercent),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.String("rss", formatGB(s.ProcessRSS)),
		zap.Int("goroutines", s.Goroutines),
		zap.Float64("mem_pct", s.MemoryPercent),
		zap.String("mem_used", formatGB(s.MemoryUsed)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", s.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", s.DiskWriteMBps)),
	)
}

func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
}
