package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds a snapshot of the host as seen by the sync daemon
type SystemMetrics struct {
	ProcessCPUPercent float64 // Can exceed 100% on multi-core
	ProcessRSSMB      float64
	MemoryUsedGB      float64
	MemoryTotalGB     float64
	MemoryPercent     float64
	DataDirFreeGB     float64 // Free space on the volume holding layer databases
	DataDirPercent    float64
	Timestamp         time.Time
}

// Collector periodically collects and logs system metrics
type Collector struct {
	interval    time.Duration
	dataDir     string
	logger      *zap.Logger
	proc        *process.Process
	mu          sync.RWMutex
	lastMetrics *SystemMetrics
}

// NewCollector creates a collector sampling every interval. dataDir may be
// empty to skip the disk usage sample.
func NewCollector(interval time.Duration, dataDir string, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		dataDir:  dataDir,
		logger:   logger,
		proc:     proc,
	}
}

// Start begins periodic collection. Returns when ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// GetMetrics returns the last collected metrics, nil before the first sample
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastMetrics == nil {
		return nil
	}
	m := *c.lastMetrics
	return &m
}

func (c *Collector) collect() {
	m := c.Sample()

	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()

	c.logger.Info("System metrics",
		zap.Float64("process_cpu_pct", m.ProcessCPUPercent),
		zap.Float64("process_rss_mb", m.ProcessRSSMB),
		zap.Float64("mem_used_gb", m.MemoryUsedGB),
		zap.Float64("mem_total_gb", m.MemoryTotalGB),
		zap.Float64("mem_pct", m.MemoryPercent),
		zap.Float64("data_free_gb", m.DataDirFreeGB),
		zap.Float64("data_used_pct", m.DataDirPercent))
}

// Sample reads the current values without logging. Failed probes leave
// their fields zero.
func (c *Collector) Sample() *SystemMetrics {
	m := &SystemMetrics{Timestamp: time.Now()}

	if c.proc != nil {
		if pct, err := c.proc.CPUPercent(); err == nil {
			m.ProcessCPUPercent = round1(pct)
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			m.ProcessRSSMB = round1(float64(info.RSS) / (1 << 20))
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryUsedGB = round1(float64(vm.Used) / (1 << 30))
		m.MemoryTotalGB = round1(float64(vm.Total) / (1 << 30))
		m.MemoryPercent = round1(vm.UsedPercent)
	}

	if c.dataDir != "" {
		if usage, err := disk.Usage(c.dataDir); err == nil {
			m.DataDirFreeGB = round1(float64(usage.Free) / (1 << 30))
			m.DataDirPercent = round1(usage.UsedPercent)
		}
	}
	return m
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
