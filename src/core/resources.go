package core

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// resourceUpdateFrequency is how often we re-sample CPU/memory usage. We
// don't want to sample too often; it would make CPU usage measurement less
// accurate and costs time we'd rather spend scheduling.
var resourceUpdateFrequency = 500 * time.Millisecond

// SystemStats is a point-in-time view of host resource usage, sampled by a
// ResourceMonitor.
type SystemStats struct {
	NumCPU        int
	CPUPercent    float64
	IOWaitPercent float64
	MemoryTotal   uint64
	MemoryUsed    uint64
	MemoryPercent float64
}

// A ResourceMonitor continuously samples CPU and memory usage in the
// background. The retry/OOM controller consults MemoryPercent when deciding
// whether a failed action's exit looks like an out-of-memory kill; the
// scheduler's dispatch loop does not consult the monitor.
type ResourceMonitor struct {
	mutex sync.RWMutex
	stats SystemStats
}

// NewResourceMonitor constructs a ResourceMonitor and starts its background
// sampling goroutine. Call Stop to halt it.
func NewResourceMonitor() *ResourceMonitor {
	m := &ResourceMonitor{}
	count, _ := cpu.Counts(true)
	m.stats.NumCPU = count
	go m.run()
	return m
}

func (m *ResourceMonitor) run() {
	maxCPU := float64(100 * m.stats.NumCPU)
	clamp := func(f float64) float64 {
		if f >= maxCPU {
			return maxCPU
		} else if f <= 0.0 {
			return 0.0
		}
		return f
	}
	lastTime := time.Now()
	lastTotal, lastIO := getCPUTimes()
	for timeNow := range time.NewTicker(resourceUpdateFrequency).C {
		m.mutex.Lock()
		if thisTotal, thisIO := getCPUTimes(); thisTotal > 0.0 {
			elapsed := timeNow.Sub(lastTime).Seconds()
			m.stats.CPUPercent = clamp(100.0 * (thisTotal - lastTotal) / elapsed)
			m.stats.IOWaitPercent = clamp(100.0 * (thisIO - lastIO) / elapsed)
			lastTotal, lastIO = thisTotal, thisIO
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			m.stats.MemoryTotal = vm.Total
			m.stats.MemoryUsed = vm.Used
			m.stats.MemoryPercent = vm.UsedPercent
		}
		m.mutex.Unlock()
		lastTime = timeNow
	}
}

// Snapshot returns the most recently sampled SystemStats.
func (m *ResourceMonitor) Snapshot() SystemStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

func getCPUTimes() (float64, float64) {
	ts, err := cpu.Times(false) // not per-CPU
	if err != nil || len(ts) == 0 {
		return 0.0, 0.0
	}
	t := ts[0]
	return t.Total() - t.Idle - t.Iowait, t.Iowait
}
