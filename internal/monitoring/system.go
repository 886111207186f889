package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryMB    float64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples CPU, memory, and goroutine counts on an interval and
// mirrors them into the Prometheus gauges. Owned by the app, not a singleton.
type SystemMonitor struct {
	logger  zerolog.Logger
	proc    *process.Process
	mu      sync.RWMutex
	metrics SystemMetrics
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSystemMonitor builds a monitor for the current process. A nil proc
// handle (unsupported platform) degrades to goroutine-only sampling.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("process handle unavailable, memory sampling disabled")
		proc = nil
	}
	return &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		proc:    proc,
		metrics: SystemMetrics{Timestamp: time.Now()},
	}
}

// Start begins periodic sampling until Stop is called.
func (sm *SystemMonitor) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()

	sm.logger.Info().Dur("interval", interval).Msg("system monitor started")
}

func (sm *SystemMonitor) sample() {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memBytes int64
	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfo(); err == nil && info != nil {
			memBytes = int64(info.RSS)
		}
	}
	if memBytes == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		memBytes = int64(mem.Alloc)
	}

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	sm.mu.Unlock()

	SetSystemMetrics(cpuPercent, memBytes, goroutines)
}

// Metrics returns the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Stop halts sampling and waits for the loop to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}
