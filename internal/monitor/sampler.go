package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/bus"
)

// SystemSampler periodically samples host CPU and memory usage and publishes
// the readings on the system:metrics topic for dashboard consumers.
type SystemSampler struct {
	logger   *zap.Logger
	eventBus *bus.AdaptiveBus
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSystemSampler creates a sampler publishing on the given bus.
func NewSystemSampler(eventBus *bus.AdaptiveBus, interval time.Duration, logger *zap.Logger) *SystemSampler {
	return &SystemSampler{
		logger:   logger.Named("system-sampler"),
		eventBus: eventBus,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the sampling loop.
func (s *SystemSampler) Start(ctx context.Context) error {
	s.logger.Info("Starting system sampler", zap.Duration("interval", s.interval))
	go s.sampleLoop(ctx)
	return nil
}

// Stop stops the sampling loop and waits for it to exit. Idempotent.
func (s *SystemSampler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping system sampler")
		close(s.stop)
	})
	<-s.stopped
}

// sampleLoop runs the periodic collection.
func (s *SystemSampler) sampleLoop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample collects one CPU/memory reading and publishes it.
func (s *SystemSampler) sample() {
	// Zero interval reads usage since the previous call instead of blocking.
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		s.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	s.eventBus.Publish(bus.TopicSystemMetrics, bus.SystemMetricsEvent{
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
		CollectedAt:   time.Now(),
	})

	s.logger.Debug("System metrics collected",
		zap.Float64("cpu_percent", cpuPercent[0]),
		zap.Float64("memory_percent", memInfo.UsedPercent))
}
