package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

// PhaseCounter reports how many loop executions are in each phase
type PhaseCounter interface {
	CountByPhase(ctx context.Context) (map[model.Phase]int, error)
}

// StatsCollector periodically publishes loop execution counts with host load
type StatsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	counter  PhaseCounter
	interval time.Duration
	mu       sync.RWMutex
	last     *model.LoopStats
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(js nats.JetStreamContext, counter PhaseCounter, interval time.Duration, logger *zap.Logger) *StatsCollector {
	return &StatsCollector{
		logger:   logger.Named("stats-collector"),
		js:       js,
		counter:  counter,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start creates the stats stream and starts the collection loop
func (c *StatsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting stats collector", zap.Duration("interval", c.interval))

	if err := ensureStream(ctx, c.js, c.logger, &nats.StreamConfig{
		Name:     statsStreamName,
		Subjects: []string{statsSubject},
		Storage:  nats.FileStorage,
		MaxAge:   statsMaxAge,
	}); err != nil {
		return err
	}

	go c.collectLoop(ctx)

	return nil
}

// Stop stops the stats collector
func (c *StatsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping stats collector")
		close(c.stop)
	})
}

func (c *StatsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect stats", zap.Error(err))
			}
		}
	}
}

// Collect takes one snapshot and publishes it
func (c *StatsCollector) Collect(ctx context.Context) error {
	counts, err := c.counter.CountByPhase(ctx)
	if err != nil {
		return err
	}

	stats := &model.LoopStats{
		Waiting:     counts[model.PhaseWaiting],
		Checking:    counts[model.PhaseChecking],
		Terminated:  counts[model.PhaseTerminated],
		CollectedAt: time.Now(),
	}

	// Host load is best effort; the counts are published without it.
	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	} else if err != nil {
		c.logger.Debug("Failed to get CPU usage", zap.Error(err))
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryUsage = memInfo.UsedPercent
	} else {
		c.logger.Debug("Failed to get memory usage", zap.Error(err))
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	if _, err := c.js.Publish(statsSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	c.logger.Debug("Stats collected",
		zap.Int("waiting", stats.Waiting),
		zap.Int("checking", stats.Checking),
		zap.Int("terminated", stats.Terminated),
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))

	return nil
}

// Last returns the most recently published snapshot, or nil
func (c *StatsCollector) Last() *model.LoopStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
