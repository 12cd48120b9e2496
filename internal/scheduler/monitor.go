package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// Monitor force-fails running tasks whose heartbeats went silent. A task is
// only eligible after the grace period since start, so slow-starting workers
// are not killed before their first heartbeat.
type Monitor struct {
	tasks    spider.TaskStore
	notifier spider.Notifier
	clock    spider.Clock
	cfg      config.SchedulerConfig
	logger   *zap.Logger
}

// NewMonitor constructs a Monitor.
func NewMonitor(
	tasks spider.TaskStore,
	notifier spider.Notifier,
	clock spider.Clock,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		tasks:    tasks,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the scan loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.cfg.MonitorInterval()),
		zap.Duration("grace", m.cfg.HeartbeatGrace()),
		zap.Duration("timeout", m.cfg.HeartbeatTimeout()))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan fails every stalled task and signals the failure. Returns how many
// tasks were failed.
func (m *Monitor) Scan(ctx context.Context) int {
	now := m.clock.Now()
	stalled, err := m.tasks.ListStalled(ctx,
		now.Add(-m.cfg.HeartbeatGrace()),
		now.Add(-m.cfg.HeartbeatTimeout()))
	if err != nil {
		m.logger.Error("list stalled tasks", zap.Error(err))
		return 0
	}

	failed := 0
	for _, task := range stalled {
		err := m.tasks.Finish(ctx, task.ID, spider.TaskStatusFailed,
			"heartbeat timeout", spider.ErrorCategorySystem, now)
		if err != nil {
			m.logger.Error("fail stalled task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		failed++
		metrics.ObserveHeartbeatTimeout()
		metrics.ObserveFinish(string(spider.TaskStatusFailed))
		m.logger.Warn("task failed by heartbeat monitor",
			zap.String("task_id", task.ID),
			zap.String("spider_id", task.SpiderID),
			zap.Timep("last_heartbeat", task.LastHeartbeat))

		sig := spider.FailureSignal{
			TaskID:   task.ID,
			SpiderID: task.SpiderID,
			Message:  "heartbeat timeout",
		}
		if err := m.notifier.Signal(ctx, sig); err != nil {
			m.logger.Error("signal stalled task failure",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
	return failed
}
