// Package scheduler dispatches crawl tasks from cron definitions and manual
// triggers, and watches running tasks for heartbeat stalls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// Scheduler evaluates spider cron expressions once per tick and creates one
// task per due spider. Task creation is conflict-free: a spider with a
// pending or running task is skipped until it finishes.
type Scheduler struct {
	spiders spider.SpiderStore
	tasks   spider.TaskStore
	queue   spider.Queue
	clock   spider.Clock
	ids     spider.IDGenerator
	cfg     config.SchedulerConfig
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(
	spiders spider.SpiderStore,
	tasks spider.TaskStore,
	queue spider.Queue,
	clock spider.Clock,
	ids spider.IDGenerator,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		spiders: spiders,
		tasks:   tasks,
		queue:   queue,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes the dispatch loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.DispatchDue(ctx)
		}
	}
}

// DispatchDue creates a task for every scheduled spider whose cron expression
// fired within the last tick. Failures on one spider never block the others.
func (s *Scheduler) DispatchDue(ctx context.Context) {
	now := s.clock.Now()
	spiders, err := s.spiders.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("list scheduled spiders", zap.Error(err))
		return
	}

	for _, sp := range spiders {
		schedule, err := cron.ParseStandard(sp.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				zap.String("spider_id", sp.ID),
				zap.String("cron", sp.Cron),
				zap.Error(err))
			continue
		}
		// Due when the next activation after the previous tick falls at or
		// before now.
		next := schedule.Next(now.Add(-s.cfg.Tick()))
		if next.After(now) {
			continue
		}

		if _, err := s.dispatch(ctx, sp, spider.TriggerSchedule); err != nil {
			if errors.Is(err, spider.ErrTaskConflict) {
				s.logger.Debug("spider already has an open task",
					zap.String("spider_id", sp.ID))
				continue
			}
			s.logger.Error("dispatch scheduled task",
				zap.String("spider_id", sp.ID),
				zap.Error(err))
		}
	}
}

// RunNow creates a manually triggered task for the spider. Returns
// ErrTaskConflict when the spider already has a pending or running task.
func (s *Scheduler) RunNow(ctx context.Context, spiderID string) (spider.Task, error) {
	sp, err := s.spiders.Get(ctx, spiderID)
	if err != nil {
		return spider.Task{}, err
	}
	return s.dispatch(ctx, sp, spider.TriggerManual)
}

func (s *Scheduler) dispatch(ctx context.Context, sp spider.Spider, trigger spider.TriggerType) (spider.Task, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return spider.Task{}, fmt.Errorf("generate task id: %w", err)
	}

	maxRetries := sp.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}

	task := spider.Task{
		ID:          id,
		SpiderID:    sp.ID,
		Status:      spider.TaskStatusPending,
		CreatedAt:   s.clock.Now(),
		MaxRetries:  maxRetries,
		TriggerType: trigger,
	}
	if err := s.tasks.CreateExclusive(ctx, task); err != nil {
		return spider.Task{}, err
	}

	job := spider.ExecutionJob{TaskID: task.ID, SpiderID: sp.ID, Attempt: 0}
	if err := s.queue.Submit(ctx, job); err != nil {
		// The task would otherwise sit pending forever.
		finishErr := s.tasks.Finish(ctx, task.ID, spider.TaskStatusFailed,
			fmt.Sprintf("enqueue execution job: %v", err),
			spider.ErrorCategorySystem, s.clock.Now())
		if finishErr != nil {
			s.logger.Error("fail task after enqueue error",
				zap.String("task_id", task.ID),
				zap.Error(finishErr))
		}
		return spider.Task{}, fmt.Errorf("enqueue execution job: %w", err)
	}

	metrics.ObserveDispatch(string(trigger))
	s.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("spider_id", sp.ID),
		zap.String("trigger", string(trigger)))
	return task, nil
}
