// Package worker consumes execution jobs and drives task attempts through a
// Runner, handling retries and terminal failure signaling.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// Categorized lets a Runner classify its failure. Errors that do not
// implement it count as system errors.
type Categorized interface {
	Category() spider.ErrorCategory
}

// Pool runs a fixed number of consumers against a JobSource. Job delivery is
// at-least-once, so stale duplicates are dropped by comparing the job's
// attempt number against the task's recorded retry count.
type Pool struct {
	jobs     spider.JobSource
	tasks    spider.TaskStore
	spiders  spider.SpiderStore
	queue    spider.Queue
	notifier spider.Notifier
	runner   spider.Runner
	clock    spider.Clock
	cfg      config.SchedulerConfig

	concurrency int
	logger      *zap.Logger

	// retryWG tracks in-flight delayed resubmissions so Run can drain them.
	retryWG sync.WaitGroup
}

// New constructs a Pool.
func New(
	jobs spider.JobSource,
	tasks spider.TaskStore,
	spiders spider.SpiderStore,
	queue spider.Queue,
	notifier spider.Notifier,
	runner spider.Runner,
	clock spider.Clock,
	cfg config.SchedulerConfig,
	concurrency int,
	logger *zap.Logger,
) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		jobs:        jobs,
		tasks:       tasks,
		spiders:     spiders,
		queue:       queue,
		notifier:    notifier,
		runner:      runner,
		clock:       clock,
		cfg:         cfg,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run consumes jobs until the context is cancelled, then waits for pending
// retry resubmissions.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := p.jobs.Next(ctx)
				if err != nil {
					return
				}
				p.Handle(ctx, job)
			}
		}()
	}
	wg.Wait()
	p.retryWG.Wait()
	p.logger.Info("worker pool stopped")
}

// Handle executes one job delivery end to end.
func (p *Pool) Handle(ctx context.Context, job spider.ExecutionJob) {
	logger := p.logger.With(
		zap.String("task_id", job.TaskID),
		zap.String("spider_id", job.SpiderID),
		zap.Int("attempt", job.Attempt))

	task, err := p.tasks.Get(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, spider.ErrTaskNotFound) {
			logger.Warn("dropping job for unknown task")
			return
		}
		logger.Error("load task", zap.Error(err))
		return
	}
	if task.Status.Terminal() {
		logger.Debug("dropping job for terminal task")
		return
	}
	if task.Status == spider.TaskStatusRunning && job.Attempt < task.RetryCount {
		logger.Debug("dropping stale duplicate delivery")
		return
	}

	sp, err := p.spiders.Get(ctx, task.SpiderID)
	if err != nil {
		if errors.Is(err, spider.ErrSpiderNotFound) {
			logger.Error("spider definition missing", zap.Error(err))
			p.finishFailed(ctx, task, "spider definition missing", spider.ErrorCategorySystem, logger)
			return
		}
		// Transient store error: leave the task untouched so redelivery
		// retries the job.
		logger.Error("load spider", zap.Error(err))
		return
	}

	if job.Attempt > 0 {
		if err := p.tasks.SetRetryCount(ctx, task.ID, job.Attempt); err != nil {
			logger.Error("record retry count", zap.Error(err))
		}
		task.RetryCount = job.Attempt
	}
	if err := p.tasks.MarkRunning(ctx, task.ID, p.clock.Now()); err != nil {
		logger.Error("mark task running", zap.Error(err))
		return
	}

	runErr := p.runner.Run(ctx, sp, task)
	if runErr == nil {
		if err := p.tasks.Finish(ctx, task.ID, spider.TaskStatusCompleted, "", "", p.clock.Now()); err != nil {
			logger.Error("finish completed task", zap.Error(err))
			return
		}
		metrics.ObserveFinish(string(spider.TaskStatusCompleted))
		logger.Info("task completed")
		return
	}

	if job.Attempt < task.MaxRetries {
		logger.Warn("task attempt failed, scheduling retry",
			zap.Int("max_retries", task.MaxRetries),
			zap.Error(runErr))
		p.scheduleRetry(ctx, job, logger)
		return
	}

	logger.Error("task failed after exhausting retries", zap.Error(runErr))
	p.finishFailed(ctx, task, runErr.Error(), categoryOf(runErr), logger)
}

// scheduleRetry resubmits the job with the next attempt number after the
// configured backoff.
func (p *Pool) scheduleRetry(ctx context.Context, job spider.ExecutionJob, logger *zap.Logger) {
	next := spider.ExecutionJob{
		TaskID:   job.TaskID,
		SpiderID: job.SpiderID,
		Attempt:  job.Attempt + 1,
	}
	p.retryWG.Add(1)
	go func() {
		defer p.retryWG.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryBackoff()):
		}
		if err := p.queue.Submit(ctx, next); err != nil {
			logger.Error("resubmit retry job", zap.Error(err))
		}
	}()
}

func (p *Pool) finishFailed(ctx context.Context, task spider.Task, msg string, category spider.ErrorCategory, logger *zap.Logger) {
	if err := p.tasks.Finish(ctx, task.ID, spider.TaskStatusFailed, msg, category, p.clock.Now()); err != nil {
		logger.Error("finish failed task", zap.Error(err))
		return
	}
	metrics.ObserveFinish(string(spider.TaskStatusFailed))

	sig := spider.FailureSignal{TaskID: task.ID, SpiderID: task.SpiderID, Message: msg}
	if err := p.notifier.Signal(ctx, sig); err != nil {
		logger.Error("signal task failure", zap.Error(err))
	}
}

func categoryOf(err error) spider.ErrorCategory {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return spider.ErrorCategorySystem
}
