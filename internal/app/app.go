// Package app assembles the service from configuration: stores, queue,
// notifier, scheduler, monitor, proxy pool, ingestion pipeline, worker pool
// and the HTTP server.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/api"
	"github.com/crawlhub/crawlhub/internal/clock/system"
	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/datasource"
	"github.com/crawlhub/crawlhub/internal/id/uuid"
	"github.com/crawlhub/crawlhub/internal/ingest"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/notify"
	"github.com/crawlhub/crawlhub/internal/proxypool"
	queuememory "github.com/crawlhub/crawlhub/internal/queue/memory"
	queuepubsub "github.com/crawlhub/crawlhub/internal/queue/pubsub"
	"github.com/crawlhub/crawlhub/internal/scheduler"
	"github.com/crawlhub/crawlhub/internal/spider"
	"github.com/crawlhub/crawlhub/internal/storage/gcs"
	storagememory "github.com/crawlhub/crawlhub/internal/storage/memory"
	"github.com/crawlhub/crawlhub/internal/storage/postgres"
	"github.com/crawlhub/crawlhub/internal/worker"
)

// App owns every long-lived component and its shutdown order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	server    *api.Server
	scheduler *scheduler.Scheduler
	monitor   *scheduler.Monitor
	pool      *proxypool.Pool
	workers   *worker.Pool

	pubsubQueue *queuepubsub.Queue

	closers []func(ctx context.Context) error
}

// New builds the full dependency graph from the configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()
	ids := uuid.NewGenerator()

	var (
		tasks   spider.TaskStore
		spiders spider.SpiderStore
		proxies spider.ProxyStore
		sources spider.DataSourceStore
		items   spider.ItemStore
		ready   func(ctx context.Context) error
	)

	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})

		tasks = postgres.NewTaskStore(pool)
		spiders = postgres.NewSpiderStore(pool)
		proxies = postgres.NewProxyStore(pool)
		sources = postgres.NewDataSourceStore(pool)
		items = postgres.NewItemStore(pool)
		ready = pool.Ping
		logger.Info("using postgres storage")
	} else {
		tasks = storagememory.NewTaskStore()
		spiders = storagememory.NewSpiderStore()
		proxies = storagememory.NewProxyStore()
		sources = storagememory.NewDataSourceStore()
		items = storagememory.NewItemStore()
		logger.Warn("db.dsn not set, using in-memory storage")
	}

	queue, jobs, err := a.buildQueue(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	writers := datasource.NewRegistry()
	a.closers = append(a.closers, func(ctx context.Context) error {
		writers.Close(ctx)
		return nil
	})

	a.scheduler = scheduler.New(spiders, tasks, queue, clock, ids, cfg.Scheduler, logger)
	a.monitor = scheduler.NewMonitor(tasks, notifier, clock, cfg.Scheduler, logger)
	a.pool = proxypool.New(proxies, cfg.Proxy, clock, logger)

	pipeline := ingest.New(tasks, spiders, sources, items, writers, ids,
		cfg.Ingest.FanoutConcurrency, logger, ingest.Options{
			Archive:       archive,
			ArchivePrefix: cfg.Archive.Prefix,
		})

	runner := worker.NewProcessRunner(cfg.Worker.Command, cfg.Worker.APIBaseURL, logger)
	a.workers = worker.New(jobs, tasks, spiders, queue, notifier, runner, clock,
		cfg.Scheduler, cfg.Worker.Concurrency, logger)

	a.server = api.New(cfg, a.scheduler, tasks, spiders, proxies, a.pool, pipeline,
		clock, ids, logger)
	if ready != nil {
		a.server.SetReadyCheck(ready)
	}

	return a, nil
}

func (a *App) buildQueue(ctx context.Context) (spider.Queue, spider.JobSource, error) {
	switch a.cfg.Queue.Provider {
	case "pubsub":
		q, err := queuepubsub.New(ctx, a.cfg.Queue.ProjectID, a.cfg.Queue.TopicID,
			a.cfg.Queue.Subscription, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.pubsubQueue = q
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })
		return q, q, nil
	case "memory":
		q := queuememory.NewQueue(a.cfg.Queue.Depth)
		a.closers = append(a.closers, func(context.Context) error {
			q.Close()
			return nil
		})
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue provider: %s", a.cfg.Queue.Provider)
	}
}

func (a *App) buildNotifier(ctx context.Context) (spider.Notifier, error) {
	switch a.cfg.Notify.Provider {
	case "pubsub":
		n, err := notify.NewPubSubNotifier(ctx, a.cfg.Notify.ProjectID,
			a.cfg.Notify.TopicID, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return n.Close() })
		return n, nil
	case "log", "":
		return notify.NewLogNotifier(a.logger), nil
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", a.cfg.Notify.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (spider.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		store, err := gcs.New(ctx, a.cfg.Archive.GCSBucket, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil
	case "memory":
		return storagememory.NewBlobStore(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
}

// Run starts every loop and blocks until the context ends or the HTTP server
// fails, then closes all resources.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	if a.pubsubQueue != nil {
		start(func(ctx context.Context) {
			if err := a.pubsubQueue.Start(ctx); err != nil {
				a.logger.Error("pubsub receive loop failed", zap.Error(err))
				cancel()
			}
		})
	}
	start(a.scheduler.Run)
	start(a.monitor.Run)
	start(a.pool.RunSweeper)
	start(a.workers.Run)

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr <- a.server.ListenAndServe(runCtx)
	}()

	var err error
	select {
	case err = <-serveErr:
		cancel()
	case <-runCtx.Done():
		err = <-serveErr
	}
	wg.Wait()
	a.close(context.Background())
	return err
}

func (a *App) close(ctx context.Context) {
	// Close in reverse construction order.
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close component", zap.Error(err))
		}
	}
	a.closers = nil
}
