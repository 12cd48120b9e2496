// Package api exposes the HTTP surface: admin endpoints for spiders, tasks
// and proxies, and the internal endpoints crawl processes report through.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/ingest"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/proxypool"
	"github.com/crawlhub/crawlhub/internal/scheduler"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// Server wires the HTTP handlers to the orchestration core.
type Server struct {
	cfg       config.Config
	scheduler *scheduler.Scheduler
	tasks     spider.TaskStore
	spiders   spider.SpiderStore
	proxies   spider.ProxyStore
	pool      *proxypool.Pool
	pipeline  *ingest.Pipeline
	clock     spider.Clock
	ids       spider.IDGenerator
	logger    *zap.Logger

	// ready reports readiness of backing services; nil means always ready.
	ready func(ctx context.Context) error
}

// New constructs a Server.
func New(
	cfg config.Config,
	sched *scheduler.Scheduler,
	tasks spider.TaskStore,
	spiders spider.SpiderStore,
	proxies spider.ProxyStore,
	pool *proxypool.Pool,
	pipeline *ingest.Pipeline,
	clock spider.Clock,
	ids spider.IDGenerator,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: sched,
		tasks:     tasks,
		spiders:   spiders,
		proxies:   proxies,
		pool:      pool,
		pipeline:  pipeline,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// SetReadyCheck installs the readiness probe.
func (s *Server) SetReadyCheck(ready func(ctx context.Context) error) {
	s.ready = ready
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.cfg.Server.TimeoutSeconds) * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiKeyAuth)

		r.Route("/spiders", func(r chi.Router) {
			r.Get("/", s.handleListSpiders)
			r.Get("/{spiderID}", s.handleGetSpider)
			r.Post("/{spiderID}/run", s.handleRunSpider)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{taskID}", s.handleGetTask)
			r.Post("/{taskID}/cancel", s.handleCancelTask)
		})

		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.handleListProxies)
			r.Post("/", s.handleCreateProxy)
			r.Get("/{proxyID}", s.handleGetProxy)
			r.Put("/{proxyID}", s.handleUpdateProxy)
			r.Delete("/{proxyID}", s.handleDeleteProxy)
			r.Post("/{proxyID}/check", s.handleCheckProxy)
			r.Post("/{proxyID}/report", s.handleReportProxy)
			r.Post("/check-all", s.handleCheckAllProxies)
			r.Post("/acquire", s.handleAcquireProxy)
		})
	})

	// Internal endpoints used by crawl processes.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(s.apiKeyAuth)

		r.Post("/tasks/{taskID}/items", s.handleIngestItems)
		r.Post("/tasks/{taskID}/progress", s.handleProgress)
		r.Post("/tasks/{taskID}/heartbeat", s.handleHeartbeat)
		r.Post("/tasks/{taskID}/checkpoint", s.handleSaveCheckpoint)
		r.Get("/spiders/{spiderID}/checkpoint", s.handleLastCheckpoint)
	})

	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.Int("port", s.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, spider.ErrTaskNotFound),
		errors.Is(err, spider.ErrSpiderNotFound),
		errors.Is(err, spider.ErrProxyNotFound):
		return http.StatusNotFound
	case errors.Is(err, spider.ErrTaskConflict),
		errors.Is(err, spider.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, spider.ErrTaskNotRunning),
		errors.Is(err, spider.ErrSpiderMismatch):
		return http.StatusBadRequest
	case errors.Is(err, spider.ErrNoProxyAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
