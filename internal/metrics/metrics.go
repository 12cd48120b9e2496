// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksDispatchedTotal      *prometheus.CounterVec
	tasksFinishedTotal        *prometheus.CounterVec
	itemsIngestedTotal        *prometheus.CounterVec
	itemsDeduplicatedTotal    prometheus.Counter
	fanoutWriteFailuresTotal  *prometheus.CounterVec
	proxyAcquisitionsTotal    *prometheus.CounterVec
	proxyReportsTotal         *prometheus.CounterVec
	heartbeatTimeoutsTotal    prometheus.Counter
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_tasks_dispatched_total",
				Help: "Total number of tasks created, labeled by trigger type.",
			},
			[]string{"trigger"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		itemsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_items_ingested_total",
				Help: "Total number of accepted items, labeled by routing mode.",
			},
			[]string{"mode"},
		)

		itemsDeduplicatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlhub_items_deduplicated_total",
				Help: "Total number of items skipped by the dedup check.",
			},
		)

		fanoutWriteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_fanout_write_failures_total",
				Help: "Total number of failed fan-out writes, labeled by datasource type.",
			},
			[]string{"type"},
		)

		proxyAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_proxy_acquisitions_total",
				Help: "Total proxy acquire attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		proxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_proxy_reports_total",
				Help: "Total proxy usage reports, labeled by result.",
			},
			[]string{"result"},
		)

		heartbeatTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlhub_heartbeat_timeouts_total",
				Help: "Total tasks force-failed by the heartbeat monitor.",
			},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlhub_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts a created task.
func ObserveDispatch(trigger string) {
	if tasksDispatchedTotal != nil {
		tasksDispatchedTotal.WithLabelValues(trigger).Inc()
	}
}

// ObserveFinish counts a terminal transition.
func ObserveFinish(status string) {
	if tasksFinishedTotal != nil {
		tasksFinishedTotal.WithLabelValues(status).Inc()
	}
}

// ObserveIngest counts accepted and deduplicated items for one batch.
func ObserveIngest(mode string, accepted, deduplicated int) {
	if itemsIngestedTotal != nil {
		itemsIngestedTotal.WithLabelValues(mode).Add(float64(accepted))
	}
	if itemsDeduplicatedTotal != nil && deduplicated > 0 {
		itemsDeduplicatedTotal.Add(float64(deduplicated))
	}
}

// ObserveFanoutFailure counts one failed writer invocation.
func ObserveFanoutFailure(dsType string) {
	if fanoutWriteFailuresTotal != nil {
		fanoutWriteFailuresTotal.WithLabelValues(dsType).Inc()
	}
}

// ObserveProxyAcquire counts an acquire attempt outcome ("hit" or "empty").
func ObserveProxyAcquire(outcome string) {
	if proxyAcquisitionsTotal != nil {
		proxyAcquisitionsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveProxyReport counts a usage report ("success" or "failure").
func ObserveProxyReport(result string) {
	if proxyReportsTotal != nil {
		proxyReportsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveHeartbeatTimeout counts a monitor-forced failure.
func ObserveHeartbeatTimeout() {
	if heartbeatTimeoutsTotal != nil {
		heartbeatTimeoutsTotal.Inc()
	}
}

// ObserveHTTPRequest records one request latency.
func ObserveHTTPRequest(method, route string, d time.Duration) {
	if httpRequestDurationSecond != nil {
		httpRequestDurationSecond.WithLabelValues(method, route).Observe(d.Seconds())
	}
}
