package spider

import (
	"context"
	"time"
)

// TaskStore persists task lifecycle state.
type TaskStore interface {
	// CreateExclusive inserts a pending task unless a pending or running task
	// already exists for the same spider, in which case it returns
	// ErrTaskConflict. The check and the insert are one atomic operation.
	CreateExclusive(ctx context.Context, task Task) error

	Get(ctx context.Context, taskID string) (Task, error)
	List(ctx context.Context, filter TaskFilter) ([]Task, error)

	// MarkRunning transitions a task to running and stamps started_at and the
	// first heartbeat.
	MarkRunning(ctx context.Context, taskID string, now time.Time) error

	// Finish writes a terminal status. Last write wins; the heartbeat monitor
	// and a completing worker may race here.
	Finish(ctx context.Context, taskID string, status TaskStatus, errMsg string, category ErrorCategory, now time.Time) error

	// Cancel moves a pending or running task to cancelled. Returns
	// ErrTaskTerminal when the task already finished.
	Cancel(ctx context.Context, taskID string, now time.Time) error

	UpdateProgress(ctx context.Context, taskID string, progress int) error

	// RecordHeartbeat stamps last_heartbeat and folds in diagnostics.
	// peak_memory_mb keeps its high-water mark.
	RecordHeartbeat(ctx context.Context, taskID string, hb Heartbeat, now time.Time) error

	SaveCheckpoint(ctx context.Context, taskID string, data []byte) error

	// LastFailedCheckpoint returns the checkpoint of the most recent failed
	// task for the spider, or nil when there is none.
	LastFailedCheckpoint(ctx context.Context, spiderID string) ([]byte, error)

	// AddCounts atomically increments total_count and success_count by n.
	AddCounts(ctx context.Context, taskID string, n int64) error

	SetRetryCount(ctx context.Context, taskID string, attempt int) error

	// ListStalled returns running tasks that started before startedBefore and
	// whose last heartbeat is older than heartbeatBefore.
	ListStalled(ctx context.Context, startedBefore, heartbeatBefore time.Time) ([]Task, error)
}

// SpiderStore reads crawler definitions.
type SpiderStore interface {
	Get(ctx context.Context, spiderID string) (Spider, error)
	List(ctx context.Context) ([]Spider, error)
	// ListScheduled returns active spiders with a non-empty cron expression.
	ListScheduled(ctx context.Context) ([]Spider, error)
}

// ProxyStore persists proxies and performs the pool's atomic transitions.
type ProxyStore interface {
	Create(ctx context.Context, proxy Proxy) error
	Update(ctx context.Context, proxy Proxy) error
	Delete(ctx context.Context, proxyID string) error
	Get(ctx context.Context, proxyID string) (Proxy, error)
	List(ctx context.Context) ([]Proxy, error)

	// ListCandidates returns active proxies with success_rate >= minRate.
	ListCandidates(ctx context.Context, minRate float64) ([]Proxy, error)

	// Reserve flips a proxy from active to cooldown. It returns false when the
	// proxy was concurrently taken (compare-and-set lost).
	Reserve(ctx context.Context, proxyID string) (bool, error)

	// ReportResult applies the health adjustment for one usage report in a
	// single atomic statement, clamping success_rate to [0,1].
	ReportResult(ctx context.Context, proxyID string, success bool, now time.Time) error

	// ReleaseCooldowns flips every cooldown proxy back to active and returns
	// how many were released.
	ReleaseCooldowns(ctx context.Context) (int, error)
}

// DataSourceStore reads spider/datasource associations.
type DataSourceStore interface {
	// ActiveAssociations returns associations for the spider whose datasource
	// is active and whose is_enabled flag is set.
	ActiveAssociations(ctx context.Context, spiderID string) ([]Association, error)
}

// ItemStore is the default destination for ingested items.
type ItemStore interface {
	// ExistingHashes reports which of the given dedup hashes are already
	// stored for the spider.
	ExistingHashes(ctx context.Context, spiderID string, hashes []string) (map[string]bool, error)
	InsertItems(ctx context.Context, spiderID, taskID string, items []StoredItem) error
}

// Queue submits execution jobs to the distributed task queue.
type Queue interface {
	Submit(ctx context.Context, job ExecutionJob) error
}

// JobSource delivers execution jobs to the worker pool. Delivery is
// at-least-once; handlers must be idempotent by task id.
type JobSource interface {
	Next(ctx context.Context) (ExecutionJob, error)
}

// Notifier signals terminal task failures to the external alerting
// collaborator.
type Notifier interface {
	Signal(ctx context.Context, sig FailureSignal) error
}

// Writer is the per-datasource capability set used by ingestion fan-out.
type Writer interface {
	WriteItems(ctx context.Context, table string, items []Item) error
	ReadItems(ctx context.Context, table string, limit int) ([]Item, error)
	EnsureTable(ctx context.Context, table string) error
	TestConnection(ctx context.Context) error
	CreateDatabase(ctx context.Context, name string) error
	Close(ctx context.Context) error
}

// BlobStore saves raw artifacts such as archived ingestion batches.
type BlobStore interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// Runner executes the crawl for one task attempt.
type Runner interface {
	Run(ctx context.Context, sp Spider, task Task) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
