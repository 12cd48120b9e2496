// Package spider defines core types shared across subsystems.
package spider

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records how a task came to exist.
type TriggerType string

// Trigger type values.
const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
)

// ErrorCategory classifies a terminal failure.
type ErrorCategory string

// Error category values.
const (
	ErrorCategoryUser   ErrorCategory = "user"
	ErrorCategorySystem ErrorCategory = "system"
)

// Task is one execution instance of a Spider.
type Task struct {
	ID       string `json:"id"`
	SpiderID string `json:"spider_id"`

	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	TotalCount   int64      `json:"total_count"`
	SuccessCount int64      `json:"success_count"`
	FailedCount  int64      `json:"failed_count"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	TriggerType TriggerType `json:"trigger_type"`

	// Checkpoint is an opaque resume blob written by the worker and handed to
	// the next execution of the same spider after a failure.
	Checkpoint []byte `json:"checkpoint_data,omitempty"`

	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorCategory  ErrorCategory `json:"error_category,omitempty"`
	PeakMemoryMB   float64       `json:"peak_memory_mb"`
	ItemsPerSecond float64       `json:"items_per_second"`
}

// Spider is a crawler definition owning zero or more tasks. CRUD for spiders
// lives in the admin console; this core only reads them.
type Spider struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Cron        string   `json:"cron"`
	IsActive    bool     `json:"is_active"`
	DedupFields []string `json:"dedup_fields"`
	MaxRetries  int      `json:"max_retries"`
}

// ProxyStatus is the health state of a proxy.
type ProxyStatus string

// Proxy status values.
const (
	ProxyStatusActive   ProxyStatus = "active"
	ProxyStatusInactive ProxyStatus = "inactive"
	ProxyStatusCooldown ProxyStatus = "cooldown"
)

// Proxy is an outbound egress proxy managed by the pool.
type Proxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	Status      ProxyStatus `json:"status"`
	SuccessRate float64     `json:"success_rate"`
	FailCount   int         `json:"fail_count"`
	LastCheckAt *time.Time  `json:"last_check_at,omitempty"`
}

// Address returns the host:port dial target.
func (p Proxy) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// DataSource is an external store that ingestion can fan out to.
type DataSource struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URI      string `json:"uri"`
	Database string `json:"database"`
	Status   string `json:"status"`
}

// Association links a spider to an external datasource table. Only rows where
// the datasource is active and the association is enabled participate in
// fan-out.
type Association struct {
	DataSource  DataSource `json:"datasource"`
	TargetTable string     `json:"target_table"`
	Enabled     bool       `json:"is_enabled"`
}

// Item is an arbitrary key/value record submitted by a worker. Items are
// ephemeral; they persist only as rows/documents in a backing store.
type Item map[string]any

// StoredItem is an item routed to the default store together with its
// dedup hash.
type StoredItem struct {
	Hash    string
	Payload Item
}

// ExecutionJob is the queue message that drives one task execution attempt.
type ExecutionJob struct {
	TaskID   string `json:"task_id"`
	SpiderID string `json:"spider_id"`
	Attempt  int    `json:"attempt"`
}

// FailureSignal is emitted to the external alerting collaborator when a task
// fails terminally.
type FailureSignal struct {
	TaskID   string `json:"task_id"`
	SpiderID string `json:"spider_id"`
	Message  string `json:"message"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	SpiderID string
	Status   TaskStatus
	Limit    int
}

// Heartbeat carries the optional diagnostics piggybacked on a liveness signal.
type Heartbeat struct {
	MemoryMB   float64
	ItemsCount int64
}
