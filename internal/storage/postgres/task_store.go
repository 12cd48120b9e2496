package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// TaskStore persists tasks in Postgres.
type TaskStore struct {
	pool dbConn
}

// NewTaskStore constructs a TaskStore from an existing pool.
func NewTaskStore(pool dbConn) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `id, spider_id, status, progress, total_count, success_count, failed_count,
created_at, started_at, finished_at, last_heartbeat, retry_count, max_retries,
trigger_type, checkpoint_data, error_message, error_category, peak_memory_mb, items_per_second`

// CreateExclusive inserts a pending task unless the spider already has a
// pending or running one. The NOT EXISTS subquery handles the common case in
// one statement, but under READ COMMITTED two concurrent inserts can both
// pass it; the partial unique index on open tasks is what actually closes the
// race, surfacing the loser as a unique violation.
func (s *TaskStore) CreateExclusive(ctx context.Context, task spider.Task) error {
	query := `
INSERT INTO tasks (id, spider_id, status, progress, created_at, retry_count, max_retries, trigger_type)
SELECT $1, $2, $3, 0, $4, 0, $5, $6
WHERE NOT EXISTS (
	SELECT 1 FROM tasks WHERE spider_id = $2 AND status IN ('pending', 'running')
)`
	tag, err := s.pool.Exec(ctx, query,
		task.ID,
		task.SpiderID,
		string(task.Status),
		task.CreatedAt,
		task.MaxRetries,
		string(task.TriggerType),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique violation on idx_tasks_spider_open.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return spider.ErrTaskConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskConflict
	}
	return nil
}

// Get fetches a task by ID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (spider.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.Task{}, spider.ErrTaskNotFound
	}
	if err != nil {
		return spider.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter spider.TaskFilter) ([]spider.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		args  []any
		where string
	)
	if filter.SpiderID != "" {
		args = append(args, filter.SpiderID)
		where = ` WHERE spider_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clause := ` WHERE `
		if where != "" {
			clause = where + ` AND `
		}
		where = clause + `status = $` + strconv.Itoa(len(args))
	}
	query += where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []spider.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// MarkRunning transitions a task to running and stamps the first heartbeat.
func (s *TaskStore) MarkRunning(ctx context.Context, taskID string, now time.Time) error {
	query := `
UPDATE tasks SET status = 'running',
	started_at = COALESCE(started_at, $2),
	last_heartbeat = $2
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, now)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// Finish writes a terminal status. Last write wins by design; the heartbeat
// monitor and a completing worker may both land here.
func (s *TaskStore) Finish(ctx context.Context, taskID string, status spider.TaskStatus, errMsg string, category spider.ErrorCategory, now time.Time) error {
	query := `
UPDATE tasks SET status = $2, error_message = $3, error_category = $4, finished_at = $5
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), errMsg, string(category), now)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// Cancel moves a pending or running task to cancelled.
func (s *TaskStore) Cancel(ctx context.Context, taskID string, now time.Time) error {
	query := `
UPDATE tasks SET status = 'cancelled', finished_at = $2
WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := s.pool.Exec(ctx, query, taskID, now)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing task from a terminal one.
		if _, err := s.Get(ctx, taskID); err != nil {
			return err
		}
		return spider.ErrTaskTerminal
	}
	return nil
}

// UpdateProgress sets the progress percentage.
func (s *TaskStore) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET progress = $2 WHERE id = $1`, taskID, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// RecordHeartbeat stamps last_heartbeat and folds in worker diagnostics.
// peak_memory_mb keeps its high-water mark.
func (s *TaskStore) RecordHeartbeat(ctx context.Context, taskID string, hb spider.Heartbeat, now time.Time) error {
	query := `
UPDATE tasks SET last_heartbeat = $2,
	peak_memory_mb = GREATEST(peak_memory_mb, $3),
	items_per_second = CASE
		WHEN $4::BIGINT > 0 AND started_at IS NOT NULL AND EXTRACT(EPOCH FROM ($2::TIMESTAMPTZ - started_at)) > 0
		THEN $4 / EXTRACT(EPOCH FROM ($2::TIMESTAMPTZ - started_at))
		ELSE items_per_second
	END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, now, hb.MemoryMB, hb.ItemsCount)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// SaveCheckpoint persists the opaque resume blob.
func (s *TaskStore) SaveCheckpoint(ctx context.Context, taskID string, data []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET checkpoint_data = $2 WHERE id = $1`, taskID, data)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// LastFailedCheckpoint returns the checkpoint of the most recent failed task
// for the spider, or nil when there is none.
func (s *TaskStore) LastFailedCheckpoint(ctx context.Context, spiderID string) ([]byte, error) {
	query := `
SELECT checkpoint_data FROM tasks
WHERE spider_id = $1 AND status = 'failed' AND checkpoint_data IS NOT NULL
ORDER BY finished_at DESC NULLS LAST
LIMIT 1`
	var data []byte
	err := s.pool.QueryRow(ctx, query, spiderID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last failed checkpoint: %w", err)
	}
	return data, nil
}

// AddCounts increments total_count and success_count in a single atomic
// statement. Many workers ingest concurrently for the same task, so this is
// never read-modify-write.
func (s *TaskStore) AddCounts(ctx context.Context, taskID string, n int64) error {
	query := `
UPDATE tasks SET total_count = total_count + $2, success_count = success_count + $2
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, n)
	if err != nil {
		return fmt.Errorf("add counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// SetRetryCount records the queue-reported attempt number.
func (s *TaskStore) SetRetryCount(ctx context.Context, taskID string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET retry_count = $2 WHERE id = $1`, taskID, attempt)
	if err != nil {
		return fmt.Errorf("set retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrTaskNotFound
	}
	return nil
}

// ListStalled returns running tasks past the grace period with stale
// heartbeats.
func (s *TaskStore) ListStalled(ctx context.Context, startedBefore, heartbeatBefore time.Time) ([]spider.Task, error) {
	query := `
SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'running'
	AND started_at IS NOT NULL AND started_at < $1
	AND (last_heartbeat IS NULL OR last_heartbeat < $2)`
	rows, err := s.pool.Query(ctx, query, startedBefore, heartbeatBefore)
	if err != nil {
		return nil, fmt.Errorf("list stalled tasks: %w", err)
	}
	defer rows.Close()

	var out []spider.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (spider.Task, error) {
	var (
		task     spider.Task
		status   string
		trigger  string
		category string
	)
	err := row.Scan(
		&task.ID,
		&task.SpiderID,
		&status,
		&task.Progress,
		&task.TotalCount,
		&task.SuccessCount,
		&task.FailedCount,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.LastHeartbeat,
		&task.RetryCount,
		&task.MaxRetries,
		&trigger,
		&task.Checkpoint,
		&task.ErrorMessage,
		&category,
		&task.PeakMemoryMB,
		&task.ItemsPerSecond,
	)
	if err != nil {
		return spider.Task{}, err
	}
	task.Status = spider.TaskStatus(status)
	task.TriggerType = spider.TriggerType(trigger)
	task.ErrorCategory = spider.ErrorCategory(category)
	return task, nil
}
