package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/spider"
)

func TestTaskStore_CreateExclusive_Inserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-1", "spider-1", "pending", now, 3, "schedule").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.CreateExclusive(context.Background(), spider.Task{
		ID:          "task-1",
		SpiderID:    "spider-1",
		Status:      spider.TaskStatusPending,
		CreatedAt:   now,
		MaxRetries:  3,
		TriggerType: spider.TriggerSchedule,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CreateExclusive_ConflictOnZeroRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-2", "spider-1", "pending", pgxmock.AnyArg(), 3, "manual").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.CreateExclusive(context.Background(), spider.Task{
		ID:          "task-2",
		SpiderID:    "spider-1",
		Status:      spider.TaskStatusPending,
		CreatedAt:   time.Now(),
		MaxRetries:  3,
		TriggerType: spider.TriggerManual,
	})
	require.ErrorIs(t, err, spider.ErrTaskConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CreateExclusive_ConflictOnUniqueViolation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	// Two dispatchers can both pass the NOT EXISTS check under READ
	// COMMITTED; the loser hits the partial unique index instead.
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-3", "spider-1", "pending", pgxmock.AnyArg(), 3, "manual").
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: "idx_tasks_spider_open",
		})

	err = store.CreateExclusive(context.Background(), spider.Task{
		ID:          "task-3",
		SpiderID:    "spider-1",
		Status:      spider.TaskStatusPending,
		CreatedAt:   time.Now(),
		MaxRetries:  3,
		TriggerType: spider.TriggerManual,
	})
	require.ErrorIs(t, err, spider.ErrTaskConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_AddCounts_SingleIncrementStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectExec(`UPDATE tasks SET total_count = total_count \+ \$2, success_count = success_count \+ \$2`).
		WithArgs("task-1", int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AddCounts(context.Background(), "task-1", 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_Get_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(taskTestColumns()))

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, spider.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_Cancel_TerminalTask(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE tasks SET status = 'cancelled'").
		WithArgs("task-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows(taskTestColumns()).AddRow(taskTestRow("task-1", "completed", now)...))

	err = store.Cancel(context.Background(), "task-1", now)
	require.ErrorIs(t, err, spider.ErrTaskTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_LastFailedCheckpoint_NilWhenNone(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectQuery("SELECT checkpoint_data FROM tasks").
		WithArgs("spider-1").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_data"}))

	data, err := store.LastFailedCheckpoint(context.Background(), "spider-1")
	require.NoError(t, err)
	require.Nil(t, data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_ListStalled_ScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM tasks").
		WithArgs(now.Add(-3*time.Minute), now.Add(-2*time.Minute)).
		WillReturnRows(pgxmock.NewRows(taskTestColumns()).AddRow(taskTestRow("task-9", "running", now)...))

	tasks, err := store.ListStalled(context.Background(), now.Add(-3*time.Minute), now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "task-9", tasks[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func taskTestColumns() []string {
	return []string{
		"id", "spider_id", "status", "progress", "total_count", "success_count",
		"failed_count", "created_at", "started_at", "finished_at", "last_heartbeat",
		"retry_count", "max_retries", "trigger_type", "checkpoint_data",
		"error_message", "error_category", "peak_memory_mb", "items_per_second",
	}
}

func taskTestRow(id, status string, now time.Time) []any {
	return []any{
		id, "spider-1", status, 0, int64(0), int64(0), int64(0),
		now, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		0, 3, "schedule", []byte(nil), "", "", 0.0, 0.0,
	}
}
