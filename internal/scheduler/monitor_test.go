package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/spider"
	"github.com/crawlhub/crawlhub/internal/storage/memory"
)

type recordingNotifier struct {
	mu      sync.Mutex
	signals []spider.FailureSignal
}

func (n *recordingNotifier) Signal(_ context.Context, sig spider.FailureSignal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, sig)
	return nil
}

func (n *recordingNotifier) all() []spider.FailureSignal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]spider.FailureSignal(nil), n.signals...)
}

func seedRunning(tasks *memory.TaskStore, id, spiderID string, started, heartbeat time.Time) {
	s, h := started, heartbeat
	tasks.Seed(spider.Task{
		ID:            id,
		SpiderID:      spiderID,
		Status:        spider.TaskStatusRunning,
		StartedAt:     &s,
		LastHeartbeat: &h,
	})
}

func TestScan_FailsStalledTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tasks := memory.NewTaskStore()
	notifier := &recordingNotifier{}
	m := NewMonitor(tasks, notifier, fixedClock{t: now}, testConfig(), zap.NewNop())

	// Started four minutes ago, last heartbeat three minutes ago. Past both
	// the grace period and the heartbeat timeout.
	seedRunning(tasks, "stalled", "s1", now.Add(-4*time.Minute), now.Add(-3*time.Minute))

	failed := m.Scan(context.Background())
	require.Equal(t, 1, failed)

	task, err := tasks.Get(context.Background(), "stalled")
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusFailed, task.Status)
	require.Equal(t, "heartbeat timeout", task.ErrorMessage)
	require.Equal(t, spider.ErrorCategorySystem, task.ErrorCategory)
	require.NotNil(t, task.FinishedAt)

	signals := notifier.all()
	require.Len(t, signals, 1)
	require.Equal(t, "stalled", signals[0].TaskID)
	require.Equal(t, "s1", signals[0].SpiderID)
}

func TestScan_LeavesFreshTaskWithinGrace(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tasks := memory.NewTaskStore()
	m := NewMonitor(tasks, &recordingNotifier{}, fixedClock{t: now}, testConfig(), zap.NewNop())

	// Started one minute ago with no heartbeat yet. Still inside the grace
	// period.
	started := now.Add(-time.Minute)
	tasks.Seed(spider.Task{
		ID:        "fresh",
		SpiderID:  "s1",
		Status:    spider.TaskStatusRunning,
		StartedAt: &started,
	})

	require.Zero(t, m.Scan(context.Background()))

	task, err := tasks.Get(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusRunning, task.Status)
}

func TestScan_LeavesTaskWithRecentHeartbeat(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tasks := memory.NewTaskStore()
	m := NewMonitor(tasks, &recordingNotifier{}, fixedClock{t: now}, testConfig(), zap.NewNop())

	seedRunning(tasks, "alive", "s1", now.Add(-10*time.Minute), now.Add(-30*time.Second))

	require.Zero(t, m.Scan(context.Background()))

	task, err := tasks.Get(context.Background(), "alive")
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusRunning, task.Status)
}

func TestScan_IgnoresTerminalTasks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tasks := memory.NewTaskStore()
	notifier := &recordingNotifier{}
	m := NewMonitor(tasks, notifier, fixedClock{t: now}, testConfig(), zap.NewNop())

	started := now.Add(-time.Hour)
	hb := now.Add(-time.Hour)
	tasks.Seed(spider.Task{
		ID:            "done",
		SpiderID:      "s1",
		Status:        spider.TaskStatusCompleted,
		StartedAt:     &started,
		LastHeartbeat: &hb,
	})

	require.Zero(t, m.Scan(context.Background()))
	require.Empty(t, notifier.all())
}
