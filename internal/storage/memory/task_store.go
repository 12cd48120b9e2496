// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// TaskStore is an in-memory spider.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]spider.Task
	order []string
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]spider.Task)}
}

// Seed inserts a task directly, bypassing the exclusivity check. Test helper.
func (s *TaskStore) Seed(task spider.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task
}

// CreateExclusive inserts a pending task unless the spider already has a
// pending or running one.
func (s *TaskStore) CreateExclusive(_ context.Context, task spider.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.SpiderID == task.SpiderID && !t.Status.Terminal() {
			return spider.ErrTaskConflict
		}
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return nil
}

// Get fetches a task by ID.
func (s *TaskStore) Get(_ context.Context, taskID string) (spider.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.Task{}, spider.ErrTaskNotFound
	}
	return task, nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(_ context.Context, filter spider.TaskFilter) ([]spider.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spider.Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if filter.SpiderID != "" && t.SpiderID != filter.SpiderID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkRunning transitions a task to running.
func (s *TaskStore) MarkRunning(_ context.Context, taskID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.Status = spider.TaskStatusRunning
	if task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	hb := now
	task.LastHeartbeat = &hb
	s.tasks[taskID] = task
	return nil
}

// Finish writes a terminal status. Last write wins.
func (s *TaskStore) Finish(_ context.Context, taskID string, status spider.TaskStatus, errMsg string, category spider.ErrorCategory, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.Status = status
	task.ErrorMessage = errMsg
	task.ErrorCategory = category
	finished := now
	task.FinishedAt = &finished
	s.tasks[taskID] = task
	return nil
}

// Cancel moves a pending or running task to cancelled.
func (s *TaskStore) Cancel(_ context.Context, taskID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return spider.ErrTaskTerminal
	}
	task.Status = spider.TaskStatusCancelled
	finished := now
	task.FinishedAt = &finished
	s.tasks[taskID] = task
	return nil
}

// UpdateProgress sets the progress percentage.
func (s *TaskStore) UpdateProgress(_ context.Context, taskID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.Progress = progress
	s.tasks[taskID] = task
	return nil
}

// RecordHeartbeat stamps last_heartbeat and folds in diagnostics.
func (s *TaskStore) RecordHeartbeat(_ context.Context, taskID string, hb spider.Heartbeat, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	ts := now
	task.LastHeartbeat = &ts
	if hb.MemoryMB > task.PeakMemoryMB {
		task.PeakMemoryMB = hb.MemoryMB
	}
	if hb.ItemsCount > 0 && task.StartedAt != nil {
		elapsed := now.Sub(*task.StartedAt).Seconds()
		if elapsed > 0 {
			task.ItemsPerSecond = float64(hb.ItemsCount) / elapsed
		}
	}
	s.tasks[taskID] = task
	return nil
}

// SaveCheckpoint persists the opaque resume blob.
func (s *TaskStore) SaveCheckpoint(_ context.Context, taskID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.Checkpoint = append([]byte(nil), data...)
	s.tasks[taskID] = task
	return nil
}

// LastFailedCheckpoint returns the checkpoint of the most recent failed task
// for the spider, or nil.
func (s *TaskStore) LastFailedCheckpoint(_ context.Context, spiderID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []spider.Task
	for _, t := range s.tasks {
		if t.SpiderID == spiderID && t.Status == spider.TaskStatusFailed && len(t.Checkpoint) > 0 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].FinishedAt, candidates[j].FinishedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	return append([]byte(nil), candidates[0].Checkpoint...), nil
}

// AddCounts atomically increments total_count and success_count.
func (s *TaskStore) AddCounts(_ context.Context, taskID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.TotalCount += n
	task.SuccessCount += n
	s.tasks[taskID] = task
	return nil
}

// SetRetryCount records the queue-reported attempt number.
func (s *TaskStore) SetRetryCount(_ context.Context, taskID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrTaskNotFound
	}
	task.RetryCount = attempt
	s.tasks[taskID] = task
	return nil
}

// ListStalled returns running tasks past the grace period with stale
// heartbeats.
func (s *TaskStore) ListStalled(_ context.Context, startedBefore, heartbeatBefore time.Time) ([]spider.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Task
	for _, t := range s.tasks {
		if t.Status != spider.TaskStatusRunning || t.StartedAt == nil {
			continue
		}
		if !t.StartedAt.Before(startedBefore) {
			continue
		}
		if t.LastHeartbeat != nil && !t.LastHeartbeat.Before(heartbeatBefore) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
