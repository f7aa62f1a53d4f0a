// Package memory provides an in-memory task store for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/leadgrid/scraperd/internal/task"
)

// TaskStore implements task.Store with process-local state.
type TaskStore struct {
	mu       sync.RWMutex
	nextID   int64
	tasks    map[int64]task.Task
	results  map[int64][]task.Result
	progress map[int64]task.Progress
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		nextID:   1,
		tasks:    make(map[int64]task.Task),
		results:  make(map[int64][]task.Result),
		progress: make(map[int64]task.Progress),
	}
}

// SaveTask assigns an id and persists the task at Pending.
func (s *TaskStore) SaveTask(_ context.Context, t task.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID
	s.nextID++
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return t.ID, nil
}

// LoadTask fetches a task by id.
func (s *TaskStore) LoadTask(_ context.Context, id int64) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

// UpdateTaskStatus records the new status and optional error text.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, id int64, status task.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	t.Status = status
	t.ErrorMessage = errText
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// IncrementRetries bumps the crash retry counter and returns the new value.
func (s *TaskStore) IncrementRetries(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, task.ErrNotFound
	}
	t.Retries++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return t.Retries, nil
}

// AppendResults appends scraped records for a task.
func (s *TaskStore) AppendResults(_ context.Context, id int64, results []task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return task.ErrNotFound
	}
	s.results[id] = append(s.results[id], results...)
	return nil
}

// ListResults returns all recorded results for a task.
func (s *TaskStore) ListResults(_ context.Context, id int64) ([]task.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, task.ErrNotFound
	}
	results := s.results[id]
	out := make([]task.Result, len(results))
	copy(out, results)
	return out, nil
}

// UpdateProgress stores the latest progress snapshot.
func (s *TaskStore) UpdateProgress(_ context.Context, id int64, p task.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return task.ErrNotFound
	}
	s.progress[id] = p
	return nil
}

// Ping implements the health probe; in-memory storage is always reachable.
func (s *TaskStore) Ping(context.Context) error {
	return nil
}
