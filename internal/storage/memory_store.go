package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a TaskStore that lives only as long as the process.
// Retry counters kept here reset on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*VideoTask // youtube video id -> task
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*VideoTask)}
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *VideoTask) error {
	if task == nil || task.VideoID == "" || !task.State.Valid() {
		return &StorageError{Op: "create", Entity: "task", Err: ErrInvalidInput}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.VideoID]; exists {
		return &StorageError{Op: "create", Entity: "task", ID: task.VideoID, Err: ErrAlreadyExists}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.FirstSeenAt.IsZero() {
		task.FirstSeenAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.VideoID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, videoID string) (*VideoTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[videoID]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "task", ID: videoID, Err: ErrNotFound}
	}
	return task.Clone(), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, task *VideoTask) error {
	if task == nil || !task.State.Valid() {
		return &StorageError{Op: "update", Entity: "task", Err: ErrInvalidInput}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.VideoID]; !exists {
		return &StorageError{Op: "update", Entity: "task", ID: task.VideoID, Err: ErrNotFound}
	}
	task.UpdatedAt = time.Now()
	m.tasks[task.VideoID] = task.Clone()
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[videoID]; !exists {
		return &StorageError{Op: "delete", Entity: "task", ID: videoID, Err: ErrNotFound}
	}
	delete(m.tasks, videoID)
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context) ([]*VideoTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*VideoTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks, nil
}

func (m *MemoryStore) Close() error { return nil }
