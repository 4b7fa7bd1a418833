package bulk

import (
	"context"
	"slices"
	"sync"

	"github.com/mailverify/mailverify/internal/model"
)

// TaskStore persists bulk tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.BulkTask) error
	// GetTask returns ErrTaskNotFound for unknown or deleted tasks.
	GetTask(ctx context.Context, id string) (*model.BulkTask, error)
	// ListTasks returns a user's tasks, newest first.
	ListTasks(ctx context.Context, userID string) ([]*model.BulkTask, error)
	// UpdateTask stores status, progress and counters. Returns
	// ErrTaskNotFound if the task was deleted meanwhile.
	UpdateTask(ctx context.Context, task *model.BulkTask) error
	DeleteTask(ctx context.Context, id string) error
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.BulkTask
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*model.BulkTask)}
}

func cloneTask(t *model.BulkTask) *model.BulkTask {
	c := *t
	c.Sources = slices.Clone(t.Sources)
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// CreateTask implements TaskStore.
func (s *MemoryTaskStore) CreateTask(_ context.Context, task *model.BulkTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask implements TaskStore.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*model.BulkTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListTasks implements TaskStore.
func (s *MemoryTaskStore) ListTasks(_ context.Context, userID string) ([]*model.BulkTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*model.BulkTask, 0)
	for _, t := range s.tasks {
		if t.UserID == userID {
			tasks = append(tasks, cloneTask(t))
		}
	}
	// ULIDs sort by creation time.
	slices.SortFunc(tasks, func(a, b *model.BulkTask) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return tasks, nil
}

// UpdateTask implements TaskStore.
func (s *MemoryTaskStore) UpdateTask(_ context.Context, task *model.BulkTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// DeleteTask implements TaskStore.
func (s *MemoryTaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}
