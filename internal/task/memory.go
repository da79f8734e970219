package task

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store used by tests and embedded deployments.
type MemoryStore struct {
	mu    sync.Mutex
	tasks []Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, *t)
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, q ListQuery) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if q.OrgID != "" && t.OrgID != q.OrgID {
			continue
		}
		if q.TaskAfter != "" {
			if t.CreatedAt < q.CreatedAfter {
				continue
			}
			if t.CreatedAt == q.CreatedAfter && t.TaskID <= q.TaskAfter {
				continue
			}
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt < matched[j].CreatedAt
		}
		return matched[i].TaskID < matched[j].TaskID
	})
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Count returns the number of stored tasks (tests).
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
