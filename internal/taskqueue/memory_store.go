package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/agentharness/internal/harness"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// MemoryStore is an in-memory reference Store, grounded on
// internal/jobs/store.go's MemoryStore (mutex + slice-of-keys insertion
// order). Intended for tests and single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]models.TaskRecord
	keys  []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]models.TaskRecord)}
}

func (s *MemoryStore) Create(_ context.Context, task models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.keys = append(s.keys, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.TaskRecord{}, harness.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TaskRecord, 0, len(s.keys))
	for _, id := range s.keys {
		t := s.tasks[id]
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}

	if filter.OrderByCreatedAtDesc {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch, expectedStatus *models.TaskStatus) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.TaskRecord{}, harness.ErrTaskNotFound
	}
	if expectedStatus != nil && t.Status != *expectedStatus {
		return models.TaskRecord{}, harness.ErrConditionalUpdateLost
	}

	applyPatch(&t, patch)
	s.tasks[id] = t
	return t.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return harness.ErrTaskNotFound
	}
	delete(s.tasks, id)
	for i, k := range s.keys {
		if k == id {
			s.keys = append(s.keys[:i:i], s.keys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CountUndeliveredCompleted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range s.keys {
		t := s.tasks[id]
		if t.Status == models.TaskComplete && !t.Delivered {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) FailRunningTasks(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "daemon restart"
	}
	count := 0
	now := time.Now().UTC()
	for _, id := range s.keys {
		t := s.tasks[id]
		if t.Status != models.TaskRunning {
			continue
		}
		t.Status = models.TaskFailed
		t.Error = reason
		t.CompletedAt = &now
		s.tasks[id] = t
		count++
	}
	return count, nil
}

func applyPatch(t *models.TaskRecord, patch Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.WorkerID != nil {
		t.WorkerID = *patch.WorkerID
	}
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		t.StartedAt = &v
	}
	if patch.CompletedAt != nil {
		v := *patch.CompletedAt
		t.CompletedAt = &v
	}
	if patch.Delivered != nil {
		t.Delivered = *patch.Delivered
	}
}
