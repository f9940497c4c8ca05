// Package taskqueue implements the persistent task queue (spec §4.8,
// §6): a Store abstraction with conditional, status-predicated updates
// as its core concurrency primitive, an in-memory reference
// implementation, a SQLite WAL-mode implementation, and a Queue that
// composes Store into enqueue/dequeue/start/complete/fail/retry
// operations.
//
// Grounded on internal/jobs/store.go's Status enum and MemoryStore
// (mutex + slice-of-keys insertion order), and internal/jobs/cockroach.go's
// parameterized-SQL Store adaptation, both in haasonsaas-nexus.
package taskqueue

import (
	"context"
	"time"

	"github.com/haasonsaas/agentharness/pkg/models"
)

// Patch describes a partial update to a TaskRecord. Nil fields are left
// untouched.
type Patch struct {
	Status      *models.TaskStatus
	Result      *string
	Error       *string
	WorkerID    *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Delivered   *bool
}

// ListFilter narrows List results.
type ListFilter struct {
	Status               *models.TaskStatus
	OrderByCreatedAtDesc bool
	Limit                int
}

// Store persists TaskRecord rows (spec §6 "TaskStore"). Update is the
// core concurrency primitive: when expectedStatus is non-nil, the write
// applies only if the row's current status matches it; a losing writer
// gets ErrConditionalUpdateLost (spec §GLOSSARY "Conditional update").
type Store interface {
	Create(ctx context.Context, task models.TaskRecord) error
	Get(ctx context.Context, id string) (models.TaskRecord, error)
	List(ctx context.Context, filter ListFilter) ([]models.TaskRecord, error)
	Update(ctx context.Context, id string, patch Patch, expectedStatus *models.TaskStatus) (models.TaskRecord, error)
	Delete(ctx context.Context, id string) error
	CountUndeliveredCompleted(ctx context.Context) (int, error)
	FailRunningTasks(ctx context.Context, reason string) (int, error)
}
