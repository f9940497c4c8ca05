package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentharness/internal/harness"
	"github.com/haasonsaas/agentharness/internal/observability"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// Queue composes a Store into the task-lifecycle operations spec §4.8
// describes: enqueue, dequeue (LIFO among pending), start, complete,
// fail, retry, list and restart recovery. All status transitions go
// through Store.Update's conditional-update primitive, so a losing
// writer observes ErrConditionalUpdateLost rather than silently
// clobbering a concurrent transition.
type Queue struct {
	store Store
}

// NewQueue wraps store in queue operations.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue creates a new pending TaskRecord for prompt and returns it.
func (q *Queue) Enqueue(ctx context.Context, prompt string) (models.TaskRecord, error) {
	task := models.TaskRecord{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    models.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Create(ctx, task); err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	observability.EmitTaskQueued(&observability.TaskQueuedEvent{TaskID: task.ID, Source: "taskqueue"})
	return task, nil
}

// Dequeue claims the most recently created pending task (LIFO, spec
// §4.8 "dequeue: pick a pending task") and conditionally transitions it
// to running under workerID, returning ok=false if no pending task is
// available.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (models.TaskRecord, bool, error) {
	pending := models.TaskPending
	candidates, err := q.store.List(ctx, ListFilter{Status: &pending, OrderByCreatedAtDesc: true})
	if err != nil {
		return models.TaskRecord{}, false, fmt.Errorf("taskqueue: dequeue: list pending: %w", err)
	}

	for _, candidate := range candidates {
		task, err := q.Start(ctx, candidate.ID, workerID)
		if err == nil {
			return task, true, nil
		}
		if err == harness.ErrConditionalUpdateLost || err == harness.ErrTaskNotFound {
			// Another worker claimed it first; try the next candidate.
			continue
		}
		return models.TaskRecord{}, false, err
	}

	return models.TaskRecord{}, false, nil
}

// Start conditionally transitions a pending task to running, stamping
// StartedAt and WorkerID.
func (q *Queue) Start(ctx context.Context, id, workerID string) (models.TaskRecord, error) {
	expected := models.TaskPending
	now := time.Now().UTC()
	status := models.TaskRunning
	task, err := q.store.Update(ctx, id, Patch{
		Status:    &status,
		WorkerID:  &workerID,
		StartedAt: &now,
	}, &expected)
	if err != nil {
		return models.TaskRecord{}, err
	}
	observability.EmitRunAttempt(&observability.RunAttemptEvent{TaskID: id, RunID: id, WorkerID: workerID, Attempt: 1})
	return task, nil
}

// Complete conditionally transitions a running task to complete,
// recording result and stamping CompletedAt.
func (q *Queue) Complete(ctx context.Context, id, result string) (models.TaskRecord, error) {
	expected := models.TaskRunning
	now := time.Now().UTC()
	status := models.TaskComplete
	task, err := q.store.Update(ctx, id, Patch{
		Status:      &status,
		Result:      &result,
		CompletedAt: &now,
	}, &expected)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: complete %s: %w", id, err)
	}
	observability.EmitTaskProcessed(&observability.TaskProcessedEvent{TaskID: id, Outcome: "completed"})
	return task, nil
}

// Fail conditionally transitions a running task to failed, recording
// reason and stamping CompletedAt.
func (q *Queue) Fail(ctx context.Context, id, reason string) (models.TaskRecord, error) {
	expected := models.TaskRunning
	now := time.Now().UTC()
	status := models.TaskFailed
	task, err := q.store.Update(ctx, id, Patch{
		Status:      &status,
		Error:       &reason,
		CompletedAt: &now,
	}, &expected)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: fail %s: %w", id, err)
	}
	observability.EmitTaskProcessed(&observability.TaskProcessedEvent{TaskID: id, Outcome: "failed", Reason: reason})
	return task, nil
}

// Retry creates a new pending task from a failed source (spec §4.8
// "retry creates a new pending task from a failed source; the original
// remains failed"). The original row is untouched.
func (q *Queue) Retry(ctx context.Context, id string) (models.TaskRecord, error) {
	source, err := q.store.Get(ctx, id)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: retry %s: %w", id, err)
	}
	if source.Status != models.TaskFailed {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: retry %s: task is %s, not failed", id, source.Status)
	}
	return q.Enqueue(ctx, source.Prompt)
}

// MarkDelivered conditionally flags a completed task as delivered to
// its caller, supporting CountUndeliveredCompleted-based polling.
func (q *Queue) MarkDelivered(ctx context.Context, id string) (models.TaskRecord, error) {
	delivered := true
	task, err := q.store.Update(ctx, id, Patch{Delivered: &delivered}, nil)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: mark delivered %s: %w", id, err)
	}
	return task, nil
}

// Get returns a single task by id.
func (q *Queue) Get(ctx context.Context, id string) (models.TaskRecord, error) {
	return q.store.Get(ctx, id)
}

// List returns tasks matching filter.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]models.TaskRecord, error) {
	return q.store.List(ctx, filter)
}

// RecoverFromRestart bulk-fails every task still marked running,
// reflecting that no in-process worker can possibly still be executing
// it after a process restart (spec §4.8 "Recovery on restart").
func (q *Queue) RecoverFromRestart(ctx context.Context) (int, error) {
	return q.store.FailRunningTasks(ctx, "daemon restart")
}
