// Package workermanager supervises a bounded pool of task-executing
// workers drawn from a taskqueue.Queue, independent cancellation tokens
// per worker, per-worker timeouts, and restart recovery (spec §4.8).
//
// Grounded on internal/gateway/task_service.go's cron-parsed scheduling
// idiom and internal/jobs/store.go's conditional-update-driven job
// lifecycle, both in haasonsaas-nexus; the periodic restart-recovery
// sweep uses github.com/robfig/cron/v3 the same way
// internal/cron/schedule.go does.
package workermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentharness/internal/observability"
	"github.com/haasonsaas/agentharness/internal/taskqueue"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const (
	defaultMaxConcurrentWorkers = 3
	defaultTaskTimeout          = 10 * time.Minute
)

// AbortReason names why a worker's token was fired.
type AbortReason string

const (
	AbortCancelled AbortReason = "cancelled"
	AbortTimeout   AbortReason = "timeout"
)

// ExecutionContext is handed to the execution callback for one task. It
// carries per-task collaborators built fresh for the task plus shared,
// pool-wide ones (spec §4.8 "The execution callback receives a context
// containing a fresh agent loop, a fresh tool executor, the shared
// permission checker, the shared provider registry, and the worker's
// cancellation token").
type ExecutionContext struct {
	Task              models.TaskRecord
	WorkerID          string
	CancellationToken context.Context
}

// Execute runs one task to completion, returning a result string on
// success. Errors propagate to the task's failed state.
type Execute func(ctx context.Context, ectx ExecutionContext) (string, error)

// Config configures a Manager.
type Config struct {
	Queue   *taskqueue.Queue
	Execute Execute
	Logger  *slog.Logger

	// MaxConcurrentWorkers caps in-flight workers. Zero resolves to the
	// spec default (3); overridable and reloadable at runtime via
	// SetMaxConcurrentWorkers.
	MaxConcurrentWorkers int

	// TaskTimeout bounds a single task's execution. Zero resolves to the
	// spec default (10 minutes).
	TaskTimeout time.Duration

	// RestartRecoverySchedule is a robfig/cron/v3 expression controlling
	// how often RecoverFromRestart is swept automatically by Start. Empty
	// disables the automatic sweep; callers may still invoke
	// RecoverFromRestart directly.
	RestartRecoverySchedule string
}

func (c Config) sanitize() Config {
	if c.MaxConcurrentWorkers <= 0 {
		c.MaxConcurrentWorkers = defaultMaxConcurrentWorkers
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type worker struct {
	taskID      string
	cancel      context.CancelFunc
	abortMu     sync.Mutex
	abortReason AbortReason
}

func (w *worker) setAbortReason(reason AbortReason) {
	w.abortMu.Lock()
	defer w.abortMu.Unlock()
	if w.abortReason == "" {
		w.abortReason = reason
	}
}

func (w *worker) getAbortReason() AbortReason {
	w.abortMu.Lock()
	defer w.abortMu.Unlock()
	return w.abortReason
}

// Manager supervises up to cfg.MaxConcurrentWorkers concurrently running
// workers, each pulling from an internal pending-task-id list distinct
// from the queue's own "pending" store status (spec §4.8 "spawn(taskId):
// enqueue into a pending list").
type Manager struct {
	cfg Config

	mu           sync.Mutex
	pending      []string
	pendingSince map[string]time.Time
	active       map[string]*worker

	sem chan struct{}
	wg  sync.WaitGroup

	cron *cron.Cron

	drainSignal chan struct{}
	stopOnce    sync.Once
	done        chan struct{}

	lastHeartbeat time.Time
}

const heartbeatInterval = 5 * time.Second

// New constructs a Manager. cfg.Queue and cfg.Execute must not be nil for
// production use.
func New(cfg Config) *Manager {
	cfg = cfg.sanitize()
	return &Manager{
		cfg:          cfg,
		active:       make(map[string]*worker),
		pendingSince: make(map[string]time.Time),
		sem:          make(chan struct{}, cfg.MaxConcurrentWorkers),
		drainSignal:  make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SetMaxConcurrentWorkers reloads the concurrency cap at runtime (spec
// §4.8 "overridable and lazily reloaded from user config"). Workers
// already running are unaffected; the new cap governs future spawns.
func (m *Manager) SetMaxConcurrentWorkers(n int) {
	if n <= 0 {
		n = defaultMaxConcurrentWorkers
	}
	m.mu.Lock()
	m.cfg.MaxConcurrentWorkers = n
	m.sem = make(chan struct{}, n)
	m.mu.Unlock()
}

// Start begins background draining and, if configured, the periodic
// restart-recovery sweep. It returns immediately; call Shutdown to stop.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.cfg.Queue.RecoverFromRestart(ctx); err != nil {
		return fmt.Errorf("workermanager: initial restart recovery: %w", err)
	}

	if m.cfg.RestartRecoverySchedule != "" {
		m.cron = cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		_, err := m.cron.AddFunc(m.cfg.RestartRecoverySchedule, func() {
			if n, err := m.cfg.Queue.RecoverFromRestart(context.Background()); err != nil {
				m.cfg.Logger.Error("restart recovery sweep failed", "error", err)
			} else if n > 0 {
				m.cfg.Logger.Info("restart recovery sweep recovered tasks", "count", n)
			}
		})
		if err != nil {
			return fmt.Errorf("workermanager: invalid restart recovery schedule: %w", err)
		}
		m.cron.Start()
	}

	m.wg.Add(1)
	go m.drainLoop(ctx)

	return nil
}

// Spawn enqueues taskID into the manager's own pending list and wakes the
// drain loop (spec §4.8 "spawn(taskId): enqueue into a pending list").
func (m *Manager) Spawn(taskID string) {
	m.mu.Lock()
	m.pending = append(m.pending, taskID)
	m.pendingSince[taskID] = time.Now()
	queueSize := len(m.pending)
	m.mu.Unlock()

	observability.EmitLaneEnqueue(&observability.LaneEnqueueEvent{Lane: "workermanager", QueueSize: queueSize})

	select {
	case m.drainSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.drainSignal:
			m.drainQueue(ctx)
		case <-ticker.C:
			m.drainQueue(ctx)
			m.emitHeartbeat()
		}
	}
}

// drainQueue repeatedly pulls from the pending list while capacity
// allows, conditionally transitioning each row from pending to running
// with a freshly assigned worker id, then starts a worker (spec §4.8).
func (m *Manager) drainQueue(ctx context.Context) {
	for {
		m.mu.Lock()
		sem := m.sem
		m.mu.Unlock()

		select {
		case sem <- struct{}{}:
		default:
			return
		}

		taskID, ok := m.popPending()
		if !ok {
			<-sem
			return
		}

		workerID := uuid.NewString()
		task, err := m.cfg.Queue.Start(ctx, taskID, workerID)
		if err != nil {
			// Another path already claimed or removed it; release the slot
			// and keep draining.
			<-sem
			continue
		}

		m.runWorker(ctx, task, workerID, sem)
	}
}

// emitHeartbeat reports pool occupancy at most once per heartbeatInterval;
// the drain loop calls it on every tick (50ms) but most calls are no-ops.
func (m *Manager) emitHeartbeat() {
	m.mu.Lock()
	now := time.Now()
	if now.Sub(m.lastHeartbeat) < heartbeatInterval {
		m.mu.Unlock()
		return
	}
	m.lastHeartbeat = now
	active := len(m.active)
	queued := len(m.pending)
	m.mu.Unlock()

	observability.EmitDiagnosticHeartbeat(&observability.DiagnosticHeartbeatEvent{
		Active: active,
		Queued: queued,
	})
}

func (m *Manager) popPending() (string, bool) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return "", false
	}
	id := m.pending[0]
	m.pending = m.pending[1:]
	since, tracked := m.pendingSince[id]
	delete(m.pendingSince, id)
	queueSize := len(m.pending)
	m.mu.Unlock()

	var waitMs int64
	if tracked {
		waitMs = time.Since(since).Milliseconds()
	}
	observability.EmitLaneDequeue(&observability.LaneDequeueEvent{Lane: "workermanager", QueueSize: queueSize, WaitMs: waitMs})

	return id, true
}

func (m *Manager) runWorker(parentCtx context.Context, task models.TaskRecord, workerID string, sem chan struct{}) {
	workerCtx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), m.cfg.TaskTimeout)
	w := &worker{taskID: task.ID, cancel: cancel}

	m.mu.Lock()
	m.active[task.ID] = w
	m.mu.Unlock()

	observability.EmitRunState(&observability.RunStateEvent{
		RunID:     task.ID,
		TaskID:    task.ID,
		PrevState: observability.RunStateIdle,
		State:     observability.RunStateProcessing,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			<-sem
			m.mu.Lock()
			delete(m.active, task.ID)
			m.mu.Unlock()
			cancel()
		}()

		timeoutTimer := time.AfterFunc(m.cfg.TaskTimeout, func() {
			w.setAbortReason(AbortTimeout)
			cancel()
		})
		defer timeoutTimer.Stop()

		result, err := m.executeWithRecover(workerCtx, task, workerID)

		if workerCtx.Err() != nil {
			reason := w.getAbortReason()
			if reason == "" {
				reason = AbortTimeout
			}
			if _, failErr := m.cfg.Queue.Fail(context.Background(), task.ID, string(reason)); failErr != nil {
				m.cfg.Logger.Error("workermanager: fail after abort", "task", task.ID, "error", failErr)
			}
			return
		}

		if err != nil {
			if _, failErr := m.cfg.Queue.Fail(context.Background(), task.ID, err.Error()); failErr != nil {
				m.cfg.Logger.Error("workermanager: fail", "task", task.ID, "error", failErr)
			}
			return
		}

		if _, completeErr := m.cfg.Queue.Complete(context.Background(), task.ID, result); completeErr != nil {
			m.cfg.Logger.Error("workermanager: complete", "task", task.ID, "error", completeErr)
		}
	}()
}

func (m *Manager) executeWithRecover(ctx context.Context, task models.TaskRecord, workerID string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workermanager: task %s panicked: %v", task.ID, r)
		}
	}()

	if m.cfg.Execute == nil {
		return "", fmt.Errorf("workermanager: no Execute callback configured")
	}

	return m.cfg.Execute(ctx, ExecutionContext{
		Task:              task,
		WorkerID:          workerID,
		CancellationToken: ctx,
	})
}

// Cancel fires a running task's cancellation token with abortReason
// "cancelled" (spec §4.8 "cancel(taskId) sets abortReason='cancelled'
// and fires the token"). It is a no-op if the task is not currently
// running under this manager.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	w, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	w.setAbortReason(AbortCancelled)
	w.cancel()
}

// Shutdown cancels every running worker and awaits them all (spec §4.8
// "shutdown() cancels every worker and awaits them all"). Each worker's
// cancellation is independent; Shutdown does not distinguish them with a
// shared abortReason.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
	})

	m.mu.Lock()
	workers := make([]*worker, 0, len(m.active))
	for _, w := range m.active {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.setAbortReason(AbortCancelled)
		w.cancel()
	}

	if m.cron != nil {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
	}

	m.wg.Wait()
}

// ActiveCount reports how many workers are currently running, for
// observability wiring (internal/observability's harness_worker_active
// gauge).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
