package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting harness
// runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent loop iterations and termination reasons
//   - Tool pipeline execution latency and outcomes
//   - Doom-loop guard escalations
//   - Worker manager occupancy and task outcomes
//   - Retry attempts and context-compaction runs
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLoopIteration("text_only_response")
//	metrics.RecordToolExecution("search", "success", elapsed.Seconds())
type Metrics struct {
	// LoopIterations counts agent loop steps by termination reason.
	// Labels: termination_reason (text_only_response|max_steps_reached|doom_loop_detected|aborted|error)
	LoopIterations *prometheus.CounterVec

	// LoopStepsPerRun measures how many steps a run took before terminating.
	LoopStepsPerRun prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// DoomLoopTriggered counts doom-loop guard escalations by signal.
	// Labels: signal (consecutive_failures|total_failures|repetition)
	DoomLoopTriggered *prometheus.CounterVec

	// WorkerActive is a gauge tracking currently running workers.
	WorkerActive prometheus.Gauge

	// TaskOutcomes counts task queue completions by terminal status.
	// Labels: status (complete|failed)
	TaskOutcomes *prometheus.CounterVec

	// TaskQueueDepth tracks how many tasks are pending dispatch.
	TaskQueueDepth prometheus.Gauge

	// RetryAttempts counts retry policy attempts by outcome.
	// Labels: outcome (success|exhausted|aborted)
	RetryAttempts *prometheus.CounterVec

	// CompactionRuns counts context manager strategy invocations.
	// Labels: strategy (drop-oldest|sliding-window|keep-system-and-recent|summarisation)
	CompactionRuns *prometheus.CounterVec

	// SubAgentRuns counts sub-agent pool task completions.
	// Labels: status (done|failed|aborted)
	SubAgentRuns *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (agent_loop|tool_pipeline|worker_manager|context_manager), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. This should
// be called once at application startup; all metrics register with
// Prometheus's default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		LoopIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_loop_iterations_total",
				Help: "Total number of agent loop runs by termination reason",
			},
			[]string{"termination_reason"},
		),

		LoopStepsPerRun: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harness_loop_steps_per_run",
				Help:    "Number of tool-call steps a run took before terminating",
				Buckets: []float64{0, 1, 2, 5, 10, 15, 20, 25, 30},
			},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harness_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		DoomLoopTriggered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_doom_loop_triggered_total",
				Help: "Total number of doom-loop guard escalations by signal",
			},
			[]string{"signal"},
		),

		WorkerActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harness_worker_active",
				Help: "Current number of running task-queue workers",
			},
		),

		TaskOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_task_outcomes_total",
				Help: "Total number of task queue completions by terminal status",
			},
			[]string{"status"},
		),

		TaskQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harness_task_queue_depth",
				Help: "Current number of pending tasks awaiting a worker",
			},
		),

		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_retry_attempts_total",
				Help: "Total number of retry policy attempts by outcome",
			},
			[]string{"outcome"},
		),

		CompactionRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_compaction_runs_total",
				Help: "Total number of context manager strategy invocations",
			},
			[]string{"strategy"},
		),

		SubAgentRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_subagent_runs_total",
				Help: "Total number of sub-agent pool task completions by status",
			},
			[]string{"status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLoopIteration records one completed agent-loop run, keyed by its
// termination reason, and observes how many steps it used.
func (m *Metrics) RecordLoopIteration(reason string, steps float64) {
	m.LoopIterations.WithLabelValues(reason).Inc()
	m.LoopStepsPerRun.Observe(steps)
}

// RecordToolExecution records one tool pipeline dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordDoomLoopTrigger records one doom-loop guard escalation.
func (m *Metrics) RecordDoomLoopTrigger(signal string) {
	m.DoomLoopTriggered.WithLabelValues(signal).Inc()
}

// SetWorkerActive sets the current running-worker gauge.
func (m *Metrics) SetWorkerActive(count float64) {
	m.WorkerActive.Set(count)
}

// RecordTaskOutcome records one task queue's terminal transition.
func (m *Metrics) RecordTaskOutcome(status string) {
	m.TaskOutcomes.WithLabelValues(status).Inc()
}

// SetTaskQueueDepth sets the current pending-task gauge.
func (m *Metrics) SetTaskQueueDepth(depth float64) {
	m.TaskQueueDepth.Set(depth)
}

// RecordRetryAttempt records one retry policy outcome.
func (m *Metrics) RecordRetryAttempt(outcome string) {
	m.RetryAttempts.WithLabelValues(outcome).Inc()
}

// RecordCompaction records one context manager strategy invocation.
func (m *Metrics) RecordCompaction(strategy string) {
	m.CompactionRuns.WithLabelValues(strategy).Inc()
}

// RecordSubAgentRun records one sub-agent pool task completion.
func (m *Metrics) RecordSubAgentRun(status string) {
	m.SubAgentRuns.WithLabelValues(status).Inc()
}

// RecordError records one error by component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
