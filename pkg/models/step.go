package models

// StepResultType discriminates the outcome of one call to the step
// function supplied by the caller (spec §3 StepResult, §GLOSSARY Step).
type StepResultType string

const (
	StepText      StepResultType = "text"
	StepToolCalls StepResultType = "tool_calls"
	StepError     StepResultType = "error"
)

// StepResult is the boundary value between the agent loop and the model:
// the step function is caller-supplied and returns exactly one of these.
type StepResult struct {
	Type StepResultType `json:"type"`

	// Content carries text for Type == StepText, and may optionally
	// accompany Type == StepToolCalls (assistant commentary alongside
	// tool calls).
	Content string `json:"content,omitempty"`

	// ToolCalls is non-empty only for Type == StepToolCalls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Err carries the failure for Type == StepError.
	Err error `json:"-"`
}

// TerminationReason is the single terminal state produced by an agent loop
// run (spec §3 AgentLoopResult).
type TerminationReason string

const (
	TerminationTextOnly TerminationReason = "text_only_response"
	TerminationMaxSteps TerminationReason = "max_steps_reached"
	TerminationDoomLoop TerminationReason = "doom_loop_detected"
	TerminationAborted  TerminationReason = "aborted"
	TerminationError    TerminationReason = "error"
)

// AgentLoopResult is the outcome of one agent loop run. Exactly one
// TerminationReason is set per run.
type AgentLoopResult struct {
	Messages          []Message         `json:"messages"`
	StepsUsed         int               `json:"steps_used"`
	LimitReached      bool              `json:"limit_reached"`
	Aborted           bool              `json:"aborted"`
	TerminationReason TerminationReason `json:"termination_reason"`
}
