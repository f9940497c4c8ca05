// Package harness holds the error taxonomy shared by every subsystem of
// the agent execution harness (spec §7).
package harness

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that are not themselves tool or retry
// failures but still need to be distinguished by errors.Is.
var (
	// ErrAborted indicates the operation observed a fired abort signal.
	ErrAborted = errors.New("harness: aborted")

	// ErrNoPipeline indicates no tool pipeline is configured on the loop.
	ErrNoPipeline = errors.New("harness: tool pipeline is not configured")

	// ErrTaskNotFound indicates a task id has no corresponding row.
	ErrTaskNotFound = errors.New("harness: task not found")

	// ErrConditionalUpdateLost indicates a conditional update's expected
	// status did not match the row's current status (optimistic
	// concurrency loss; the caller should retry or skip).
	ErrConditionalUpdateLost = errors.New("harness: conditional update lost")
)

// ConfigError is a configuration-class failure: missing token limit,
// non-positive effective limit, missing pipeline, and similar setup
// mistakes the caller must fix. Never retried (spec §7).
type ConfigError struct {
	Component string
	Message   string
}

func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("harness: config error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("harness: config error: %s", e.Message)
}

// NewConfigError builds a ConfigError for the named component.
func NewConfigError(component, message string) *ConfigError {
	return &ConfigError{Component: component, Message: message}
}

// PermissionDeniedError is tool-level: it becomes an error-status tool
// result and never aborts the loop (spec §7).
type PermissionDeniedError struct {
	ToolName string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for tool: %s", e.ToolName)
}

// RetryExhaustedError wraps the last error seen by the retry policy along
// with the number of attempts made (spec §4.7).
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("retry exhausted after %d attempt(s): %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("retry exhausted after %d attempt(s)", e.Attempts)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// RetryAbortedError indicates the retry loop's in-flight sleep was
// cancelled by the caller's abort signal (spec §4.7 "Cancellation via a
// signal aborts any in-flight sleep and raises promptly").
type RetryAbortedError struct {
	Attempts int
	Reason   string
}

func (e *RetryAbortedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "timeout reached"
	}
	return fmt.Sprintf("retry aborted after %d attempt(s): %s", e.Attempts, reason)
}
