package models

import "encoding/json"

// HarnessEventType identifies the kind of a HarnessEvent (spec §3).
type HarnessEventType string

const (
	EventMessageStart    HarnessEventType = "message_start"
	EventToken           HarnessEventType = "token"
	EventThinking        HarnessEventType = "thinking"
	EventToolCallStart   HarnessEventType = "tool_call_start"
	EventToolCallEnd     HarnessEventType = "tool_call_end"
	EventCompaction      HarnessEventType = "compaction"
	EventError           HarnessEventType = "error"
	EventDone            HarnessEventType = "done"
	EventPermissionReq   HarnessEventType = "permission_request"
	EventAborted         HarnessEventType = "aborted"
	EventChildAgentEvent HarnessEventType = "child_agent_event"
)

// HarnessEvent is the versioned wire envelope for everything the harness
// publishes to its event bus (spec §3, §6 "Event envelope wire shape").
//
// Timestamp is milliseconds since the Unix epoch, matching the wire shape
// in spec §6. EventID is any process-unique string (a UUID in this
// implementation).
type HarnessEvent struct {
	Type      HarnessEventType `json:"type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Version   int              `json:"version"`
	Timestamp int64            `json:"timestamp"`
	EventID   string           `json:"eventId"`
}

// ChildAgentEventPayload wraps a nested event from a sub-agent pool child,
// tagged with the child's id (spec §4.6 "Event forwarding").
type ChildAgentEventPayload struct {
	ChildID   string           `json:"childId"`
	EventType HarnessEventType `json:"eventType"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// TokenEventPayload carries one streamed text token (spec §4.5 streaming variant).
type TokenEventPayload struct {
	Token string `json:"token"`
}

// ThinkingEventPayload carries one streamed thinking/reasoning fragment.
type ThinkingEventPayload struct {
	Thinking string `json:"thinking"`
}

// ToolCallStartPayload announces a tool call about to execute.
type ToolCallStartPayload struct {
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallEndPayload announces a tool call's normalized result.
type ToolCallEndPayload struct {
	CallID     string         `json:"callId"`
	Name       string         `json:"name"`
	Status     PipelineStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// CompactionEventPayload reports that the context manager ran a strategy.
type CompactionEventPayload struct {
	Strategy       string `json:"strategy"`
	InputMessages  int    `json:"inputMessages"`
	OutputMessages int    `json:"outputMessages"`
	InputTokens    int    `json:"inputTokens"`
	OutputTokens   int    `json:"outputTokens"`
}

// ErrorEventPayload standardizes an error for the event bus.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// DoneEventPayload carries the final accumulated content of a streaming run.
// Exactly one of Text or Blocks is set, mirroring Message's content shape.
type DoneEventPayload struct {
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// PermissionRequestPayload is emitted before a permission check so
// observers can surface the pending decision.
type PermissionRequestPayload struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
}

// AbortedEventPayload is emitted exactly once when a run terminates aborted.
type AbortedEventPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RunStats accumulates observability counters across a run, derived from
// the event stream by a StatsCollector. Purely additive over the spec's
// data model; no operation's semantics depend on it.
type RunStats struct {
	Iterations   int   `json:"iterations"`
	ToolCalls    int   `json:"toolCalls"`
	InputTokens  int   `json:"inputTokens"`
	OutputTokens int   `json:"outputTokens"`
	Errors       int   `json:"errors"`
	DroppedItems int   `json:"droppedItems"`
	WallTimeMs   int64 `json:"wallTimeMs"`
	Cancelled    bool  `json:"cancelled"`
}
