// Package agentloop drives one conversation turn across multiple
// model<->tool round trips until a terminal condition holds (spec §4.5).
//
// Grounded on internal/agent/loop.go's phase-oriented Run() and
// sanitizeLoopConfig clamping idiom, and internal/multiagent/supervisor.go's
// DelegateTool shape, both in haasonsaas-nexus.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentharness/internal/doomloop"
	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/internal/toolpipeline"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const defaultMaxSteps = 25

// StepOptions is passed to the caller-supplied StepFunction on every
// call.
type StepOptions struct {
	ToolsDisabled bool
}

// StepFunction is the boundary between the loop and the model (spec §3
// StepResult, §GLOSSARY "Step"). The caller supplies it; the loop never
// talks to a provider directly.
type StepFunction func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error)

// PermissionChecker gates a tool call before it reaches the pipeline
// (spec §6 "PermissionChecker.requestPermission").
type PermissionChecker interface {
	RequestPermission(ctx context.Context, call models.ToolCall) bool
}

// Delegate executes a delegation call's extracted task and must return a
// text StepResult (spec §4.5 "Delegation call").
type Delegate func(ctx context.Context, task string, info DelegationInfo) (models.StepResult, error)

// DelegationInfo carries the context a Delegate needs: the originating
// tool call and the conversation so far.
type DelegationInfo struct {
	ToolCall models.ToolCall
	Messages []models.Message
}

// DelegationContract configures delegation-call handling. When nil, a
// tool call named "delegate" is treated like any other tool call.
type DelegationContract struct {
	Delegate Delegate

	// ArgumentSchema, if set, validates a delegation call's Arguments
	// against a compiled JSON schema before Delegate runs; a validation
	// failure becomes an error-status ToolPipelineResult instead of an
	// invocation.
	ArgumentSchema *eventbus.SchemaRegistry
}

// delegationSchemaEventType is the key ArgumentSchema is registered
// under; delegation calls have no HarnessEventType of their own, so this
// is a private key reserved for that single registration slot.
const delegationSchemaEventType models.HarnessEventType = "internal.delegation.arguments"

// Config configures a Loop.
type Config struct {
	Step              StepFunction
	Pipeline          *toolpipeline.Pipeline
	PermissionChecker PermissionChecker
	Delegation        *DelegationContract
	Guard             *doomloop.Guard

	// Provider, if set, enables RunStream (spec §4.5 "Provider-streaming
	// variant"). Run does not use it.
	Provider Provider

	// MaxSteps caps tool-call round trips. Zero resolves to the spec
	// default (25); negative values clamp to zero.
	MaxSteps int
}

func (c Config) sanitize() Config {
	if c.MaxSteps == 0 {
		c.MaxSteps = defaultMaxSteps
	} else if c.MaxSteps < 0 {
		c.MaxSteps = 0
	}
	if c.Guard == nil {
		c.Guard = doomloop.New(doomloop.DefaultConfig())
	}
	return c
}

// Loop implements the agent loop's termination state machine (spec
// §4.5). One Loop instance runs one turn; it is not reused across runs
// (construct a fresh one, or call Run again with a fresh Guard) because
// the guard is per-run state.
type Loop struct {
	cfg Config
}

// New constructs a Loop. cfg.Step must not be nil.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg.sanitize()}
}

// Run drives the loop to exactly one terminal state (spec §3
// AgentLoopResult, §4.5). The returned Messages slice is a snapshot;
// initialMessages is never mutated (spec §3 Ownership, §8 append-only
// invariant).
func (l *Loop) Run(ctx context.Context, initialMessages []models.Message) models.AgentLoopResult {
	messages := models.CloneMessages(initialMessages)
	stepsUsed := 0

	for {
		if isAborted(ctx) {
			return l.result(messages, stepsUsed, true, models.TerminationAborted)
		}

		step, err := l.cfg.Step(ctx, messages, StepOptions{ToolsDisabled: false})
		if err != nil {
			messages = append(messages, assistantTextMessage(fmt.Sprintf("Error: %v", err)))
			return l.result(messages, stepsUsed, false, models.TerminationError)
		}

		if step.Type == models.StepError {
			messages = append(messages, assistantTextMessage(errorText(step.Err)))
			return l.result(messages, stepsUsed, false, models.TerminationError)
		}

		if len(step.ToolCalls) == 0 {
			if step.Content != "" || step.Type == models.StepText {
				messages = append(messages, assistantTextMessage(step.Content))
			}
			return l.result(messages, stepsUsed, false, models.TerminationTextOnly)
		}

		messages = append(messages, assistantToolCallMessage(step.Content, step.ToolCalls))

		if stepsUsed >= l.cfg.MaxSteps {
			return l.forceCompletion(ctx, messages, stepsUsed, models.TerminationMaxSteps)
		}
		stepsUsed++

		l.cfg.Guard.Track(step.ToolCalls)
		if l.cfg.Guard.ShouldEscalate() {
			return l.forceCompletion(ctx, messages, stepsUsed, models.TerminationDoomLoop)
		}

		if isAborted(ctx) {
			return l.result(messages, stepsUsed, true, models.TerminationAborted)
		}

		results := l.executeToolCalls(ctx, step.ToolCalls, messages)
		l.recordOutcomes(step.ToolCalls, results)

		messages = append(messages, toolResultsMessage(results))
	}
}

// forceCompletion implements spec §4.5's "Forced completion": one final
// step call with tools disabled, falling back to a reason-specific fixed
// message if the step returns nothing usable or the run is aborted
// mid-force.
func (l *Loop) forceCompletion(ctx context.Context, messages []models.Message, stepsUsed int, reason models.TerminationReason) models.AgentLoopResult {
	var text string
	if isAborted(ctx) {
		text = "Agent loop aborted"
	} else {
		step, err := l.cfg.Step(ctx, messages, StepOptions{ToolsDisabled: true})
		if err == nil && step.Type == models.StepText && strings.TrimSpace(step.Content) != "" {
			text = step.Content
		} else {
			text = defaultForcedMessage(reason)
		}
	}
	messages = append(messages, assistantTextMessage(text))
	return l.result(messages, stepsUsed, reason == models.TerminationMaxSteps, reason)
}

func defaultForcedMessage(reason models.TerminationReason) string {
	if reason == models.TerminationDoomLoop {
		return "Doom loop guard detected a repeating or failing tool-call pattern. Tools are now disabled. Please provide a final response."
	}
	return "Step limit reached. Tools are now disabled. Please provide a final response."
}

func (l *Loop) result(messages []models.Message, stepsUsed int, aborted bool, reason models.TerminationReason) models.AgentLoopResult {
	return models.AgentLoopResult{
		Messages:          messages,
		StepsUsed:         stepsUsed,
		LimitReached:      reason == models.TerminationMaxSteps,
		Aborted:           aborted,
		TerminationReason: reason,
	}
}

func (l *Loop) recordOutcomes(calls []models.ToolCall, results []models.ToolPipelineResult) {
	for i, r := range results {
		name := r.Name
		if name == "" && i < len(calls) {
			name = calls[i].Name
		}
		if r.Status == models.PipelineError {
			l.cfg.Guard.RecordFailure(name)
		} else {
			l.cfg.Guard.RecordSuccess(name)
		}
	}
}

// executeToolCalls classifies and dispatches each call in input order
// (spec §4.5, §5 "Ordering guarantees").
func (l *Loop) executeToolCalls(ctx context.Context, calls []models.ToolCall, messages []models.Message) []models.ToolPipelineResult {
	results := make([]models.ToolPipelineResult, len(calls))
	for i, call := range calls {
		results[i] = l.executeOne(ctx, call, messages)
	}
	return results
}

func (l *Loop) executeOne(ctx context.Context, call models.ToolCall, messages []models.Message) models.ToolPipelineResult {
	if call.Name == "delegate" && l.cfg.Delegation != nil {
		return l.delegateCall(ctx, call, messages)
	}

	if l.cfg.PermissionChecker != nil && !l.cfg.PermissionChecker.RequestPermission(ctx, call) {
		return errorPipelineResult(call, fmt.Sprintf("Permission denied for tool: %s", call.Name))
	}

	if l.cfg.Pipeline == nil {
		return errorPipelineResult(call, "Tool pipeline is not configured")
	}

	return l.cfg.Pipeline.Execute(ctx, call, toolpipeline.ExecutionContext{
		Context: ctx,
		Aborted: func() bool { return isAborted(ctx) },
	})
}

func (l *Loop) delegateCall(ctx context.Context, call models.ToolCall, messages []models.Message) models.ToolPipelineResult {
	if l.cfg.Delegation.ArgumentSchema != nil {
		raw, err := json.Marshal(call.Arguments)
		if err != nil {
			return errorPipelineResult(call, fmt.Sprintf("delegate arguments are not serializable: %v", err))
		}
		if err := l.cfg.Delegation.ArgumentSchema.Validate(delegationSchemaEventType, raw); err != nil {
			return errorPipelineResult(call, fmt.Sprintf("delegate arguments failed schema validation: %v", err))
		}
	}

	task := "delegated-task"
	if t, ok := call.Arguments["task"].(string); ok && t != "" {
		task = t
	}

	step, err := l.cfg.Delegation.Delegate(ctx, task, DelegationInfo{ToolCall: call, Messages: messages})
	if err != nil {
		return errorPipelineResult(call, err.Error())
	}
	if step.Type != models.StepText {
		return errorPipelineResult(call, "delegate did not return a text result")
	}
	return models.ToolPipelineResult{
		CallID: call.ID,
		Name:   call.Name,
		Status: models.PipelineSuccess,
		Output: step.Content,
	}
}

func errorPipelineResult(call models.ToolCall, message string) models.ToolPipelineResult {
	return models.ToolPipelineResult{
		CallID: call.ID,
		Name:   call.Name,
		Status: models.PipelineError,
		Output: message,
	}
}

func isAborted(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func assistantTextMessage(text string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

func assistantToolCallMessage(text string, calls []models.ToolCall) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Text:      text,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// toolResultsMessage serializes results as the tool-role message's
// content. On marshal failure the content falls back to the literal
// string "[]" (spec §9 Open Questions, first bullet) — not treated as
// parseable by the loop itself.
func toolResultsMessage(results []models.ToolPipelineResult) models.Message {
	data, err := json.Marshal(results)
	content := "[]"
	if err == nil {
		content = string(data)
	}
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleTool,
		Text:      content,
		CreatedAt: time.Now().UTC(),
	}
}

func errorText(err error) string {
	if err == nil {
		return "An unknown error occurred."
	}
	return fmt.Sprintf("Error: %v", err)
}
