// Package toolpipeline validates, executes, times out, and truncates a
// single tool invocation, emitting observability events around it (spec
// §4.4).
//
// Grounded on internal/agent/executor.go's semaphore/timeout/panic-
// recovery shape and internal/agent/tool_registry.go's before/after hook
// discipline, both in haasonsaas-nexus.
package toolpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const (
	defaultTimeout         = 30 * time.Second
	truncationSuffix       = "...(truncated)"
	defaultMaxOutputLength = 0 // 0 disables truncation
)

// ExecutionContext carries per-call state through the pipeline: the
// abort signal, any caller-supplied metadata the executor needs, and the
// parent run's id for event correlation.
type ExecutionContext struct {
	Context context.Context
	Aborted func() bool
	RunID   string
}

// ToolExecutor is the collaborator capability the pipeline delegates
// actual tool invocation to (spec §6 "ToolExecutor.execute").
type ToolExecutor interface {
	// Execute runs one tool call. Output is either a string (rendered
	// as-is) or any other JSON-marshalable value (serialized for
	// truncation measurement and as the final Output string). Returning
	// a non-nil error is equivalent to the spec's "executor returned a
	// string error" case and always yields PipelineError.
	Execute(ctx context.Context, call models.ToolCall, ectx ExecutionContext) (output any, err error)
}

// Hook observes (and, for before-hooks, may veto) one tool call.
type Hook func(ctx context.Context, call models.ToolCall) error

// AfterHook observes a completed call's result; its errors are swallowed
// (spec §4.4 step 7).
type AfterHook func(ctx context.Context, call models.ToolCall, result models.ToolPipelineResult)

// Config configures a Pipeline.
type Config struct {
	Executor        ToolExecutor
	EventBus        *eventbus.Bus
	Timeout         time.Duration
	MaxOutputLength int
	BeforeHooks     []Hook
	AfterHooks      []AfterHook
}

func (c Config) sanitize() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Pipeline implements execute/executeBatch (spec §4.4).
type Pipeline struct {
	cfg Config
}

// New constructs a Pipeline. executor must not be nil.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.sanitize()}
}

// Execute runs one ToolCall through permission-agnostic pipeline stages:
// abort check, tool_call_start, before-hooks, timeout-bounded executor
// invocation, output normalisation/truncation, after-hooks,
// tool_call_end. Permission checks happen one layer up, in the agent
// loop (spec §4.5), since the pipeline has no notion of a permission
// checker.
func (p *Pipeline) Execute(ctx context.Context, call models.ToolCall, ectx ExecutionContext) models.ToolPipelineResult {
	start := time.Now()

	if ectx.Aborted != nil && ectx.Aborted() {
		return p.errorResult(call, "Tool execution aborted", time.Since(start))
	}

	p.emitStart(call)

	for _, hook := range p.cfg.BeforeHooks {
		if err := p.runBeforeHook(hook, ctx, call); err != nil {
			result := p.errorResult(call, err.Error(), time.Since(start))
			p.emitEnd(call, result)
			return result
		}
	}

	result := p.invoke(ctx, call, ectx, start)
	p.runAfterHooks(ctx, call, result)
	p.emitEnd(call, result)
	return result
}

// runBeforeHook recovers a panicking hook into an error so one
// misbehaving hook cannot crash the pipeline.
func (p *Pipeline) runBeforeHook(hook Hook, ctx context.Context, call models.ToolCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("before-hook panic: %v", r)
		}
	}()
	return hook(ctx, call)
}

func (p *Pipeline) invoke(ctx context.Context, call models.ToolCall, ectx ExecutionContext, start time.Time) models.ToolPipelineResult {
	if p.cfg.Executor == nil {
		return p.errorResult(call, "Tool pipeline is not configured", time.Since(start))
	}

	timeout := p.cfg.Timeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panic: %v\n%s", r, debug.Stack())}
			}
		}()
		out, err := p.cfg.Executor.Execute(callCtx, call, ectx)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return p.errorResult(call, o.err.Error(), time.Since(start))
		}
		return p.normalize(call, o.output, time.Since(start))
	case <-callCtx.Done():
		return p.errorResult(call, fmt.Sprintf("tool call timed out after %s", timeout), time.Since(start))
	}
}

// normalize applies output-length truncation to a successful result
// (spec §4.4 steps 5-6). Non-string outputs are JSON-serialized first,
// both for measurement and as the rendered Output.
func (p *Pipeline) normalize(call models.ToolCall, output any, dur time.Duration) models.ToolPipelineResult {
	rendered, ok := output.(string)
	if !ok {
		data, err := json.Marshal(output)
		if err != nil {
			rendered = fmt.Sprintf("%v", output)
		} else {
			rendered = string(data)
		}
	}

	result := models.ToolPipelineResult{
		CallID:     call.ID,
		Name:       call.Name,
		Status:     models.PipelineSuccess,
		Output:     rendered,
		DurationMs: dur.Milliseconds(),
	}

	maxLen := p.cfg.MaxOutputLength
	if maxLen > 0 && len(rendered) > maxLen {
		cut := maxLen - len(truncationSuffix)
		if cut < 0 {
			cut = 0
		}
		result.OriginalLength = len(rendered)
		result.Output = rendered[:cut] + truncationSuffix
		result.Status = models.PipelineTruncated
		result.Truncated = true
	}

	return result
}

func (p *Pipeline) errorResult(call models.ToolCall, message string, dur time.Duration) models.ToolPipelineResult {
	return models.ToolPipelineResult{
		CallID:     call.ID,
		Name:       call.Name,
		Status:     models.PipelineError,
		Output:     message,
		DurationMs: dur.Milliseconds(),
	}
}

func (p *Pipeline) runAfterHooks(ctx context.Context, call models.ToolCall, result models.ToolPipelineResult) {
	for _, hook := range p.cfg.AfterHooks {
		p.runAfterHookSafely(hook, ctx, call, result)
	}
}

func (p *Pipeline) runAfterHookSafely(hook AfterHook, ctx context.Context, call models.ToolCall, result models.ToolPipelineResult) {
	defer func() {
		recover() // after-hook errors/panics are observation-only (spec §4.4 step 7)
	}()
	hook(ctx, call, result)
}

func (p *Pipeline) emitStart(call models.ToolCall) {
	if p.cfg.EventBus == nil {
		return
	}
	p.cfg.EventBus.Emit(models.EventToolCallStart, models.ToolCallStartPayload{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
}

func (p *Pipeline) emitEnd(call models.ToolCall, result models.ToolPipelineResult) {
	if p.cfg.EventBus == nil {
		return
	}
	p.cfg.EventBus.Emit(models.EventToolCallEnd, models.ToolCallEndPayload{
		CallID:     call.ID,
		Name:       call.Name,
		Status:     result.Status,
		Output:     result.Output,
		DurationMs: result.DurationMs,
	})
}

// ExecuteBatch runs every call independently with result-level isolation:
// one call's failure never prevents another's completion or reporting
// (spec §4.4 "executeBatch"). Results are returned in input order.
func (p *Pipeline) ExecuteBatch(ctx context.Context, calls []models.ToolCall, ectx ExecutionContext) []models.ToolPipelineResult {
	results := make([]models.ToolPipelineResult, len(calls))
	for i, call := range calls {
		results[i] = p.safeExecute(ctx, call, ectx)
	}
	return results
}

func (p *Pipeline) safeExecute(ctx context.Context, call models.ToolCall, ectx ExecutionContext) (result models.ToolPipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			result = p.errorResult(call, fmt.Sprintf("tool pipeline panic: %v", r), 0)
		}
	}()
	return p.Execute(ctx, call, ectx)
}
