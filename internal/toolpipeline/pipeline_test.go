package toolpipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/pkg/models"
)

type fakeExecutor struct {
	output any
	err    error
	delay  time.Duration
	panics bool
}

func (f *fakeExecutor) Execute(ctx context.Context, call models.ToolCall, ectx ExecutionContext) (any, error) {
	if f.panics {
		panic("executor panic")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.output, f.err
}

func call(name string) models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: name, Arguments: map[string]any{}}
}

func TestExecuteSuccessString(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{output: "done"}})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineSuccess {
		t.Fatalf("expected success, got %s: %s", result.Status, result.Output)
	}
	if result.Output != "done" {
		t.Errorf("Output = %q, want done", result.Output)
	}
}

func TestExecuteSuccessNonStringMarshalsJSON(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{output: map[string]int{"n": 1}}})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.Output != `{"n":1}` {
		t.Errorf("Output = %q, want JSON-marshaled map", result.Output)
	}
}

func TestExecuteExecutorError(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{err: errors.New("tool failed")}})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if result.Output != "tool failed" {
		t.Errorf("Output = %q, want tool failed", result.Output)
	}
}

func TestExecuteTimeout(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{delay: 50 * time.Millisecond}, Timeout: 5 * time.Millisecond})
	result := p.Execute(context.Background(), call("slow"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected timeout to produce error status, got %s", result.Status)
	}
}

func TestExecuteAbortedBeforeStart(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{output: "should not run"}})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{Aborted: func() bool { return true }})

	if result.Status != models.PipelineError {
		t.Fatalf("expected error status for aborted execution, got %s", result.Status)
	}
	if result.Output != "Tool execution aborted" {
		t.Errorf("Output = %q, want abort message", result.Output)
	}
}

func TestExecuteNoExecutorConfigured(t *testing.T) {
	p := New(Config{})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
}

func TestExecuteRecoversExecutorPanic(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{panics: true}})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected panic to be recovered into an error result, got %s", result.Status)
	}
}

func TestExecuteTruncatesLongOutput(t *testing.T) {
	p := New(Config{Executor: &fakeExecutor{output: "0123456789"}, MaxOutputLength: 5})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineTruncated {
		t.Fatalf("expected truncated status, got %s", result.Status)
	}
	if !result.Truncated {
		t.Error("expected Truncated=true")
	}
	if result.OriginalLength != 10 {
		t.Errorf("OriginalLength = %d, want 10", result.OriginalLength)
	}
	if result.Output[len(result.Output)-len(truncationSuffix):] != truncationSuffix {
		t.Errorf("expected output to end with truncation suffix, got %q", result.Output)
	}
}

func TestExecuteBeforeHookVetoesCall(t *testing.T) {
	vetoErr := errors.New("blocked")
	p := New(Config{
		Executor:    &fakeExecutor{output: "should not run"},
		BeforeHooks: []Hook{func(ctx context.Context, c models.ToolCall) error { return vetoErr }},
	})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected before-hook veto to produce error status, got %s", result.Status)
	}
	if result.Output != vetoErr.Error() {
		t.Errorf("Output = %q, want %q", result.Output, vetoErr.Error())
	}
}

func TestExecuteBeforeHookPanicBecomesError(t *testing.T) {
	p := New(Config{
		Executor:    &fakeExecutor{output: "should not run"},
		BeforeHooks: []Hook{func(ctx context.Context, c models.ToolCall) error { panic("hook exploded") }},
	})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineError {
		t.Fatalf("expected before-hook panic to produce error status, got %s", result.Status)
	}
}

func TestExecuteAfterHookRunsOnSuccess(t *testing.T) {
	var gotStatus models.PipelineStatus
	p := New(Config{
		Executor: &fakeExecutor{output: "ok"},
		AfterHooks: []AfterHook{func(ctx context.Context, c models.ToolCall, r models.ToolPipelineResult) {
			gotStatus = r.Status
		}},
	})
	p.Execute(context.Background(), call("search"), ExecutionContext{})

	if gotStatus != models.PipelineSuccess {
		t.Errorf("expected after-hook to observe success status, got %s", gotStatus)
	}
}

func TestExecuteAfterHookPanicIsSwallowed(t *testing.T) {
	p := New(Config{
		Executor:   &fakeExecutor{output: "ok"},
		AfterHooks: []AfterHook{func(ctx context.Context, c models.ToolCall, r models.ToolPipelineResult) { panic("boom") }},
	})
	result := p.Execute(context.Background(), call("search"), ExecutionContext{})

	if result.Status != models.PipelineSuccess {
		t.Errorf("expected the panicking after-hook not to affect the result, got %s", result.Status)
	}
}

func TestExecuteEmitsStartAndEndEvents(t *testing.T) {
	bus := eventbus.New()
	var startSeen, endSeen bool
	bus.On(models.EventToolCallStart, func(models.HarnessEvent) { startSeen = true })
	bus.On(models.EventToolCallEnd, func(models.HarnessEvent) { endSeen = true })

	p := New(Config{Executor: &fakeExecutor{output: "ok"}, EventBus: bus})
	p.Execute(context.Background(), call("search"), ExecutionContext{})

	if !startSeen {
		t.Error("expected tool_call_start to be emitted")
	}
	if !endSeen {
		t.Error("expected tool_call_end to be emitted")
	}
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	p := New(Config{Executor: &sequencedExecutor{}})
	calls := []models.ToolCall{call("ok"), call("fail"), call("ok")}

	results := p.ExecuteBatch(context.Background(), calls, ExecutionContext{})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != models.PipelineSuccess {
		t.Errorf("results[0] status = %s, want success", results[0].Status)
	}
	if results[1].Status != models.PipelineError {
		t.Errorf("results[1] status = %s, want error", results[1].Status)
	}
	if results[2].Status != models.PipelineSuccess {
		t.Errorf("results[2] status = %s, want success", results[2].Status)
	}
}

type sequencedExecutor struct{}

func (s *sequencedExecutor) Execute(ctx context.Context, call models.ToolCall, ectx ExecutionContext) (any, error) {
	if call.Name == "fail" {
		return nil, errors.New("boom")
	}
	return "ok", nil
}

func TestConfigSanitizeDefaultsTimeout(t *testing.T) {
	cfg := Config{}.sanitize()
	if cfg.Timeout != defaultTimeout {
		t.Errorf("expected default timeout %v, got %v", defaultTimeout, cfg.Timeout)
	}
}
