package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agentharness/internal/doomloop"
	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/internal/toolpipeline"
	"github.com/haasonsaas/agentharness/pkg/models"
)

func userMessage(text string) models.Message {
	return models.Message{ID: "u", Role: models.RoleUser, Text: text}
}

func TestRunTextOnlyTermination(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		return models.StepResult{Type: models.StepText, Content: "final answer"}, nil
	}
	loop := New(Config{Step: step})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})

	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected text_only termination, got %s", result.TerminationReason)
	}
	if result.StepsUsed != 0 {
		t.Errorf("expected 0 steps used, got %d", result.StepsUsed)
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Text != "final answer" {
		t.Errorf("expected final assistant message, got %+v", last)
	}
}

func TestRunStepErrorTerminates(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		return models.StepResult{}, errors.New("provider down")
	}
	loop := New(Config{Step: step})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationError {
		t.Fatalf("expected error termination, got %s", result.TerminationReason)
	}
}

func TestRunStepResultErrorTerminates(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		return models.StepResult{Type: models.StepError, Err: errors.New("bad request")}, nil
	}
	loop := New(Config{Step: step})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationError {
		t.Fatalf("expected error termination, got %s", result.TerminationReason)
	}
}

func TestRunDoesNotMutateInitialMessages(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}
	loop := New(Config{Step: step})

	initial := []models.Message{userMessage("hi")}
	loop.Run(context.Background(), initial)

	if len(initial) != 1 {
		t.Errorf("expected initialMessages to remain untouched, got %d entries", len(initial))
	}
}

func TestRunExecutesToolCallsThenContinues(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "final"}, nil
	}

	pipeline := toolpipeline.New(toolpipeline.Config{Executor: successExecutor{}})
	loop := New(Config{Step: step, Pipeline: pipeline})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected eventual text_only termination, got %s", result.TerminationReason)
	}
	if result.StepsUsed != 1 {
		t.Errorf("expected 1 step used, got %d", result.StepsUsed)
	}

	foundToolRole := false
	for _, m := range result.Messages {
		if m.Role == models.RoleTool {
			foundToolRole = true
		}
	}
	if !foundToolRole {
		t.Error("expected a tool-role message recording results")
	}
}

type successExecutor struct{}

func (successExecutor) Execute(ctx context.Context, call models.ToolCall, ectx toolpipeline.ExecutionContext) (any, error) {
	return "ok", nil
}

type errExecutor struct{}

func (errExecutor) Execute(ctx context.Context, call models.ToolCall, ectx toolpipeline.ExecutionContext) (any, error) {
	return nil, errors.New("tool exploded")
}

func TestRunMaxStepsForcesCompletion(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		if opts.ToolsDisabled {
			return models.StepResult{Type: models.StepText, Content: "forced final"}, nil
		}
		return models.StepResult{
			Type:      models.StepToolCalls,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{}}},
		}, nil
	}
	pipeline := toolpipeline.New(toolpipeline.Config{Executor: successExecutor{}})
	loop := New(Config{Step: step, Pipeline: pipeline, MaxSteps: 1})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationMaxSteps {
		t.Fatalf("expected max_steps termination, got %s", result.TerminationReason)
	}
	if !result.LimitReached {
		t.Error("expected LimitReached=true")
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Text != "forced final" {
		t.Errorf("expected forced-completion text, got %q", last.Text)
	}
}

func TestRunDoomLoopForcesCompletion(t *testing.T) {
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		if opts.ToolsDisabled {
			return models.StepResult{Type: models.StepText, Content: "give up"}, nil
		}
		return models.StepResult{
			Type:      models.StepToolCalls,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{"q": "x"}}},
		}, nil
	}
	pipeline := toolpipeline.New(toolpipeline.Config{Executor: successExecutor{}})
	guard := doomloop.New(doomloop.Config{MaxConsecutive: 100, MaxTotal: 100, WindowSize: 10, RepetitionThreshold: 2})
	loop := New(Config{Step: step, Pipeline: pipeline, Guard: guard, MaxSteps: 10})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationDoomLoop {
		t.Fatalf("expected doom_loop termination, got %s", result.TerminationReason)
	}
}

func TestRunAbortedBeforeFirstStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		t.Fatal("step function should not be called when already aborted")
		return models.StepResult{}, nil
	}
	loop := New(Config{Step: step})

	result := loop.Run(ctx, []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationAborted {
		t.Fatalf("expected aborted termination, got %s", result.TerminationReason)
	}
	if !result.Aborted {
		t.Error("expected Aborted=true")
	}
}

func TestRunPermissionDeniedProducesErrorResult(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}
	loop := New(Config{
		Step:              step,
		Pipeline:          toolpipeline.New(toolpipeline.Config{Executor: successExecutor{}}),
		PermissionChecker: denyAll{},
	})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected eventual text_only termination, got %s", result.TerminationReason)
	}
}

type denyAll struct{}

func (denyAll) RequestPermission(ctx context.Context, call models.ToolCall) bool { return false }

func TestRunDelegateCallUsesDelegateFunction(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "delegate", Arguments: map[string]any{"task": "research X"}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}

	var gotTask string
	delegate := func(ctx context.Context, task string, info DelegationInfo) (models.StepResult, error) {
		gotTask = task
		return models.StepResult{Type: models.StepText, Content: "delegated result"}, nil
	}

	loop := New(Config{Step: step, Delegation: &DelegationContract{Delegate: delegate}})
	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})

	if gotTask != "research X" {
		t.Errorf("expected delegate to receive the extracted task, got %q", gotTask)
	}
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected text_only termination, got %s", result.TerminationReason)
	}
}

func TestRunDelegateCallRejectsArgumentsFailingSchema(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "delegate", Arguments: map[string]any{"wrong_field": "x"}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}

	schema := eventbus.NewSchemaRegistry()
	if err := schema.Register(delegationSchemaEventType, `{"type":"object","required":["task"],"properties":{"task":{"type":"string"}}}`); err != nil {
		t.Fatalf("Register: %v", err)
	}

	delegateCalled := false
	delegate := func(ctx context.Context, task string, info DelegationInfo) (models.StepResult, error) {
		delegateCalled = true
		return models.StepResult{Type: models.StepText, Content: "should not run"}, nil
	}

	loop := New(Config{Step: step, Delegation: &DelegationContract{Delegate: delegate, ArgumentSchema: schema}})
	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})

	if delegateCalled {
		t.Error("expected Delegate not to be invoked when arguments fail schema validation")
	}
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected eventual text_only termination, got %s", result.TerminationReason)
	}

	foundError := false
	for _, m := range result.Messages {
		if m.Role == models.RoleTool && strings.Contains(m.Text, "schema validation") {
			foundError = true
		}
	}
	if !foundError {
		t.Error("expected a tool-role message reporting the schema validation failure")
	}
}

func TestRunDelegateCallPassesArgumentsMeetingSchema(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "delegate", Arguments: map[string]any{"task": "research X"}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}

	schema := eventbus.NewSchemaRegistry()
	if err := schema.Register(delegationSchemaEventType, `{"type":"object","required":["task"],"properties":{"task":{"type":"string"}}}`); err != nil {
		t.Fatalf("Register: %v", err)
	}

	delegateCalled := false
	delegate := func(ctx context.Context, task string, info DelegationInfo) (models.StepResult, error) {
		delegateCalled = true
		return models.StepResult{Type: models.StepText, Content: "delegated result"}, nil
	}

	loop := New(Config{Step: step, Delegation: &DelegationContract{Delegate: delegate, ArgumentSchema: schema}})
	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})

	if !delegateCalled {
		t.Error("expected Delegate to be invoked when arguments meet the schema")
	}
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected text_only termination, got %s", result.TerminationReason)
	}
}

func TestSanitizeClampsNegativeMaxSteps(t *testing.T) {
	cfg := Config{MaxSteps: -5}.sanitize()
	if cfg.MaxSteps != 0 {
		t.Errorf("expected negative MaxSteps clamped to 0, got %d", cfg.MaxSteps)
	}
}

func TestSanitizeDefaultsMaxSteps(t *testing.T) {
	cfg := Config{}.sanitize()
	if cfg.MaxSteps != defaultMaxSteps {
		t.Errorf("expected default MaxSteps %d, got %d", defaultMaxSteps, cfg.MaxSteps)
	}
	if cfg.Guard == nil {
		t.Error("expected a default Guard to be constructed")
	}
}

func TestRunNoPipelineConfiguredYieldsErrorResultButContinues(t *testing.T) {
	calls := 0
	step := func(ctx context.Context, messages []models.Message, opts StepOptions) (models.StepResult, error) {
		calls++
		if calls == 1 {
			return models.StepResult{
				Type:      models.StepToolCalls,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{}}},
			}, nil
		}
		return models.StepResult{Type: models.StepText, Content: "done"}, nil
	}
	loop := New(Config{Step: step})

	result := loop.Run(context.Background(), []models.Message{userMessage("hi")})
	if result.TerminationReason != models.TerminationTextOnly {
		t.Fatalf("expected text_only termination, got %s", result.TerminationReason)
	}
}

func TestIsAbortedHandlesNilContext(t *testing.T) {
	if isAborted(nil) {
		t.Error("expected nil context to never report aborted")
	}
}

func TestIsAbortedRespectsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	if !isAborted(ctx) {
		t.Error("expected an expired context to report aborted")
	}
}
