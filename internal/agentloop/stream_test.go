package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/agentharness/pkg/models"
)

type fakeProvider struct {
	chunksFn func(req StreamRequest) []StreamEvent
	calls    int
}

func (p *fakeProvider) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	p.calls++
	events := p.chunksFn(req)
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func drain(t *testing.T, out <-chan models.HarnessEvent) []models.HarnessEvent {
	t.Helper()
	var events []models.HarnessEvent
	for e := range out {
		events = append(events, e)
	}
	return events
}

func TestRunStreamTextOnly(t *testing.T) {
	provider := &fakeProvider{
		chunksFn: func(req StreamRequest) []StreamEvent {
			return []StreamEvent{
				{Type: models.EventToken, Token: "hello"},
				{Type: models.EventToken, Token: " world"},
				{Type: models.EventDone, FinishReason: "stop"},
			}
		},
	}
	loop := New(Config{
		Step:     func(ctx context.Context, m []models.Message, o StepOptions) (models.StepResult, error) { return models.StepResult{}, nil },
		Provider: provider,
	})

	out := loop.RunStream(context.Background(), []models.Message{userMessage("hi")}, StreamRequest{Model: "x"})
	events := drain(t, out)

	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	last := events[len(events)-1]
	if last.Type != models.EventDone {
		t.Fatalf("expected final event to be done, got %s", last.Type)
	}

	var payload models.DoneEventPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("unmarshal done payload: %v", err)
	}
	if payload.Text != "hello world" {
		t.Errorf("expected accumulated text %q, got %q", "hello world", payload.Text)
	}
}

func TestRunStreamNoProviderConfigured(t *testing.T) {
	loop := New(Config{Step: func(ctx context.Context, m []models.Message, o StepOptions) (models.StepResult, error) {
		return models.StepResult{}, nil
	}})

	out := loop.RunStream(context.Background(), []models.Message{userMessage("hi")}, StreamRequest{})
	events := drain(t, out)

	foundError := false
	for _, e := range events {
		if e.Type == models.EventError {
			foundError = true
		}
	}
	if !foundError {
		t.Error("expected an error event when no provider is configured")
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Error("expected a trailing done event")
	}
}

func TestRunStreamProviderErrorEmitsErrorAndDone(t *testing.T) {
	loop := &Loop{cfg: Config{Provider: erroringProvider{}}.sanitize()}

	out := loop.RunStream(context.Background(), []models.Message{userMessage("hi")}, StreamRequest{})
	events := drain(t, out)

	if events[0].Type != models.EventError {
		t.Fatalf("expected first event to be error, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Fatalf("expected final event to be done, got %s", events[len(events)-1].Type)
	}
}

type erroringProvider struct{}

func (erroringProvider) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	return nil, errors.New("provider unreachable")
}

func TestAccumulatorTextOnly(t *testing.T) {
	acc := newAccumulator()
	acc.addToken("he")
	acc.addToken("llo")

	payload := acc.payload()
	if payload.Text != "hello" {
		t.Errorf("expected merged token text, got %q", payload.Text)
	}
	if payload.Blocks != nil {
		t.Errorf("expected no blocks for a text-only accumulation, got %+v", payload.Blocks)
	}
}

func TestAccumulatorWithToolUseProducesBlocks(t *testing.T) {
	acc := newAccumulator()
	acc.addToken("thinking")
	acc.addToolUse(models.ToolCall{ID: "c1", Name: "search"})
	acc.addToolResult(models.ToolPipelineResult{CallID: "c1", Output: "result text"})

	payload := acc.payload()
	if payload.Text != "" {
		t.Errorf("expected no flattened Text once blocks are used, got %q", payload.Text)
	}
	if len(payload.Blocks) != 3 {
		t.Fatalf("expected 3 blocks (text, tool_use, tool_result), got %d", len(payload.Blocks))
	}
}

func TestRunStreamExecutesToolCallsThenContinues(t *testing.T) {
	provider := &fakeProvider{
		chunksFn: func(req StreamRequest) []StreamEvent {
			if len(req.Messages) == 1 {
				return []StreamEvent{
					{Type: models.EventToolCallStart, ToolCall: models.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{}}},
					{Type: models.EventDone, FinishReason: "tool_use"},
				}
			}
			return []StreamEvent{
				{Type: models.EventToken, Token: "final answer"},
				{Type: models.EventDone, FinishReason: "stop"},
			}
		},
	}
	loop := New(Config{Provider: provider})

	out := loop.RunStream(context.Background(), []models.Message{userMessage("hi")}, StreamRequest{})
	events := drain(t, out)

	foundToolStart := false
	for _, e := range events {
		if e.Type == models.EventToolCallStart {
			foundToolStart = true
		}
	}
	if !foundToolStart {
		t.Error("expected a tool_call_start event to be relayed")
	}
	if provider.calls != 2 {
		t.Errorf("expected the provider to be invoked twice (tool round trip), got %d", provider.calls)
	}
}
