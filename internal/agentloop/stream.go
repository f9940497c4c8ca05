package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agentharness/internal/toolpipeline"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// StreamRequest is the narrow request shape the loop sends to its
// Provider (spec §6 "the request carries {model, messages, tools?,
// systemPrompt?, thinkingLevel?, signal}").
type StreamRequest struct {
	Model         string
	Messages      []models.Message
	Tools         []string
	SystemPrompt  string
	ThinkingLevel string
}

// StreamEvent is one item from a Provider's stream (spec §6 "event in
// {token, thinking, tool_call_start, error, done}").
type StreamEvent struct {
	Type         models.HarnessEventType
	Token        string
	Thinking     string
	ToolCall     models.ToolCall
	Err          error
	FinishReason string
}

// Provider is the streaming collaborator capability consumed by
// RunStream (spec §6 "Provider.stream").
type Provider interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
}

// accumulator builds the final DoneEventPayload content across an entire
// RunStream call: a plain string when only text arrived, otherwise an
// ordered ContentBlock sequence (spec §4.5 streaming variant).
type accumulator struct {
	blocks   []models.ContentBlock
	textOnly bool
}

func newAccumulator() *accumulator {
	return &accumulator{textOnly: true}
}

func (a *accumulator) addToken(tok string) {
	if tok == "" {
		return
	}
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == models.ContentBlockText {
		a.blocks[n-1].Text += tok
		return
	}
	a.blocks = append(a.blocks, models.ContentBlock{Type: models.ContentBlockText, Text: tok})
}

func (a *accumulator) addToolUse(call models.ToolCall) {
	a.textOnly = false
	a.blocks = append(a.blocks, models.ContentBlock{
		Type:       models.ContentBlockToolUse,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

func (a *accumulator) addToolResult(result models.ToolPipelineResult) {
	a.textOnly = false
	a.blocks = append(a.blocks, models.ContentBlock{
		Type:         models.ContentBlockToolResult,
		ToolResultID: result.CallID,
		ToolOutput:   result.Output,
	})
}

func (a *accumulator) payload() models.DoneEventPayload {
	if a.textOnly {
		var sb strings.Builder
		for _, b := range a.blocks {
			sb.WriteString(b.Text)
		}
		return models.DoneEventPayload{Text: sb.String()}
	}
	return models.DoneEventPayload{Blocks: a.blocks}
}

// RunStream drives the streaming variant of the agent loop (spec §4.5
// "Provider-streaming variant"). The returned channel is closed after
// exactly one done event has been emitted.
func (l *Loop) RunStream(ctx context.Context, initialMessages []models.Message, reqTemplate StreamRequest) <-chan models.HarnessEvent {
	out := make(chan models.HarnessEvent)
	go func() {
		defer close(out)
		l.runStream(ctx, initialMessages, reqTemplate, out)
	}()
	return out
}

func (l *Loop) runStream(ctx context.Context, initialMessages []models.Message, reqTemplate StreamRequest, out chan<- models.HarnessEvent) {
	if l.cfg.Provider == nil {
		emit(out, models.EventError, models.ErrorEventPayload{Message: "no streaming provider configured"})
		emit(out, models.EventDone, models.DoneEventPayload{})
		return
	}

	messages := models.CloneMessages(initialMessages)
	acc := newAccumulator()
	stepsUsed := 0

	for {
		if isAborted(ctx) {
			emit(out, models.EventAborted, models.AbortedEventPayload{})
			emit(out, models.EventDone, acc.payload())
			return
		}

		req := reqTemplate
		req.Messages = messages

		chunks, err := l.cfg.Provider.Stream(ctx, req)
		if err != nil {
			emit(out, models.EventError, models.ErrorEventPayload{Message: err.Error()})
			emit(out, models.EventDone, acc.payload())
			return
		}

		toolCalls, finishReason, streamErr := l.consumeStream(ctx, chunks, acc, out)
		if streamErr != nil {
			emit(out, models.EventError, models.ErrorEventPayload{Message: streamErr.Error()})
			emit(out, models.EventDone, acc.payload())
			return
		}

		if finishReason != "tool_use" || len(toolCalls) == 0 {
			emit(out, models.EventDone, acc.payload())
			return
		}

		assistantMsg := assistantToolCallMessage("", toolCalls)
		messages = append(messages, assistantMsg)

		forced := stepsUsed >= l.cfg.MaxSteps
		if !forced {
			stepsUsed++
			l.cfg.Guard.Track(toolCalls)
			forced = l.cfg.Guard.ShouldEscalate()
		}

		results := l.dispatchStreamingTools(ctx, toolCalls, messages, acc, out)
		l.recordOutcomes(toolCalls, results)
		messages = append(messages, toolResultsMessage(results))

		if forced {
			emit(out, models.EventDone, acc.payload())
			return
		}
	}
}

// consumeStream drains one provider stream call, relaying token/thinking
// events live and collecting tool_use chunks. It returns once the
// provider emits its done event or the channel closes without one.
func (l *Loop) consumeStream(ctx context.Context, chunks <-chan StreamEvent, acc *accumulator, out chan<- models.HarnessEvent) ([]models.ToolCall, string, error) {
	var toolCalls []models.ToolCall

	for {
		select {
		case ev, ok := <-chunks:
			if !ok {
				return toolCalls, "", nil
			}
			switch ev.Type {
			case models.EventToken:
				acc.addToken(ev.Token)
				emit(out, models.EventToken, models.TokenEventPayload{Token: ev.Token})
			case models.EventThinking:
				emit(out, models.EventThinking, models.ThinkingEventPayload{Thinking: ev.Thinking})
			case models.EventToolCallStart:
				toolCalls = append(toolCalls, ev.ToolCall)
				acc.addToolUse(ev.ToolCall)
				emit(out, models.EventToolCallStart, models.ToolCallStartPayload{
					CallID:    ev.ToolCall.ID,
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				})
			case models.EventError:
				return toolCalls, "", ev.Err
			case models.EventDone:
				return toolCalls, ev.FinishReason, nil
			}
		case <-ctx.Done():
			return toolCalls, "", fmt.Errorf("stream consumption aborted: %w", ctx.Err())
		}
	}
}

// dispatchStreamingTools executes toolCalls sequentially, checking abort
// before each dispatch and between tools; once aborted mid-batch it
// emits no further tool_call_start events and preserves already-received
// results (spec §5 "Cancellation semantics").
func (l *Loop) dispatchStreamingTools(ctx context.Context, toolCalls []models.ToolCall, messages []models.Message, acc *accumulator, out chan<- models.HarnessEvent) []models.ToolPipelineResult {
	results := make([]models.ToolPipelineResult, 0, len(toolCalls))

	for _, call := range toolCalls {
		if isAborted(ctx) {
			break
		}

		start := time.Now()
		result := l.executeOne(ctx, call, messages)
		result.DurationMs = time.Since(start).Milliseconds()

		acc.addToolResult(result)
		emit(out, models.EventToolCallEnd, models.ToolCallEndPayload{
			CallID:     result.CallID,
			Name:       result.Name,
			Status:     result.Status,
			Output:     result.Output,
			DurationMs: result.DurationMs,
		})
		results = append(results, result)
	}

	return results
}

func emit(out chan<- models.HarnessEvent, eventType models.HarnessEventType, payload any) {
	env, ok := buildEnvelope(eventType, payload)
	if !ok {
		return
	}
	out <- env
}

func buildEnvelope(eventType models.HarnessEventType, payload any) (models.HarnessEvent, bool) {
	ev, err := marshalPayload(payload)
	if err != nil {
		return models.HarnessEvent{}, false
	}
	return models.HarnessEvent{
		Type:      eventType,
		Payload:   ev,
		Version:   1,
		Timestamp: time.Now().UnixMilli(),
		EventID:   newEventID(),
	}, true
}
