package subagentpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/pkg/models"
)

func TestResolveConcurrencyExplicitWins(t *testing.T) {
	cfg := Config{MaxConcurrent: 9, Tier: TierFree}
	if got := cfg.resolveConcurrency(); got != 9 {
		t.Errorf("resolveConcurrency() = %d, want 9", got)
	}
}

func TestResolveConcurrencyTierTable(t *testing.T) {
	cfg := Config{Tier: TierPro}
	if got := cfg.resolveConcurrency(); got != 5 {
		t.Errorf("resolveConcurrency() = %d, want 5", got)
	}
}

func TestResolveConcurrencyDefault(t *testing.T) {
	cfg := Config{}
	if got := cfg.resolveConcurrency(); got != defaultConcurrency {
		t.Errorf("resolveConcurrency() = %d, want %d", got, defaultConcurrency)
	}
}

func TestRunEchoFactoryCompletesAllTasks(t *testing.T) {
	pool := New(Config{Factory: NewEchoFactory()})
	tasks := []TaskInput{{ID: "a", Prompt: "hello"}, {ID: "b", Prompt: "world"}}

	outputs := pool.Run(context.Background(), tasks)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	for i, out := range outputs {
		if out.Error != nil {
			t.Errorf("output[%d] unexpected error: %v", i, out.Error)
		}
		if out.TerminationReason != models.TerminationTextOnly {
			t.Errorf("output[%d] termination = %s, want text_only", i, out.TerminationReason)
		}
	}
	if outputs[0].Result.Messages[0].Text != "hello" {
		t.Errorf("expected output[0] to echo %q, got %q", "hello", outputs[0].Result.Messages[0].Text)
	}
}

func TestRunNoFactoryConfiguredYieldsError(t *testing.T) {
	pool := New(Config{})
	outputs := pool.Run(context.Background(), []TaskInput{{ID: "a", Prompt: "hi"}})

	if outputs[0].Error == nil {
		t.Fatal("expected an error when no factory is configured")
	}
	if outputs[0].TerminationReason != models.TerminationError {
		t.Errorf("termination = %s, want error", outputs[0].TerminationReason)
	}
}

func TestRunPropagatesRunnerError(t *testing.T) {
	pool := New(Config{Factory: func(RunnerFactoryInput) Runner { return failingRunner{} }})
	outputs := pool.Run(context.Background(), []TaskInput{{ID: "a", Prompt: "hi"}})

	if outputs[0].Error == nil {
		t.Fatal("expected the runner's error to propagate")
	}
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, prompt string) (models.AgentLoopResult, error) {
	return models.AgentLoopResult{}, errors.New("child blew up")
}

func TestRunRespectsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := New(Config{Factory: NewEchoFactory()})
	outputs := pool.Run(ctx, []TaskInput{{ID: "a", Prompt: "hi"}})

	if outputs[0].TerminationReason != models.TerminationAborted {
		t.Fatalf("expected aborted termination for a pre-cancelled parent, got %s", outputs[0].TerminationReason)
	}
}

func TestRunLimitsConcurrencyToMaxConcurrent(t *testing.T) {
	var concurrent int32
	var maxObserved int32

	blockingFactory := func(RunnerFactoryInput) Runner {
		return runnerFunc(func(ctx context.Context, prompt string) (models.AgentLoopResult, error) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return models.AgentLoopResult{TerminationReason: models.TerminationTextOnly}, nil
		})
	}

	pool := New(Config{MaxConcurrent: 2, Factory: blockingFactory})
	tasks := []TaskInput{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	pool.Run(context.Background(), tasks)

	if maxObserved > 2 {
		t.Errorf("expected at most 2 concurrent children, observed %d", maxObserved)
	}
}

type runnerFunc func(ctx context.Context, prompt string) (models.AgentLoopResult, error)

func (f runnerFunc) Run(ctx context.Context, prompt string) (models.AgentLoopResult, error) {
	return f(ctx, prompt)
}

func TestChildEventsForwardedAsChildAgentEvent(t *testing.T) {
	bus := eventbus.New()
	var gotChildID string
	var gotInner models.HarnessEventType
	bus.On(models.EventChildAgentEvent, func(e models.HarnessEvent) {
		var payload models.ChildAgentEventPayload
		_ = json.Unmarshal(e.Payload, &payload)
		gotChildID = payload.ChildID
		gotInner = payload.EventType
	})

	factory := func(input RunnerFactoryInput) Runner {
		input.EventBus.Emit(models.EventToken, models.TokenEventPayload{Token: "hi"})
		return echoRunner{}
	}

	pool := New(Config{Factory: factory, EventBus: bus})
	pool.Run(context.Background(), []TaskInput{{ID: "child-1", Prompt: "hi"}})

	if gotChildID != "child-1" {
		t.Errorf("expected forwarded event tagged with child-1, got %q", gotChildID)
	}
	if gotInner != models.EventToken {
		t.Errorf("expected forwarded inner event type token, got %s", gotInner)
	}
}

func TestStateUntrackedAfterCompletion(t *testing.T) {
	pool := New(Config{Factory: NewEchoFactory()})
	pool.Run(context.Background(), []TaskInput{{ID: "a", Prompt: "hi"}})

	if _, ok := pool.State("a"); ok {
		t.Error("expected child state to be untracked once Run returns")
	}
}
