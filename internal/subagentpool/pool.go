// Package subagentpool runs parallel child agent loops under a
// semaphore-bounded concurrency cap, propagates parent cancellation to
// every child, and forwards child events tagged with the child's id
// (spec §4.6).
//
// Grounded on internal/multiagent/swarm.go's sem-chan concurrency
// limiting and context.WithCancel+first-error cancellation idiom, and
// internal/multiagent/supervisor.go's DelegateTool shape, both in the
// teacher (haasonsaas-nexus).
package subagentpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/agentharness/internal/doomloop"
	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// Tier names the concurrency tiers spec §4.6 falls back to when no
// explicit MaxConcurrent is configured.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

var tierConcurrency = map[Tier]int{
	TierFree: 2,
	TierPro:  5,
	TierTeam: 15,
}

const defaultConcurrency = 5

// AgentStatus is a child task's observable lifecycle state.
type AgentStatus string

const (
	StatusQueued  AgentStatus = "queued"
	StatusRunning AgentStatus = "running"
	StatusDone    AgentStatus = "done"
	StatusFailed  AgentStatus = "failed"
)

const promptPreviewLimit = 100

// AgentState is the observable snapshot of one child task (spec §4.6
// "Agent state per task is observable").
type AgentState struct {
	ID          string
	Status      AgentStatus
	StepsUsed   int
	Prompt      string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Runner is what an AgentLoopFactory returns: something that can run a
// task to completion. It is a minimal capability so the pool does not
// need to import internal/agentloop directly, keeping the pool usable
// with any loop implementation that satisfies this shape.
type Runner interface {
	Run(ctx context.Context, prompt string) (models.AgentLoopResult, error)
}

// RunnerFactoryInput is everything a factory needs to build a Runner for
// one child task (spec §4.6 step 5).
type RunnerFactoryInput struct {
	MaxSteps int
	Signal   context.Context
	Guard    *doomloop.Guard
	EventBus *eventbus.Bus
}

// AgentLoopFactory builds a fresh Runner for one child task. Production
// callers must supply a real factory; EchoStepFunction/NewEchoFactory
// below are for tests only (spec §9 Open Questions).
type AgentLoopFactory func(input RunnerFactoryInput) Runner

// TaskInput is one unit of work submitted to the pool.
type TaskInput struct {
	ID     string
	Prompt string
}

// TaskOutput is the result of running one child task.
type TaskOutput struct {
	ID                string
	Result            models.AgentLoopResult
	Error             error
	TerminationReason models.TerminationReason
}

// Config configures a Pool.
type Config struct {
	MaxConcurrent    int
	Tier             Tier
	Factory          AgentLoopFactory
	EventBus         *eventbus.Bus
	MaxStepsPerChild int
}

// resolveConcurrency implements spec §4.6's cap resolution: explicit
// positive finite MaxConcurrent wins; else the tier table; else 5.
func (c Config) resolveConcurrency() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	if n, ok := tierConcurrency[c.Tier]; ok {
		return n
	}
	return defaultConcurrency
}

// Pool runs child agent loops in parallel under a counting semaphore
// (spec §4.6).
type Pool struct {
	cfg Config
	sem chan struct{}

	mu       sync.Mutex
	children map[string]*childHandle
}

type childHandle struct {
	state  AgentState
	cancel context.CancelFunc
}

// New constructs a Pool. cfg.Factory must not be nil for production use.
func New(cfg Config) *Pool {
	n := cfg.resolveConcurrency()
	return &Pool{
		cfg:      cfg,
		sem:      make(chan struct{}, n),
		children: make(map[string]*childHandle),
	}
}

// Run submits tasks and blocks until every one of them has completed,
// returning outputs in input order. The parent ctx's cancellation is
// propagated to every child, including those created after cancellation
// fires (spec §4.6, §5 "Parent-to-child propagation").
func (p *Pool) Run(ctx context.Context, tasks []TaskInput) []TaskOutput {
	outputs := make([]TaskOutput, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t TaskInput) {
			defer wg.Done()
			outputs[idx] = p.runOne(ctx, t)
		}(i, task)
	}

	wg.Wait()
	return outputs
}

func (p *Pool) runOne(parentCtx context.Context, task TaskInput) TaskOutput {
	childCtx, cancel := context.WithCancel(parentCtx)
	p.register(task, cancel)
	defer p.unregister(task.ID)

	select {
	case p.sem <- struct{}{}:
	case <-childCtx.Done():
		return TaskOutput{ID: task.ID, Error: childCtx.Err(), TerminationReason: models.TerminationAborted}
	}
	defer func() { <-p.sem }()

	if isCancelled(childCtx) {
		return TaskOutput{ID: task.ID, Error: childCtx.Err(), TerminationReason: models.TerminationAborted}
	}

	p.transition(task.ID, StatusRunning, nil)

	guard := doomloop.New(doomloop.DefaultConfig())
	childBus := p.childEventBus(task.ID)

	if p.cfg.Factory == nil {
		err := fmt.Errorf("subagentpool: no AgentLoopFactory configured")
		p.transitionFailed(task.ID, err)
		return TaskOutput{ID: task.ID, Error: err, TerminationReason: models.TerminationError}
	}

	runner := p.cfg.Factory(RunnerFactoryInput{
		MaxSteps: p.cfg.MaxStepsPerChild,
		Signal:   childCtx,
		Guard:    guard,
		EventBus: childBus,
	})

	result, err := runner.Run(childCtx, task.Prompt)
	if err != nil {
		reason := models.TerminationError
		if isCancelled(childCtx) {
			reason = models.TerminationAborted
		}
		p.transitionFailed(task.ID, err)
		return TaskOutput{ID: task.ID, Error: err, TerminationReason: reason}
	}

	p.transitionDone(task.ID, result.StepsUsed)
	return TaskOutput{ID: task.ID, Result: result, TerminationReason: result.TerminationReason}
}

// childEventBus wires a fresh per-child bus (if the pool has a parent
// bus) whose every emission is forwarded to the parent wrapped as a
// child_agent_event (spec §4.6 "Event forwarding").
func (p *Pool) childEventBus(childID string) *eventbus.Bus {
	if p.cfg.EventBus == nil {
		return nil
	}
	childBus := eventbus.New()
	for _, t := range []models.HarnessEventType{
		models.EventMessageStart, models.EventToken, models.EventThinking,
		models.EventToolCallStart, models.EventToolCallEnd, models.EventCompaction,
		models.EventError, models.EventDone, models.EventPermissionReq, models.EventAborted,
	} {
		eventType := t
		unsub := childBus.On(eventType, func(ev models.HarnessEvent) {
			p.cfg.EventBus.Emit(models.EventChildAgentEvent, models.ChildAgentEventPayload{
				ChildID:   childID,
				EventType: ev.Type,
				Payload:   ev.Payload,
			})
		})
		_ = unsub // forwarding lives for the child's lifetime; the bus is discarded with the child
	}
	return childBus
}

func (p *Pool) register(task TaskInput, cancel context.CancelFunc) {
	prompt := task.Prompt
	if len(prompt) > promptPreviewLimit {
		prompt = prompt[:promptPreviewLimit] + "…"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children[task.ID] = &childHandle{
		state:  AgentState{ID: task.ID, Status: StatusQueued, Prompt: prompt},
		cancel: cancel,
	}
}

func (p *Pool) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.children, id)
}

func (p *Pool) transition(id string, status AgentStatus, startedAt *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.children[id]
	if !ok {
		return
	}
	h.state.Status = status
	now := time.Now().UTC()
	if status == StatusRunning {
		h.state.StartedAt = &now
	}
}

func (p *Pool) transitionDone(id string, stepsUsed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.children[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	h.state.Status = StatusDone
	h.state.StepsUsed = stepsUsed
	h.state.CompletedAt = &now
}

func (p *Pool) transitionFailed(id string, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.children[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	h.state.Status = StatusFailed
	h.state.CompletedAt = &now
}

// State returns a snapshot of one child's observable state, if it is
// still tracked (children are untracked once Run's goroutine returns).
func (p *Pool) State(id string) (AgentState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.children[id]
	if !ok {
		return AgentState{}, false
	}
	return h.state, true
}

func isCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// EchoStepFunction is a test-only default child behavior that echoes the
// prompt back as final text (spec §9 Open Questions, third bullet).
// Production callers must inject a real AgentLoopFactory.
func EchoStepFunction(prompt string) models.AgentLoopResult {
	return models.AgentLoopResult{
		Messages: []models.Message{{
			Role: models.RoleAssistant,
			Text: prompt,
		}},
		StepsUsed:         0,
		TerminationReason: models.TerminationTextOnly,
	}
}

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, prompt string) (models.AgentLoopResult, error) {
	return EchoStepFunction(prompt), nil
}

// NewEchoFactory returns an AgentLoopFactory whose children simply echo
// their prompt back. Test-only (spec §9 Open Questions).
func NewEchoFactory() AgentLoopFactory {
	return func(RunnerFactoryInput) Runner { return echoRunner{} }
}
