// Command agentharness-worker wires the task queue, worker manager, and
// agent loop into a minimal standalone daemon: enough to demonstrate
// construction order for embedders, not a product CLI (spec §1
// Non-goals exclude CLI surfaces; cobra is deliberately not used here —
// see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/agentharness/internal/agentloop"
	"github.com/haasonsaas/agentharness/internal/doomloop"
	"github.com/haasonsaas/agentharness/internal/eventbus"
	"github.com/haasonsaas/agentharness/internal/harnessconfig"
	"github.com/haasonsaas/agentharness/internal/observability"
	"github.com/haasonsaas/agentharness/internal/taskqueue"
	"github.com/haasonsaas/agentharness/internal/toolpipeline"
	"github.com/haasonsaas/agentharness/internal/workermanager"
	"github.com/haasonsaas/agentharness/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to a harnessconfig YAML file (optional; defaults used if empty)")
	dsn := flag.String("db", "agentharness.db", "sqlite database path for the task queue")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := run(logger, *configPath, *dsn); err != nil {
		logger.Error("agentharness-worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, dsn string) error {
	cfg := harnessconfig.Default()
	if configPath != "" {
		loaded, err := harnessconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	store, err := taskqueue.NewSQLiteStore(dsn)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	queue := taskqueue.NewQueue(store)
	bus := eventbus.New(eventbus.WithLogger(logger))
	bus.On(models.EventToolCallStart, func(evt models.HarnessEvent) {
		logger.Info("tool call started", "event_id", evt.EventID)
	})
	metrics := observability.NewMetrics()

	executeTask := func(ctx context.Context, ectx workermanager.ExecutionContext) (string, error) {
		guard := doomloop.New(doomloop.Config{
			MaxConsecutive:      cfg.DoomLoop.MaxConsecutive,
			MaxTotal:            cfg.DoomLoop.MaxTotal,
			WindowSize:          cfg.DoomLoop.WindowSize,
			RepetitionThreshold: cfg.DoomLoop.RepetitionThreshold,
		})

		// echoStep never emits tool calls, so this pipeline is never
		// actually invoked; it demonstrates the construction order an
		// embedder wires a real provider/executor into.
		pipeline := toolpipeline.New(toolpipeline.Config{
			Executor: noopExecutor{},
			EventBus: bus,
		})

		loop := agentloop.New(agentloop.Config{
			Step:     echoStep,
			Pipeline: pipeline,
			Guard:    guard,
			MaxSteps: cfg.Loop.MaxSteps,
		})

		result := loop.Run(ectx.CancellationToken, []models.Message{{
			Role: models.RoleUser,
			Text: ectx.Task.Prompt,
		}})
		metrics.RecordLoopIteration(string(result.TerminationReason), float64(result.StepsUsed))

		if len(result.Messages) == 0 {
			return "", fmt.Errorf("agent loop produced no messages")
		}
		return result.Messages[len(result.Messages)-1].Text, nil
	}

	manager := workermanager.New(workermanager.Config{
		Queue:                   queue,
		Execute:                 executeTask,
		Logger:                  logger,
		MaxConcurrentWorkers:    cfg.WorkerManager.MaxConcurrentWorkers,
		TaskTimeout:             cfg.WorkerManager.TaskTimeout,
		RestartRecoverySchedule: cfg.WorkerManager.RestartRecoverySchedule,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start worker manager: %w", err)
	}

	logger.Info("agentharness-worker started", "db", dsn, "max_workers", cfg.WorkerManager.MaxConcurrentWorkers)

	<-ctx.Done()
	logger.Info("agentharness-worker shutting down")
	manager.Shutdown()

	return nil
}

// echoStep is a placeholder StepFunction standing in for a real
// provider integration, which is explicitly out of this module's scope
// (spec §1 Non-goals: "no model inference").
func echoStep(_ context.Context, messages []models.Message, _ agentloop.StepOptions) (models.StepResult, error) {
	var last string
	if len(messages) > 0 {
		last = messages[len(messages)-1].Text
	}
	return models.StepResult{
		Type:    models.StepText,
		Content: "echo: " + last,
	}, nil
}

// noopExecutor never runs (echoStep emits no tool calls); it exists only
// to satisfy toolpipeline.Config's required Executor field.
type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, call models.ToolCall, _ toolpipeline.ExecutionContext) (any, error) {
	return nil, fmt.Errorf("noopExecutor: no tool registered for %q", call.Name)
}
