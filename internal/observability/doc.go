// Package observability provides monitoring and debugging capabilities
// for the agent execution harness through metrics, structured logging,
// and distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: minimal performance impact in production
//   - Type-safe: strongly-typed APIs reduce configuration errors
//   - Optional: every collaborator that accepts *Metrics/*Tracer treats
//     nil as "disabled" rather than requiring a no-op stub
//   - Standards-based: uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Agent loop iterations and termination reasons
//   - Tool pipeline execution latency and outcomes
//   - Doom-loop guard escalations
//   - Worker manager occupancy and task outcomes
//   - Retry policy attempts and context-compaction runs
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	result := loop.Run(ctx, messages)
//	metrics.RecordLoopIteration(string(result.TerminationReason), float64(result.StepsUsed))
//
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic run/task ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx = observability.AddRunID(ctx, runID)
//
//	logger.Info(ctx, "agent loop terminated",
//	    "termination_reason", result.TerminationReason,
//	    "steps_used", result.StepsUsed,
//	)
//
//	logger.Error(ctx, "tool execution failed",
//	    "error", err,
//	    "tool_name", call.Name,
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across
// components:
//   - End-to-end run visualization across loop/tool/worker spans
//   - Performance bottleneck identification
//   - Error correlation across components
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "agentharness",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceAgentLoopRun(ctx, runID)
//	defer span.End()
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic
// correlation:
//
//	ctx = observability.AddRunID(ctx, runID)
//	ctx = observability.AddTaskID(ctx, taskID)
//
//	logger.Info(ctx, "dispatching tool call") // Includes run_id, task_id
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Configuration
//
// All components support configuration via structs:
//
//	metrics := observability.NewMetrics()
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:          os.Getenv("LOG_LEVEL"),
//	    Format:         "json",
//	    AddSource:      true,
//	    RedactPatterns: []string{`custom-secret-\d+`},
//	})
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "agentharness",
//	    ServiceVersion: version,
//	    Environment:    env,
//	    Endpoint:       os.Getenv("OTEL_ENDPOINT"),
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Run termination breakdown
//	sum by (termination_reason) (rate(harness_loop_iterations_total[5m]))
//
//	# Tool execution latency (95th percentile)
//	histogram_quantile(0.95, rate(harness_tool_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(harness_errors_total[5m])
//
//	# Worker occupancy
//	harness_worker_active
//
//	# Doom-loop escalation rate
//	rate(harness_doom_loop_triggered_total[5m])
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
