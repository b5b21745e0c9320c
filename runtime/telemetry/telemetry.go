// Package telemetry defines the logging and metrics seams used throughout the
// runtime. Implementations delegate to Clue and OpenTelemetry; the interfaces
// are intentionally small so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Metric names emitted by the planner loop and worker.
const (
	MetricStepLatency              = "loom_step_latency"
	MetricPolicyDecision           = "loom_policy_decision"
	MetricPlannerValidationFailure = "loom_planner_validation_failure"
	MetricWorkflowTerminal         = "loom_workflow_terminal"
	MetricJobClaimed               = "loom_job_claimed"
	MetricJobFailed                = "loom_job_failed"
)
