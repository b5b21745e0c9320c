// Package planner drives the decision loop at the heart of the runtime: one
// versioned objective request in, a sequence of validated, policy-gated,
// atomically committed steps out. The loop consumes an external planning
// function that returns typed intents; it has no awareness of what any tool
// does.
//
// Each step runs a fixed stage pipeline: build-context, plan, validate,
// policy, approval, execute, commit. Every stage is overridable for tests
// and alternative deployments. The loop terminates when the workflow reaches
// waiting_signal, completed, or failed, or when the step budget is exhausted.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/tools"
)

type (
	// PlanFunc is the external planning function. The provider/model chain
	// behind it is out of scope; features/planner adapts LLM SDKs into this
	// shape.
	PlanFunc func(ctx context.Context, input contract.PlannerInputV1) (contract.PlannerIntent, error)

	// MemoryProvider optionally contributes long-term memory context to the
	// planning input. Nil disables memory.
	MemoryProvider func(ctx context.Context, scope contract.Scope, workflowID string) (string, error)

	// Deps wires the loop's collaborators. Store, Registry, Plan, and Policy
	// are required; the rest default to noop implementations.
	Deps struct {
		// Store is the persistence port.
		Store store.Store
		// Registry resolves and dispatches tools.
		Registry *tools.Registry
		// Execute overrides the tool execution path, typically the adapter
		// stack from runtime/adapter. Defaults to Registry.Execute.
		Execute tools.Handler
		// Plan is the external planning function.
		Plan PlanFunc
		// Policy evaluates the active policy pack.
		Policy policy.Engine
		// Approvals classifies approval requirements. Nil means nothing
		// requires approval.
		Approvals policy.Classifier
		// PolicyPack names the pack recorded on decisions.
		PolicyPack policy.PackRef
		// PolicyConstraints is surfaced to the planner.
		PolicyConstraints []string
		// Memory optionally contributes memory context.
		Memory MemoryProvider
		// Emitter mirrors committed run events to the stream sink.
		Emitter *stream.Emitter
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Options tunes loop behavior.
	Options struct {
		// MaxSteps bounds the number of planner steps per workflow. Exceeding
		// it fails the workflow with "max steps exhausted". Defaults to 16.
		MaxSteps int
		// ContinueAfterBlock lets the workflow continue planning after a
		// policy block fails the step. Default off: a block fails the
		// workflow.
		ContinueAfterBlock bool
	}

	// Loop executes the stage pipeline for one workflow at a time. Within a
	// workflow, steps are strictly serial; distinct workflows run fully
	// concurrently on separate Loop invocations.
	Loop struct {
		deps   Deps
		opts   Options
		stages Stages
	}

	// RunRequest binds a validated objective request to its queue identity.
	RunRequest struct {
		Request contract.ObjectiveRequestV1
		// RunID is the durable run this execution appends events to.
		RunID string
		// JobID is the claiming queue job, recorded as event causation.
		JobID string
	}

	// Result is the control-plane view of a loop invocation.
	Result struct {
		WorkflowID      string
		Status          store.WorkflowStatus
		Steps           []store.PlannerStep
		WaitingQuestion string
		Completion      map[string]any
		ErrorSummary    string
	}

	// StepContext carries one step through the stage pipeline. Stages mutate
	// it in place; Commit persists the accumulated records atomically.
	StepContext struct {
		Request    contract.ObjectiveRequestV1
		Workflow   store.Workflow
		StepIndex  int
		RunID      string
		JobID      string
		Input      contract.PlannerInputV1
		Intent     contract.PlannerIntent
		Decision   policy.Decision
		Risk       policy.Classification
		Effective  contract.PlannerIntent
		Step       *store.PlannerStep
		Approval   *store.ApprovalDecisionRecord
		PolicyRec  *store.PolicyDecisionRecord
		Audits     []store.AuditRecord
		Events     []store.RunEvent
		// Terminal is set when the step decides the workflow's fate.
		Terminal bool
	}

	// Stage is one overridable pipeline step.
	Stage func(ctx context.Context, sc *StepContext) error

	// Stages enumerates the pipeline. Zero fields default to the built-in
	// implementations.
	Stages struct {
		BuildContext     Stage
		Plan             Stage
		ValidateIntent   Stage
		EvaluatePolicy   Stage
		EvaluateApproval Stage
		ExecuteIntent    Stage
		Commit           Stage
	}
)

// DefaultMaxSteps bounds workflows when Options.MaxSteps is unset.
const DefaultMaxSteps = 16

// ErrMaxSteps is recorded as the workflow error summary when the step budget
// is exhausted.
const ErrMaxSteps = "max steps exhausted"

// NewLoop validates deps and constructs a loop.
func NewLoop(deps Deps, opts Options) (*Loop, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if deps.Plan == nil {
		return nil, errors.New("plan function is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("policy engine is required")
	}
	if deps.Execute == nil {
		deps.Execute = deps.Registry.Execute
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	l := &Loop{deps: deps, opts: opts}
	l.stages = Stages{
		BuildContext:     l.buildContext,
		Plan:             l.plan,
		ValidateIntent:   l.validateIntent,
		EvaluatePolicy:   l.evaluatePolicy,
		EvaluateApproval: l.evaluateApproval,
		ExecuteIntent:    l.executeIntent,
		Commit:           l.commit,
	}
	return l, nil
}

// Override replaces the non-nil stages, for tests and custom deployments.
func (l *Loop) Override(stages Stages) {
	if stages.BuildContext != nil {
		l.stages.BuildContext = stages.BuildContext
	}
	if stages.Plan != nil {
		l.stages.Plan = stages.Plan
	}
	if stages.ValidateIntent != nil {
		l.stages.ValidateIntent = stages.ValidateIntent
	}
	if stages.EvaluatePolicy != nil {
		l.stages.EvaluatePolicy = stages.EvaluatePolicy
	}
	if stages.EvaluateApproval != nil {
		l.stages.EvaluateApproval = stages.EvaluateApproval
	}
	if stages.ExecuteIntent != nil {
		l.stages.ExecuteIntent = stages.ExecuteIntent
	}
	if stages.Commit != nil {
		l.stages.Commit = stages.Commit
	}
}

func (sc *StepContext) scope() contract.Scope { return sc.Request.Scope() }

func (sc *StepContext) audit(eventType string, detail map[string]any, signalID string) {
	sc.Audits = append(sc.Audits, store.AuditRecord{
		Scope:               sc.scope(),
		RequestID:           sc.Request.RequestID,
		StepNumber:          sc.StepIndex,
		EventType:           eventType,
		SignalCorrelationID: signalID,
		Detail:              detail,
	})
}

func (sc *StepContext) event(name string, payload map[string]any) {
	sc.Events = append(sc.Events, store.RunEvent{
		EventID:     stream.NewEventID(),
		RunID:       sc.RunID,
		Scope:       sc.scope(),
		Level:       store.EventLevelState,
		Name:        name,
		TraceID:     sc.Request.RequestID,
		CausationID: sc.JobID,
		Payload:     payload,
	})
}

func intentSummary(intent contract.PlannerIntent) string {
	switch intent.Type {
	case contract.IntentToolCall:
		return fmt.Sprintf("tool_call %s", intent.ToolName)
	case contract.IntentAskUser:
		return fmt.Sprintf("ask_user %q", intent.Question)
	case contract.IntentComplete:
		return "complete"
	default:
		return string(intent.Type)
	}
}
