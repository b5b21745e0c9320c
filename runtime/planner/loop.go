package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/tools"
)

// Run drives the workflow for the request until it parks or terminates. The
// call is re-entrant: invoked against an existing workflow it resumes where
// the last commit left off, draining any pending signals first. Terminal
// workflows are returned as-is.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := contract.ValidateObjectiveRequest(req.Request); err != nil {
		return nil, err
	}

	workflow, err := l.ensureWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	if workflow.Status.Terminal() {
		return l.result(ctx, workflow)
	}
	if workflow.Status == store.WorkflowWaitingSignal {
		workflow, err = l.drainSignals(ctx, req, workflow)
		if err != nil {
			return nil, err
		}
	}

	for workflow.Status == store.WorkflowRunning {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if workflow.StepCount >= l.opts.MaxSteps {
			workflow, err = l.failWorkflow(ctx, req, workflow, ErrMaxSteps)
			if err != nil {
				return nil, err
			}
			break
		}
		workflow, err = l.step(ctx, req, workflow)
		if err != nil {
			return nil, err
		}
	}

	return l.result(ctx, workflow)
}

// ensureWorkflow commits the request envelope and creates the workflow record
// on first contact. Requests are immutable once committed.
func (l *Loop) ensureWorkflow(ctx context.Context, req RunRequest) (store.Workflow, error) {
	var workflow store.Workflow
	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendObjectiveRequest(req.Request); err != nil {
			return err
		}
		existing, ok, err := tx.GetWorkflow(ctx, req.Request.Scope(), req.Request.WorkflowID)
		if err != nil {
			return err
		}
		if ok {
			workflow = existing
			return nil
		}
		workflow = store.Workflow{
			WorkflowID: req.Request.WorkflowID,
			Scope:      req.Request.Scope(),
			ThreadID:   req.Request.ThreadID,
			RequestID:  req.Request.RequestID,
			RunID:      req.RunID,
			Status:     store.WorkflowRunning,
		}
		return tx.PutWorkflow(workflow)
	})
	if err != nil {
		return store.Workflow{}, err
	}
	return workflow, nil
}

// step runs the stage pipeline once and returns the committed workflow.
func (l *Loop) step(ctx context.Context, req RunRequest, workflow store.Workflow) (store.Workflow, error) {
	started := time.Now()
	sc := &StepContext{
		Request:   req.Request,
		Workflow:  workflow,
		StepIndex: workflow.StepCount,
		RunID:     req.RunID,
		JobID:     req.JobID,
	}
	stages := []struct {
		name string
		run  Stage
	}{
		{"build_context", l.stages.BuildContext},
		{"plan", l.stages.Plan},
		{"validate_intent", l.stages.ValidateIntent},
		{"evaluate_policy", l.stages.EvaluatePolicy},
		{"evaluate_approval", l.stages.EvaluateApproval},
		{"execute_intent", l.stages.ExecuteIntent},
	}
	for _, stage := range stages {
		if err := stage.run(ctx, sc); err != nil {
			return store.Workflow{}, fmt.Errorf("stage %s: %w", stage.name, err)
		}
		if sc.Terminal {
			break
		}
	}
	if err := l.stages.Commit(ctx, sc); err != nil {
		return store.Workflow{}, err
	}
	l.deps.Metrics.RecordTimer(telemetry.MetricStepLatency, time.Since(started),
		"intent", string(sc.Intent.Type))
	return sc.Workflow, nil
}

// --- stages ---

// buildContext composes the planner input from the request, prior steps,
// policy constraints, and the tools authorized for the scope.
func (l *Loop) buildContext(ctx context.Context, sc *StepContext) error {
	scope := sc.scope()
	steps, err := l.deps.Store.ListPlannerSteps(ctx, scope, sc.Workflow.WorkflowID)
	if err != nil {
		return err
	}
	signals, err := l.deps.Store.ListSignals(ctx, scope, sc.Workflow.WorkflowID)
	if err != nil {
		return err
	}
	memory := ""
	if l.deps.Memory != nil {
		memory, err = l.deps.Memory(ctx, scope, sc.Workflow.WorkflowID)
		if err != nil {
			return err
		}
	}
	sc.Input = contract.PlannerInputV1{
		ObjectivePrompt:   sc.Request.ObjectivePrompt,
		MemoryContext:     memory,
		PriorSteps:        summarizeSteps(steps, signals),
		PolicyConstraints: l.deps.PolicyConstraints,
		AvailableTools:    l.deps.Registry.Names(scope),
		StepIndex:         sc.StepIndex,
		Scope:             scope,
	}
	return nil
}

// plan calls the external planning function.
func (l *Loop) plan(ctx context.Context, sc *StepContext) error {
	intent, err := l.deps.Plan(ctx, sc.Input)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	sc.Intent = intent
	sc.Effective = intent
	return nil
}

// validateIntent rejects malformed intents. A validation failure is not a
// loop error: the step and workflow fail, and the failure is counted.
func (l *Loop) validateIntent(ctx context.Context, sc *StepContext) error {
	if err := contract.ValidateIntent(sc.Intent); err != nil {
		l.deps.Metrics.IncCounter(telemetry.MetricPlannerValidationFailure, 1)
		l.deps.Logger.Warn(ctx, "planner intent rejected",
			"workflow_id", sc.Workflow.WorkflowID, "step", sc.StepIndex, "err", err.Error())
		l.failStep(sc, err.Error())
		return nil
	}
	return nil
}

// evaluatePolicy applies the policy pack. Allow and rewrite proceed (rewrite
// substitutes the intent, with both recorded); block fails the step.
func (l *Loop) evaluatePolicy(ctx context.Context, sc *StepContext) error {
	decision, err := l.deps.Policy.Evaluate(ctx, policy.Input{
		Request:      sc.Request,
		StepIndex:    sc.StepIndex,
		Intent:       sc.Intent,
		PlannerInput: sc.Input,
		Pack:         l.deps.PolicyPack,
	})
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	sc.Decision = decision
	sc.Effective = decision.Effective(sc.Intent)
	sc.PolicyRec = &store.PolicyDecisionRecord{
		Scope:      sc.scope(),
		WorkflowID: sc.Workflow.WorkflowID,
		RequestID:  sc.Request.RequestID,
		StepNumber: sc.StepIndex,
		Outcome:    string(decision.Outcome),
		PackID:     decision.Pack.ID,
		PackVer:    decision.Pack.Version,
		Reason:     decision.Reason,
		Original:   sc.Intent,
		Rewritten:  decision.Rewritten,
	}
	l.deps.Metrics.IncCounter(telemetry.MetricPolicyDecision, 1, "outcome", string(decision.Outcome))

	switch decision.Outcome {
	case policy.OutcomeAllow:
		sc.audit(store.AuditPolicyAllow, map[string]any{"intent": intentSummary(sc.Intent)}, "")
	case policy.OutcomeRewrite:
		sc.audit(store.AuditPolicyRewrite, map[string]any{
			"original":  intentSummary(sc.Intent),
			"rewritten": intentSummary(sc.Effective),
		}, "")
	case policy.OutcomeBlock:
		sc.audit(store.AuditPolicyBlock, map[string]any{
			"intent": intentSummary(sc.Intent),
			"reason": decision.Reason,
			"pack":   decision.Pack.ID + "@" + decision.Pack.Version,
		}, "")
		blocked := &policy.BlockedError{PolicyID: decision.Pack.ID, Reason: decision.Reason}
		l.failStep(sc, blocked.Error())
		if l.opts.ContinueAfterBlock {
			// The step fails but the workflow keeps planning.
			sc.Workflow.Status = store.WorkflowRunning
			sc.Workflow.ErrorSummary = ""
			sc.Audits = trimTerminalAudit(sc.Audits)
		}
	}
	return nil
}

// evaluateApproval classifies risk and, when approval is required, parks the
// workflow with a pending approval instead of committing a step. The step
// number is reserved: the approved intent executes later under the same
// number and therefore the same idempotency key.
func (l *Loop) evaluateApproval(ctx context.Context, sc *StepContext) error {
	if l.deps.Approvals == nil || sc.Effective.Type != contract.IntentToolCall {
		return nil
	}
	risk, err := l.deps.Approvals.Classify(ctx, policy.Input{
		Request:      sc.Request,
		StepIndex:    sc.StepIndex,
		Intent:       sc.Intent,
		PlannerInput: sc.Input,
		Pack:         l.deps.PolicyPack,
	}, sc.Decision)
	if err != nil {
		return fmt.Errorf("approval classify: %w", err)
	}
	sc.Risk = risk
	if !risk.RequiresApproval {
		return nil
	}
	approvalID := stream.NewEventID()
	pending := &store.PendingApproval{
		ApprovalID:  approvalID,
		RequestID:   sc.Request.RequestID,
		StepNumber:  sc.StepIndex,
		Intent:      sc.Effective,
		RiskClass:   risk.RiskClass,
		ReasonCode:  risk.ReasonCode,
		RequestedAt: time.Now().UTC(),
		Status:      "pending",
	}
	sc.Workflow.Status = store.WorkflowWaitingSignal
	sc.Workflow.PendingApproval = pending
	sc.Approval = &store.ApprovalDecisionRecord{
		Scope:      sc.scope(),
		WorkflowID: sc.Workflow.WorkflowID,
		RequestID:  sc.Request.RequestID,
		StepNumber: sc.StepIndex,
		ApprovalID: approvalID,
		RiskClass:  risk.RiskClass,
		ReasonCode: risk.ReasonCode,
		Status:     "pending",
	}
	sc.audit(store.AuditApprovalPending, map[string]any{
		"approvalId": approvalID,
		"riskClass":  risk.RiskClass,
		"reason":     risk.ReasonCode,
	}, "")
	sc.Terminal = true
	return nil
}

// executeIntent dispatches the effective intent.
func (l *Loop) executeIntent(ctx context.Context, sc *StepContext) error {
	switch sc.Effective.Type {
	case contract.IntentToolCall:
		l.executeTool(ctx, sc)
	case contract.IntentAskUser:
		sc.Step = &store.PlannerStep{
			Scope:        sc.scope(),
			WorkflowID:   sc.Workflow.WorkflowID,
			StepNumber:   sc.StepIndex,
			IntentType:   contract.IntentAskUser,
			Status:       store.StepWaitingSignal,
			PlannerInput: sc.Input,
			Intent:       sc.Effective,
		}
		sc.Workflow.Status = store.WorkflowWaitingSignal
		sc.Workflow.WaitingQuestion = sc.Effective.Question
		sc.Workflow.StepCount = sc.StepIndex + 1
		sc.Terminal = true
	case contract.IntentComplete:
		sc.Step = &store.PlannerStep{
			Scope:        sc.scope(),
			WorkflowID:   sc.Workflow.WorkflowID,
			StepNumber:   sc.StepIndex,
			IntentType:   contract.IntentComplete,
			Status:       store.StepCompleted,
			PlannerInput: sc.Input,
			Intent:       sc.Effective,
		}
		sc.Workflow.Status = store.WorkflowCompleted
		sc.Workflow.Completion = sc.Effective.Output
		sc.Workflow.StepCount = sc.StepIndex + 1
		sc.audit(store.AuditTerminalCompleted, nil, "")
		l.deps.Metrics.IncCounter(telemetry.MetricWorkflowTerminal, 1, "status", "completed")
		sc.Terminal = true
	}
	return nil
}

func (l *Loop) executeTool(ctx context.Context, sc *StepContext) {
	call := tools.Call{
		Scope:      sc.scope(),
		RequestID:  sc.Request.RequestID,
		StepNumber: sc.StepIndex,
		ToolName:   sc.Effective.ToolName,
		Args:       sc.Effective.Args,
	}
	result, err := l.deps.Execute(ctx, call)
	step := store.PlannerStep{
		Scope:        sc.scope(),
		WorkflowID:   sc.Workflow.WorkflowID,
		StepNumber:   sc.StepIndex,
		IntentType:   contract.IntentToolCall,
		Status:       store.StepToolExecuted,
		PlannerInput: sc.Input,
		Intent:       sc.Effective,
	}
	switch {
	case err != nil:
		l.deps.Logger.Warn(ctx, "tool execution failed",
			"workflow_id", sc.Workflow.WorkflowID, "tool", call.ToolName, "err", err.Error())
		l.failStep(sc, err.Error())
		return
	case result.Status == tools.ResultError:
		execErr := result.AsExecutionError(call.ToolName)
		l.failStep(sc, execErr.Error())
		return
	}
	step.ToolResult = &result
	sc.Step = &step
	sc.Workflow.StepCount = sc.StepIndex + 1
	// Workflow stays running; the planner decides the next intent.
}

// failStep records a failed step and fails the workflow; the terminal status
// is the single observable effect of non-recoverable errors.
func (l *Loop) failStep(sc *StepContext, summary string) {
	sc.Step = &store.PlannerStep{
		Scope:        sc.scope(),
		WorkflowID:   sc.Workflow.WorkflowID,
		StepNumber:   sc.StepIndex,
		IntentType:   sc.Intent.Type,
		Status:       store.StepFailed,
		PlannerInput: sc.Input,
		Intent:       sc.Intent,
		Error:        summary,
	}
	sc.Workflow.Status = store.WorkflowFailed
	sc.Workflow.ErrorSummary = summary
	sc.Workflow.StepCount = sc.StepIndex + 1
	sc.audit(store.AuditTerminalFailed, map[string]any{"error": summary}, "")
	l.deps.Metrics.IncCounter(telemetry.MetricWorkflowTerminal, 1, "status", "failed")
	sc.Terminal = true
}

// commit persists the step atomically with its workflow update and all
// decision, audit, and run event records.
func (l *Loop) commit(ctx context.Context, sc *StepContext) error {
	sc.event(stream.EventStepCommitted, map[string]any{
		"step":   sc.StepIndex,
		"intent": string(sc.Intent.Type),
		"status": string(sc.Workflow.Status),
	})
	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if sc.Step != nil {
			if err := tx.AppendPlannerStep(*sc.Step); err != nil {
				return err
			}
		}
		if err := tx.PutWorkflow(sc.Workflow); err != nil {
			return err
		}
		if sc.PolicyRec != nil {
			if err := tx.AppendPolicyDecision(*sc.PolicyRec); err != nil {
				return err
			}
		}
		if sc.Approval != nil {
			if err := tx.AppendApprovalDecision(*sc.Approval); err != nil {
				return err
			}
		}
		for _, record := range sc.Audits {
			if err := tx.AppendAuditRecord(record); err != nil {
				return err
			}
		}
		for _, event := range sc.Events {
			if err := tx.AppendRunEvent(event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Internal("commit_step", err)
	}
	for _, event := range sc.Events {
		l.deps.Emitter.Forward(ctx, event)
	}
	return nil
}

// failWorkflow terminates the workflow outside the step pipeline (step budget
// exhaustion).
func (l *Loop) failWorkflow(ctx context.Context, req RunRequest, workflow store.Workflow, summary string) (store.Workflow, error) {
	workflow.Status = store.WorkflowFailed
	workflow.ErrorSummary = summary
	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutWorkflow(workflow); err != nil {
			return err
		}
		return tx.AppendAuditRecord(store.AuditRecord{
			Scope:      workflow.Scope,
			RequestID:  req.Request.RequestID,
			StepNumber: workflow.StepCount,
			EventType:  store.AuditTerminalFailed,
			Detail:     map[string]any{"error": summary},
		})
	})
	if err != nil {
		return store.Workflow{}, err
	}
	l.deps.Metrics.IncCounter(telemetry.MetricWorkflowTerminal, 1, "status", "failed")
	return workflow, nil
}

func (l *Loop) result(ctx context.Context, workflow store.Workflow) (*Result, error) {
	steps, err := l.deps.Store.ListPlannerSteps(ctx, workflow.Scope, workflow.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &Result{
		WorkflowID:      workflow.WorkflowID,
		Status:          workflow.Status,
		Steps:           steps,
		WaitingQuestion: workflow.WaitingQuestion,
		Completion:      workflow.Completion,
		ErrorSummary:    workflow.ErrorSummary,
	}, nil
}

// summarizeSteps builds the prior-step view, folding acknowledged user
// replies into the ask_user steps they answered.
func summarizeSteps(steps []store.PlannerStep, signals []store.Signal) []contract.StepSummary {
	if len(steps) == 0 {
		return nil
	}
	replies := make([]string, 0, len(signals))
	for _, sig := range signals {
		if sig.Type == contract.SignalUserInput && sig.Status == store.SignalAcknowledged {
			if msg, ok := sig.Payload["message"].(string); ok {
				replies = append(replies, msg)
			}
		}
	}
	out := make([]contract.StepSummary, len(steps))
	replyIdx := 0
	for i, step := range steps {
		summary := contract.StepSummary{
			StepNumber: step.StepNumber,
			IntentType: step.IntentType,
			Status:     string(step.Status),
		}
		switch step.IntentType {
		case contract.IntentToolCall:
			summary.ToolName = step.Intent.ToolName
			if step.ToolResult != nil {
				summary.Summary = fmt.Sprintf("tool %s returned %s", step.Intent.ToolName, step.ToolResult.Status)
			} else if step.Error != "" {
				summary.Summary = step.Error
			}
		case contract.IntentAskUser:
			summary.Question = step.Intent.Question
			if replyIdx < len(replies) {
				summary.Summary = fmt.Sprintf("user replied: %s", replies[replyIdx])
				replyIdx++
			}
		case contract.IntentComplete:
			summary.Summary = "completed"
		}
		out[i] = summary
	}
	return out
}

// trimTerminalAudit removes the terminal-failure audit appended by failStep
// when a blocked step does not terminate the workflow.
func trimTerminalAudit(audits []store.AuditRecord) []store.AuditRecord {
	for i := len(audits) - 1; i >= 0; i-- {
		if audits[i].EventType == store.AuditTerminalFailed {
			return append(audits[:i], audits[i+1:]...)
		}
	}
	return audits
}
