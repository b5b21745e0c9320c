package planner

import (
	"context"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/tools"
)

// drainSignals consumes pending inbox signals in occurredAt order for a
// workflow parked in waiting_signal. User input, external events, and timers
// wake the workflow; approval signals resolve the pending approval gate. Each
// signal consumes in its own transaction so a crash mid-drain loses nothing.
func (l *Loop) drainSignals(ctx context.Context, req RunRequest, workflow store.Workflow) (store.Workflow, error) {
	pending, err := l.deps.Store.ListPendingInboxSignals(ctx, workflow.Scope, workflow.WorkflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	for _, sig := range pending {
		switch sig.Type {
		case contract.SignalApproval:
			workflow, err = l.resolveApproval(ctx, req, workflow, sig)
		default:
			workflow, err = l.wake(ctx, req, workflow, sig)
		}
		if err != nil {
			return store.Workflow{}, err
		}
		if workflow.Status.Terminal() {
			break
		}
	}
	return workflow, nil
}

// wake consumes a non-approval signal and puts the workflow back in running.
// The acknowledged signal stays in the durable log, where buildContext folds
// user replies into the planner's prior-step view.
func (l *Loop) wake(ctx context.Context, req RunRequest, workflow store.Workflow, sig store.InboxSignal) (store.Workflow, error) {
	if workflow.PendingApproval != nil {
		// An approval gate only resolves on its approval signal. Other
		// signal types stay pending until the gate clears.
		return workflow, nil
	}
	workflow.Status = store.WorkflowRunning
	workflow.WaitingQuestion = ""
	event := l.signalEvent(req, stream.EventSignalConsumed, sig)
	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.ConsumeInboxSignal(workflow.Scope, sig.SignalID, now); err != nil {
			return err
		}
		if err := tx.AckSignal(workflow.Scope, sig.SignalID, now); err != nil {
			return err
		}
		if err := tx.PutWorkflow(workflow); err != nil {
			return err
		}
		return tx.AppendRunEvent(event)
	})
	if err != nil {
		return store.Workflow{}, err
	}
	l.deps.Emitter.Forward(ctx, event)
	return workflow, nil
}

// resolveApproval resolves the pending approval gate. Approved signals execute
// the parked intent at its reserved step number, which keeps the idempotency
// key identical to the one a direct execution would have produced. Rejected
// signals commit the step as failed with APPROVAL_REJECTED.
func (l *Loop) resolveApproval(ctx context.Context, req RunRequest, workflow store.Workflow, sig store.InboxSignal) (store.Workflow, error) {
	gate := workflow.PendingApproval
	approvalID, _ := sig.Payload["approvalId"].(string)
	if gate == nil || gate.ApprovalID != approvalID {
		l.deps.Logger.Warn(ctx, "approval signal without matching gate",
			"workflow_id", workflow.WorkflowID, "signal_id", sig.SignalID, "approval_id", approvalID)
		return l.consumeOrphan(ctx, workflow, sig)
	}
	decision, _ := sig.Payload["decision"].(string)
	approved := decision == "approved"

	step := store.PlannerStep{
		Scope:      workflow.Scope,
		WorkflowID: workflow.WorkflowID,
		StepNumber: gate.StepNumber,
		IntentType: gate.Intent.Type,
		Intent:     gate.Intent,
	}
	auditType := store.AuditApprovalRejected
	approvalStatus := "rejected"
	if approved {
		auditType = store.AuditApprovalApproved
		approvalStatus = "approved"
		result, err := l.deps.Execute(ctx, tools.Call{
			Scope:      workflow.Scope,
			RequestID:  gate.RequestID,
			StepNumber: gate.StepNumber,
			ToolName:   gate.Intent.ToolName,
			Args:       gate.Intent.Args,
		})
		switch {
		case err != nil:
			step.Status = store.StepFailed
			step.Error = err.Error()
			workflow.Status = store.WorkflowFailed
			workflow.ErrorSummary = err.Error()
		case result.Status == tools.ResultError:
			execErr := result.AsExecutionError(gate.Intent.ToolName)
			step.Status = store.StepFailed
			step.Error = execErr.Error()
			workflow.Status = store.WorkflowFailed
			workflow.ErrorSummary = execErr.Error()
		default:
			step.Status = store.StepToolExecuted
			step.ToolResult = &result
			workflow.Status = store.WorkflowRunning
		}
	} else {
		step.Status = store.StepFailed
		step.Error = "APPROVAL_REJECTED"
		workflow.Status = store.WorkflowFailed
		workflow.ErrorSummary = "APPROVAL_REJECTED"
	}
	workflow.PendingApproval = nil
	workflow.StepCount = gate.StepNumber + 1

	approval := store.ApprovalDecisionRecord{
		Scope:      workflow.Scope,
		WorkflowID: workflow.WorkflowID,
		RequestID:  gate.RequestID,
		StepNumber: gate.StepNumber,
		ApprovalID: gate.ApprovalID,
		RiskClass:  gate.RiskClass,
		ReasonCode: gate.ReasonCode,
		Status:     approvalStatus,
		SignalID:   sig.SignalID,
	}
	audit := store.AuditRecord{
		Scope:               workflow.Scope,
		RequestID:           gate.RequestID,
		StepNumber:          gate.StepNumber,
		EventType:           auditType,
		SignalCorrelationID: sig.SignalID,
		Detail: map[string]any{
			"approvalId": gate.ApprovalID,
			"decision":   decision,
		},
	}
	events := []store.RunEvent{
		l.signalEvent(req, stream.EventSignalConsumed, sig),
		stream.NewEvent(req.RunID, stream.EventStepCommitted, gate.RequestID, req.JobID, map[string]any{
			"step":   gate.StepNumber,
			"intent": string(gate.Intent.Type),
			"status": string(workflow.Status),
		}),
	}
	for i := range events {
		events[i].Scope = workflow.Scope
	}

	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.ConsumeInboxSignal(workflow.Scope, sig.SignalID, now); err != nil {
			return err
		}
		if err := tx.AckSignal(workflow.Scope, sig.SignalID, now); err != nil {
			return err
		}
		if err := tx.AppendPlannerStep(step); err != nil {
			return err
		}
		if err := tx.PutWorkflow(workflow); err != nil {
			return err
		}
		if err := tx.AppendApprovalDecision(approval); err != nil {
			return err
		}
		if err := tx.AppendAuditRecord(audit); err != nil {
			return err
		}
		for _, event := range events {
			if err := tx.AppendRunEvent(event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Workflow{}, store.Internal("resolve_approval", err)
	}
	for _, event := range events {
		l.deps.Emitter.Forward(ctx, event)
	}
	if workflow.Status == store.WorkflowFailed {
		l.deps.Metrics.IncCounter(telemetry.MetricWorkflowTerminal, 1, "status", "failed")
	}
	return workflow, nil
}

// consumeOrphan discards an approval signal that matches no gate so it cannot
// block the drain forever.
func (l *Loop) consumeOrphan(ctx context.Context, workflow store.Workflow, sig store.InboxSignal) (store.Workflow, error) {
	err := l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.ConsumeInboxSignal(workflow.Scope, sig.SignalID, now); err != nil {
			return err
		}
		return tx.AckSignal(workflow.Scope, sig.SignalID, now)
	})
	if err != nil {
		return store.Workflow{}, err
	}
	return workflow, nil
}

func (l *Loop) signalEvent(req RunRequest, name string, sig store.InboxSignal) store.RunEvent {
	event := stream.NewEvent(req.RunID, name, req.Request.RequestID, req.JobID, map[string]any{
		"signalId":   sig.SignalID,
		"signalType": string(sig.Type),
	})
	event.Scope = sig.Scope
	return event
}
