package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
	"github.com/loomworks/loom/runtime/store"
)

func userSignal(req contract.ObjectiveRequestV1, signalID, message string) contract.WorkflowSignalV1 {
	return contract.WorkflowSignalV1{
		SignalID:    signalID,
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		WorkflowID:  req.WorkflowID,
		Type:        contract.SignalUserInput,
		OccurredAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:     map[string]any{"message": message},
	}
}

func approvalSignal(req contract.ObjectiveRequestV1, signalID, approvalID, decision string) contract.WorkflowSignalV1 {
	return contract.WorkflowSignalV1{
		SignalID:    signalID,
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		WorkflowID:  req.WorkflowID,
		Type:        contract.SignalApproval,
		OccurredAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:     map[string]any{"approvalId": approvalID, "decision": decision},
	}
}

func TestResumeWithSignalAnswersQuestion(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-resume")
	h.script.push(contract.PlannerIntent{Type: contract.IntentAskUser, Question: "which channel?"})

	parked, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowWaitingSignal, parked.Status)

	h.script.push(contract.PlannerIntent{Type: contract.IntentComplete})
	result, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req), userSignal(req, "sig-1", "use #oncall"))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, result.Status)
	require.Len(t, result.Steps, 2)

	// The reply is folded into the planner's view of the ask_user step.
	input := h.script.lastInput()
	require.Len(t, input.PriorSteps, 1)
	require.Equal(t, "user replied: use #oncall", input.PriorSteps[0].Summary)

	// The durable signal is acknowledged and the inbox drained.
	signals, err := h.store.ListSignals(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, store.SignalAcknowledged, signals[0].Status)
	pending, err := h.store.ListPendingInboxSignals(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestApprovalGateParksWithoutCommittingStep(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-gate")
	h.script.push(toolCall("wire_transfer"))

	result, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowWaitingSignal, result.Status)
	require.Empty(t, result.Steps)
	require.Equal(t, 0, h.callCount("wire_transfer"))

	wf := h.workflow(t, req)
	require.NotNil(t, wf.PendingApproval)
	require.Equal(t, 0, wf.PendingApproval.StepNumber)
	require.Equal(t, "wire_transfer", wf.PendingApproval.Intent.ToolName)
	require.Equal(t, 0, wf.StepCount)

	approvals, err := h.store.ListApprovalDecisions(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, "pending", approvals[0].Status)
}

func TestApprovedSignalExecutesReservedStep(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-approve")
	h.script.push(toolCall("wire_transfer"))

	_, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)
	gate := h.workflow(t, req).PendingApproval
	require.NotNil(t, gate)

	h.script.push(contract.PlannerIntent{Type: contract.IntentComplete})
	result, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req),
		approvalSignal(req, "sig-approve", gate.ApprovalID, "approved"))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, result.Status)
	require.Equal(t, 1, h.callCount("wire_transfer"))

	// The approved intent committed at the reserved step number.
	require.Len(t, result.Steps, 2)
	require.Equal(t, 0, result.Steps[0].StepNumber)
	require.Equal(t, store.StepToolExecuted, result.Steps[0].Status)
	require.Equal(t, "wire_transfer", result.Steps[0].Intent.ToolName)

	wf := h.workflow(t, req)
	require.Nil(t, wf.PendingApproval)

	approvals, err := h.store.ListApprovalDecisions(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	last := approvals[len(approvals)-1]
	require.Equal(t, "approved", last.Status)
	require.Equal(t, "sig-approve", last.SignalID)
}

func TestRejectedSignalFailsWorkflow(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-reject")
	h.script.push(toolCall("wire_transfer"))

	_, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)
	gate := h.workflow(t, req).PendingApproval
	require.NotNil(t, gate)

	result, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req),
		approvalSignal(req, "sig-reject", gate.ApprovalID, "rejected"))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowFailed, result.Status)
	require.Equal(t, "APPROVAL_REJECTED", result.ErrorSummary)
	require.Len(t, result.Steps, 1)
	require.Equal(t, store.StepFailed, result.Steps[0].Status)
	require.Equal(t, "APPROVAL_REJECTED", result.Steps[0].Error)
	require.Equal(t, 0, h.callCount("wire_transfer"))
}

func TestOrphanApprovalSignalIsConsumed(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-orphan")
	h.script.push(contract.PlannerIntent{Type: contract.IntentAskUser, Question: "proceed?"})

	_, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)

	// An approval signal with no matching gate is discarded, not applied.
	result, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req),
		approvalSignal(req, "sig-orphan", "no-such-approval", "approved"))
	require.NoError(t, err)
	require.Equal(t, store.WorkflowWaitingSignal, result.Status)

	pending, err := h.store.ListPendingInboxSignals(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResumeWithSignalRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-redeliver")
	h.script.push(contract.PlannerIntent{Type: contract.IntentAskUser, Question: "which channel?"})

	_, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)

	sig := userSignal(req, "sig-once", "reply")
	h.script.push(contract.PlannerIntent{Type: contract.IntentComplete})
	first, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req), sig)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, first.Status)

	second, err := h.loop.ResumeWithSignal(context.Background(), runRequest(req), sig)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, second.Status)
	require.Len(t, second.Steps, len(first.Steps))
}

func TestResumeWithProviderCallback(t *testing.T) {
	h := newHarness(t, planner.Options{})
	req := testRequest("wf-callback")
	h.script.push(contract.PlannerIntent{Type: contract.IntentAskUser, Question: "wait for delivery"})

	_, err := h.loop.Run(context.Background(), runRequest(req))
	require.NoError(t, err)

	h.script.push(contract.PlannerIntent{Type: contract.IntentComplete})
	result, err := h.loop.ResumeWithProviderCallback(context.Background(), runRequest(req), contract.ProviderCallbackV1{
		CallbackID:  "cb-1",
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		WorkflowID:  req.WorkflowID,
		Provider:    "slack",
		OccurredAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:     map[string]any{"delivered": true},
	})
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, result.Status)

	signals, err := h.store.ListSignals(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, contract.SignalExternalEvent, signals[0].Type)
	require.Equal(t, "slack", signals[0].Payload["provider"])
}
