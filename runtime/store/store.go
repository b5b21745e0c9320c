// Package store defines the persistence port of the planner runtime: the
// durable entities, the read surface, and the transactional write surface.
// Every entity carries a tenant/workspace scope and no operation crosses that
// boundary unless the caller sets an explicit cross-tenant-read flag.
package store

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/tools"
)

type (
	// WorkflowStatus is the workflow lifecycle state. Terminal states are
	// sinks; waiting_signal may transition back to running on resume.
	WorkflowStatus string

	// StepStatus is the per-step outcome recorded in the event log.
	StepStatus string

	// Workflow is the durable entity aggregating the steps of one objective.
	// Exactly one workflow exists per WorkflowID within a scope.
	Workflow struct {
		WorkflowID string
		Scope      contract.Scope
		ThreadID   string
		RequestID  string
		RunID      string
		Status     WorkflowStatus
		// StepCount mirrors the number of committed planner steps.
		StepCount int
		// WaitingQuestion is set while parked on an ask_user intent.
		WaitingQuestion string
		// Completion is the terminal output for completed workflows.
		Completion map[string]any
		// PendingApproval is set while parked on an approval gate.
		PendingApproval *PendingApproval
		// ErrorSummary describes terminal failures.
		ErrorSummary string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// PendingApproval records an approval gate awaiting its signal.
	PendingApproval struct {
		ApprovalID  string
		RequestID   string
		StepNumber  int
		Intent      contract.PlannerIntent
		RiskClass   string
		ReasonCode  string
		RequestedAt time.Time
		Status      string
	}

	// PlannerStep is one committed trip through the planner loop. Step
	// numbers are gap-free and monotonically increasing per workflow, and a
	// step commits atomically with its policy/approval/audit records.
	PlannerStep struct {
		Scope        contract.Scope
		WorkflowID   string
		StepNumber   int
		IntentType   contract.IntentType
		Status       StepStatus
		PlannerInput contract.PlannerInputV1
		Intent       contract.PlannerIntent
		ToolResult   *tools.Result
		Error        string
		CreatedAt    time.Time
	}

	// SignalStatus tracks acknowledgement of a durable signal record.
	SignalStatus string

	// Signal is the durable record of an external event delivered to a
	// workflow. SignalID is unique per scope; acknowledgement is idempotent.
	Signal struct {
		SignalID   string
		Scope      contract.Scope
		WorkflowID string
		Type       contract.SignalType
		Payload    map[string]any
		OccurredAt time.Time
		Status     SignalStatus
		AckedAt    *time.Time
	}

	// PolicyDecisionRecord attaches a policy decision to a step.
	PolicyDecisionRecord struct {
		Scope      contract.Scope
		WorkflowID string
		RequestID  string
		StepNumber int
		Outcome    string
		PackID     string
		PackVer    string
		Reason     string
		// Original and Rewritten preserve both intents for rewrite outcomes.
		Original   contract.PlannerIntent
		Rewritten  *contract.PlannerIntent
		OccurredAt time.Time
	}

	// ApprovalDecisionRecord attaches an approval resolution to a step, with
	// correlation to the resolving signal where applicable.
	ApprovalDecisionRecord struct {
		Scope      contract.Scope
		WorkflowID string
		RequestID  string
		StepNumber int
		ApprovalID string
		RiskClass  string
		ReasonCode string
		Status     string
		SignalID   string
		OccurredAt time.Time
	}

	// AuditRecord is the append-only trail of policy, approval, and terminal
	// events per request.
	AuditRecord struct {
		AuditID    string
		Scope      contract.Scope
		RequestID  string
		StepNumber int
		EventType  string
		OccurredAt time.Time
		// SignalCorrelationID links audit entries to the signal that caused
		// them, when any.
		SignalCorrelationID string
		Detail              map[string]any
	}

	// JobStatus is the queue job lifecycle state.
	JobStatus string

	// QueueJob is one durable workflow job. Jobs are unique per
	// (tenant, workspace, requestId), which makes enqueue idempotent.
	QueueJob struct {
		JobID           string
		RunID           string
		Scope           contract.Scope
		WorkflowID      string
		RequestID       string
		ThreadID        string
		ObjectivePrompt string
		Status          JobStatus
		AttemptCount    int
		MaxAttempts     int
		AvailableAt     time.Time
		LeaseToken      string
		LeaseExpiresAt  *time.Time
		LastError       string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// RunEvent is one append-only event in a run's log. StreamPosition is
	// per-run monotonically increasing; EventSequence orders events globally.
	// EventID is a time-ordered UUID used for dedup on re-delivery.
	RunEvent struct {
		EventID        string
		RunID          string
		Scope          contract.Scope
		StreamPosition int64
		EventSequence  int64
		// Level is "state" for lifecycle transitions, "log" otherwise.
		Level string
		Name  string
		// TraceID carries the correlating request id; CausationID the job id.
		TraceID     string
		CausationID string
		Payload     map[string]any
		OccurredAt  time.Time
	}

	// InboundMessageReceipt dedups external events. The (provider, team,
	// event) triple is the primary key; a second insert is a no-op.
	InboundMessageReceipt struct {
		Provider       string
		ProviderTeamID string
		EventID        string
		Scope          contract.Scope
		ReceivedAt     time.Time
	}

	// WorkflowMessageThread maps an outbound notification's conversation
	// identity back to the owning workflow.
	WorkflowMessageThread struct {
		Scope          contract.Scope
		ChannelType    string
		ChannelID      string
		ThreadID       string
		ProviderTeamID string
		WorkflowID     string
		RunID          string
		CreatedAt      time.Time
	}

	// InboxStatus tracks consumption of an inbox signal.
	InboxStatus string

	// InboxSignal is a pending signal awaiting a workflow resume. Signals
	// land pending and are drained in occurredAt order when the workflow is
	// re-entered.
	InboxSignal struct {
		SignalID   string
		Scope      contract.Scope
		WorkflowID string
		RunID      string
		Type       contract.SignalType
		Payload    map[string]any
		OccurredAt time.Time
		Status     InboxStatus
		ConsumedAt *time.Time
	}

	// RuntimeSnapshot captures a workflow's replayable state keyed by
	// (tenant, workspace, workflow).
	RuntimeSnapshot struct {
		Scope      contract.Scope
		WorkflowID string
		Status     WorkflowStatus
		StepCount  int
		TakenAt    time.Time
		Payload    map[string]any
	}

	// InternalError wraps persistence and invariant violations. It bubbles to
	// the worker, which records an error event and fails the job with backoff.
	InternalError struct {
		Op  string
		Err error
	}
)

// Workflow statuses.
const (
	WorkflowRunning       WorkflowStatus = "running"
	WorkflowWaitingSignal WorkflowStatus = "waiting_signal"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
)

// Step statuses.
const (
	StepToolExecuted  StepStatus = "tool_executed"
	StepWaitingSignal StepStatus = "waiting_signal"
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
)

// Signal statuses.
const (
	SignalReceived     SignalStatus = "received"
	SignalAcknowledged SignalStatus = "acknowledged"
)

// Queue job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Inbox statuses.
const (
	InboxPending  InboxStatus = "pending"
	InboxConsumed InboxStatus = "consumed"
)

// Audit event types.
const (
	AuditPolicyAllow       = "policy_allow"
	AuditPolicyRewrite     = "policy_rewrite"
	AuditPolicyBlock       = "policy_block"
	AuditApprovalPending   = "approval_pending"
	AuditApprovalApproved  = "approval_approved"
	AuditApprovalRejected  = "approval_rejected"
	AuditTerminalCompleted = "workflow_terminal_completed"
	AuditTerminalFailed    = "workflow_terminal_failed"
)

// Run event levels.
const (
	EventLevelState = "state"
	EventLevelLog   = "log"
)

// Terminal reports whether the status is a sink state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *InternalError) Unwrap() error { return e.Err }

// Internal wraps err as an InternalError for the given operation.
func Internal(op string, err error) *InternalError {
	return &InternalError{Op: op, Err: err}
}
