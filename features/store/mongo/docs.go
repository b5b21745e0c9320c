package mongo

import (
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/tools"
)

// Document shapes. Scope is flattened into tenant_id/workspace_id on every
// document so the unique indexes and scope filters stay simple. Nested
// contract values ride along with the driver's default struct mapping.

type (
	requestDoc struct {
		TenantID        string `bson:"tenant_id"`
		WorkspaceID     string `bson:"workspace_id"`
		RequestID       string `bson:"request_id"`
		WorkflowID      string `bson:"workflow_id"`
		ThreadID        string `bson:"thread_id,omitempty"`
		OccurredAt      string `bson:"occurred_at"`
		ObjectivePrompt string `bson:"objective_prompt"`
		SchemaVersion   string `bson:"schema_version"`
	}

	pendingApprovalDoc struct {
		ApprovalID  string                 `bson:"approval_id"`
		RequestID   string                 `bson:"request_id"`
		StepNumber  int                    `bson:"step_number"`
		Intent      contract.PlannerIntent `bson:"intent"`
		RiskClass   string                 `bson:"risk_class"`
		ReasonCode  string                 `bson:"reason_code"`
		RequestedAt time.Time              `bson:"requested_at"`
		Status      string                 `bson:"status"`
	}

	workflowDoc struct {
		TenantID        string              `bson:"tenant_id"`
		WorkspaceID     string              `bson:"workspace_id"`
		WorkflowID      string              `bson:"workflow_id"`
		ThreadID        string              `bson:"thread_id,omitempty"`
		RequestID       string              `bson:"request_id"`
		RunID           string              `bson:"run_id"`
		Status          string              `bson:"status"`
		StepCount       int                 `bson:"step_count"`
		WaitingQuestion string              `bson:"waiting_question,omitempty"`
		Completion      map[string]any      `bson:"completion,omitempty"`
		PendingApproval *pendingApprovalDoc `bson:"pending_approval,omitempty"`
		ErrorSummary    string              `bson:"error_summary,omitempty"`
		CreatedAt       time.Time           `bson:"created_at"`
		UpdatedAt       time.Time           `bson:"updated_at"`
	}

	stepDoc struct {
		TenantID     string                  `bson:"tenant_id"`
		WorkspaceID  string                  `bson:"workspace_id"`
		WorkflowID   string                  `bson:"workflow_id"`
		StepNumber   int                     `bson:"step_number"`
		IntentType   string                  `bson:"intent_type"`
		Status       string                  `bson:"status"`
		PlannerInput contract.PlannerInputV1 `bson:"planner_input"`
		Intent       contract.PlannerIntent  `bson:"intent"`
		ToolResult   *tools.Result           `bson:"tool_result,omitempty"`
		Error        string                  `bson:"error,omitempty"`
		CreatedAt    time.Time               `bson:"created_at"`
	}

	signalDoc struct {
		TenantID    string         `bson:"tenant_id"`
		WorkspaceID string         `bson:"workspace_id"`
		SignalID    string         `bson:"signal_id"`
		WorkflowID  string         `bson:"workflow_id"`
		Type        string         `bson:"type"`
		Payload     map[string]any `bson:"payload,omitempty"`
		OccurredAt  time.Time      `bson:"occurred_at"`
		Status      string         `bson:"status"`
		AckedAt     *time.Time     `bson:"acked_at,omitempty"`
	}

	policyDoc struct {
		TenantID    string                  `bson:"tenant_id"`
		WorkspaceID string                  `bson:"workspace_id"`
		WorkflowID  string                  `bson:"workflow_id"`
		RequestID   string                  `bson:"request_id"`
		StepNumber  int                     `bson:"step_number"`
		Outcome     string                  `bson:"outcome"`
		PackID      string                  `bson:"pack_id"`
		PackVer     string                  `bson:"pack_ver"`
		Reason      string                  `bson:"reason,omitempty"`
		Original    contract.PlannerIntent  `bson:"original"`
		Rewritten   *contract.PlannerIntent `bson:"rewritten,omitempty"`
		OccurredAt  time.Time               `bson:"occurred_at"`
	}

	approvalDoc struct {
		TenantID    string    `bson:"tenant_id"`
		WorkspaceID string    `bson:"workspace_id"`
		WorkflowID  string    `bson:"workflow_id"`
		RequestID   string    `bson:"request_id"`
		StepNumber  int       `bson:"step_number"`
		ApprovalID  string    `bson:"approval_id"`
		RiskClass   string    `bson:"risk_class"`
		ReasonCode  string    `bson:"reason_code,omitempty"`
		Status      string    `bson:"status"`
		SignalID    string    `bson:"signal_id,omitempty"`
		OccurredAt  time.Time `bson:"occurred_at"`
	}

	auditDoc struct {
		TenantID    string         `bson:"tenant_id"`
		WorkspaceID string         `bson:"workspace_id"`
		AuditID     string         `bson:"audit_id"`
		RequestID   string         `bson:"request_id"`
		StepNumber  int            `bson:"step_number"`
		EventType   string         `bson:"event_type"`
		OccurredAt  time.Time      `bson:"occurred_at"`
		SignalID    string         `bson:"signal_correlation_id,omitempty"`
		Detail      map[string]any `bson:"detail,omitempty"`
	}

	jobDoc struct {
		TenantID        string     `bson:"tenant_id"`
		WorkspaceID     string     `bson:"workspace_id"`
		JobID           string     `bson:"job_id"`
		RunID           string     `bson:"run_id"`
		WorkflowID      string     `bson:"workflow_id"`
		RequestID       string     `bson:"request_id"`
		ThreadID        string     `bson:"thread_id,omitempty"`
		ObjectivePrompt string     `bson:"objective_prompt,omitempty"`
		Status          string     `bson:"status"`
		AttemptCount    int        `bson:"attempt_count"`
		MaxAttempts     int        `bson:"max_attempts"`
		AvailableAt     time.Time  `bson:"available_at"`
		LeaseToken      string     `bson:"lease_token,omitempty"`
		LeaseExpiresAt  *time.Time `bson:"lease_expires_at,omitempty"`
		LastError       string     `bson:"last_error,omitempty"`
		CreatedAt       time.Time  `bson:"created_at"`
		UpdatedAt       time.Time  `bson:"updated_at"`
	}

	eventDoc struct {
		TenantID       string         `bson:"tenant_id"`
		WorkspaceID    string         `bson:"workspace_id"`
		EventID        string         `bson:"event_id"`
		RunID          string         `bson:"run_id"`
		StreamPosition int64          `bson:"stream_position"`
		EventSequence  int64          `bson:"event_sequence"`
		Level          string         `bson:"level"`
		Name           string         `bson:"name"`
		TraceID        string         `bson:"trace_id,omitempty"`
		CausationID    string         `bson:"causation_id,omitempty"`
		Payload        map[string]any `bson:"payload,omitempty"`
		OccurredAt     time.Time      `bson:"occurred_at"`
	}

	receiptDoc struct {
		Provider       string    `bson:"provider"`
		ProviderTeamID string    `bson:"provider_team_id"`
		EventID        string    `bson:"event_id"`
		TenantID       string    `bson:"tenant_id,omitempty"`
		WorkspaceID    string    `bson:"workspace_id,omitempty"`
		ReceivedAt     time.Time `bson:"received_at"`
	}

	threadDoc struct {
		TenantID       string    `bson:"tenant_id"`
		WorkspaceID    string    `bson:"workspace_id"`
		ChannelType    string    `bson:"channel_type"`
		ChannelID      string    `bson:"channel_id"`
		ThreadID       string    `bson:"thread_id"`
		ProviderTeamID string    `bson:"provider_team_id,omitempty"`
		WorkflowID     string    `bson:"workflow_id"`
		RunID          string    `bson:"run_id"`
		CreatedAt      time.Time `bson:"created_at"`
	}

	inboxDoc struct {
		TenantID    string         `bson:"tenant_id"`
		WorkspaceID string         `bson:"workspace_id"`
		SignalID    string         `bson:"signal_id"`
		WorkflowID  string         `bson:"workflow_id"`
		RunID       string         `bson:"run_id"`
		Type        string         `bson:"type"`
		Payload     map[string]any `bson:"payload,omitempty"`
		OccurredAt  time.Time      `bson:"occurred_at"`
		Status      string         `bson:"status"`
		ConsumedAt  *time.Time     `bson:"consumed_at,omitempty"`
	}

	snapshotDoc struct {
		TenantID    string         `bson:"tenant_id"`
		WorkspaceID string         `bson:"workspace_id"`
		WorkflowID  string         `bson:"workflow_id"`
		Status      string         `bson:"status"`
		StepCount   int            `bson:"step_count"`
		TakenAt     time.Time      `bson:"taken_at"`
		Payload     map[string]any `bson:"payload,omitempty"`
	}

	counterDoc struct {
		CounterID string `bson:"counter_id"`
		Value     int64  `bson:"value"`
	}
)

func fromRequest(req contract.ObjectiveRequestV1) requestDoc {
	return requestDoc{
		TenantID:        req.TenantID,
		WorkspaceID:     req.WorkspaceID,
		RequestID:       req.RequestID,
		WorkflowID:      req.WorkflowID,
		ThreadID:        req.ThreadID,
		OccurredAt:      req.OccurredAt,
		ObjectivePrompt: req.ObjectivePrompt,
		SchemaVersion:   req.SchemaVersion,
	}
}

func (d requestDoc) toRequest() contract.ObjectiveRequestV1 {
	return contract.ObjectiveRequestV1{
		RequestID:       d.RequestID,
		TenantID:        d.TenantID,
		WorkspaceID:     d.WorkspaceID,
		WorkflowID:      d.WorkflowID,
		ThreadID:        d.ThreadID,
		OccurredAt:      d.OccurredAt,
		ObjectivePrompt: d.ObjectivePrompt,
		SchemaVersion:   d.SchemaVersion,
	}
}

func fromWorkflow(w store.Workflow) workflowDoc {
	doc := workflowDoc{
		TenantID:        w.Scope.TenantID,
		WorkspaceID:     w.Scope.WorkspaceID,
		WorkflowID:      w.WorkflowID,
		ThreadID:        w.ThreadID,
		RequestID:       w.RequestID,
		RunID:           w.RunID,
		Status:          string(w.Status),
		StepCount:       w.StepCount,
		WaitingQuestion: w.WaitingQuestion,
		Completion:      w.Completion,
		ErrorSummary:    w.ErrorSummary,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
	if w.PendingApproval != nil {
		doc.PendingApproval = &pendingApprovalDoc{
			ApprovalID:  w.PendingApproval.ApprovalID,
			RequestID:   w.PendingApproval.RequestID,
			StepNumber:  w.PendingApproval.StepNumber,
			Intent:      w.PendingApproval.Intent,
			RiskClass:   w.PendingApproval.RiskClass,
			ReasonCode:  w.PendingApproval.ReasonCode,
			RequestedAt: w.PendingApproval.RequestedAt,
			Status:      w.PendingApproval.Status,
		}
	}
	return doc
}

func (d workflowDoc) toWorkflow() store.Workflow {
	w := store.Workflow{
		WorkflowID:      d.WorkflowID,
		Scope:           contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		ThreadID:        d.ThreadID,
		RequestID:       d.RequestID,
		RunID:           d.RunID,
		Status:          store.WorkflowStatus(d.Status),
		StepCount:       d.StepCount,
		WaitingQuestion: d.WaitingQuestion,
		Completion:      d.Completion,
		ErrorSummary:    d.ErrorSummary,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.PendingApproval != nil {
		w.PendingApproval = &store.PendingApproval{
			ApprovalID:  d.PendingApproval.ApprovalID,
			RequestID:   d.PendingApproval.RequestID,
			StepNumber:  d.PendingApproval.StepNumber,
			Intent:      d.PendingApproval.Intent,
			RiskClass:   d.PendingApproval.RiskClass,
			ReasonCode:  d.PendingApproval.ReasonCode,
			RequestedAt: d.PendingApproval.RequestedAt,
			Status:      d.PendingApproval.Status,
		}
	}
	return w
}

func fromStep(s store.PlannerStep) stepDoc {
	return stepDoc{
		TenantID:     s.Scope.TenantID,
		WorkspaceID:  s.Scope.WorkspaceID,
		WorkflowID:   s.WorkflowID,
		StepNumber:   s.StepNumber,
		IntentType:   string(s.IntentType),
		Status:       string(s.Status),
		PlannerInput: s.PlannerInput,
		Intent:       s.Intent,
		ToolResult:   s.ToolResult,
		Error:        s.Error,
		CreatedAt:    s.CreatedAt,
	}
}

func (d stepDoc) toStep() store.PlannerStep {
	return store.PlannerStep{
		Scope:        contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID:   d.WorkflowID,
		StepNumber:   d.StepNumber,
		IntentType:   contract.IntentType(d.IntentType),
		Status:       store.StepStatus(d.Status),
		PlannerInput: d.PlannerInput,
		Intent:       d.Intent,
		ToolResult:   d.ToolResult,
		Error:        d.Error,
		CreatedAt:    d.CreatedAt,
	}
}

func fromSignal(s store.Signal) signalDoc {
	return signalDoc{
		TenantID:    s.Scope.TenantID,
		WorkspaceID: s.Scope.WorkspaceID,
		SignalID:    s.SignalID,
		WorkflowID:  s.WorkflowID,
		Type:        string(s.Type),
		Payload:     s.Payload,
		OccurredAt:  s.OccurredAt,
		Status:      string(s.Status),
		AckedAt:     s.AckedAt,
	}
}

func (d signalDoc) toSignal() store.Signal {
	return store.Signal{
		SignalID:   d.SignalID,
		Scope:      contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID: d.WorkflowID,
		Type:       contract.SignalType(d.Type),
		Payload:    d.Payload,
		OccurredAt: d.OccurredAt,
		Status:     store.SignalStatus(d.Status),
		AckedAt:    d.AckedAt,
	}
}

func fromPolicy(r store.PolicyDecisionRecord) policyDoc {
	return policyDoc{
		TenantID:    r.Scope.TenantID,
		WorkspaceID: r.Scope.WorkspaceID,
		WorkflowID:  r.WorkflowID,
		RequestID:   r.RequestID,
		StepNumber:  r.StepNumber,
		Outcome:     r.Outcome,
		PackID:      r.PackID,
		PackVer:     r.PackVer,
		Reason:      r.Reason,
		Original:    r.Original,
		Rewritten:   r.Rewritten,
		OccurredAt:  r.OccurredAt,
	}
}

func (d policyDoc) toPolicy() store.PolicyDecisionRecord {
	return store.PolicyDecisionRecord{
		Scope:      contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID: d.WorkflowID,
		RequestID:  d.RequestID,
		StepNumber: d.StepNumber,
		Outcome:    d.Outcome,
		PackID:     d.PackID,
		PackVer:    d.PackVer,
		Reason:     d.Reason,
		Original:   d.Original,
		Rewritten:  d.Rewritten,
		OccurredAt: d.OccurredAt,
	}
}

func fromApproval(r store.ApprovalDecisionRecord) approvalDoc {
	return approvalDoc{
		TenantID:    r.Scope.TenantID,
		WorkspaceID: r.Scope.WorkspaceID,
		WorkflowID:  r.WorkflowID,
		RequestID:   r.RequestID,
		StepNumber:  r.StepNumber,
		ApprovalID:  r.ApprovalID,
		RiskClass:   r.RiskClass,
		ReasonCode:  r.ReasonCode,
		Status:      r.Status,
		SignalID:    r.SignalID,
		OccurredAt:  r.OccurredAt,
	}
}

func (d approvalDoc) toApproval() store.ApprovalDecisionRecord {
	return store.ApprovalDecisionRecord{
		Scope:      contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID: d.WorkflowID,
		RequestID:  d.RequestID,
		StepNumber: d.StepNumber,
		ApprovalID: d.ApprovalID,
		RiskClass:  d.RiskClass,
		ReasonCode: d.ReasonCode,
		Status:     d.Status,
		SignalID:   d.SignalID,
		OccurredAt: d.OccurredAt,
	}
}

func fromAudit(r store.AuditRecord) auditDoc {
	return auditDoc{
		TenantID:    r.Scope.TenantID,
		WorkspaceID: r.Scope.WorkspaceID,
		AuditID:     r.AuditID,
		RequestID:   r.RequestID,
		StepNumber:  r.StepNumber,
		EventType:   r.EventType,
		OccurredAt:  r.OccurredAt,
		SignalID:    r.SignalCorrelationID,
		Detail:      r.Detail,
	}
}

func (d auditDoc) toAudit() store.AuditRecord {
	return store.AuditRecord{
		AuditID:             d.AuditID,
		Scope:               contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		RequestID:           d.RequestID,
		StepNumber:          d.StepNumber,
		EventType:           d.EventType,
		OccurredAt:          d.OccurredAt,
		SignalCorrelationID: d.SignalID,
		Detail:              d.Detail,
	}
}

func (d jobDoc) toJob() store.QueueJob {
	return store.QueueJob{
		JobID:           d.JobID,
		RunID:           d.RunID,
		Scope:           contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID:      d.WorkflowID,
		RequestID:       d.RequestID,
		ThreadID:        d.ThreadID,
		ObjectivePrompt: d.ObjectivePrompt,
		Status:          store.JobStatus(d.Status),
		AttemptCount:    d.AttemptCount,
		MaxAttempts:     d.MaxAttempts,
		AvailableAt:     d.AvailableAt,
		LeaseToken:      d.LeaseToken,
		LeaseExpiresAt:  d.LeaseExpiresAt,
		LastError:       d.LastError,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func fromEvent(e store.RunEvent) eventDoc {
	return eventDoc{
		TenantID:       e.Scope.TenantID,
		WorkspaceID:    e.Scope.WorkspaceID,
		EventID:        e.EventID,
		RunID:          e.RunID,
		StreamPosition: e.StreamPosition,
		EventSequence:  e.EventSequence,
		Level:          e.Level,
		Name:           e.Name,
		TraceID:        e.TraceID,
		CausationID:    e.CausationID,
		Payload:        e.Payload,
		OccurredAt:     e.OccurredAt,
	}
}

func (d eventDoc) toEvent() store.RunEvent {
	return store.RunEvent{
		EventID:        d.EventID,
		RunID:          d.RunID,
		Scope:          contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		StreamPosition: d.StreamPosition,
		EventSequence:  d.EventSequence,
		Level:          d.Level,
		Name:           d.Name,
		TraceID:        d.TraceID,
		CausationID:    d.CausationID,
		Payload:        d.Payload,
		OccurredAt:     d.OccurredAt,
	}
}

func fromThread(t store.WorkflowMessageThread) threadDoc {
	return threadDoc{
		TenantID:       t.Scope.TenantID,
		WorkspaceID:    t.Scope.WorkspaceID,
		ChannelType:    t.ChannelType,
		ChannelID:      t.ChannelID,
		ThreadID:       t.ThreadID,
		ProviderTeamID: t.ProviderTeamID,
		WorkflowID:     t.WorkflowID,
		RunID:          t.RunID,
		CreatedAt:      t.CreatedAt,
	}
}

func (d threadDoc) toThread() store.WorkflowMessageThread {
	return store.WorkflowMessageThread{
		Scope:          contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		ChannelType:    d.ChannelType,
		ChannelID:      d.ChannelID,
		ThreadID:       d.ThreadID,
		ProviderTeamID: d.ProviderTeamID,
		WorkflowID:     d.WorkflowID,
		RunID:          d.RunID,
		CreatedAt:      d.CreatedAt,
	}
}

func fromInbox(s store.InboxSignal) inboxDoc {
	return inboxDoc{
		TenantID:    s.Scope.TenantID,
		WorkspaceID: s.Scope.WorkspaceID,
		SignalID:    s.SignalID,
		WorkflowID:  s.WorkflowID,
		RunID:       s.RunID,
		Type:        string(s.Type),
		Payload:     s.Payload,
		OccurredAt:  s.OccurredAt,
		Status:      string(s.Status),
		ConsumedAt:  s.ConsumedAt,
	}
}

func (d inboxDoc) toInbox() store.InboxSignal {
	return store.InboxSignal{
		SignalID:   d.SignalID,
		Scope:      contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID: d.WorkflowID,
		RunID:      d.RunID,
		Type:       contract.SignalType(d.Type),
		Payload:    d.Payload,
		OccurredAt: d.OccurredAt,
		Status:     store.InboxStatus(d.Status),
		ConsumedAt: d.ConsumedAt,
	}
}

func fromSnapshot(s store.RuntimeSnapshot) snapshotDoc {
	return snapshotDoc{
		TenantID:    s.Scope.TenantID,
		WorkspaceID: s.Scope.WorkspaceID,
		WorkflowID:  s.WorkflowID,
		Status:      string(s.Status),
		StepCount:   s.StepCount,
		TakenAt:     s.TakenAt,
		Payload:     s.Payload,
	}
}

func (d snapshotDoc) toSnapshot() store.RuntimeSnapshot {
	return store.RuntimeSnapshot{
		Scope:      contract.Scope{TenantID: d.TenantID, WorkspaceID: d.WorkspaceID},
		WorkflowID: d.WorkflowID,
		Status:     store.WorkflowStatus(d.Status),
		StepCount:  d.StepCount,
		TakenAt:    d.TakenAt,
		Payload:    d.Payload,
	}
}
