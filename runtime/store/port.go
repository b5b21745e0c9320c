package store

import (
	"context"
	"time"

	"github.com/loomworks/loom/runtime/contract"
)

type (
	// AuditQuery filters audit reads. Results sort by (occurredAt, stepNumber).
	AuditQuery struct {
		Scope     contract.Scope
		RequestID string
		// CrossTenant permits reads across scopes. Replay tooling only.
		CrossTenant bool
	}

	// ClaimRequest selects queue jobs for a worker. A row qualifies when
	// availableAt <= now and it is either queued or claimed with an expired
	// lease. Claims must be atomic per row so concurrent workers never share
	// a job (the skip-locked property).
	ClaimRequest struct {
		WorkerID string
		Limit    int
		Lease    time.Duration
		// Scope optionally restricts claims to one tenant/workspace.
		Scope *contract.Scope
		Now   time.Time
	}

	// EnqueueJobInput creates or refreshes a queue job. Enqueue upserts on
	// (tenant, workspace, requestId): re-enqueueing an existing lineage
	// resets it to queued and clears any stale lease.
	EnqueueJobInput struct {
		Scope           contract.Scope
		WorkflowID      string
		RequestID       string
		ThreadID        string
		ObjectivePrompt string
		MaxAttempts     int
		AvailableAt     time.Time
	}

	// Reader is the scoped read surface of the persistence port.
	Reader interface {
		GetWorkflow(ctx context.Context, scope contract.Scope, workflowID string) (Workflow, bool, error)
		FindWorkflowByID(ctx context.Context, workflowID string) (Workflow, bool, error)
		ListPlannerSteps(ctx context.Context, scope contract.Scope, workflowID string) ([]PlannerStep, error)
		ListObjectiveRequests(ctx context.Context, scope contract.Scope) ([]contract.ObjectiveRequestV1, error)
		ListSignals(ctx context.Context, scope contract.Scope, workflowID string) ([]Signal, error)
		ListPolicyDecisions(ctx context.Context, scope contract.Scope, workflowID string) ([]PolicyDecisionRecord, error)
		ListApprovalDecisions(ctx context.Context, scope contract.Scope, workflowID string) ([]ApprovalDecisionRecord, error)
		ListAuditRecords(ctx context.Context, query AuditQuery) ([]AuditRecord, error)
		ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error)
		GetQueueJob(ctx context.Context, scope contract.Scope, requestID string) (QueueJob, bool, error)
		ListPendingInboxSignals(ctx context.Context, scope contract.Scope, workflowID string) ([]InboxSignal, error)
		FindMessageThread(ctx context.Context, channelType, channelID, threadID, providerTeamID string) (WorkflowMessageThread, bool, error)
		GetSnapshot(ctx context.Context, scope contract.Scope, workflowID string) (RuntimeSnapshot, bool, error)
	}

	// Tx is the single mutable view presented to a transaction body. All
	// mutations performed through a Tx commit atomically; any error rolls the
	// whole unit back. The atomic unit for a planner step is: append step +
	// update workflow + append audit + append policy/approval decisions +
	// append run events.
	Tx interface {
		Reader

		AppendObjectiveRequest(req contract.ObjectiveRequestV1) error
		PutWorkflow(workflow Workflow) error
		AppendPlannerStep(step PlannerStep) error
		AppendAuditRecord(record AuditRecord) error
		AppendPolicyDecision(record PolicyDecisionRecord) error
		AppendApprovalDecision(record ApprovalDecisionRecord) error
		// AppendRunEvent assigns StreamPosition max+1 for the run under the
		// run's advisory lock. Appends with a duplicate EventID are no-ops.
		AppendRunEvent(event RunEvent) error
		AppendSignal(signal Signal) error
		// AckSignal marks the signal acknowledged; acking twice is a no-op.
		AckSignal(scope contract.Scope, signalID string, at time.Time) error
		// InsertReceipt returns false without side effect when the receipt's
		// primary key already exists.
		InsertReceipt(receipt InboundMessageReceipt) (bool, error)
		PutMessageThread(thread WorkflowMessageThread) error
		// InsertInboxSignal lands a pending signal; duplicate SignalIDs
		// within scope are rejected as no-ops (inserted=false).
		InsertInboxSignal(signal InboxSignal) (bool, error)
		// ConsumeInboxSignal marks the inbox entry consumed. Idempotent.
		ConsumeInboxSignal(scope contract.Scope, signalID string, at time.Time) error
		PutSnapshot(snapshot RuntimeSnapshot) error
	}

	// Store is the persistence port. WithTransaction runs work against a
	// single mutable view with rollback on any exit path; transactions are
	// serializable per workflow (implementations take an advisory lock on the
	// workflow identity). The context passed to work carries the transaction:
	// nested WithTransaction calls made with it flatten into the enclosing
	// unit.
	Store interface {
		Reader

		WithTransaction(ctx context.Context, work func(ctx context.Context, tx Tx) error) error

		// Queue operations sit outside WithTransaction because claims need
		// row-level atomicity with skip-locked semantics.
		EnqueueJob(ctx context.Context, input EnqueueJobInput) (QueueJob, error)
		ClaimJobs(ctx context.Context, req ClaimRequest) ([]QueueJob, error)
		// CompleteJob and FailJob are conditioned on the lease token; a stale
		// token is a no-op because the lease has been reassigned.
		CompleteJob(ctx context.Context, jobID, leaseToken string) error
		FailJob(ctx context.Context, jobID, leaseToken, lastError string, retryAt time.Time) error
	}
)
