// Package signals ingests external events into parked workflows: inbound
// chat messages, approval decisions, provider callbacks, and timers. Every
// inbound event lands as a durable signal plus a pending inbox entry, then
// the owning job is re-enqueued so a worker drains the inbox.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// InboundMessage is an external chat event before correlation. The
	// (provider, team, event) triple dedups redeliveries; the channel and
	// thread identity resolves the owning workflow.
	InboundMessage struct {
		Provider       string
		ProviderTeamID string
		EventID        string
		ChannelType    string
		ChannelID      string
		ThreadID       string
		SenderID       string
		Text           string
		OccurredAt     time.Time
	}

	// IngestResult reports what an ingestion attempt did.
	IngestResult struct {
		Ingested bool
		// Reason explains a non-ingested outcome: duplicate_event, no_thread,
		// no_workflow, or scope_mismatch.
		Reason     string
		WorkflowID string
		SignalID   string
	}

	// Ingress is the inbound signal path.
	Ingress struct {
		store   store.Store
		emitter *stream.Emitter
		logger  telemetry.Logger
		// maxAttempts is applied when re-enqueueing the owning job.
		maxAttempts int
	}
)

// Non-ingested reasons.
const (
	ReasonDuplicateEvent = "duplicate_event"
	ReasonNoThread       = "no_thread"
	ReasonNoWorkflow     = "no_workflow"
	ReasonScopeMismatch  = "scope_mismatch"
)

// DefaultMaxAttempts is the job attempt budget used on re-enqueue.
const DefaultMaxAttempts = 5

// NewIngress constructs the inbound signal path.
func NewIngress(s store.Store, emitter *stream.Emitter, logger telemetry.Logger) (*Ingress, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Ingress{store: s, emitter: emitter, logger: logger, maxAttempts: DefaultMaxAttempts}, nil
}

// RecordInboundMessageReceipt inserts the receipt for the (provider, team,
// event) triple. Returns false with no side effect when the receipt already
// exists.
func (i *Ingress) RecordInboundMessageReceipt(ctx context.Context, receipt store.InboundMessageReceipt) (bool, error) {
	inserted := false
	err := i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inserted, err = tx.InsertReceipt(receipt)
		return err
	})
	return inserted, err
}

// IngestInboundMessage runs the full inbound pipeline: receipt dedup, thread
// resolution, scope validation, inbox insert, and job re-enqueue. Redelivered
// events and unresolvable threads are dropped with a reason, never an error.
func (i *Ingress) IngestInboundMessage(ctx context.Context, msg InboundMessage) (*IngestResult, error) {
	if msg.Provider == "" || msg.EventID == "" {
		return nil, contract.Validationf("inbound_message", "eventId", "required", "provider and event id are required")
	}
	result := &IngestResult{}
	var thread store.WorkflowMessageThread
	var workflow store.Workflow
	err := i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.InsertReceipt(store.InboundMessageReceipt{
			Provider:       msg.Provider,
			ProviderTeamID: msg.ProviderTeamID,
			EventID:        msg.EventID,
			ReceivedAt:     time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			result.Reason = ReasonDuplicateEvent
			return nil
		}
		var ok bool
		thread, ok, err = tx.FindMessageThread(ctx, msg.ChannelType, msg.ChannelID, msg.ThreadID, msg.ProviderTeamID)
		if err != nil {
			return err
		}
		if !ok {
			result.Reason = ReasonNoThread
			return nil
		}
		if thread.Scope.IsZero() {
			result.Reason = ReasonScopeMismatch
			return nil
		}
		workflow, ok, err = tx.GetWorkflow(ctx, thread.Scope, thread.WorkflowID)
		if err != nil {
			return err
		}
		if !ok {
			result.Reason = ReasonNoWorkflow
			return nil
		}

		signalID := fmt.Sprintf("%s:%s", msg.Provider, msg.EventID)
		occurred := msg.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		payload := map[string]any{
			"message":   msg.Text,
			"senderId":  msg.SenderID,
			"channelId": msg.ChannelID,
			"threadId":  msg.ThreadID,
		}
		if err := tx.AppendSignal(store.Signal{
			SignalID:   signalID,
			Scope:      thread.Scope,
			WorkflowID: thread.WorkflowID,
			Type:       contract.SignalUserInput,
			Payload:    payload,
			OccurredAt: occurred,
			Status:     store.SignalReceived,
		}); err != nil {
			return err
		}
		inserted, err = tx.InsertInboxSignal(store.InboxSignal{
			SignalID:   signalID,
			Scope:      thread.Scope,
			WorkflowID: thread.WorkflowID,
			RunID:      thread.RunID,
			Type:       contract.SignalUserInput,
			Payload:    payload,
			OccurredAt: occurred,
			Status:     store.InboxPending,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result.Reason = ReasonDuplicateEvent
			return nil
		}
		event := stream.NewEvent(thread.RunID, stream.EventSignalReceived, workflow.RequestID, "", map[string]any{
			"signalId":   signalID,
			"signalType": string(contract.SignalUserInput),
			"provider":   msg.Provider,
		})
		event.Scope = thread.Scope
		if err := tx.AppendRunEvent(event); err != nil {
			return err
		}
		result.Ingested = true
		result.WorkflowID = thread.WorkflowID
		result.SignalID = signalID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Ingested {
		i.logger.Debug(ctx, "inbound message dropped",
			"provider", msg.Provider, "event_id", msg.EventID, "reason", result.Reason)
		return result, nil
	}
	if err := i.redispatch(ctx, workflow); err != nil {
		return nil, err
	}
	return result, nil
}

// EnqueueWorkflowSignal lands an already-correlated signal (approval
// decisions, timers, API-originated user input) and re-enqueues the owning
// job.
func (i *Ingress) EnqueueWorkflowSignal(ctx context.Context, sig contract.WorkflowSignalV1) error {
	if err := contract.ValidateSignal(sig); err != nil {
		return err
	}
	occurred, err := contract.ParseTime(sig.OccurredAt)
	if err != nil {
		return err
	}
	scope := contract.Scope{TenantID: sig.TenantID, WorkspaceID: sig.WorkspaceID}
	workflow, ok, err := i.store.GetWorkflow(ctx, scope, sig.WorkflowID)
	if err != nil {
		return err
	}
	if !ok {
		return contract.Validationf("workflow_signal", "workflowId", "exists", "workflow %s not found in scope", sig.WorkflowID)
	}
	inserted := false
	event := stream.NewEvent(workflow.RunID, stream.EventSignalReceived, workflow.RequestID, "", map[string]any{
		"signalId":   sig.SignalID,
		"signalType": string(sig.Type),
	})
	event.Scope = scope
	err = i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendSignal(store.Signal{
			SignalID:   sig.SignalID,
			Scope:      scope,
			WorkflowID: sig.WorkflowID,
			Type:       sig.Type,
			Payload:    sig.Payload,
			OccurredAt: occurred,
			Status:     store.SignalReceived,
		}); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertInboxSignal(store.InboxSignal{
			SignalID:   sig.SignalID,
			Scope:      scope,
			WorkflowID: sig.WorkflowID,
			RunID:      workflow.RunID,
			Type:       sig.Type,
			Payload:    sig.Payload,
			OccurredAt: occurred,
			Status:     store.InboxPending,
		})
		if err != nil || !inserted {
			return err
		}
		return tx.AppendRunEvent(event)
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	i.emitter.Forward(ctx, event)
	return i.redispatch(ctx, workflow)
}

// ListPendingWorkflowSignals returns the workflow's pending inbox in
// occurredAt order.
func (i *Ingress) ListPendingWorkflowSignals(ctx context.Context, scope contract.Scope, workflowID string) ([]store.InboxSignal, error) {
	return i.store.ListPendingInboxSignals(ctx, scope, workflowID)
}

// MarkWorkflowSignalConsumed acknowledges the signal and marks its inbox
// entry consumed. Idempotent.
func (i *Ingress) MarkWorkflowSignalConsumed(ctx context.Context, scope contract.Scope, signalID string) error {
	return i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.ConsumeInboxSignal(scope, signalID, now); err != nil {
			return err
		}
		return tx.AckSignal(scope, signalID, now)
	})
}

// RegisterMessageThread maps an outbound notification's conversation identity
// to its workflow so later replies resolve back.
func (i *Ingress) RegisterMessageThread(ctx context.Context, thread store.WorkflowMessageThread) error {
	if thread.WorkflowID == "" || thread.ChannelID == "" {
		return contract.Validationf("message_thread", "workflowId", "required", "workflow and channel ids are required")
	}
	return i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutMessageThread(thread)
	})
}

// redispatch re-enqueues the workflow's job so a worker picks the signal up.
// The enqueue upsert resets the existing lineage to queued.
func (i *Ingress) redispatch(ctx context.Context, workflow store.Workflow) error {
	job, ok, err := i.store.GetQueueJob(ctx, workflow.Scope, workflow.RequestID)
	if err != nil {
		return err
	}
	prompt := ""
	maxAttempts := i.maxAttempts
	if ok {
		prompt = job.ObjectivePrompt
		maxAttempts = job.MaxAttempts
	}
	_, err = i.store.EnqueueJob(ctx, store.EnqueueJobInput{
		Scope:           workflow.Scope,
		WorkflowID:      workflow.WorkflowID,
		RequestID:       workflow.RequestID,
		ThreadID:        workflow.ThreadID,
		ObjectivePrompt: prompt,
		MaxAttempts:     maxAttempts,
		AvailableAt:     time.Now().UTC(),
	})
	return err
}
