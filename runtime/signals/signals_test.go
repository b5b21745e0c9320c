package signals_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/queue"
	"github.com/loomworks/loom/runtime/signals"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/stream"
)

type ingressHarness struct {
	store   *inmem.Store
	emitter *stream.Emitter
	ingress *signals.Ingress
}

func newIngressHarness(t *testing.T) *ingressHarness {
	t.Helper()
	s := inmem.New()
	emitter := stream.NewEmitter(nil, nil)
	ingress, err := signals.NewIngress(s, emitter, nil)
	require.NoError(t, err)
	return &ingressHarness{store: s, emitter: emitter, ingress: ingress}
}

// parkedWorkflow enqueues a request, marks its workflow waiting on a signal,
// and settles the job so the queue is idle.
func (h *ingressHarness) parkedWorkflow(t *testing.T, workflowID string) (contract.ObjectiveRequestV1, store.Workflow) {
	t.Helper()
	ctx := context.Background()
	req := contract.ObjectiveRequestV1{
		RequestID:       "req-" + workflowID,
		TenantID:        "acme",
		WorkspaceID:     "main",
		WorkflowID:      workflowID,
		ThreadID:        "thr-" + workflowID,
		OccurredAt:      time.Now().UTC().Format(time.RFC3339),
		ObjectivePrompt: "notify oncall",
		SchemaVersion:   contract.SchemaVersionV1,
	}
	job, err := queue.Enqueue(ctx, h.store, h.emitter, req, 5)
	require.NoError(t, err)

	wf := store.Workflow{
		Scope:      req.Scope(),
		WorkflowID: workflowID,
		RequestID:  req.RequestID,
		ThreadID:   req.ThreadID,
		RunID:      job.RunID,
		Status:     store.WorkflowWaitingSignal,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutWorkflow(wf)
	}))

	claimed, err := h.store.ClaimJobs(ctx, store.ClaimRequest{WorkerID: "setup", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.store.CompleteJob(ctx, claimed[0].JobID, claimed[0].LeaseToken))
	return req, wf
}

func (h *ingressHarness) registerThread(t *testing.T, req contract.ObjectiveRequestV1, wf store.Workflow) {
	t.Helper()
	require.NoError(t, h.ingress.RegisterMessageThread(context.Background(), store.WorkflowMessageThread{
		Scope:          wf.Scope,
		ChannelType:    "channel",
		ChannelID:      "C123",
		ThreadID:       "1724500000.000100",
		ProviderTeamID: "T1",
		WorkflowID:     wf.WorkflowID,
		RunID:          wf.RunID,
		CreatedAt:      time.Now().UTC(),
	}))
}

func inbound(eventID, text string) signals.InboundMessage {
	return signals.InboundMessage{
		Provider:       "slack",
		ProviderTeamID: "T1",
		EventID:        eventID,
		ChannelType:    "channel",
		ChannelID:      "C123",
		ThreadID:       "1724500000.000100",
		SenderID:       "U42",
		Text:           text,
		OccurredAt:     time.Now().UTC(),
	}
}

func TestIngestInboundMessageLandsSignalAndRequeuesJob(t *testing.T) {
	h := newIngressHarness(t)
	req, wf := h.parkedWorkflow(t, "wf-inbound")
	h.registerThread(t, req, wf)

	result, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev1", "use #oncall"))
	require.NoError(t, err)
	require.True(t, result.Ingested)
	require.Equal(t, wf.WorkflowID, result.WorkflowID)
	require.Equal(t, "slack:Ev1", result.SignalID)

	pending, err := h.store.ListPendingInboxSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, contract.SignalUserInput, pending[0].Type)
	require.Equal(t, "use #oncall", pending[0].Payload["message"])
	require.Equal(t, "U42", pending[0].Payload["senderId"])

	// The owning job is back in the queue so a worker drains the inbox.
	job, ok, err := h.store.GetQueueJob(context.Background(), wf.Scope, req.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.JobQueued, job.Status)

	names := runEventNames(t, h.store, wf.RunID)
	require.Contains(t, names, stream.EventSignalReceived)
}

func TestIngestInboundMessageDedupsRedelivery(t *testing.T) {
	h := newIngressHarness(t)
	req, wf := h.parkedWorkflow(t, "wf-redeliver")
	h.registerThread(t, req, wf)

	first, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev1", "hello"))
	require.NoError(t, err)
	require.True(t, first.Ingested)

	second, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev1", "hello"))
	require.NoError(t, err)
	require.False(t, second.Ingested)
	require.Equal(t, signals.ReasonDuplicateEvent, second.Reason)

	pending, err := h.store.ListPendingInboxSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestIngestInboundMessageWithoutThreadIsDropped(t *testing.T) {
	h := newIngressHarness(t)

	result, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev9", "who dis"))
	require.NoError(t, err)
	require.False(t, result.Ingested)
	require.Equal(t, signals.ReasonNoThread, result.Reason)

	// The receipt still sticks: a later thread registration does not revive
	// an already-seen event.
	retry, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev9", "who dis"))
	require.NoError(t, err)
	require.Equal(t, signals.ReasonDuplicateEvent, retry.Reason)
}

func TestIngestInboundMessageRejectsMissingEventID(t *testing.T) {
	h := newIngressHarness(t)
	msg := inbound("", "text")

	_, err := h.ingress.IngestInboundMessage(context.Background(), msg)
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEnqueueWorkflowSignalRequeuesJob(t *testing.T) {
	h := newIngressHarness(t)
	req, wf := h.parkedWorkflow(t, "wf-signal")

	sig := contract.WorkflowSignalV1{
		SignalID:    "sig-api-1",
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		WorkflowID:  wf.WorkflowID,
		Type:        contract.SignalApproval,
		OccurredAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:     map[string]any{"approvalId": "ap-1", "decision": "approved"},
	}
	require.NoError(t, h.ingress.EnqueueWorkflowSignal(context.Background(), sig))

	pending, err := h.ingress.ListPendingWorkflowSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, contract.SignalApproval, pending[0].Type)

	job, ok, err := h.store.GetQueueJob(context.Background(), wf.Scope, req.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.JobQueued, job.Status)

	// Redelivery of the same signal ID is absorbed.
	require.NoError(t, h.ingress.EnqueueWorkflowSignal(context.Background(), sig))
	pending, err = h.ingress.ListPendingWorkflowSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestEnqueueWorkflowSignalUnknownWorkflow(t *testing.T) {
	h := newIngressHarness(t)

	err := h.ingress.EnqueueWorkflowSignal(context.Background(), contract.WorkflowSignalV1{
		SignalID:    "sig-ghost",
		TenantID:    "acme",
		WorkspaceID: "main",
		WorkflowID:  "missing",
		Type:        contract.SignalUserInput,
		OccurredAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:     map[string]any{"message": "hi"},
	})
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestMarkWorkflowSignalConsumed(t *testing.T) {
	h := newIngressHarness(t)
	req, wf := h.parkedWorkflow(t, "wf-consume")
	h.registerThread(t, req, wf)

	result, err := h.ingress.IngestInboundMessage(context.Background(), inbound("Ev1", "done"))
	require.NoError(t, err)
	require.True(t, result.Ingested)

	require.NoError(t, h.ingress.MarkWorkflowSignalConsumed(context.Background(), wf.Scope, result.SignalID))

	pending, err := h.ingress.ListPendingWorkflowSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := h.store.ListSignals(context.Background(), wf.Scope, wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, store.SignalAcknowledged, all[0].Status)

	// Consuming again is a no-op.
	require.NoError(t, h.ingress.MarkWorkflowSignalConsumed(context.Background(), wf.Scope, result.SignalID))
}

func runEventNames(t *testing.T, s *inmem.Store, runID string) []string {
	t.Helper()
	events, err := s.ListRunEvents(context.Background(), runID)
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}
