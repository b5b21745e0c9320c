package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/queue"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/stream"
)

func TestBackoffExponentialDoublesUpToMax(t *testing.T) {
	b := queue.Backoff{Kind: queue.BackoffExponential, Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 4*time.Second, b.Delay(3))
	require.Equal(t, 8*time.Second, b.Delay(4))
	require.Equal(t, 10*time.Second, b.Delay(5))
	require.Equal(t, 10*time.Second, b.Delay(20))
}

func TestBackoffFixedIgnoresAttempt(t *testing.T) {
	b := queue.Backoff{Kind: queue.BackoffFixed, Base: 3 * time.Second}
	require.Equal(t, 3*time.Second, b.Delay(1))
	require.Equal(t, 3*time.Second, b.Delay(7))
}

func TestBackoffDefaults(t *testing.T) {
	var b queue.Backoff
	require.Equal(t, queue.DefaultBackoffBase, b.Delay(1))
	require.Equal(t, queue.DefaultBackoffMax, b.Delay(100))
}

func enqueueRequest(workflowID string) contract.ObjectiveRequestV1 {
	return contract.ObjectiveRequestV1{
		RequestID:       "req-" + workflowID,
		TenantID:        "acme",
		WorkspaceID:     "main",
		WorkflowID:      workflowID,
		ThreadID:        "thr-" + workflowID,
		OccurredAt:      time.Now().UTC().Format(time.RFC3339),
		ObjectivePrompt: "do the thing",
		SchemaVersion:   contract.SchemaVersionV1,
	}
}

func TestEnqueueCreatesJobAndRunEvent(t *testing.T) {
	s := inmem.New()
	emitter := stream.NewEmitter(nil, nil)
	req := enqueueRequest("wf-enq")

	job, err := queue.Enqueue(context.Background(), s, emitter, req, 5)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, job.Status)
	require.Equal(t, req.RequestID, job.RequestID)
	require.Equal(t, 5, job.MaxAttempts)
	require.NotEmpty(t, job.RunID)

	events, err := s.ListRunEvents(context.Background(), job.RunID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventRunQueued, events[0].Name)
	require.Equal(t, job.JobID, events[0].CausationID)
}

func TestEnqueueIsIdempotentPerRequest(t *testing.T) {
	s := inmem.New()
	emitter := stream.NewEmitter(nil, nil)
	req := enqueueRequest("wf-dup")

	first, err := queue.Enqueue(context.Background(), s, emitter, req, 5)
	require.NoError(t, err)
	second, err := queue.Enqueue(context.Background(), s, emitter, req, 5)
	require.NoError(t, err)
	require.Equal(t, first.JobID, second.JobID)
	require.Equal(t, first.RunID, second.RunID)
	require.Equal(t, store.JobQueued, second.Status)
}

func TestEnqueueRejectsInvalidRequest(t *testing.T) {
	s := inmem.New()
	req := enqueueRequest("wf-bad")
	req.ObjectivePrompt = ""

	_, err := queue.Enqueue(context.Background(), s, stream.NewEmitter(nil, nil), req, 5)
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
}
