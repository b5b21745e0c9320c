package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/queue"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/tools"
)

// stubPlanner pops queued intents; an empty queue fails the planning call.
type stubPlanner struct {
	mu      sync.Mutex
	intents []contract.PlannerIntent
	block   bool
}

func (p *stubPlanner) push(intents ...contract.PlannerIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = append(p.intents, intents...)
}

func (p *stubPlanner) Plan(ctx context.Context, _ contract.PlannerInputV1) (contract.PlannerIntent, error) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return contract.PlannerIntent{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.intents) == 0 {
		return contract.PlannerIntent{}, errors.New("no intent queued")
	}
	next := p.intents[0]
	p.intents = p.intents[1:]
	return next, nil
}

type workerHarness struct {
	store   *inmem.Store
	emitter *stream.Emitter
	planner *stubPlanner
	loop    *planner.Loop

	mu    sync.Mutex
	pings int
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	h := &workerHarness{
		store:   inmem.New(),
		emitter: stream.NewEmitter(nil, nil),
		planner: &stubPlanner{},
	}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Definition{
		Name:         "ping",
		ValidateArgs: func(map[string]any) []contract.FieldIssue { return nil },
		Execute: func(context.Context, tools.Call) (tools.Result, error) {
			h.mu.Lock()
			h.pings++
			h.mu.Unlock()
			return tools.OK("notify", "test", nil), nil
		},
	}))
	engine, err := policy.NewRuleEngine(policy.RulePack{
		ID:         "worker-test",
		Version:    "v1",
		BlockTools: []string{"forbidden"},
	})
	require.NoError(t, err)
	loop, err := planner.NewLoop(planner.Deps{
		Store:      h.store,
		Registry:   registry,
		Plan:       h.planner.Plan,
		Policy:     engine,
		PolicyPack: engine.Ref(),
		Emitter:    h.emitter,
	}, planner.Options{})
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *workerHarness) worker(t *testing.T, opts queue.WorkerOptions) *queue.Worker {
	t.Helper()
	if opts.WorkerID == "" {
		opts.WorkerID = "w1"
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = queue.Backoff{Kind: queue.BackoffFixed, Base: 10 * time.Millisecond}
	}
	w, err := queue.NewWorker(h.store, h.loop, h.emitter, nil, nil, opts)
	require.NoError(t, err)
	return w
}

func (h *workerHarness) job(t *testing.T, req contract.ObjectiveRequestV1) store.QueueJob {
	t.Helper()
	job, ok, err := h.store.GetQueueJob(context.Background(), req.Scope(), req.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func eventNames(t *testing.T, s *inmem.Store, runID string) []string {
	t.Helper()
	events, err := s.ListRunEvents(context.Background(), runID)
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

func TestWorkerRunOnceCompletesJob(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-worker")
	job, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 3)
	require.NoError(t, err)
	h.planner.push(
		contract.PlannerIntent{Type: contract.IntentToolCall, ToolName: "ping", Args: map[string]any{}},
		contract.PlannerIntent{Type: contract.IntentComplete},
	)

	n, err := h.worker(t, queue.WorkerOptions{}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	settled := h.job(t, req)
	require.Equal(t, store.JobCompleted, settled.Status)
	require.Equal(t, 1, settled.AttemptCount)

	wf, ok, err := h.store.GetWorkflow(context.Background(), req.Scope(), req.WorkflowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.WorkflowCompleted, wf.Status)

	names := eventNames(t, h.store, job.RunID)
	require.Equal(t, []string{
		stream.EventRunQueued,
		stream.EventRunClaimed,
		stream.EventStepCommitted,
		stream.EventStepCommitted,
		stream.EventRunCompleted,
	}, names)
}

func TestWorkerRequeuesFailedJobThenRecovers(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-retry")
	_, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 3)
	require.NoError(t, err)
	w := h.worker(t, queue.WorkerOptions{})

	// No intent queued: the planning stage errors and the job retries.
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	failed := h.job(t, req)
	require.Equal(t, store.JobQueued, failed.Status)
	require.Equal(t, 1, failed.AttemptCount)
	require.Contains(t, failed.LastError, "no intent queued")
	require.True(t, failed.AvailableAt.After(time.Now().Add(-time.Millisecond)))

	// After the backoff the next claim resumes the same workflow.
	h.planner.push(contract.PlannerIntent{Type: contract.IntentComplete})
	time.Sleep(15 * time.Millisecond)
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, store.JobCompleted, h.job(t, req).Status)
}

func TestWorkerFreezesJobAtMaxAttempts(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-freeze")
	_, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 2)
	require.NoError(t, err)
	w := h.worker(t, queue.WorkerOptions{})

	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		_, err = w.RunOnce(context.Background())
		require.NoError(t, err)
	}

	frozen := h.job(t, req)
	require.Equal(t, store.JobFailed, frozen.Status)
	require.Equal(t, 2, frozen.AttemptCount)
}

func TestWorkerSettlesFailedWorkflowWithoutRetry(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-policyfail")
	job, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 3)
	require.NoError(t, err)
	h.planner.push(contract.PlannerIntent{Type: contract.IntentToolCall, ToolName: "forbidden", Args: map[string]any{}})

	_, err = h.worker(t, queue.WorkerOptions{}).RunOnce(context.Background())
	require.NoError(t, err)

	// A committed workflow failure settles the job: the outcome is durable and
	// a retry would change nothing.
	settled := h.job(t, req)
	require.Equal(t, store.JobCompleted, settled.Status)
	require.Contains(t, eventNames(t, h.store, job.RunID), stream.EventRunFailed)
}

func TestWorkerTimeoutIsRetryable(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-timeout")
	_, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 3)
	require.NoError(t, err)
	h.planner.block = true

	_, err = h.worker(t, queue.WorkerOptions{ExecuteTimeout: 20 * time.Millisecond}).RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, req)
	require.Equal(t, store.JobQueued, job.Status)
	require.Equal(t, queue.ErrJobTimeout.Error(), job.LastError)
}

func TestExpiredLeaseIsReclaimedWithoutDuplicateWork(t *testing.T) {
	h := newWorkerHarness(t)
	req := enqueueRequest("wf-lease")
	_, err := queue.Enqueue(context.Background(), h.store, h.emitter, req, 3)
	require.NoError(t, err)

	// A first worker claims the job and dies without settling it.
	claimed, err := h.store.ClaimJobs(context.Background(), store.ClaimRequest{
		WorkerID: "dead-worker",
		Limit:    1,
		Lease:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	staleToken := claimed[0].LeaseToken

	// Once the lease expires another worker claims and finishes the job.
	h.planner.push(
		contract.PlannerIntent{Type: contract.IntentToolCall, ToolName: "ping", Args: map[string]any{}},
		contract.PlannerIntent{Type: contract.IntentComplete},
	)
	time.Sleep(10 * time.Millisecond)
	n, err := h.worker(t, queue.WorkerOptions{WorkerID: "w2"}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job := h.job(t, req)
	require.Equal(t, store.JobCompleted, job.Status)
	require.Equal(t, 2, job.AttemptCount)
	require.Equal(t, 1, h.pings)

	// The dead worker's settle attempts are no-ops under its stale token.
	require.NoError(t, h.store.CompleteJob(context.Background(), job.JobID, staleToken))
	require.Equal(t, store.JobCompleted, h.job(t, req).Status)
}
