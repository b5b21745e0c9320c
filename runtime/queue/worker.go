package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// WorkerOptions tunes the worker pool.
	WorkerOptions struct {
		// WorkerID identifies this worker in lease tokens. Required.
		WorkerID string
		// Concurrency bounds in-flight jobs. Defaults to 4.
		Concurrency int
		// ClaimLimit bounds jobs per claim poll. Defaults to Concurrency.
		ClaimLimit int
		// Lease is the claim lease duration. A worker that dies mid-job loses
		// the lease after this long and the job becomes claimable again.
		// Defaults to 2m.
		Lease time.Duration
		// PollInterval paces claim polling. Defaults to 1s.
		PollInterval time.Duration
		// ExecuteTimeout bounds one job execution. Timeouts are retryable.
		// Defaults to 120s.
		ExecuteTimeout time.Duration
		// Backoff computes retry delays for failed jobs.
		Backoff Backoff
		// Scope optionally pins the worker to one tenant/workspace.
		Scope *contract.Scope
	}

	// Worker claims queued jobs under leases and drives the planner loop.
	// Claims are atomic per row, so concurrent workers never share a job; a
	// worker crash surfaces as lease expiry and another claim.
	Worker struct {
		store   store.Store
		loop    *planner.Loop
		emitter *stream.Emitter
		logger  telemetry.Logger
		metrics telemetry.Metrics
		opts    WorkerOptions

		wg   sync.WaitGroup
		sem  chan struct{}
		stop chan struct{}
	}
)

// Worker defaults.
const (
	DefaultConcurrency    = 4
	DefaultLease          = 2 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultExecuteTimeout = 120 * time.Second
)

// NewWorker validates options and constructs a worker.
func NewWorker(s store.Store, loop *planner.Loop, emitter *stream.Emitter, logger telemetry.Logger, metrics telemetry.Metrics, opts WorkerOptions) (*Worker, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if loop == nil {
		return nil, errors.New("planner loop is required")
	}
	if opts.WorkerID == "" {
		return nil, errors.New("worker ID is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = opts.Concurrency
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = DefaultExecuteTimeout
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		store:   s,
		loop:    loop,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
		stop:    make(chan struct{}),
	}, nil
}

// Run polls for claimable jobs until the context is canceled or Stop is
// called, then waits for in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(w.opts.PollInterval), 1)
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		jobs, err := w.store.ClaimJobs(ctx, store.ClaimRequest{
			WorkerID: w.opts.WorkerID,
			Limit:    w.opts.ClaimLimit,
			Lease:    w.opts.Lease,
			Scope:    w.opts.Scope,
			Now:      time.Now().UTC(),
		})
		if err != nil {
			w.logger.Error(ctx, "claim poll failed", "worker_id", w.opts.WorkerID, "err", err.Error())
			continue
		}
		for _, job := range jobs {
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			w.wg.Add(1)
			go func(job store.QueueJob) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.runJob(ctx, job)
			}(job)
		}
	}
}

// Stop asks the poll loop to exit. Safe to call once.
func (w *Worker) Stop() { close(w.stop) }

// RunOnce performs a single claim poll and runs the claimed jobs to
// completion. Control-plane and test entry point.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, store.ClaimRequest{
		WorkerID: w.opts.WorkerID,
		Limit:    w.opts.ClaimLimit,
		Lease:    w.opts.Lease,
		Scope:    w.opts.Scope,
		Now:      time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.runJob(ctx, job)
	}
	return len(jobs), nil
}

// runJob drives one claimed job through the planner loop and settles the
// claim. Every exit path either completes or fails the job under its lease
// token; a stale token makes both no-ops.
func (w *Worker) runJob(ctx context.Context, job store.QueueJob) {
	w.metrics.IncCounter(telemetry.MetricJobClaimed, 1)
	w.emitJobEvent(ctx, job, stream.EventRunClaimed, map[string]any{
		"workerId": w.opts.WorkerID,
		"attempt":  job.AttemptCount,
	})

	req, err := w.loadRequest(ctx, job)
	if err != nil {
		w.failJob(ctx, job, err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.ExecuteTimeout)
	defer cancel()
	result, err := w.loop.Run(runCtx, planner.RunRequest{
		Request: req,
		RunID:   job.RunID,
		JobID:   job.JobID,
	})
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		w.failJob(ctx, job, ErrJobTimeout)
	case err != nil:
		w.failJob(ctx, job, err)
	default:
		w.completeJob(ctx, job, result)
	}
}

// loadRequest recovers the durable request envelope for the job. Jobs
// enqueued before their envelope was committed fall back to a reconstruction
// from the job row.
func (w *Worker) loadRequest(ctx context.Context, job store.QueueJob) (contract.ObjectiveRequestV1, error) {
	requests, err := w.store.ListObjectiveRequests(ctx, job.Scope)
	if err != nil {
		return contract.ObjectiveRequestV1{}, err
	}
	for _, req := range requests {
		if req.RequestID == job.RequestID {
			return req, nil
		}
	}
	return contract.ObjectiveRequestV1{
		RequestID:       job.RequestID,
		TenantID:        job.Scope.TenantID,
		WorkspaceID:     job.Scope.WorkspaceID,
		WorkflowID:      job.WorkflowID,
		ThreadID:        job.ThreadID,
		OccurredAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		ObjectivePrompt: job.ObjectivePrompt,
		SchemaVersion:   contract.SchemaVersionV1,
	}, nil
}

func (w *Worker) completeJob(ctx context.Context, job store.QueueJob, result *planner.Result) {
	if err := w.store.CompleteJob(ctx, job.JobID, job.LeaseToken); err != nil {
		w.logger.Error(ctx, "complete job failed", "job_id", job.JobID, "err", err.Error())
		return
	}
	name := stream.EventRunCompleted
	payload := map[string]any{"status": string(result.Status)}
	if result.Status == store.WorkflowFailed {
		name = stream.EventRunFailed
		payload["error"] = result.ErrorSummary
	}
	w.emitJobEvent(ctx, job, name, payload)
	w.logger.Info(ctx, "job settled",
		"job_id", job.JobID, "workflow_id", job.WorkflowID, "status", string(result.Status))
}

func (w *Worker) failJob(ctx context.Context, job store.QueueJob, cause error) {
	w.metrics.IncCounter(telemetry.MetricJobFailed, 1)
	retryAt := time.Now().UTC().Add(w.opts.Backoff.Delay(job.AttemptCount))
	if err := w.store.FailJob(ctx, job.JobID, job.LeaseToken, cause.Error(), retryAt); err != nil {
		w.logger.Error(ctx, "fail job failed", "job_id", job.JobID, "err", err.Error())
		return
	}
	payload := map[string]any{
		"error":   cause.Error(),
		"attempt": job.AttemptCount,
	}
	if job.AttemptCount < job.MaxAttempts {
		payload["retryAt"] = retryAt.Format(time.RFC3339)
	}
	w.emitJobEvent(ctx, job, stream.EventRunFailed, payload)
	w.logger.Warn(ctx, "job failed",
		"job_id", job.JobID, "workflow_id", job.WorkflowID,
		"attempt", fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts), "err", cause.Error())
}

// emitJobEvent appends a lifecycle event to the run log and mirrors it to the
// sink. Lifecycle events never fail the job.
func (w *Worker) emitJobEvent(ctx context.Context, job store.QueueJob, name string, payload map[string]any) {
	event := stream.NewEvent(job.RunID, name, job.RequestID, job.JobID, payload)
	event.Scope = job.Scope
	err := w.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendRunEvent(event)
	})
	if err != nil {
		w.logger.Warn(ctx, "job event append failed", "job_id", job.JobID, "event", name, "err", err.Error())
		return
	}
	w.emitter.Forward(ctx, event)
}
