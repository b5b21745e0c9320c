// Package queue runs durable workflow jobs under a lease claim protocol. The
// store owns the job rows; this package adds enqueue convenience, retry
// backoff, and the worker pool that claims jobs and drives the planner loop.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

type (
	// BackoffKind selects the retry delay curve.
	BackoffKind string

	// Backoff computes the delay before a failed job becomes claimable again.
	Backoff struct {
		Kind BackoffKind
		// Base is the first retry delay. Defaults to 5s.
		Base time.Duration
		// Max caps exponential growth. Defaults to 5m.
		Max time.Duration
	}
)

// Backoff kinds.
const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff defaults.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Delay returns the backoff delay before the given attempt retries.
// Attempt counts from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if b.Kind == BackoffFixed {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Enqueue upserts a job for the request. Enqueueing the same
// (tenant, workspace, requestId) again resets the existing lineage to queued
// instead of creating a duplicate, and the run_queued event records the
// (re-)submission.
func Enqueue(ctx context.Context, s store.Store, emitter *stream.Emitter, req contract.ObjectiveRequestV1, maxAttempts int) (store.QueueJob, error) {
	if err := contract.ValidateObjectiveRequest(req); err != nil {
		return store.QueueJob{}, err
	}
	job, err := s.EnqueueJob(ctx, store.EnqueueJobInput{
		Scope:           req.Scope(),
		WorkflowID:      req.WorkflowID,
		RequestID:       req.RequestID,
		ThreadID:        req.ThreadID,
		ObjectivePrompt: req.ObjectivePrompt,
		MaxAttempts:     maxAttempts,
		AvailableAt:     time.Now().UTC(),
	})
	if err != nil {
		return store.QueueJob{}, err
	}
	event := stream.NewEvent(job.RunID, stream.EventRunQueued, job.RequestID, job.JobID, map[string]any{
		"workflowId": job.WorkflowID,
		"attempt":    job.AttemptCount,
	})
	event.Scope = job.Scope
	err = s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendRunEvent(event)
	})
	if err != nil {
		return store.QueueJob{}, err
	}
	emitter.Forward(ctx, event)
	return job, nil
}

// ErrJobTimeout marks a job that exceeded its execution timeout. Timeouts are
// retryable: the job fails with backoff and a later claim re-enters the loop,
// where committed steps and idempotency keys prevent duplicate work.
var ErrJobTimeout = errors.New("job execution timed out")
