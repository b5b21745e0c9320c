package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom/runtime/store"
)

// EnqueueJob upserts the job for its (tenant, workspace, requestId) lineage.
// An existing job resets to queued with its lease cleared; a new one gets
// fresh job and run ids.
func (s *Store) EnqueueJob(ctx context.Context, input store.EnqueueJobInput) (store.QueueJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	availableAt := input.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	filter := scopeFilter(input.Scope)
	filter["request_id"] = input.RequestID
	update := bson.M{
		"$set": bson.M{
			"status":           string(store.JobQueued),
			"available_at":     availableAt,
			"lease_token":      "",
			"lease_expires_at": nil,
			"updated_at":       now,
		},
		"$setOnInsert": bson.M{
			"tenant_id":        input.Scope.TenantID,
			"workspace_id":     input.Scope.WorkspaceID,
			"job_id":           newID(),
			"run_id":           newID(),
			"workflow_id":      input.WorkflowID,
			"request_id":       input.RequestID,
			"thread_id":        input.ThreadID,
			"objective_prompt": input.ObjectivePrompt,
			"attempt_count":    0,
			"max_attempts":     input.MaxAttempts,
			"created_at":       now,
		},
	}
	var doc jobDoc
	err := s.coll(collJobs).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return store.QueueJob{}, store.Internal("enqueue_job", err)
	}
	return doc.toJob(), nil
}

// ClaimJobs atomically claims up to Limit eligible jobs for the worker. Each
// claim is one findAndModify, so concurrent workers never share a row.
func (s *Store) ClaimJobs(ctx context.Context, req store.ClaimRequest) ([]store.QueueJob, error) {
	if req.WorkerID == "" {
		return nil, errors.New("worker ID is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	eligible := bson.M{
		"available_at": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"status": string(store.JobQueued)},
			bson.M{
				"status":           string(store.JobClaimed),
				"lease_expires_at": bson.M{"$lte": now},
			},
		},
	}
	if req.Scope != nil {
		eligible["tenant_id"] = req.Scope.TenantID
		eligible["workspace_id"] = req.Scope.WorkspaceID
	}

	var claimed []store.QueueJob
	for len(claimed) < limit {
		expiry := now.Add(req.Lease)
		update := bson.M{
			"$set": bson.M{
				"status":           string(store.JobClaimed),
				"lease_token":      fmt.Sprintf("%s:%s", req.WorkerID, newID()),
				"lease_expires_at": expiry,
				"updated_at":       now,
			},
			"$inc": bson.M{"attempt_count": 1},
		}
		var doc jobDoc
		err := s.coll(collJobs).FindOneAndUpdate(ctx, eligible, update,
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "available_at", Value: 1}, {Key: "created_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return nil, store.Internal("claim_jobs", err)
		}
		claimed = append(claimed, doc.toJob())
	}
	return claimed, nil
}

// CompleteJob settles a claimed job under its lease token. A stale token is a
// no-op because the lease has been reassigned.
func (s *Store) CompleteJob(ctx context.Context, jobID, leaseToken string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll(collJobs).UpdateOne(ctx, bson.M{
		"job_id":      jobID,
		"lease_token": leaseToken,
		"status":      string(store.JobClaimed),
	}, bson.M{"$set": bson.M{
		"status":           string(store.JobCompleted),
		"lease_token":      "",
		"lease_expires_at": nil,
		"updated_at":       time.Now().UTC(),
	}})
	if err != nil {
		return store.Internal("complete_job", err)
	}
	return nil
}

// FailJob re-queues a claimed job for retry at retryAt, or freezes it as
// failed once its attempt budget is spent. Lease-token gated like CompleteJob.
func (s *Store) FailJob(ctx context.Context, jobID, leaseToken, lastError string, retryAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"job_id":      jobID,
		"lease_token": leaseToken,
		"status":      string(store.JobClaimed),
	}
	var doc jobDoc
	if err := s.coll(collJobs).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil
		}
		return store.Internal("fail_job", err)
	}
	now := time.Now().UTC()
	set := bson.M{
		"lease_token":      "",
		"lease_expires_at": nil,
		"last_error":       lastError,
		"updated_at":       now,
	}
	if doc.AttemptCount >= doc.MaxAttempts {
		set["status"] = string(store.JobFailed)
	} else {
		set["status"] = string(store.JobQueued)
		set["available_at"] = retryAt
	}
	if _, err := s.coll(collJobs).UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
		return store.Internal("fail_job", err)
	}
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
