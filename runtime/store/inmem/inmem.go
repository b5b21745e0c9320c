// Package inmem provides the reference in-memory implementation of the
// persistence port for tests and local development. Entities live in keyed
// maps; transactions deep-copy the arena and swap it in on commit, which
// mirrors the rollback-on-any-exit semantics of the durable backends.
// Production deployments should use features/store/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
)

type (
	// Store implements store.Store in memory. All operations serialize on a
	// single mutex, which trivially satisfies the per-workflow serializable
	// transaction requirement. Records are deep-copied on read and write.
	Store struct {
		mu    sync.Mutex
		arena *arena
		seq   int64
	}

	// arena holds every logical table, keyed for direct lookup.
	arena struct {
		requests  map[string]contract.ObjectiveRequestV1 // scope|requestID
		workflows map[string]store.Workflow               // scope|workflowID
		steps     map[string][]store.PlannerStep          // scope|workflowID
		signals   map[string]store.Signal                 // scope|signalID
		policies  []store.PolicyDecisionRecord
		approvals []store.ApprovalDecisionRecord
		audits    []store.AuditRecord
		events    map[string][]store.RunEvent // runID
		eventIDs  map[string]struct{}
		jobs      map[string]store.QueueJob // jobID
		jobByReq  map[string]string         // scope|requestID -> jobID
		receipts  map[string]store.InboundMessageReceipt // provider|team|event
		threads   map[string]store.WorkflowMessageThread // channelType|channelID|threadID|team
		inbox     map[string]store.InboxSignal           // scope|signalID
		snapshots map[string]store.RuntimeSnapshot       // scope|workflowID
	}

	tx struct {
		store *Store
		arena *arena
	}

	txCtxKey struct{}
)

// New constructs an empty store.
func New() *Store {
	return &Store{arena: newArena()}
}

func newArena() *arena {
	return &arena{
		requests:  make(map[string]contract.ObjectiveRequestV1),
		workflows: make(map[string]store.Workflow),
		steps:     make(map[string][]store.PlannerStep),
		signals:   make(map[string]store.Signal),
		events:    make(map[string][]store.RunEvent),
		eventIDs:  make(map[string]struct{}),
		jobs:      make(map[string]store.QueueJob),
		jobByReq:  make(map[string]string),
		receipts:  make(map[string]store.InboundMessageReceipt),
		threads:   make(map[string]store.WorkflowMessageThread),
		inbox:     make(map[string]store.InboxSignal),
		snapshots: make(map[string]store.RuntimeSnapshot),
	}
}

func scopeKey(scope contract.Scope, id string) string {
	return scope.TenantID + "|" + scope.WorkspaceID + "|" + id
}

// WithTransaction runs work against a deep copy of the arena and swaps the
// copy in only when work returns nil. The returned context carries the
// transaction so nested WithTransaction calls flatten into this unit.
func (s *Store) WithTransaction(ctx context.Context, work func(ctx context.Context, tx store.Tx) error) error {
	if existing, ok := ctx.Value(txCtxKey{}).(*tx); ok && existing.store == s {
		return work(ctx, existing)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scratch := s.arena.clone()
	t := &tx{store: s, arena: scratch}
	if err := work(context.WithValue(ctx, txCtxKey{}, t), t); err != nil {
		return err
	}
	s.arena = scratch
	return nil
}

// Snapshot returns a deep copy of the full arena for structural-sharing
// inspection in tests.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.arena.clone()
	return map[string]any{
		"requests":  a.requests,
		"workflows": a.workflows,
		"steps":     a.steps,
		"signals":   a.signals,
		"audits":    a.audits,
		"jobs":      a.jobs,
	}
}

// Reset clears all tables, for test isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena = newArena()
	s.seq = 0
}

// --- Reader (store-level; reads see committed state) ---

// GetWorkflow returns the workflow for (scope, workflowID).
func (s *Store) GetWorkflow(_ context.Context, scope contract.Scope, workflowID string) (store.Workflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.getWorkflow(scope, workflowID)
}

// FindWorkflowByID scans all scopes for the workflow. Used by replay tooling
// and signal correlation where only the workflow identity is known.
func (s *Store) FindWorkflowByID(_ context.Context, workflowID string) (store.Workflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.findWorkflowByID(workflowID)
}

// ListPlannerSteps returns the workflow's steps sorted by step number.
func (s *Store) ListPlannerSteps(_ context.Context, scope contract.Scope, workflowID string) ([]store.PlannerStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listSteps(scope, workflowID), nil
}

// ListObjectiveRequests returns the scope's requests sorted by occurredAt.
func (s *Store) ListObjectiveRequests(_ context.Context, scope contract.Scope) ([]contract.ObjectiveRequestV1, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listRequests(scope), nil
}

// ListSignals returns the workflow's signals sorted by occurredAt.
func (s *Store) ListSignals(_ context.Context, scope contract.Scope, workflowID string) ([]store.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listSignals(scope, workflowID), nil
}

// ListPolicyDecisions returns the workflow's policy decisions in commit order.
func (s *Store) ListPolicyDecisions(_ context.Context, scope contract.Scope, workflowID string) ([]store.PolicyDecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listPolicies(scope, workflowID), nil
}

// ListApprovalDecisions returns the workflow's approval decisions in commit order.
func (s *Store) ListApprovalDecisions(_ context.Context, scope contract.Scope, workflowID string) ([]store.ApprovalDecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listApprovals(scope, workflowID), nil
}

// ListAuditRecords returns audit entries matching the query, sorted by
// (occurredAt, stepNumber).
func (s *Store) ListAuditRecords(_ context.Context, query store.AuditQuery) ([]store.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listAudits(query), nil
}

// ListRunEvents returns the run's events in stream position order.
func (s *Store) ListRunEvents(_ context.Context, runID string) ([]store.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listEvents(runID), nil
}

// GetQueueJob returns the job lineage for (scope, requestID).
func (s *Store) GetQueueJob(_ context.Context, scope contract.Scope, requestID string) (store.QueueJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.getJob(scope, requestID)
}

// ListPendingInboxSignals returns pending inbox entries in occurredAt order.
func (s *Store) ListPendingInboxSignals(_ context.Context, scope contract.Scope, workflowID string) ([]store.InboxSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.listPendingInbox(scope, workflowID), nil
}

// FindMessageThread resolves a conversation identity to its workflow mapping.
func (s *Store) FindMessageThread(_ context.Context, channelType, channelID, threadID, providerTeamID string) (store.WorkflowMessageThread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.findThread(channelType, channelID, threadID, providerTeamID)
}

// GetSnapshot returns the runtime snapshot for (scope, workflowID).
func (s *Store) GetSnapshot(_ context.Context, scope contract.Scope, workflowID string) (store.RuntimeSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.arena.snapshots[scopeKey(scope, workflowID)]
	if !ok {
		return store.RuntimeSnapshot{}, false, nil
	}
	snap.Payload = cloneMap(snap.Payload)
	return snap, true, nil
}

// --- Queue operations ---

// EnqueueJob upserts the job lineage for (scope, requestID): an existing
// lineage is reset to queued with its lease cleared, a new one gets a fresh
// job and run identity.
func (s *Store) EnqueueJob(_ context.Context, input store.EnqueueJobInput) (store.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := scopeKey(input.Scope, input.RequestID)
	if jobID, ok := s.arena.jobByReq[key]; ok {
		job := s.arena.jobs[jobID]
		job.Status = store.JobQueued
		job.AvailableAt = availableOrNow(input.AvailableAt, now)
		job.LeaseToken = ""
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		s.arena.jobs[jobID] = job
		return job, nil
	}
	job := store.QueueJob{
		JobID:           newID(),
		RunID:           newID(),
		Scope:           input.Scope,
		WorkflowID:      input.WorkflowID,
		RequestID:       input.RequestID,
		ThreadID:        input.ThreadID,
		ObjectivePrompt: input.ObjectivePrompt,
		Status:          store.JobQueued,
		MaxAttempts:     input.MaxAttempts,
		AvailableAt:     availableOrNow(input.AvailableAt, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.arena.jobs[job.JobID] = job
	s.arena.jobByReq[key] = job.JobID
	return job, nil
}

// ClaimJobs atomically claims up to req.Limit eligible jobs for the worker.
// Eligible rows are queued or claimed-with-expired-lease, available now,
// ordered by (availableAt, createdAt). The whole selection runs under the
// store mutex, so concurrent workers never claim the same row.
func (s *Store) ClaimJobs(_ context.Context, req store.ClaimRequest) ([]store.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var eligible []store.QueueJob
	for _, job := range s.arena.jobs {
		if req.Scope != nil && !job.Scope.Equal(*req.Scope) {
			continue
		}
		if job.AvailableAt.After(now) {
			continue
		}
		switch job.Status {
		case store.JobQueued:
		case store.JobClaimed:
			if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
				continue
			}
		default:
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].AvailableAt.Equal(eligible[j].AvailableAt) {
			return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if req.Limit > 0 && len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}
	claimed := make([]store.QueueJob, 0, len(eligible))
	for _, job := range eligible {
		expires := now.Add(req.Lease)
		job.Status = store.JobClaimed
		job.AttemptCount++
		job.LeaseToken = fmt.Sprintf("%s:%s", req.WorkerID, newID())
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now
		s.arena.jobs[job.JobID] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// CompleteJob marks the job completed when the lease token matches. A stale
// token is a no-op: the lease has already been reassigned.
func (s *Store) CompleteJob(_ context.Context, jobID, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.arena.jobs[jobID]
	if !ok || job.LeaseToken != leaseToken {
		return nil
	}
	job.Status = store.JobCompleted
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()
	s.arena.jobs[jobID] = job
	return nil
}

// FailJob records the failure and either requeues the job at retryAt or, when
// attempts are exhausted, freezes it as failed. Stale lease tokens are no-ops.
func (s *Store) FailJob(_ context.Context, jobID, leaseToken, lastError string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.arena.jobs[jobID]
	if !ok || job.LeaseToken != leaseToken {
		return nil
	}
	job.LastError = lastError
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		job.Status = store.JobFailed
	} else {
		job.Status = store.JobQueued
		job.AvailableAt = retryAt
	}
	s.arena.jobs[jobID] = job
	return nil
}

func availableOrNow(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
