package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
)

func scopeFilter(scope contract.Scope) bson.M {
	return bson.M{
		"tenant_id":    scope.TenantID,
		"workspace_id": scope.WorkspaceID,
	}
}

// GetWorkflow returns the workflow by id within the scope.
func (s *Store) GetWorkflow(ctx context.Context, scope contract.Scope, workflowID string) (store.Workflow, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	var doc workflowDoc
	if err := s.coll(collWorkflows).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Workflow{}, false, nil
		}
		return store.Workflow{}, false, store.Internal("get_workflow", err)
	}
	return doc.toWorkflow(), true, nil
}

// FindWorkflowByID looks a workflow up across scopes. Replay tooling only.
func (s *Store) FindWorkflowByID(ctx context.Context, workflowID string) (store.Workflow, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDoc
	if err := s.coll(collWorkflows).FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Workflow{}, false, nil
		}
		return store.Workflow{}, false, store.Internal("find_workflow", err)
	}
	return doc.toWorkflow(), true, nil
}

// ListPlannerSteps returns the workflow's steps ordered by step number.
func (s *Store) ListPlannerSteps(ctx context.Context, scope contract.Scope, workflowID string) ([]store.PlannerStep, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	cursor, err := s.coll(collSteps).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "step_number", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_steps", err)
	}
	var docs []stepDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_steps", err)
	}
	steps := make([]store.PlannerStep, len(docs))
	for i, doc := range docs {
		steps[i] = doc.toStep()
	}
	return steps, nil
}

// ListObjectiveRequests returns the scope's committed request envelopes.
func (s *Store) ListObjectiveRequests(ctx context.Context, scope contract.Scope) ([]contract.ObjectiveRequestV1, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll(collRequests).Find(ctx, scopeFilter(scope),
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_requests", err)
	}
	var docs []requestDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_requests", err)
	}
	requests := make([]contract.ObjectiveRequestV1, len(docs))
	for i, doc := range docs {
		requests[i] = doc.toRequest()
	}
	return requests, nil
}

// ListSignals returns the workflow's durable signals in occurrence order.
func (s *Store) ListSignals(ctx context.Context, scope contract.Scope, workflowID string) ([]store.Signal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	cursor, err := s.coll(collSignals).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_signals", err)
	}
	var docs []signalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_signals", err)
	}
	signals := make([]store.Signal, len(docs))
	for i, doc := range docs {
		signals[i] = doc.toSignal()
	}
	return signals, nil
}

// ListPolicyDecisions returns the workflow's policy decisions by step.
func (s *Store) ListPolicyDecisions(ctx context.Context, scope contract.Scope, workflowID string) ([]store.PolicyDecisionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	cursor, err := s.coll(collPolicies).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "step_number", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_policy_decisions", err)
	}
	var docs []policyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_policy_decisions", err)
	}
	records := make([]store.PolicyDecisionRecord, len(docs))
	for i, doc := range docs {
		records[i] = doc.toPolicy()
	}
	return records, nil
}

// ListApprovalDecisions returns the workflow's approval decisions by step.
func (s *Store) ListApprovalDecisions(ctx context.Context, scope contract.Scope, workflowID string) ([]store.ApprovalDecisionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	cursor, err := s.coll(collApprovals).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "step_number", Value: 1}, {Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_approval_decisions", err)
	}
	var docs []approvalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_approval_decisions", err)
	}
	records := make([]store.ApprovalDecisionRecord, len(docs))
	for i, doc := range docs {
		records[i] = doc.toApproval()
	}
	return records, nil
}

// ListAuditRecords returns audit entries matching the query in
// (occurredAt, stepNumber) order. Scope is enforced unless the query sets the
// explicit cross-tenant flag.
func (s *Store) ListAuditRecords(ctx context.Context, query store.AuditQuery) ([]store.AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if !query.CrossTenant {
		filter = scopeFilter(query.Scope)
	}
	if query.RequestID != "" {
		filter["request_id"] = query.RequestID
	}
	cursor, err := s.coll(collAudits).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "step_number", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_audits", err)
	}
	var docs []auditDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_audits", err)
	}
	records := make([]store.AuditRecord, len(docs))
	for i, doc := range docs {
		records[i] = doc.toAudit()
	}
	return records, nil
}

// ListRunEvents returns the run's event log ordered by stream position.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll(collEvents).Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "stream_position", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_run_events", err)
	}
	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_run_events", err)
	}
	events := make([]store.RunEvent, len(docs))
	for i, doc := range docs {
		events[i] = doc.toEvent()
	}
	return events, nil
}

// GetQueueJob returns the job for the request lineage within the scope.
func (s *Store) GetQueueJob(ctx context.Context, scope contract.Scope, requestID string) (store.QueueJob, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["request_id"] = requestID
	var doc jobDoc
	if err := s.coll(collJobs).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.QueueJob{}, false, nil
		}
		return store.QueueJob{}, false, store.Internal("get_queue_job", err)
	}
	return doc.toJob(), true, nil
}

// ListPendingInboxSignals returns the workflow's unconsumed inbox entries in
// occurrence order.
func (s *Store) ListPendingInboxSignals(ctx context.Context, scope contract.Scope, workflowID string) ([]store.InboxSignal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	filter["status"] = string(store.InboxPending)
	cursor, err := s.coll(collInbox).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, store.Internal("list_inbox", err)
	}
	var docs []inboxDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Internal("list_inbox", err)
	}
	signals := make([]store.InboxSignal, len(docs))
	for i, doc := range docs {
		signals[i] = doc.toInbox()
	}
	return signals, nil
}

// FindMessageThread resolves a conversation identity to its workflow. When no
// thread matches the provider team it retries team-agnostically, covering
// threads registered before team scoping existed.
func (s *Store) FindMessageThread(ctx context.Context, channelType, channelID, threadID, providerTeamID string) (store.WorkflowMessageThread, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	base := bson.M{
		"channel_type": channelType,
		"channel_id":   channelID,
		"thread_id":    threadID,
	}
	if providerTeamID != "" {
		filter := bson.M{"provider_team_id": providerTeamID}
		for k, v := range base {
			filter[k] = v
		}
		var doc threadDoc
		err := s.coll(collThreads).FindOne(ctx, filter).Decode(&doc)
		if err == nil {
			return doc.toThread(), true, nil
		}
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.WorkflowMessageThread{}, false, store.Internal("find_thread", err)
		}
	}
	var doc threadDoc
	if err := s.coll(collThreads).FindOne(ctx, base).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.WorkflowMessageThread{}, false, nil
		}
		return store.WorkflowMessageThread{}, false, store.Internal("find_thread", err)
	}
	return doc.toThread(), true, nil
}

// GetSnapshot returns the workflow's runtime snapshot.
func (s *Store) GetSnapshot(ctx context.Context, scope contract.Scope, workflowID string) (store.RuntimeSnapshot, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(scope)
	filter["workflow_id"] = workflowID
	var doc snapshotDoc
	if err := s.coll(collSnapshots).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.RuntimeSnapshot{}, false, nil
		}
		return store.RuntimeSnapshot{}, false, store.Internal("get_snapshot", err)
	}
	return doc.toSnapshot(), true, nil
}
