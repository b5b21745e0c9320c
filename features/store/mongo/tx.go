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

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
)

type txCtxKey struct{}

// txn is the mutable view inside one Mongo transaction. Reads go through the
// embedded Store with the session context, so the transaction sees its own
// writes.
type txn struct {
	*Store
	ctx context.Context
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*txn)(nil)
)

// WithTransaction runs work inside a Mongo transaction. The context passed to
// work carries the transaction: nested calls flatten into the enclosing unit.
func (s *Store) WithTransaction(ctx context.Context, work func(ctx context.Context, tx store.Tx) error) error {
	if existing, ok := ctx.Value(txCtxKey{}).(*txn); ok {
		return work(ctx, existing)
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return store.Internal("start_session", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		t := &txn{Store: s, ctx: ctx}
		return nil, work(context.WithValue(ctx, txCtxKey{}, t), t)
	})
	return err
}

// AppendObjectiveRequest commits the request envelope. Requests are immutable:
// re-appending an existing request id is a no-op.
func (t *txn) AppendObjectiveRequest(req contract.ObjectiveRequestV1) error {
	filter := scopeFilter(req.Scope())
	filter["request_id"] = req.RequestID
	_, err := t.coll(collRequests).UpdateOne(t.ctx, filter,
		bson.M{"$setOnInsert": fromRequest(req)},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return store.Internal("append_request", err)
	}
	return nil
}

// PutWorkflow upserts the workflow document, preserving its creation time.
func (t *txn) PutWorkflow(workflow store.Workflow) error {
	existing, ok, err := t.GetWorkflow(t.ctx, workflow.Scope, workflow.WorkflowID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if ok {
		workflow.CreatedAt = existing.CreatedAt
	} else if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now
	filter := scopeFilter(workflow.Scope)
	filter["workflow_id"] = workflow.WorkflowID
	_, err = t.coll(collWorkflows).ReplaceOne(t.ctx, filter, fromWorkflow(workflow),
		options.Replace().SetUpsert(true))
	if err != nil {
		return store.Internal("put_workflow", err)
	}
	return nil
}

// AppendPlannerStep appends the step, enforcing gap-free numbering.
func (t *txn) AppendPlannerStep(step store.PlannerStep) error {
	filter := scopeFilter(step.Scope)
	filter["workflow_id"] = step.WorkflowID
	count, err := t.coll(collSteps).CountDocuments(t.ctx, filter)
	if err != nil {
		return store.Internal("append_step", err)
	}
	if int64(step.StepNumber) != count {
		return store.Internal("append_step",
			fmt.Errorf("step number %d breaks the sequence, next is %d", step.StepNumber, count))
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if _, err := t.coll(collSteps).InsertOne(t.ctx, fromStep(step)); err != nil {
		return store.Internal("append_step", err)
	}
	return nil
}

// AppendAuditRecord appends one audit trail entry.
func (t *txn) AppendAuditRecord(record store.AuditRecord) error {
	if record.AuditID == "" {
		record.AuditID = uuid.NewString()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if _, err := t.coll(collAudits).InsertOne(t.ctx, fromAudit(record)); err != nil {
		return store.Internal("append_audit", err)
	}
	return nil
}

// AppendPolicyDecision records a policy decision for a step.
func (t *txn) AppendPolicyDecision(record store.PolicyDecisionRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if _, err := t.coll(collPolicies).InsertOne(t.ctx, fromPolicy(record)); err != nil {
		return store.Internal("append_policy_decision", err)
	}
	return nil
}

// AppendApprovalDecision records an approval resolution for a step.
func (t *txn) AppendApprovalDecision(record store.ApprovalDecisionRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if _, err := t.coll(collApprovals).InsertOne(t.ctx, fromApproval(record)); err != nil {
		return store.Internal("append_approval_decision", err)
	}
	return nil
}

// AppendRunEvent appends to the run's event log. The stream position is the
// current per-run maximum plus one; the transaction serializes appends for
// the run. Duplicate event ids are no-ops.
func (t *txn) AppendRunEvent(event store.RunEvent) error {
	dupe := t.coll(collEvents).FindOne(t.ctx, bson.M{
		"run_id":   event.RunID,
		"event_id": event.EventID,
	})
	if err := dupe.Err(); err == nil {
		return nil
	} else if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Internal("append_run_event", err)
	}

	var last eventDoc
	err := t.coll(collEvents).FindOne(t.ctx, bson.M{"run_id": event.RunID},
		options.FindOne().SetSort(bson.D{{Key: "stream_position", Value: -1}})).Decode(&last)
	switch {
	case err == nil:
		event.StreamPosition = last.StreamPosition + 1
	case errors.Is(err, mongodriver.ErrNoDocuments):
		event.StreamPosition = 1
	default:
		return store.Internal("append_run_event", err)
	}

	seq, err := t.nextSequence("global_events")
	if err != nil {
		return err
	}
	event.EventSequence = seq
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if _, err := t.coll(collEvents).InsertOne(t.ctx, fromEvent(event)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return store.Internal("append_run_event", err)
	}
	return nil
}

// AppendSignal records the durable signal. Re-appending a known signal id is
// a no-op.
func (t *txn) AppendSignal(signal store.Signal) error {
	filter := scopeFilter(signal.Scope)
	filter["signal_id"] = signal.SignalID
	_, err := t.coll(collSignals).UpdateOne(t.ctx, filter,
		bson.M{"$setOnInsert": fromSignal(signal)},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return store.Internal("append_signal", err)
	}
	return nil
}

// AckSignal marks the signal acknowledged. Acking twice is a no-op.
func (t *txn) AckSignal(scope contract.Scope, signalID string, at time.Time) error {
	filter := scopeFilter(scope)
	filter["signal_id"] = signalID
	filter["status"] = string(store.SignalReceived)
	_, err := t.coll(collSignals).UpdateOne(t.ctx, filter, bson.M{"$set": bson.M{
		"status":   string(store.SignalAcknowledged),
		"acked_at": at,
	}})
	if err != nil {
		return store.Internal("ack_signal", err)
	}
	return nil
}

// InsertReceipt inserts the dedup receipt. An existing primary key returns
// false with no side effect.
func (t *txn) InsertReceipt(receipt store.InboundMessageReceipt) (bool, error) {
	doc := receiptDoc{
		Provider:       receipt.Provider,
		ProviderTeamID: receipt.ProviderTeamID,
		EventID:        receipt.EventID,
		TenantID:       receipt.Scope.TenantID,
		WorkspaceID:    receipt.Scope.WorkspaceID,
		ReceivedAt:     receipt.ReceivedAt,
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}
	if _, err := t.coll(collReceipts).InsertOne(t.ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, store.Internal("insert_receipt", err)
	}
	return true, nil
}

// PutMessageThread upserts the thread mapping on its conversation identity.
func (t *txn) PutMessageThread(thread store.WorkflowMessageThread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	filter := bson.M{
		"channel_type":     thread.ChannelType,
		"channel_id":       thread.ChannelID,
		"thread_id":        thread.ThreadID,
		"provider_team_id": thread.ProviderTeamID,
	}
	_, err := t.coll(collThreads).ReplaceOne(t.ctx, filter, fromThread(thread),
		options.Replace().SetUpsert(true))
	if err != nil {
		return store.Internal("put_thread", err)
	}
	return nil
}

// InsertInboxSignal lands a pending inbox entry. A duplicate signal id within
// the scope returns false with no side effect.
func (t *txn) InsertInboxSignal(signal store.InboxSignal) (bool, error) {
	if _, err := t.coll(collInbox).InsertOne(t.ctx, fromInbox(signal)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, store.Internal("insert_inbox_signal", err)
	}
	return true, nil
}

// ConsumeInboxSignal marks the inbox entry consumed. Idempotent.
func (t *txn) ConsumeInboxSignal(scope contract.Scope, signalID string, at time.Time) error {
	filter := scopeFilter(scope)
	filter["signal_id"] = signalID
	filter["status"] = string(store.InboxPending)
	_, err := t.coll(collInbox).UpdateOne(t.ctx, filter, bson.M{"$set": bson.M{
		"status":      string(store.InboxConsumed),
		"consumed_at": at,
	}})
	if err != nil {
		return store.Internal("consume_inbox_signal", err)
	}
	return nil
}

// PutSnapshot upserts the workflow's runtime snapshot.
func (t *txn) PutSnapshot(snapshot store.RuntimeSnapshot) error {
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now().UTC()
	}
	filter := scopeFilter(snapshot.Scope)
	filter["workflow_id"] = snapshot.WorkflowID
	_, err := t.coll(collSnapshots).ReplaceOne(t.ctx, filter, fromSnapshot(snapshot),
		options.Replace().SetUpsert(true))
	if err != nil {
		return store.Internal("put_snapshot", err)
	}
	return nil
}

// nextSequence increments and returns the named counter.
func (t *txn) nextSequence(counterID string) (int64, error) {
	var doc counterDoc
	err := t.coll(collCounters).FindOneAndUpdate(t.ctx,
		bson.M{"counter_id": counterID},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, store.Internal("next_sequence", err)
	}
	return doc.Value, nil
}
