package inmem

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
)

// --- arena reads (shared by store and tx views) ---

func (a *arena) getWorkflow(scope contract.Scope, workflowID string) (store.Workflow, bool, error) {
	wf, ok := a.workflows[scopeKey(scope, workflowID)]
	if !ok {
		return store.Workflow{}, false, nil
	}
	return cloneWorkflow(wf), true, nil
}

func (a *arena) findWorkflowByID(workflowID string) (store.Workflow, bool, error) {
	for _, wf := range a.workflows {
		if wf.WorkflowID == workflowID {
			return cloneWorkflow(wf), true, nil
		}
	}
	return store.Workflow{}, false, nil
}

func (a *arena) listSteps(scope contract.Scope, workflowID string) []store.PlannerStep {
	steps := a.steps[scopeKey(scope, workflowID)]
	out := make([]store.PlannerStep, len(steps))
	for i, step := range steps {
		out[i] = cloneStep(step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

func (a *arena) listRequests(scope contract.Scope) []contract.ObjectiveRequestV1 {
	var out []contract.ObjectiveRequestV1
	for _, req := range a.requests {
		if req.Scope().Equal(scope) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt < out[j].OccurredAt })
	return out
}

func (a *arena) listSignals(scope contract.Scope, workflowID string) []store.Signal {
	var out []store.Signal
	for _, sig := range a.signals {
		if sig.Scope.Equal(scope) && sig.WorkflowID == workflowID {
			out = append(out, cloneSignal(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

func (a *arena) listPolicies(scope contract.Scope, workflowID string) []store.PolicyDecisionRecord {
	var out []store.PolicyDecisionRecord
	for _, rec := range a.policies {
		if rec.Scope.Equal(scope) && rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out
}

func (a *arena) listApprovals(scope contract.Scope, workflowID string) []store.ApprovalDecisionRecord {
	var out []store.ApprovalDecisionRecord
	for _, rec := range a.approvals {
		if rec.Scope.Equal(scope) && rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out
}

func (a *arena) listAudits(query store.AuditQuery) []store.AuditRecord {
	var out []store.AuditRecord
	for _, rec := range a.audits {
		if !query.CrossTenant && !rec.Scope.Equal(query.Scope) {
			continue
		}
		if query.RequestID != "" && rec.RequestID != query.RequestID {
			continue
		}
		rec.Detail = cloneMap(rec.Detail)
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].StepNumber < out[j].StepNumber
	})
	return out
}

func (a *arena) listEvents(runID string) []store.RunEvent {
	events := a.events[runID]
	out := make([]store.RunEvent, len(events))
	for i, event := range events {
		event.Payload = cloneMap(event.Payload)
		out[i] = event
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamPosition < out[j].StreamPosition })
	return out
}

func (a *arena) getJob(scope contract.Scope, requestID string) (store.QueueJob, bool, error) {
	jobID, ok := a.jobByReq[scopeKey(scope, requestID)]
	if !ok {
		return store.QueueJob{}, false, nil
	}
	return a.jobs[jobID], true, nil
}

func (a *arena) listPendingInbox(scope contract.Scope, workflowID string) []store.InboxSignal {
	var out []store.InboxSignal
	for _, sig := range a.inbox {
		if !sig.Scope.Equal(scope) || sig.WorkflowID != workflowID || sig.Status != store.InboxPending {
			continue
		}
		sig.Payload = cloneMap(sig.Payload)
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

func (a *arena) findThread(channelType, channelID, threadID, providerTeamID string) (store.WorkflowMessageThread, bool, error) {
	thread, ok := a.threads[threadKey(channelType, channelID, threadID, providerTeamID)]
	if ok {
		return thread, true, nil
	}
	// Fall back to a team-agnostic match for providers without team scoping.
	if providerTeamID != "" {
		thread, ok = a.threads[threadKey(channelType, channelID, threadID, "")]
	}
	return thread, ok, nil
}

func threadKey(channelType, channelID, threadID, providerTeamID string) string {
	return channelType + "|" + channelID + "|" + threadID + "|" + providerTeamID
}

// --- tx view ---

func (t *tx) GetWorkflow(_ context.Context, scope contract.Scope, workflowID string) (store.Workflow, bool, error) {
	return t.arena.getWorkflow(scope, workflowID)
}

func (t *tx) FindWorkflowByID(_ context.Context, workflowID string) (store.Workflow, bool, error) {
	return t.arena.findWorkflowByID(workflowID)
}

func (t *tx) ListPlannerSteps(_ context.Context, scope contract.Scope, workflowID string) ([]store.PlannerStep, error) {
	return t.arena.listSteps(scope, workflowID), nil
}

func (t *tx) ListObjectiveRequests(_ context.Context, scope contract.Scope) ([]contract.ObjectiveRequestV1, error) {
	return t.arena.listRequests(scope), nil
}

func (t *tx) ListSignals(_ context.Context, scope contract.Scope, workflowID string) ([]store.Signal, error) {
	return t.arena.listSignals(scope, workflowID), nil
}

func (t *tx) ListPolicyDecisions(_ context.Context, scope contract.Scope, workflowID string) ([]store.PolicyDecisionRecord, error) {
	return t.arena.listPolicies(scope, workflowID), nil
}

func (t *tx) ListApprovalDecisions(_ context.Context, scope contract.Scope, workflowID string) ([]store.ApprovalDecisionRecord, error) {
	return t.arena.listApprovals(scope, workflowID), nil
}

func (t *tx) ListAuditRecords(_ context.Context, query store.AuditQuery) ([]store.AuditRecord, error) {
	return t.arena.listAudits(query), nil
}

func (t *tx) ListRunEvents(_ context.Context, runID string) ([]store.RunEvent, error) {
	return t.arena.listEvents(runID), nil
}

func (t *tx) GetQueueJob(_ context.Context, scope contract.Scope, requestID string) (store.QueueJob, bool, error) {
	return t.arena.getJob(scope, requestID)
}

func (t *tx) ListPendingInboxSignals(_ context.Context, scope contract.Scope, workflowID string) ([]store.InboxSignal, error) {
	return t.arena.listPendingInbox(scope, workflowID), nil
}

func (t *tx) FindMessageThread(_ context.Context, channelType, channelID, threadID, providerTeamID string) (store.WorkflowMessageThread, bool, error) {
	return t.arena.findThread(channelType, channelID, threadID, providerTeamID)
}

func (t *tx) GetSnapshot(_ context.Context, scope contract.Scope, workflowID string) (store.RuntimeSnapshot, bool, error) {
	snap, ok := t.arena.snapshots[scopeKey(scope, workflowID)]
	if !ok {
		return store.RuntimeSnapshot{}, false, nil
	}
	snap.Payload = cloneMap(snap.Payload)
	return snap, true, nil
}

// --- tx mutations ---

// AppendObjectiveRequest commits the request. Requests are immutable:
// re-appending an existing RequestID is a no-op so enqueue retries do not
// fail the transaction.
func (t *tx) AppendObjectiveRequest(req contract.ObjectiveRequestV1) error {
	key := scopeKey(req.Scope(), req.RequestID)
	if _, exists := t.arena.requests[key]; exists {
		return nil
	}
	t.arena.requests[key] = req
	return nil
}

// PutWorkflow writes the workflow record. Terminal workflows are immutable.
func (t *tx) PutWorkflow(workflow store.Workflow) error {
	key := scopeKey(workflow.Scope, workflow.WorkflowID)
	if existing, ok := t.arena.workflows[key]; ok && existing.Status.Terminal() {
		return store.Internal("put_workflow", fmt.Errorf("workflow %s is terminal (%s)", workflow.WorkflowID, existing.Status))
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = time.Now().UTC()
	}
	workflow.UpdatedAt = time.Now().UTC()
	t.arena.workflows[key] = cloneWorkflow(workflow)
	return nil
}

// AppendPlannerStep commits one step. Step numbers must be gap-free: the new
// step's number must equal the current step count.
func (t *tx) AppendPlannerStep(step store.PlannerStep) error {
	key := scopeKey(step.Scope, step.WorkflowID)
	steps := t.arena.steps[key]
	if step.StepNumber != len(steps) {
		return store.Internal("append_step", fmt.Errorf(
			"workflow %s step %d breaks gap-free ordering (have %d steps)",
			step.WorkflowID, step.StepNumber, len(steps),
		))
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	t.arena.steps[key] = append(steps, cloneStep(step))
	return nil
}

func (t *tx) AppendAuditRecord(record store.AuditRecord) error {
	if record.AuditID == "" {
		record.AuditID = newID()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	record.Detail = cloneMap(record.Detail)
	t.arena.audits = append(t.arena.audits, record)
	return nil
}

func (t *tx) AppendPolicyDecision(record store.PolicyDecisionRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	t.arena.policies = append(t.arena.policies, record)
	return nil
}

func (t *tx) AppendApprovalDecision(record store.ApprovalDecisionRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	t.arena.approvals = append(t.arena.approvals, record)
	return nil
}

// AppendRunEvent assigns the next stream position for the run and a global
// event sequence. Duplicate event IDs are ignored (idempotent append).
func (t *tx) AppendRunEvent(event store.RunEvent) error {
	if event.EventID == "" {
		event.EventID = newID()
	}
	if _, dup := t.arena.eventIDs[event.EventID]; dup {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	events := t.arena.events[event.RunID]
	var maxPos int64
	for _, existing := range events {
		if existing.StreamPosition > maxPos {
			maxPos = existing.StreamPosition
		}
	}
	event.StreamPosition = maxPos + 1
	t.store.seq++
	event.EventSequence = t.store.seq
	event.Payload = cloneMap(event.Payload)
	t.arena.events[event.RunID] = append(events, event)
	t.arena.eventIDs[event.EventID] = struct{}{}
	return nil
}

func (t *tx) AppendSignal(signal store.Signal) error {
	key := scopeKey(signal.Scope, signal.SignalID)
	if _, exists := t.arena.signals[key]; exists {
		return nil
	}
	if signal.Status == "" {
		signal.Status = store.SignalReceived
	}
	t.arena.signals[key] = cloneSignal(signal)
	return nil
}

// AckSignal marks the signal acknowledged. Acknowledgement is idempotent.
func (t *tx) AckSignal(scope contract.Scope, signalID string, at time.Time) error {
	key := scopeKey(scope, signalID)
	sig, ok := t.arena.signals[key]
	if !ok || sig.Status == store.SignalAcknowledged {
		return nil
	}
	sig.Status = store.SignalAcknowledged
	sig.AckedAt = &at
	t.arena.signals[key] = sig
	return nil
}

// InsertReceipt inserts the receipt unless its primary key already exists.
func (t *tx) InsertReceipt(receipt store.InboundMessageReceipt) (bool, error) {
	key := receipt.Provider + "|" + receipt.ProviderTeamID + "|" + receipt.EventID
	if _, exists := t.arena.receipts[key]; exists {
		return false, nil
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}
	t.arena.receipts[key] = receipt
	return true, nil
}

func (t *tx) PutMessageThread(thread store.WorkflowMessageThread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	t.arena.threads[threadKey(thread.ChannelType, thread.ChannelID, thread.ThreadID, thread.ProviderTeamID)] = thread
	return nil
}

// InsertInboxSignal lands a pending signal. Duplicate signal IDs within the
// scope are rejected without side effect.
func (t *tx) InsertInboxSignal(signal store.InboxSignal) (bool, error) {
	key := scopeKey(signal.Scope, signal.SignalID)
	if _, exists := t.arena.inbox[key]; exists {
		return false, nil
	}
	if signal.Status == "" {
		signal.Status = store.InboxPending
	}
	if signal.OccurredAt.IsZero() {
		signal.OccurredAt = time.Now().UTC()
	}
	signal.Payload = cloneMap(signal.Payload)
	t.arena.inbox[key] = signal
	return true, nil
}

// ConsumeInboxSignal marks the inbox entry consumed. Idempotent.
func (t *tx) ConsumeInboxSignal(scope contract.Scope, signalID string, at time.Time) error {
	key := scopeKey(scope, signalID)
	sig, ok := t.arena.inbox[key]
	if !ok || sig.Status == store.InboxConsumed {
		return nil
	}
	sig.Status = store.InboxConsumed
	sig.ConsumedAt = &at
	t.arena.inbox[key] = sig
	return nil
}

func (t *tx) PutSnapshot(snapshot store.RuntimeSnapshot) error {
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now().UTC()
	}
	snapshot.Payload = cloneMap(snapshot.Payload)
	t.arena.snapshots[scopeKey(snapshot.Scope, snapshot.WorkflowID)] = snapshot
	return nil
}

// --- deep copies ---

func (a *arena) clone() *arena {
	dup := newArena()
	for k, v := range a.requests {
		dup.requests[k] = v
	}
	for k, v := range a.workflows {
		dup.workflows[k] = cloneWorkflow(v)
	}
	for k, v := range a.steps {
		steps := make([]store.PlannerStep, len(v))
		for i, step := range v {
			steps[i] = cloneStep(step)
		}
		dup.steps[k] = steps
	}
	for k, v := range a.signals {
		dup.signals[k] = cloneSignal(v)
	}
	dup.policies = append(dup.policies, a.policies...)
	dup.approvals = append(dup.approvals, a.approvals...)
	dup.audits = append(dup.audits, a.audits...)
	for k, v := range a.events {
		dup.events[k] = append([]store.RunEvent(nil), v...)
	}
	for k := range a.eventIDs {
		dup.eventIDs[k] = struct{}{}
	}
	for k, v := range a.jobs {
		dup.jobs[k] = v
	}
	for k, v := range a.jobByReq {
		dup.jobByReq[k] = v
	}
	for k, v := range a.receipts {
		dup.receipts[k] = v
	}
	for k, v := range a.threads {
		dup.threads[k] = v
	}
	for k, v := range a.inbox {
		dup.inbox[k] = v
	}
	for k, v := range a.snapshots {
		dup.snapshots[k] = v
	}
	return dup
}

func cloneWorkflow(wf store.Workflow) store.Workflow {
	wf.Completion = cloneMap(wf.Completion)
	if wf.PendingApproval != nil {
		pa := *wf.PendingApproval
		pa.Intent = cloneIntent(pa.Intent)
		wf.PendingApproval = &pa
	}
	return wf
}

func cloneStep(step store.PlannerStep) store.PlannerStep {
	step.Intent = cloneIntent(step.Intent)
	if step.ToolResult != nil {
		result := *step.ToolResult
		result.Data = cloneMap(result.Data)
		step.ToolResult = &result
	}
	return step
}

func cloneSignal(sig store.Signal) store.Signal {
	sig.Payload = cloneMap(sig.Payload)
	return sig
}

func cloneIntent(intent contract.PlannerIntent) contract.PlannerIntent {
	intent.Args = cloneMap(intent.Args)
	intent.Output = cloneMap(intent.Output)
	return intent
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		switch vv := v.(type) {
		case map[string]any:
			dst[k] = cloneMap(vv)
		case []any:
			items := make([]any, len(vv))
			for i, item := range vv {
				if m, ok := item.(map[string]any); ok {
					items[i] = cloneMap(m)
				} else {
					items[i] = item
				}
			}
			dst[k] = items
		default:
			dst[k] = v
		}
	}
	return dst
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)
