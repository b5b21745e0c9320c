package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

type (
	// ReplayTrace is the deterministic skeleton of a workflow derived from its
	// committed records. Two traces of the same workflow built from the same
	// store state are identical.
	ReplayTrace struct {
		WorkflowID string
		Scope      contract.Scope
		Status     store.WorkflowStatus
		StepCount  int
		Steps      []ReplayStep
	}

	// ReplayStep is the replay-relevant projection of one committed step.
	ReplayStep struct {
		StepNumber int
		IntentType contract.IntentType
		Status     store.StepStatus
		ToolName   string
	}

	// Divergence names one difference between a trace and a snapshot.
	Divergence struct {
		Field    string
		Expected string
		Actual   string
	}
)

// BuildReplayTrace derives a replay trace from the workflow's committed
// records.
func BuildReplayTrace(ctx context.Context, reader store.Reader, scope contract.Scope, workflowID string) (*ReplayTrace, error) {
	workflow, ok, err := reader.GetWorkflow(ctx, scope, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.Internal("build_replay_trace", fmt.Errorf("workflow %s not found", workflowID))
	}
	steps, err := reader.ListPlannerSteps(ctx, scope, workflowID)
	if err != nil {
		return nil, err
	}
	trace := &ReplayTrace{
		WorkflowID: workflowID,
		Scope:      scope,
		Status:     workflow.Status,
		StepCount:  workflow.StepCount,
		Steps:      make([]ReplayStep, len(steps)),
	}
	for i, step := range steps {
		trace.Steps[i] = ReplayStep{
			StepNumber: step.StepNumber,
			IntentType: step.IntentType,
			Status:     step.Status,
			ToolName:   step.Intent.ToolName,
		}
	}
	return trace, nil
}

// Snapshot converts the trace into a durable runtime snapshot.
func (t *ReplayTrace) Snapshot() store.RuntimeSnapshot {
	steps := make([]map[string]any, len(t.Steps))
	for i, step := range t.Steps {
		steps[i] = map[string]any{
			"stepNumber": step.StepNumber,
			"intentType": string(step.IntentType),
			"status":     string(step.Status),
			"toolName":   step.ToolName,
		}
	}
	return store.RuntimeSnapshot{
		Scope:      t.Scope,
		WorkflowID: t.WorkflowID,
		Status:     t.Status,
		StepCount:  t.StepCount,
		TakenAt:    time.Now().UTC(),
		Payload:    map[string]any{"steps": steps},
	}
}

// SaveSnapshot persists the trace as the workflow's runtime snapshot.
func (t *ReplayTrace) SaveSnapshot(ctx context.Context, s store.Store) error {
	snapshot := t.Snapshot()
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutSnapshot(snapshot)
	})
}

// DiffReplaySnapshot compares a freshly built trace against a previously
// taken snapshot: step count, workflow status, and per-step status, intent
// type, and tool name. An empty result means the replay converged.
func DiffReplaySnapshot(trace *ReplayTrace, snapshot store.RuntimeSnapshot) []Divergence {
	var diffs []Divergence
	if trace.Status != snapshot.Status {
		diffs = append(diffs, Divergence{
			Field:    "status",
			Expected: string(snapshot.Status),
			Actual:   string(trace.Status),
		})
	}
	if trace.StepCount != snapshot.StepCount {
		diffs = append(diffs, Divergence{
			Field:    "stepCount",
			Expected: fmt.Sprint(snapshot.StepCount),
			Actual:   fmt.Sprint(trace.StepCount),
		})
	}
	steps, _ := snapshot.Payload["steps"].([]map[string]any)
	for i, want := range steps {
		if i >= len(trace.Steps) {
			break
		}
		got := trace.Steps[i]
		prefix := fmt.Sprintf("steps[%d].", i)
		compare := []struct {
			field    string
			expected string
			actual   string
		}{
			{"status", asString(want["status"]), string(got.Status)},
			{"intentType", asString(want["intentType"]), string(got.IntentType)},
			{"toolName", asString(want["toolName"]), got.ToolName},
		}
		for _, c := range compare {
			if c.expected != c.actual {
				diffs = append(diffs, Divergence{Field: prefix + c.field, Expected: c.expected, Actual: c.actual})
			}
		}
	}
	return diffs
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// ResumeWithSignal persists the signal durably, lands it in the workflow's
// inbox, and re-enters the loop so the drain consumes it.
func (l *Loop) ResumeWithSignal(ctx context.Context, req RunRequest, sig contract.WorkflowSignalV1) (*Result, error) {
	if err := contract.ValidateSignal(sig); err != nil {
		return nil, err
	}
	occurred, err := contract.ParseTime(sig.OccurredAt)
	if err != nil {
		return nil, err
	}
	scope := contract.Scope{TenantID: sig.TenantID, WorkspaceID: sig.WorkspaceID}
	event := stream.NewEvent(req.RunID, stream.EventSignalReceived, req.Request.RequestID, req.JobID, map[string]any{
		"signalId":   sig.SignalID,
		"signalType": string(sig.Type),
	})
	event.Scope = scope
	err = l.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendSignal(store.Signal{
			SignalID:   sig.SignalID,
			Scope:      scope,
			WorkflowID: sig.WorkflowID,
			Type:       sig.Type,
			Payload:    sig.Payload,
			OccurredAt: occurred,
			Status:     store.SignalReceived,
		}); err != nil {
			return err
		}
		inserted, err := tx.InsertInboxSignal(store.InboxSignal{
			SignalID:   sig.SignalID,
			Scope:      scope,
			WorkflowID: sig.WorkflowID,
			RunID:      req.RunID,
			Type:       sig.Type,
			Payload:    sig.Payload,
			OccurredAt: occurred,
			Status:     store.InboxPending,
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Redelivery of a known signal. The original inbox entry (or its
			// consumption) already covers it.
			return nil
		}
		return tx.AppendRunEvent(event)
	})
	if err != nil {
		return nil, err
	}
	l.deps.Emitter.Forward(ctx, event)
	return l.Run(ctx, req)
}

// ResumeWithProviderCallback adapts a provider callback into an
// external_event signal and resumes the workflow with it.
func (l *Loop) ResumeWithProviderCallback(ctx context.Context, req RunRequest, cb contract.ProviderCallbackV1) (*Result, error) {
	if err := contract.ValidateProviderCallback(cb); err != nil {
		return nil, err
	}
	payload := map[string]any{"provider": cb.Provider}
	for k, v := range cb.Payload {
		payload[k] = v
	}
	return l.ResumeWithSignal(ctx, req, contract.WorkflowSignalV1{
		SignalID:    cb.CallbackID,
		TenantID:    cb.TenantID,
		WorkspaceID: cb.WorkspaceID,
		WorkflowID:  cb.WorkflowID,
		Type:        contract.SignalExternalEvent,
		OccurredAt:  cb.OccurredAt,
		Payload:     payload,
	})
}
