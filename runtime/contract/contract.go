// Package contract defines the versioned envelopes exchanged at every runtime
// entry point: objective requests, planner intents, workflow signals, and
// provider callbacks. All payloads are validated before any state mutation;
// a single invalid field rejects the whole payload.
package contract

import (
	"encoding/json"
	"time"
)

// SchemaVersionV1 is the only request schema version the runtime accepts.
const SchemaVersionV1 = "v1"

type (
	// Scope identifies the tenant/workspace isolation boundary. Every entity
	// and every operation carries a Scope; nothing crosses it unless the
	// caller sets an explicit cross-tenant-read flag (replay tooling only).
	Scope struct {
		// TenantID is the top-level isolation key.
		TenantID string `json:"tenantId"`
		// WorkspaceID is the second-level isolation key within the tenant.
		WorkspaceID string `json:"workspaceId"`
	}

	// ObjectiveRequestV1 is the versioned ask that starts a workflow. It is
	// immutable once committed; RequestID is unique per scope.
	ObjectiveRequestV1 struct {
		// RequestID uniquely identifies the request within the scope.
		RequestID string `json:"requestId"`
		// TenantID and WorkspaceID form the request scope.
		TenantID    string `json:"tenantId"`
		WorkspaceID string `json:"workspaceId"`
		// WorkflowID names the durable workflow the request drives.
		WorkflowID string `json:"workflowId"`
		// ThreadID ties the workflow to a conversation thread identity.
		ThreadID string `json:"threadId"`
		// OccurredAt is the RFC 3339 timestamp of the originating ask.
		OccurredAt string `json:"occurredAt"`
		// ObjectivePrompt is the free-form objective handed to the planner.
		ObjectivePrompt string `json:"objectivePrompt"`
		// SchemaVersion must equal "v1".
		SchemaVersion string `json:"schemaVersion"`
	}

	// IntentType discriminates the planner intent union.
	IntentType string

	// PlannerIntent is the tagged union returned by the planning function.
	// Exactly the fields of the active variant are consulted:
	//   - tool_call: ToolName and Args
	//   - ask_user:  Question
	//   - complete:  Output (optional)
	PlannerIntent struct {
		// Type selects the variant.
		Type IntentType `json:"type"`
		// ToolName names the registered tool for tool_call intents.
		ToolName string `json:"toolName,omitempty"`
		// Args carries the tool arguments for tool_call intents.
		Args map[string]any `json:"args,omitempty"`
		// Question is the operator question for ask_user intents.
		Question string `json:"question,omitempty"`
		// Output is the optional completion payload for complete intents.
		Output map[string]any `json:"output,omitempty"`
	}

	// PlannerInputV1 is the planning context composed for each step.
	PlannerInputV1 struct {
		// ObjectivePrompt is the original objective.
		ObjectivePrompt string `json:"objectivePrompt"`
		// MemoryContext carries long-term memory excerpts, if any.
		MemoryContext string `json:"memoryContext,omitempty"`
		// PriorSteps summarizes the steps already committed for the workflow.
		PriorSteps []StepSummary `json:"priorSteps,omitempty"`
		// PolicyConstraints lists constraints the active policy pack imposes.
		PolicyConstraints []string `json:"policyConstraints,omitempty"`
		// AvailableTools lists the tool names authorized for the scope.
		AvailableTools []string `json:"availableTools"`
		// StepIndex is the zero-based number of the step being planned.
		StepIndex int `json:"stepIndex"`
		// Scope is the tenant/workspace boundary of the run.
		Scope Scope `json:"scope"`
	}

	// StepSummary is the compact prior-step view handed to the planner.
	StepSummary struct {
		StepNumber int        `json:"stepNumber"`
		IntentType IntentType `json:"intentType"`
		Status     string     `json:"status"`
		ToolName   string     `json:"toolName,omitempty"`
		Question   string     `json:"question,omitempty"`
		Summary    string     `json:"summary,omitempty"`
	}

	// SignalType enumerates the external events that resume a workflow.
	SignalType string

	// WorkflowSignalV1 is the versioned envelope for external events delivered
	// to a waiting workflow.
	WorkflowSignalV1 struct {
		// SignalID uniquely identifies the signal within the scope.
		SignalID string `json:"signalId"`
		// TenantID and WorkspaceID form the signal scope.
		TenantID    string `json:"tenantId"`
		WorkspaceID string `json:"workspaceId"`
		// WorkflowID names the waiting workflow.
		WorkflowID string `json:"workflowId"`
		// Type is one of the allowed signal types.
		Type SignalType `json:"type"`
		// OccurredAt is the RFC 3339 timestamp of the external event.
		OccurredAt string `json:"occurredAt"`
		// Payload carries the type-specific signal body.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// ProviderCallbackV1 is the envelope for provider-originated callbacks
	// (delivery receipts, timer fires, webhook events) correlated to a
	// workflow by the ingress adapter.
	ProviderCallbackV1 struct {
		// CallbackID uniquely identifies the callback within the scope.
		CallbackID string `json:"callbackId"`
		// TenantID and WorkspaceID form the callback scope.
		TenantID    string `json:"tenantId"`
		WorkspaceID string `json:"workspaceId"`
		// WorkflowID names the waiting workflow.
		WorkflowID string `json:"workflowId"`
		// Provider identifies the originating provider.
		Provider string `json:"provider"`
		// OccurredAt is the RFC 3339 timestamp of the callback.
		OccurredAt string `json:"occurredAt"`
		// Payload carries the provider-specific body.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// Planner intent variants.
const (
	IntentToolCall IntentType = "tool_call"
	IntentAskUser  IntentType = "ask_user"
	IntentComplete IntentType = "complete"
)

// Signal types.
const (
	SignalApproval      SignalType = "approval"
	SignalExternalEvent SignalType = "external_event"
	SignalTimer         SignalType = "timer"
	SignalUserInput     SignalType = "user_input"
)

// Scope returns the request scope.
func (r ObjectiveRequestV1) Scope() Scope {
	return Scope{TenantID: r.TenantID, WorkspaceID: r.WorkspaceID}
}

// Scope returns the signal scope.
func (s WorkflowSignalV1) Scope() Scope {
	return Scope{TenantID: s.TenantID, WorkspaceID: s.WorkspaceID}
}

// Scope returns the callback scope.
func (c ProviderCallbackV1) Scope() Scope {
	return Scope{TenantID: c.TenantID, WorkspaceID: c.WorkspaceID}
}

// Equal reports whether two scopes name the same tenant/workspace pair.
func (s Scope) Equal(other Scope) bool {
	return s.TenantID == other.TenantID && s.WorkspaceID == other.WorkspaceID
}

// IsZero reports whether the scope is empty.
func (s Scope) IsZero() bool {
	return s.TenantID == "" && s.WorkspaceID == ""
}

// String renders the scope as "tenant/workspace" for logs and lock keys.
func (s Scope) String() string {
	return s.TenantID + "/" + s.WorkspaceID
}

// MarshalJSON keeps the intent union stable on the wire: only the fields of
// the active variant are emitted.
func (i PlannerIntent) MarshalJSON() ([]byte, error) {
	type alias PlannerIntent
	out := alias{Type: i.Type}
	switch i.Type {
	case IntentToolCall:
		out.ToolName = i.ToolName
		out.Args = i.Args
	case IntentAskUser:
		out.Question = i.Question
	case IntentComplete:
		out.Output = i.Output
	default:
		out = alias(i)
	}
	return json.Marshal(out)
}

// ParseTime parses an RFC 3339 timestamp carried by an envelope.
func ParseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}
