package contract

import (
	"fmt"
	"strings"
	"time"
)

type (
	// FieldIssue describes a single validation failure for one field.
	FieldIssue struct {
		// Field is the JSON name of the offending field.
		Field string
		// Constraint names the violated rule (missing_field, invalid_format,
		// invalid_enum_value, invalid_field_type).
		Constraint string
		// Detail optionally elaborates on the violation.
		Detail string
	}

	// ValidationError aggregates every issue found in a payload. Validation is
	// all-or-nothing: a payload with any issue is rejected before any state
	// mutation, and the error is never retried.
	ValidationError struct {
		// Subject names the validated payload kind.
		Subject string
		// Issues lists all field issues found.
		Issues []FieldIssue
	}
)

// Error joins all issues into a single message.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("%s: validation failed", e.Subject)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		part := issue.Field + " " + issue.Constraint
		if issue.Detail != "" {
			part += " (" + issue.Detail + ")"
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf("%s: %s", e.Subject, strings.Join(parts, "; "))
}

// NewValidationError builds a ValidationError for the given subject.
func NewValidationError(subject string, issues ...FieldIssue) *ValidationError {
	return &ValidationError{Subject: subject, Issues: issues}
}

// Validationf builds a single-issue ValidationError with a formatted detail.
func Validationf(subject, field, constraint, format string, args ...any) *ValidationError {
	return &ValidationError{Subject: subject, Issues: []FieldIssue{{
		Field:      field,
		Constraint: constraint,
		Detail:     fmt.Sprintf(format, args...),
	}}}
}

// ValidateObjectiveRequest checks an ObjectiveRequestV1 envelope. All string
// fields must be non-empty, OccurredAt must parse as RFC 3339 and round-trip,
// and SchemaVersion must be "v1".
func ValidateObjectiveRequest(req ObjectiveRequestV1) error {
	var issues []FieldIssue
	issues = appendRequired(issues, "requestId", req.RequestID)
	issues = appendRequired(issues, "tenantId", req.TenantID)
	issues = appendRequired(issues, "workspaceId", req.WorkspaceID)
	issues = appendRequired(issues, "workflowId", req.WorkflowID)
	issues = appendRequired(issues, "threadId", req.ThreadID)
	issues = appendRequired(issues, "objectivePrompt", req.ObjectivePrompt)
	issues = appendTimestamp(issues, "occurredAt", req.OccurredAt)
	if req.SchemaVersion != SchemaVersionV1 {
		issues = append(issues, FieldIssue{
			Field:      "schemaVersion",
			Constraint: "invalid_enum_value",
			Detail:     fmt.Sprintf("got %q, want %q", req.SchemaVersion, SchemaVersionV1),
		})
	}
	if len(issues) > 0 {
		return NewValidationError("objective_request", issues...)
	}
	return nil
}

// ValidateIntent checks a PlannerIntent union value:
//   - tool_call requires a non-empty tool name and a non-nil args object
//   - ask_user requires a non-empty question
//   - complete allows an optional output object
func ValidateIntent(intent PlannerIntent) error {
	var issues []FieldIssue
	switch intent.Type {
	case IntentToolCall:
		if strings.TrimSpace(intent.ToolName) == "" {
			issues = append(issues, FieldIssue{Field: "toolName", Constraint: "missing_field"})
		}
		if intent.Args == nil {
			issues = append(issues, FieldIssue{Field: "args", Constraint: "missing_field", Detail: "tool_call requires an args object"})
		}
	case IntentAskUser:
		if strings.TrimSpace(intent.Question) == "" {
			issues = append(issues, FieldIssue{Field: "question", Constraint: "missing_field"})
		}
	case IntentComplete:
		// Output is optional.
	default:
		issues = append(issues, FieldIssue{
			Field:      "type",
			Constraint: "invalid_enum_value",
			Detail:     fmt.Sprintf("got %q", intent.Type),
		})
	}
	if len(issues) > 0 {
		return NewValidationError("planner_intent", issues...)
	}
	return nil
}

// ValidateSignal checks a WorkflowSignalV1 envelope.
func ValidateSignal(sig WorkflowSignalV1) error {
	var issues []FieldIssue
	issues = appendRequired(issues, "signalId", sig.SignalID)
	issues = appendRequired(issues, "tenantId", sig.TenantID)
	issues = appendRequired(issues, "workspaceId", sig.WorkspaceID)
	issues = appendRequired(issues, "workflowId", sig.WorkflowID)
	switch sig.Type {
	case SignalApproval, SignalExternalEvent, SignalTimer, SignalUserInput:
	default:
		issues = append(issues, FieldIssue{
			Field:      "type",
			Constraint: "invalid_enum_value",
			Detail:     fmt.Sprintf("got %q", sig.Type),
		})
	}
	issues = appendTimestamp(issues, "occurredAt", sig.OccurredAt)
	if len(issues) > 0 {
		return NewValidationError("workflow_signal", issues...)
	}
	return nil
}

// ValidateProviderCallback checks a ProviderCallbackV1 envelope.
func ValidateProviderCallback(cb ProviderCallbackV1) error {
	var issues []FieldIssue
	issues = appendRequired(issues, "callbackId", cb.CallbackID)
	issues = appendRequired(issues, "tenantId", cb.TenantID)
	issues = appendRequired(issues, "workspaceId", cb.WorkspaceID)
	issues = appendRequired(issues, "workflowId", cb.WorkflowID)
	issues = appendRequired(issues, "provider", cb.Provider)
	issues = appendTimestamp(issues, "occurredAt", cb.OccurredAt)
	if len(issues) > 0 {
		return NewValidationError("provider_callback", issues...)
	}
	return nil
}

func appendRequired(issues []FieldIssue, field, value string) []FieldIssue {
	if strings.TrimSpace(value) == "" {
		issues = append(issues, FieldIssue{Field: field, Constraint: "missing_field"})
	}
	return issues
}

// appendTimestamp requires the value to parse as RFC 3339 and to round-trip
// through formatting, which rejects lossy or ambiguous renderings up front.
func appendTimestamp(issues []FieldIssue, field, value string) []FieldIssue {
	if strings.TrimSpace(value) == "" {
		return append(issues, FieldIssue{Field: field, Constraint: "missing_field"})
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return append(issues, FieldIssue{Field: field, Constraint: "invalid_format", Detail: err.Error()})
	}
	if ts.Format(time.RFC3339) != value && ts.Format(time.RFC3339Nano) != value {
		return append(issues, FieldIssue{Field: field, Constraint: "invalid_format", Detail: "timestamp does not round-trip"})
	}
	return issues
}
