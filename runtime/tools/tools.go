// Package tools implements the tenant-scoped tool registry. Tools are named,
// schema-validated capabilities; the registry authorizes, validates, and
// dispatches every call. Provider-specific behavior (credentials, idempotency,
// retry) is layered on top by runtime/adapter.
package tools

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/runtime/contract"
)

type (
	// ResultStatus discriminates the adapter result union.
	ResultStatus string

	// Result is the outcome of a tool invocation. Exactly one variant is
	// populated: ok results carry ActionClass/Provider/Data, error results
	// carry ErrorCode/Message/Retryable.
	Result struct {
		// Status selects the variant, ok or error.
		Status ResultStatus `json:"status"`
		// ActionClass classifies the side effect (read, write, notify, ...).
		ActionClass string `json:"actionClass,omitempty"`
		// Provider names the backing provider that served the call.
		Provider string `json:"provider,omitempty"`
		// Data is the provider response payload.
		Data map[string]any `json:"data,omitempty"`
		// ID optionally references the created/affected provider entity.
		ID string `json:"id,omitempty"`
		// ErrorCode is the normalized failure code (HTTP_429, HTTP_500, ...).
		ErrorCode string `json:"errorCode,omitempty"`
		// Message is the human-readable failure description.
		Message string `json:"message,omitempty"`
		// Retryable marks failures the retry layer may attempt again.
		Retryable bool `json:"retryable,omitempty"`
	}

	// Credentials is the tenant-scoped credential bundle resolved for a call.
	// Bundles are per-call values and must never be cached across tenants.
	Credentials struct {
		// Scope is the tenant/workspace the bundle was issued for. It must
		// equal the call scope or the adapter rejects the call.
		Scope contract.Scope
		// Provider names the provider the secrets belong to.
		Provider string
		// Secrets holds the resolved secret material.
		Secrets map[string]string
	}

	// Call carries one tool invocation through the registry and adapter layers.
	Call struct {
		// Scope is the tenant/workspace boundary of the invocation.
		Scope contract.Scope
		// RequestID and StepNumber identify the committing planner step; they
		// feed the idempotency key so replays of the same step dedup.
		RequestID  string
		StepNumber int
		// ToolName is the registered tool to invoke.
		ToolName string
		// Args is the validated argument object.
		Args map[string]any
		// Credentials is populated by the adapter's credential layer, nil when
		// the tool needs none.
		Credentials *Credentials
	}

	// Handler executes a tool call against its provider.
	Handler func(ctx context.Context, call Call) (Result, error)

	// ArgsValidator checks a tool's argument object and returns all issues
	// found. A nil or empty return means the arguments are valid.
	ArgsValidator func(args map[string]any) []contract.FieldIssue

	// Authorizer reports whether a tool is available to the given scope.
	// A nil Authorizer means the tool is available to every scope.
	Authorizer func(scope contract.Scope) bool

	// Definition registers one tool with the registry. ValidateArgs and
	// Execute are mandatory.
	Definition struct {
		// Name uniquely identifies the tool within the registry.
		Name string
		// Description provides context for planners and policy layers.
		Description string
		// Tags carries metadata labels consumed by policy packs.
		Tags []string
		// ValidateArgs checks the argument object before execution.
		ValidateArgs ArgsValidator
		// Execute performs the provider call.
		Execute Handler
		// IsAuthorized optionally restricts the tool to certain scopes.
		IsAuthorized Authorizer
	}

	// ExecutionError is the normalized tool failure carried through the retry
	// layer and recorded on failed steps.
	ExecutionError struct {
		// ToolName is the failing tool.
		ToolName string
		// Code is the normalized failure code.
		Code string
		// Message describes the failure.
		Message string
		// Retryable marks failures eligible for another attempt.
		Retryable bool
	}
)

// Result variants.
const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s: %s", e.ToolName, e.Code, e.Message)
}

// OK builds a successful result.
func OK(actionClass, provider string, data map[string]any) Result {
	return Result{Status: ResultOK, ActionClass: actionClass, Provider: provider, Data: data}
}

// Errorf builds an error result with the given code.
func Errorf(code string, retryable bool, format string, args ...any) Result {
	return Result{
		Status:    ResultError,
		ErrorCode: code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// AsExecutionError converts an error result into the normalized failure type.
// Returns nil for ok results.
func (r Result) AsExecutionError(toolName string) *ExecutionError {
	if r.Status != ResultError {
		return nil
	}
	return &ExecutionError{
		ToolName:  toolName,
		Code:      r.ErrorCode,
		Message:   r.Message,
		Retryable: r.Retryable,
	}
}
