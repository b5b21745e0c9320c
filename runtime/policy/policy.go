// Package policy evaluates versioned policy packs against planner intents and
// classifies approval requirements. Policy runs after intent validation and
// before any side effect: a tool call is observable only behind an allow or
// rewrite decision, plus an approval when the classifier requires one.
package policy

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/runtime/contract"
)

type (
	// Outcome is the policy decision union: allow, rewrite, or block.
	Outcome string

	// PackRef identifies the versioned rule set that produced a decision.
	// Determinism contract: for the same Input and pack version, Evaluate
	// must return the same Decision.
	PackRef struct {
		ID      string `json:"id" yaml:"id"`
		Version string `json:"version" yaml:"version"`
	}

	// Input is the policy stage input for one planner step.
	Input struct {
		// Request is the objective request driving the workflow.
		Request contract.ObjectiveRequestV1
		// StepIndex is the zero-based step being gated.
		StepIndex int
		// Intent is the validated planner intent.
		Intent contract.PlannerIntent
		// PlannerInput is the context the planner decided from.
		PlannerInput contract.PlannerInputV1
		// Pack names the policy pack to evaluate.
		Pack PackRef
	}

	// Decision is the policy stage output. Rewrite decisions carry both the
	// original and the substituted intent so audit records preserve both.
	Decision struct {
		// Outcome is allow, rewrite, or block.
		Outcome Outcome `json:"outcome"`
		// Pack is the rule set that decided.
		Pack PackRef `json:"pack"`
		// Reason optionally explains block/rewrite decisions.
		Reason string `json:"reason,omitempty"`
		// Rewritten is the substituted intent for rewrite outcomes.
		Rewritten *contract.PlannerIntent `json:"rewritten,omitempty"`
	}

	// Classification is the approval stage output for one step.
	Classification struct {
		// RiskClass buckets the intent (low, medium, high, ...).
		RiskClass string `json:"riskClass"`
		// RequiresApproval gates execution behind an approval signal.
		RequiresApproval bool `json:"requiresApproval"`
		// ReasonCode explains why approval is required.
		ReasonCode string `json:"reasonCode,omitempty"`
	}

	// Engine evaluates a policy pack. Implementations must be deterministic
	// with respect to (Input, pack version).
	Engine interface {
		Evaluate(ctx context.Context, input Input) (Decision, error)
	}

	// Classifier decides whether an allowed/rewritten intent needs a human
	// approval before execution.
	Classifier interface {
		Classify(ctx context.Context, input Input, decision Decision) (Classification, error)
	}

	// BlockedError reports a policy block. The step fails with a policy_block
	// audit record and no side effect is performed.
	BlockedError struct {
		// PolicyID names the blocking pack.
		PolicyID string
		// Reason explains the block.
		Reason string
	}

	// ApprovalRequiredError is not a failure: it parks the workflow as
	// waiting_signal until a matching approval signal arrives.
	ApprovalRequiredError struct {
		// ApprovalID correlates the pending approval with its signal.
		ApprovalID string
		// Reason is the classifier reason code.
		Reason string
	}
)

// Policy outcomes.
const (
	OutcomeAllow   Outcome = "allow"
	OutcomeRewrite Outcome = "rewrite"
	OutcomeBlock   Outcome = "block"
)

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy %s blocked intent: %s", e.PolicyID, e.Reason)
}

// Error implements the error interface.
func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval %s required: %s", e.ApprovalID, e.Reason)
}

// Effective returns the intent that proceeds after the decision: the rewrite
// when present, the original otherwise.
func (d Decision) Effective(original contract.PlannerIntent) contract.PlannerIntent {
	if d.Outcome == OutcomeRewrite && d.Rewritten != nil {
		return *d.Rewritten
	}
	return original
}
