package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/runtime/contract"
)

type (
	// RulePack is a declarative, versioned rule set covering the common case:
	// explicit tool allow/block lists, tool rewrites, and approval
	// requirements by tool or risk class. Packs load from YAML so operators
	// can version them alongside deployment config.
	RulePack struct {
		// ID and Version identify the pack in decisions and audit records.
		ID      string `yaml:"id"`
		Version string `yaml:"version"`
		// AllowTools restricts tool_call intents to these names. Empty means
		// every registered tool is allowed.
		AllowTools []string `yaml:"allowTools,omitempty"`
		// BlockTools rejects these tools regardless of AllowTools.
		BlockTools []string `yaml:"blockTools,omitempty"`
		// Rewrites substitutes one tool for another, preserving arguments.
		Rewrites map[string]string `yaml:"rewrites,omitempty"`
		// Constraints is surfaced to the planner as policy constraints text.
		Constraints []string `yaml:"constraints,omitempty"`
		// Approval configures the approval classifier.
		Approval ApprovalRules `yaml:"approval,omitempty"`
	}

	// ApprovalRules drive risk classification per tool.
	ApprovalRules struct {
		// RequireForTools forces approval for these tool names.
		RequireForTools []string `yaml:"requireForTools,omitempty"`
		// RiskClasses maps tool name to risk class; unlisted tools are "low".
		RiskClasses map[string]string `yaml:"riskClasses,omitempty"`
		// HighRiskRequiresApproval forces approval for any tool whose risk
		// class is "high".
		HighRiskRequiresApproval bool `yaml:"highRiskRequiresApproval,omitempty"`
	}

	// RuleEngine implements Engine and Classifier over a RulePack. Decisions
	// are pure functions of (input, pack), satisfying the determinism
	// contract.
	RuleEngine struct {
		pack  RulePack
		allow map[string]struct{}
		block map[string]struct{}
		gated map[string]struct{}
	}
)

// LoadPack parses a RulePack from YAML bytes.
func LoadPack(data []byte) (RulePack, error) {
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return RulePack{}, fmt.Errorf("parse policy pack: %w", err)
	}
	if strings.TrimSpace(pack.ID) == "" || strings.TrimSpace(pack.Version) == "" {
		return RulePack{}, fmt.Errorf("policy pack requires id and version")
	}
	return pack, nil
}

// LoadPackFile parses a RulePack from a YAML file.
func LoadPackFile(path string) (RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RulePack{}, fmt.Errorf("read policy pack: %w", err)
	}
	return LoadPack(data)
}

// NewRuleEngine builds an engine over the pack.
func NewRuleEngine(pack RulePack) (*RuleEngine, error) {
	if strings.TrimSpace(pack.ID) == "" || strings.TrimSpace(pack.Version) == "" {
		return nil, fmt.Errorf("policy pack requires id and version")
	}
	return &RuleEngine{
		pack:  pack,
		allow: toSet(pack.AllowTools),
		block: toSet(pack.BlockTools),
		gated: toSet(pack.Approval.RequireForTools),
	}, nil
}

// Ref returns the pack identity.
func (e *RuleEngine) Ref() PackRef {
	return PackRef{ID: e.pack.ID, Version: e.pack.Version}
}

// Constraints returns the constraint text surfaced to planners.
func (e *RuleEngine) Constraints() []string {
	return append([]string(nil), e.pack.Constraints...)
}

// Evaluate applies the pack to the intent. Non-tool intents are always
// allowed; tool calls pass through block, rewrite, then allow lists.
func (e *RuleEngine) Evaluate(_ context.Context, input Input) (Decision, error) {
	ref := e.Ref()
	if input.Intent.Type != contract.IntentToolCall {
		return Decision{Outcome: OutcomeAllow, Pack: ref}, nil
	}
	name := input.Intent.ToolName
	if _, blocked := e.block[name]; blocked {
		return Decision{
			Outcome: OutcomeBlock,
			Pack:    ref,
			Reason:  fmt.Sprintf("tool %q is blocked by pack %s@%s", name, ref.ID, ref.Version),
		}, nil
	}
	if target, ok := e.pack.Rewrites[name]; ok && target != name {
		rewritten := input.Intent
		rewritten.ToolName = target
		return Decision{
			Outcome:   OutcomeRewrite,
			Pack:      ref,
			Reason:    fmt.Sprintf("tool %q rewritten to %q", name, target),
			Rewritten: &rewritten,
		}, nil
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[name]; !ok {
			return Decision{
				Outcome: OutcomeBlock,
				Pack:    ref,
				Reason:  fmt.Sprintf("tool %q is not in the pack allowlist", name),
			}, nil
		}
	}
	return Decision{Outcome: OutcomeAllow, Pack: ref}, nil
}

// Classify applies the approval rules to the effective intent.
func (e *RuleEngine) Classify(_ context.Context, input Input, decision Decision) (Classification, error) {
	intent := decision.Effective(input.Intent)
	if intent.Type != contract.IntentToolCall {
		return Classification{RiskClass: "low"}, nil
	}
	risk := e.pack.Approval.RiskClasses[intent.ToolName]
	if risk == "" {
		risk = "low"
	}
	if _, gated := e.gated[intent.ToolName]; gated {
		return Classification{RiskClass: risk, RequiresApproval: true, ReasonCode: "tool_requires_approval"}, nil
	}
	if e.pack.Approval.HighRiskRequiresApproval && risk == "high" {
		return Classification{RiskClass: risk, RequiresApproval: true, ReasonCode: "high_risk_tool"}, nil
	}
	return Classification{RiskClass: risk}, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
