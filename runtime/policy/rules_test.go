package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/policy"
)

const packYAML = `
id: core
version: v3
allowTools:
  - send_message
  - create_ticket
  - wire_transfer
blockTools:
  - delete_everything
rewrites:
  email: send_message
constraints:
  - never contact customers directly
approval:
  requireForTools:
    - wire_transfer
  riskClasses:
    wire_transfer: high
    create_ticket: medium
  highRiskRequiresApproval: true
`

func loadedEngine(t *testing.T) *policy.RuleEngine {
	t.Helper()
	pack, err := policy.LoadPack([]byte(packYAML))
	require.NoError(t, err)
	engine, err := policy.NewRuleEngine(pack)
	require.NoError(t, err)
	return engine
}

func toolInput(name string) policy.Input {
	return policy.Input{
		Intent: contract.PlannerIntent{
			Type:     contract.IntentToolCall,
			ToolName: name,
			Args:     map[string]any{"target": "oncall"},
		},
	}
}

func TestLoadPackParsesYAML(t *testing.T) {
	pack, err := policy.LoadPack([]byte(packYAML))
	require.NoError(t, err)
	require.Equal(t, "core", pack.ID)
	require.Equal(t, "v3", pack.Version)
	require.Equal(t, []string{"send_message", "create_ticket", "wire_transfer"}, pack.AllowTools)
	require.Equal(t, "send_message", pack.Rewrites["email"])
	require.True(t, pack.Approval.HighRiskRequiresApproval)
	require.Equal(t, "high", pack.Approval.RiskClasses["wire_transfer"])
}

func TestLoadPackRequiresIdentity(t *testing.T) {
	_, err := policy.LoadPack([]byte("id: core\n"))
	require.ErrorContains(t, err, "id and version")

	_, err = policy.LoadPack([]byte("id: [broken"))
	require.ErrorContains(t, err, "parse policy pack")
}

func TestLoadPackFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(packYAML), 0o600))

	pack, err := policy.LoadPackFile(path)
	require.NoError(t, err)
	require.Equal(t, "core", pack.ID)

	_, err = policy.LoadPackFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read policy pack")
}

func TestEvaluateAllowsListedTool(t *testing.T) {
	engine := loadedEngine(t)
	decision, err := engine.Evaluate(context.Background(), toolInput("send_message"))
	require.NoError(t, err)
	require.Equal(t, policy.OutcomeAllow, decision.Outcome)
	require.Equal(t, policy.PackRef{ID: "core", Version: "v3"}, decision.Pack)
}

func TestEvaluateBlocksByListAndAllowlist(t *testing.T) {
	engine := loadedEngine(t)

	decision, err := engine.Evaluate(context.Background(), toolInput("delete_everything"))
	require.NoError(t, err)
	require.Equal(t, policy.OutcomeBlock, decision.Outcome)
	require.Contains(t, decision.Reason, "blocked by pack core@v3")

	decision, err = engine.Evaluate(context.Background(), toolInput("launch_rocket"))
	require.NoError(t, err)
	require.Equal(t, policy.OutcomeBlock, decision.Outcome)
	require.Contains(t, decision.Reason, "not in the pack allowlist")
}

func TestEvaluateRewritePreservesArgs(t *testing.T) {
	engine := loadedEngine(t)
	input := toolInput("email")

	decision, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, policy.OutcomeRewrite, decision.Outcome)
	require.NotNil(t, decision.Rewritten)
	require.Equal(t, "send_message", decision.Rewritten.ToolName)
	require.Equal(t, input.Intent.Args, decision.Rewritten.Args)

	effective := decision.Effective(input.Intent)
	require.Equal(t, "send_message", effective.ToolName)
}

func TestEvaluateAllowsNonToolIntents(t *testing.T) {
	engine := loadedEngine(t)
	for _, intent := range []contract.PlannerIntent{
		{Type: contract.IntentAskUser, Question: "proceed?"},
		{Type: contract.IntentComplete},
	} {
		decision, err := engine.Evaluate(context.Background(), policy.Input{Intent: intent})
		require.NoError(t, err)
		require.Equal(t, policy.OutcomeAllow, decision.Outcome)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := loadedEngine(t)
	input := toolInput("email")
	first, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := engine.Evaluate(context.Background(), input)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestClassifyGatesConfiguredTools(t *testing.T) {
	engine := loadedEngine(t)
	input := toolInput("wire_transfer")
	decision, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)

	class, err := engine.Classify(context.Background(), input, decision)
	require.NoError(t, err)
	require.True(t, class.RequiresApproval)
	require.Equal(t, "high", class.RiskClass)
	require.Equal(t, "tool_requires_approval", class.ReasonCode)
}

func TestClassifyHighRiskWithoutExplicitGate(t *testing.T) {
	pack, err := policy.LoadPack([]byte(packYAML))
	require.NoError(t, err)
	pack.Approval.RequireForTools = nil
	engine, err := policy.NewRuleEngine(pack)
	require.NoError(t, err)

	input := toolInput("wire_transfer")
	class, err := engine.Classify(context.Background(), input, policy.Decision{Outcome: policy.OutcomeAllow})
	require.NoError(t, err)
	require.True(t, class.RequiresApproval)
	require.Equal(t, "high_risk_tool", class.ReasonCode)
}

func TestClassifyUsesRewrittenTool(t *testing.T) {
	engine := loadedEngine(t)
	input := toolInput("email")
	decision, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, policy.OutcomeRewrite, decision.Outcome)

	// The rewrite target, not the original name, drives classification.
	class, err := engine.Classify(context.Background(), input, decision)
	require.NoError(t, err)
	require.False(t, class.RequiresApproval)
	require.Equal(t, "low", class.RiskClass)
}

func TestClassifyDefaultsToLowRisk(t *testing.T) {
	engine := loadedEngine(t)
	input := toolInput("send_message")
	class, err := engine.Classify(context.Background(), input, policy.Decision{Outcome: policy.OutcomeAllow})
	require.NoError(t, err)
	require.False(t, class.RequiresApproval)
	require.Equal(t, "low", class.RiskClass)

	class, err = engine.Classify(context.Background(), policy.Input{
		Intent: contract.PlannerIntent{Type: contract.IntentComplete},
	}, policy.Decision{Outcome: policy.OutcomeAllow})
	require.NoError(t, err)
	require.Equal(t, "low", class.RiskClass)
	require.False(t, class.RequiresApproval)
}
