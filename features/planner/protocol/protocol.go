// Package protocol defines the provider-neutral planning protocol shared by
// the LLM planner adapters: how planner input renders into a prompt, which
// pseudo-tools expose the intent vocabulary, and how a provider tool call
// maps back onto a typed intent.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/runtime/contract"
)

// Pseudo-tool names reserved for non-tool intents.
const (
	AskUserTool  = "ask_user"
	CompleteTool = "complete"
)

// ToolSpec is the provider-facing declaration of one callable.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// SystemPrompt renders the planner instructions.
func SystemPrompt(input contract.PlannerInputV1) string {
	var b strings.Builder
	b.WriteString("You are the planning engine of a durable workflow runtime. ")
	b.WriteString("Each turn you choose exactly one next action by calling exactly one tool. ")
	b.WriteString("Call a domain tool to act, call ask_user to request missing information, ")
	b.WriteString("or call complete when the objective is met.\n")
	if len(input.PolicyConstraints) > 0 {
		b.WriteString("\nPolicy constraints:\n")
		for _, c := range input.PolicyConstraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if input.MemoryContext != "" {
		b.WriteString("\nContext from memory:\n")
		b.WriteString(input.MemoryContext)
		b.WriteString("\n")
	}
	return b.String()
}

// UserPrompt renders the objective and the prior-step transcript.
func UserPrompt(input contract.PlannerInputV1) string {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(input.ObjectivePrompt)
	b.WriteString("\n")
	if len(input.PriorSteps) > 0 {
		b.WriteString("\nSteps taken so far:\n")
		for _, step := range input.PriorSteps {
			fmt.Fprintf(&b, "%d. [%s/%s]", step.StepNumber, step.IntentType, step.Status)
			if step.ToolName != "" {
				fmt.Fprintf(&b, " %s", step.ToolName)
			}
			if step.Question != "" {
				fmt.Fprintf(&b, " asked: %s", step.Question)
			}
			if step.Summary != "" {
				fmt.Fprintf(&b, " -> %s", step.Summary)
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\nThis is step %d. Choose the single next action.", input.StepIndex)
	return b.String()
}

// Tools lists the provider tools for the input: one per available domain
// tool, plus the ask_user and complete pseudo-tools.
func Tools(input contract.PlannerInputV1) []ToolSpec {
	specs := make([]ToolSpec, 0, len(input.AvailableTools)+2)
	for _, name := range input.AvailableTools {
		specs = append(specs, ToolSpec{
			Name:        name,
			Description: fmt.Sprintf("Execute the %s tool with the arguments it expects.", name),
			Schema:      map[string]any{"type": "object"},
		})
	}
	specs = append(specs, ToolSpec{
		Name:        AskUserTool,
		Description: "Ask the user a clarifying question and wait for the reply.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"question": map[string]any{"type": "string"}},
			"required":   []any{"question"},
		},
	}, ToolSpec{
		Name:        CompleteTool,
		Description: "Declare the objective met and return the final output.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"output": map[string]any{"type": "object"}},
		},
	})
	return specs
}

// MapToolCall converts a provider tool call into a typed intent.
func MapToolCall(name string, args map[string]any) (contract.PlannerIntent, error) {
	switch name {
	case AskUserTool:
		question, _ := args["question"].(string)
		if question == "" {
			return contract.PlannerIntent{}, fmt.Errorf("ask_user call missing question")
		}
		return contract.PlannerIntent{Type: contract.IntentAskUser, Question: question}, nil
	case CompleteTool:
		output, _ := args["output"].(map[string]any)
		if output == nil {
			output = args
		}
		return contract.PlannerIntent{Type: contract.IntentComplete, Output: output}, nil
	case "":
		return contract.PlannerIntent{}, fmt.Errorf("tool call missing name")
	default:
		return contract.PlannerIntent{Type: contract.IntentToolCall, ToolName: name, Args: args}, nil
	}
}

// TextFallback maps a text-only response onto a complete intent, so a model
// that answers in prose still terminates the workflow deterministically.
func TextFallback(text string) contract.PlannerIntent {
	return contract.PlannerIntent{
		Type:   contract.IntentComplete,
		Output: map[string]any{"message": text},
	}
}

// DecodeArgs parses a provider's JSON argument string.
func DecodeArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}
