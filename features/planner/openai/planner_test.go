package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/stretchr/testify/require"

	openaiplanner "github.com/loomworks/loom/features/planner/openai"
	"github.com/loomworks/loom/runtime/contract"
)

type fakeChat struct {
	raw    string
	err    error
	params sdk.ChatCompletionNewParams
}

func (f *fakeChat) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	var resp sdk.ChatCompletion
	if err := json.Unmarshal([]byte(f.raw), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func plannerInput() contract.PlannerInputV1 {
	return contract.PlannerInputV1{
		ObjectivePrompt: "notify the on-call engineer",
		AvailableTools:  []string{"send_message"},
		StepIndex:       0,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openaiplanner.New(nil, openaiplanner.Options{Model: "gpt-4o"})
	require.ErrorContains(t, err, "client is required")

	_, err = openaiplanner.New(&fakeChat{}, openaiplanner.Options{})
	require.ErrorContains(t, err, "model identifier")

	_, err = openaiplanner.NewFromAPIKey("", openaiplanner.Options{Model: "gpt-4o"})
	require.ErrorContains(t, err, "api key")
}

func TestPlanMapsToolCallToIntent(t *testing.T) {
	fake := &fakeChat{raw: `{
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "send_message", "arguments": "{\"channel\": \"#oncall\"}"}
				}]
			}
		}]
	}`}
	p, err := openaiplanner.New(fake, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentToolCall, intent.Type)
	require.Equal(t, "send_message", intent.ToolName)
	require.Equal(t, "#oncall", intent.Args["channel"])

	require.Equal(t, shared.ChatModel("gpt-4o"), fake.params.Model)
	require.Len(t, fake.params.Tools, 3)
}

func TestPlanMapsCompletePseudoTool(t *testing.T) {
	fake := &fakeChat{raw: `{
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "complete", "arguments": "{\"output\": {\"summary\": \"done\"}}"}
				}]
			}
		}]
	}`}
	p, err := openaiplanner.New(fake, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentComplete, intent.Type)
	require.Equal(t, "done", intent.Output["summary"])
}

func TestPlanFallsBackToText(t *testing.T) {
	fake := &fakeChat{raw: `{
		"choices": [{"message": {"role": "assistant", "content": "Nothing left to do."}}]
	}`}
	p, err := openaiplanner.New(fake, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentComplete, intent.Type)
	require.Equal(t, "Nothing left to do.", intent.Output["message"])
}

func TestPlanRejectsEmptyChoices(t *testing.T) {
	fake := &fakeChat{raw: `{"choices": []}`}
	p, err := openaiplanner.New(fake, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), plannerInput())
	require.ErrorContains(t, err, "no choices")
}

func TestPlanRejectsEmptyMessage(t *testing.T) {
	fake := &fakeChat{raw: `{"choices": [{"message": {"role": "assistant"}}]}`}
	p, err := openaiplanner.New(fake, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), plannerInput())
	require.ErrorContains(t, err, "no tool call or text")
}

func TestPlanWrapsTransportError(t *testing.T) {
	sentinel := errors.New("502 bad gateway")
	p, err := openaiplanner.New(&fakeChat{err: sentinel}, openaiplanner.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), plannerInput())
	require.ErrorIs(t, err, sentinel)
	require.Contains(t, err.Error(), "openai chat completion")
}
