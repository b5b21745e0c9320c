package anthropic_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	anthropic "github.com/loomworks/loom/features/planner/anthropic"
	"github.com/loomworks/loom/runtime/contract"
)

type fakeMessages struct {
	raw    string
	err    error
	params sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	var msg sdk.Message
	if err := json.Unmarshal([]byte(f.raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func plannerInput() contract.PlannerInputV1 {
	return contract.PlannerInputV1{
		ObjectivePrompt: "notify the on-call engineer",
		AvailableTools:  []string{"send_message"},
		StepIndex:       0,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := anthropic.New(nil, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.ErrorContains(t, err, "client is required")

	_, err = anthropic.New(&fakeMessages{}, anthropic.Options{})
	require.ErrorContains(t, err, "model identifier")

	_, err = anthropic.NewFromAPIKey("", anthropic.Options{Model: "claude-sonnet-4-5"})
	require.ErrorContains(t, err, "api key")
}

func TestPlanMapsToolUseToIntent(t *testing.T) {
	fake := &fakeMessages{raw: `{
		"content": [
			{"type": "text", "text": "I will notify the channel."},
			{"type": "tool_use", "id": "tu_1", "name": "send_message", "input": {"channel": "#oncall", "text": "paging"}}
		]
	}`}
	p, err := anthropic.New(fake, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentToolCall, intent.Type)
	require.Equal(t, "send_message", intent.ToolName)
	require.Equal(t, "#oncall", intent.Args["channel"])

	// One tool per available name plus ask_user and complete.
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.params.Model)
	require.Len(t, fake.params.Tools, 3)
	require.Equal(t, int64(2048), fake.params.MaxTokens)
}

func TestPlanMapsPseudoTools(t *testing.T) {
	fake := &fakeMessages{raw: `{
		"content": [{"type": "tool_use", "id": "tu_1", "name": "ask_user", "input": {"question": "which channel?"}}]
	}`}
	p, err := anthropic.New(fake, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentAskUser, intent.Type)
	require.Equal(t, "which channel?", intent.Question)
}

func TestPlanFallsBackToText(t *testing.T) {
	fake := &fakeMessages{raw: `{
		"content": [{"type": "text", "text": "The objective is already met."}]
	}`}
	p, err := anthropic.New(fake, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), plannerInput())
	require.NoError(t, err)
	require.Equal(t, contract.IntentComplete, intent.Type)
	require.Equal(t, "The objective is already met.", intent.Output["message"])
}

func TestPlanRejectsEmptyResponse(t *testing.T) {
	fake := &fakeMessages{raw: `{"content": []}`}
	p, err := anthropic.New(fake, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), plannerInput())
	require.ErrorContains(t, err, "no tool call or text")
}

func TestPlanWrapsTransportError(t *testing.T) {
	sentinel := errors.New("connection refused")
	p, err := anthropic.New(&fakeMessages{err: sentinel}, anthropic.Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), plannerInput())
	require.ErrorIs(t, err, sentinel)
	require.Contains(t, err.Error(), "anthropic messages.new")
}
