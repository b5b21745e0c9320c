// Package openai adapts the OpenAI Chat Completions API into the runtime's
// planning function.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/loomworks/loom/features/planner/protocol"
	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
)

type (
	// ChatClient is the subset of the OpenAI SDK the adapter uses. Satisfied
	// by client.Chat.Completions or a test double.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// MaxTokens caps the completion. Defaults to 2048.
		MaxTokens int64
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Planner produces intents via Chat Completions.
	Planner struct {
		chat ChatClient
		opts Options
	}
)

const defaultMaxTokens = 2048

// New builds the adapter from a Chat Completions client.
func New(chat ChatClient, opts Options) (*Planner, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Planner{chat: chat, opts: opts}, nil
}

// NewFromAPIKey constructs the adapter with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, opts)
}

// PlanFunc returns the planning function for the loop.
func (p *Planner) PlanFunc() planner.PlanFunc { return p.Plan }

// Plan issues one chat completion and maps the response to an intent.
func (p *Planner) Plan(ctx context.Context, input contract.PlannerInputV1) (contract.PlannerIntent, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(protocol.SystemPrompt(input)),
			openai.UserMessage(protocol.UserPrompt(input)),
		},
		Tools:               encodeTools(protocol.Tools(input)),
		MaxCompletionTokens: openai.Int(p.opts.MaxTokens),
	}
	if p.opts.Temperature > 0 {
		params.Temperature = openai.Float(p.opts.Temperature)
	}
	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return contract.PlannerIntent{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return contract.PlannerIntent{}, errors.New("openai: response carries no choices")
	}
	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		return protocol.MapToolCall(call.Function.Name, protocol.DecodeArgs(call.Function.Arguments))
	}
	if msg.Content == "" {
		return contract.PlannerIntent{}, errors.New("openai: response carries no tool call or text")
	}
	return protocol.TextFallback(msg.Content), nil
}

func encodeTools(specs []protocol.ToolSpec) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  shared.FunctionParameters(spec.Schema),
		}))
	}
	return tools
}
