// Package anthropic adapts the Anthropic Claude Messages API into the
// runtime's planning function. The planner input renders into a single
// Messages request whose tools carry the intent vocabulary; the first tool
// call in the response becomes the intent.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/features/planner/protocol"
	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
)

type (
	// MessagesClient is the subset of the Anthropic SDK the adapter uses.
	// Satisfied by *sdk.MessageService or a test double.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the completion. Defaults to 2048.
		MaxTokens int64
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Planner produces intents via Claude.
	Planner struct {
		msg  MessagesClient
		opts Options
	}
)

const defaultMaxTokens = 2048

// New builds the adapter from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Planner{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs the adapter with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, opts)
}

// PlanFunc returns the planning function for the loop.
func (p *Planner) PlanFunc() planner.PlanFunc { return p.Plan }

// Plan issues one Messages request and maps the response to an intent.
func (p *Planner) Plan(ctx context.Context, input contract.PlannerInputV1) (contract.PlannerIntent, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.opts.Model),
		MaxTokens: p.opts.MaxTokens,
		System:    []sdk.TextBlockParam{{Text: protocol.SystemPrompt(input)}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(protocol.UserPrompt(input)))},
		Tools:     encodeTools(protocol.Tools(input)),
	}
	if p.opts.Temperature > 0 {
		params.Temperature = sdk.Float(p.opts.Temperature)
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return contract.PlannerIntent{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translate(msg)
}

func encodeTools(specs []protocol.ToolSpec) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: spec.Schema}, spec.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translate(msg *sdk.Message) (contract.PlannerIntent, error) {
	if msg == nil {
		return contract.PlannerIntent{}, errors.New("anthropic: response message is nil")
	}
	text := ""
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				args = protocol.DecodeArgs(string(block.Input))
			}
			return protocol.MapToolCall(block.Name, args)
		case "text":
			text += block.Text
		}
	}
	if text == "" {
		return contract.PlannerIntent{}, errors.New("anthropic: response carries no tool call or text")
	}
	return protocol.TextFallback(text), nil
}
