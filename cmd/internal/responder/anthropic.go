package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// AnthropicGenerator replies through the Messages API.
type AnthropicGenerator struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

func NewAnthropicGenerator(apiKey string, optFns ...func(o *AnthropicOptions)) *AnthropicGenerator {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicGeneratorFromClient(&client, optFns...)
}

func NewAnthropicGeneratorFromClient(client *anthropic.Client, optFns ...func(o *AnthropicOptions)) *AnthropicGenerator {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: DefaultTemperature,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AnthropicGenerator{client: client, opts: opts}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt []Message) (string, error) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
	)
	for _, m := range prompt {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			// The conversation has to open with a user turn.
			if len(messages) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       g.opts.Model,
		Messages:    messages,
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}
