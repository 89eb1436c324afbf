package responder

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIOptions struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64 // 0 leaves the API default
}

// OpenAIGenerator replies through the Chat Completions API.
type OpenAIGenerator struct {
	client *openai.Client
	opts   OpenAIOptions
}

func NewOpenAIGenerator(apiKey string, optFns ...func(o *OpenAIOptions)) *OpenAIGenerator {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIGeneratorFromClient(&client, optFns...)
}

func NewOpenAIGeneratorFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIGenerator {
	opts := OpenAIOptions{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: DefaultTemperature,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIGenerator{client: client, opts: opts}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt []Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, m := range prompt {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       g.opts.Model,
		Temperature: openai.Float(g.opts.Temperature),
	}
	if g.opts.MaxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(g.opts.MaxCompletionTokens)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}
