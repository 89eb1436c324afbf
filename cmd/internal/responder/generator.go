package responder

import (
	"context"
	"errors"
	"strings"
)

// FallbackReply is sent when the model returns no text.
const FallbackReply = "Sorry, I could not come up with a reply."

const DefaultTemperature = 0.7

var ErrNoChoices = errors.New("responder: model returned no choices")

// Generator produces the assistant's next turn for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt []Message) (string, error)
}

// EchoGenerator repeats the latest user turn. It needs no API key.
type EchoGenerator struct{}

func (EchoGenerator) Generate(_ context.Context, prompt []Message) (string, error) {
	for i := len(prompt) - 1; i >= 0; i-- {
		if prompt[i].Role == RoleUser {
			return "echo: " + strings.TrimSpace(prompt[i].Content), nil
		}
	}
	return "", nil
}
