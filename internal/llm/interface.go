package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Completer turns the latest user text into one assistant reply.
type Completer interface {
	Complete(ctx context.Context, userText string) (string, error)
}

// Client is minimal subset of openai.Client used by the completer; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}
