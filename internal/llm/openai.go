package llm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/comigor/chatsync/internal/config"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI-compatible client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// OpenAI completes through any OpenAI-compatible chat completions API.
type OpenAI struct {
	client       Client
	model        string
	systemPrompt string
}

// NewOpenAI creates a completer on client.
func NewOpenAI(client Client, cfg config.LLMConfig) *OpenAI {
	return &OpenAI{client: client, model: cfg.Model, systemPrompt: cfg.SystemPrompt}
}

// Complete sends the system prompt and userText only, with deterministic
// sampling and no streaming.
func (o *OpenAI) Complete(ctx context.Context, userText string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		// zero is dropped by omitempty, the smallest float keeps it on the wire
		Temperature: math.SmallestNonzeroFloat32,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	logger.L.Debug("LLM response received", "model", resp.Model, "choices", len(resp.Choices))

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return NoReplyText, nil
	}
	return resp.Choices[0].Message.Content, nil
}
